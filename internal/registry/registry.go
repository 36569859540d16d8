package registry

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

const (
	defaultScrollback = 2 << 20
	readBufferSize    = 32 * 1024
	subscriberBuffer  = 256
)

// Status of a session's underlying process.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
)

// Session is one long-lived shell behind a PTY. Output fans out to
// subscribers and accumulates in a scrollback ring.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu          sync.Mutex
	cmd         *exec.Cmd
	ptmx        *os.File
	cols        int
	rows        int
	status      Status
	scrollback  *ringBuffer
	subscribers map[chan []byte]struct{}
}

// Dimensions returns the authoritative geometry last applied to the PTY.
func (s *Session) Dimensions() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// HasScrollback reports whether any output has been retained.
func (s *Session) HasScrollback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scrollback.Len() > 0
}

// Scrollback returns the retained output, oldest first.
func (s *Session) Scrollback() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scrollback.Bytes()
}

// Registry owns all live sessions. It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	shell           string
	scrollbackLimit int

	// OnExit is invoked from the session's wait goroutine when the
	// process ends on its own. Optional.
	OnExit func(s *Session)
}

func New(scrollbackLimit int) *Registry {
	if scrollbackLimit <= 0 {
		scrollbackLimit = defaultScrollback
	}
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return &Registry{
		sessions:        map[string]*Session{},
		shell:           shell,
		scrollbackLimit: scrollbackLimit,
	}
}

// WithShell overrides the spawned command. Tests use /bin/cat.
func (r *Registry) WithShell(path string) *Registry {
	r.shell = path
	return r
}

// Create spawns a fresh session at the requested geometry.
func (r *Registry) Create(cols, rows int) (*Session, error) {
	if cols <= 0 || rows <= 0 {
		return nil, fmt.Errorf("invalid geometry %dx%d", cols, rows)
	}
	cmd := exec.Command(r.shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	s := &Session{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		cmd:         cmd,
		ptmx:        ptmx,
		cols:        cols,
		rows:        rows,
		status:      StatusRunning,
		scrollback:  newRingBuffer(r.scrollbackLimit),
		subscribers: map[chan []byte]struct{}{},
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	go r.readLoop(s)
	go r.waitLoop(s)
	return s, nil
}

// Resume returns the live session for id, or degrades to a fresh session
// when the id is unknown or the process has exited. The second return is
// true only when the existing session was resumed; callers always adopt the
// returned session's id.
func (r *Registry) Resume(id string, cols, rows int) (*Session, bool, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if ok && s.Status() == StatusRunning {
		if err := r.Resize(s.ID, cols, rows); err != nil {
			return nil, false, err
		}
		return s, true, nil
	}
	fresh, err := r.Create(cols, rows)
	if err != nil {
		return nil, false, err
	}
	return fresh, false, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Write delivers input bytes to the session's PTY.
func (r *Registry) Write(id string, data []byte) error {
	s, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	s.mu.Lock()
	ptmx := s.ptmx
	status := s.status
	s.mu.Unlock()
	if status != StatusRunning || ptmx == nil {
		return fmt.Errorf("session %s not running", id)
	}
	if _, err := ptmx.Write(data); err != nil {
		return fmt.Errorf("write session %s: %w", id, err)
	}
	return nil
}

// Resize applies new geometry to the PTY and records it as authoritative.
func (r *Registry) Resize(id string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid geometry %dx%d", cols, rows)
	}
	s, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cols == cols && s.rows == rows {
		return nil
	}
	if s.status == StatusRunning && s.ptmx != nil {
		if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
			return fmt.Errorf("resize session %s: %w", id, err)
		}
	}
	s.cols = cols
	s.rows = rows
	return nil
}

// Subscribe registers a channel receiving output chunks. Slow subscribers
// drop chunks rather than stall the read loop; scrollback replay recovers
// the bytes.
func (r *Registry) Subscribe(id string) (<-chan []byte, func(), error) {
	s, ok := r.Get(id)
	if !ok {
		return nil, nil, fmt.Errorf("session %s not found", id)
	}
	ch := make(chan []byte, subscriberBuffer)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
	}
	return ch, cancel, nil
}

// Close kills the session's process group and forgets the session.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusRunning && s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGHUP)
		_ = s.cmd.Process.Kill()
	}
	if s.ptmx != nil {
		_ = s.ptmx.Close()
	}
	s.status = StatusExited
	return nil
}

// CloseAll tears down every session, for daemon shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		_ = r.Close(id)
	}
}

func (r *Registry) readLoop(s *Session) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.mu.Lock()
			_, _ = s.scrollback.Write(chunk)
			for ch := range s.subscribers {
				select {
				case ch <- chunk:
				default:
				}
			}
			s.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (r *Registry) waitLoop(s *Session) {
	_ = s.cmd.Wait()
	s.mu.Lock()
	if s.status == StatusRunning {
		s.status = StatusExited
		if s.ptmx != nil {
			_ = s.ptmx.Close()
		}
	}
	s.mu.Unlock()
	if r.OnExit != nil {
		r.OnExit(s)
	}
}
