package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/term"

	"github.com/tabsync/tabsync/internal/client"
	"github.com/tabsync/tabsync/internal/config"
	"github.com/tabsync/tabsync/internal/model"
)

// ctrl-] detaches, the way telnet does; ctrl-C must pass through to the
// remote shell.
const detachKey = 0x1d

func main() {
	cfg := config.DefaultConfig()
	flag.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "websocket URL of tabsyncd")
	flag.StringVar(&cfg.StateDir, "state", cfg.StateDir, "directory for persisted layout")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		fatal(errors.New("stdin is not a terminal"))
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		fatal(err)
	}
	defer term.Restore(fd, oldState) //nolint:errcheck

	cols, rows, err := term.GetSize(fd)
	if err != nil {
		cols, rows = 80, 24
	}
	surf := newTermSurface(cols, rows)

	c := client.New(cfg)
	var active atomic.Value
	var bootstrap sync.Once
	c.OnStatus = func(connected bool) {
		if !connected {
			fmt.Fprintf(os.Stderr, "tabsync: disconnected, reconnecting...\r\n")
		}
	}
	c.OnSync = func() {
		bootstrap.Do(func() {
			tabID := ""
			if panes := c.Store().Panes(); len(panes) > 0 {
				tabID = panes[0].ActiveTabID
			}
			if tabID == "" {
				tabID = c.CreateTab(model.PanePrimary, "Terminal")
			}
			active.Store(tabID)
			c.AttachTab(tabID, surf, surf.cols(), surf.rows())
		})
	}

	go pumpStdin(c, &active, cancel)
	go watchResize(c, &active, surf, fd)

	err = c.Run(ctx)
	term.Restore(fd, oldState) //nolint:errcheck
	if err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "tabsync: detached\n")
}

func pumpStdin(c *client.Client, active *atomic.Value, cancel context.CancelFunc) {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			cancel()
			return
		}
		for i := 0; i < n; i++ {
			if buf[i] == detachKey {
				cancel()
				return
			}
		}
		tabID, ok := active.Load().(string)
		if !ok || n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		c.SendInput(tabID, data)
	}
}

func watchResize(c *client.Client, active *atomic.Value, surf *termSurface, fd int) {
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	for range winch {
		cols, rows, err := term.GetSize(fd)
		if err != nil {
			continue
		}
		surf.setSize(cols, rows)
		if tabID, ok := active.Load().(string); ok {
			c.LocalResize(tabID, cols, rows)
		}
	}
}

// termSurface renders by passing bytes straight through to stdout. Resize
// is bookkeeping only: the controlling terminal's real size comes from
// SIGWINCH, and the recorded size is what the pipeline compares
// authoritative dimensions against.
type termSurface struct {
	mu   sync.Mutex
	c, r int
}

func newTermSurface(cols, rows int) *termSurface {
	return &termSurface{c: cols, r: rows}
}

func (s *termSurface) Write(p []byte) error {
	_, err := os.Stdout.Write(p)
	return err
}

func (s *termSurface) Resize(cols, rows int) error {
	s.setSize(cols, rows)
	return nil
}

func (s *termSurface) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c, s.r
}

func (s *termSurface) setSize(cols, rows int) {
	s.mu.Lock()
	s.c, s.r = cols, rows
	s.mu.Unlock()
}

func (s *termSurface) cols() int {
	c, _ := s.Size()
	return c
}

func (s *termSurface) rows() int {
	_, r := s.Size()
	return r
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "tabsync: %v\n", err)
	os.Exit(1)
}
