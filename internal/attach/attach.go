package attach

import (
	"time"

	"github.com/google/uuid"

	"github.com/tabsync/tabsync/internal/model"
	"github.com/tabsync/tabsync/internal/pipeline"
	"github.com/tabsync/tabsync/internal/protocol"
)

// Transport sends attachment commands to the server. The client connection
// implements it; tests use a recording fake.
type Transport interface {
	TerminalCreate(requestID, terminalID string, cols, rows int, sessionID string) error
	RequestHistory(terminalID, sessionID string) error
	TerminalClose(terminalID, sessionID string, destroySession bool) error
}

// Attachment binds one tab to a remote session. All methods run on the
// client event loop; asynchronous confirmations are guarded by the
// generation counter, so a reply to a superseded attempt is dropped
// instead of tearing down a newer one.
type Attachment struct {
	tabID      string
	state      model.AttachState
	generation uint64
	sessionID  string

	createdSession bool
	createdAt      time.Time

	cols, rows int
	pipe       *pipeline.Pipeline
}

func (a *Attachment) State() model.AttachState { return a.state }
func (a *Attachment) SessionID() string        { return a.sessionID }
func (a *Attachment) Generation() uint64       { return a.generation }
func (a *Attachment) Pipeline() *pipeline.Pipeline {
	return a.pipe
}

// Registry tracks the live attachments of one client instance. It is
// injected where needed and never process-global, so duplicate
// initialization of a client cannot share attachment state.
type Registry struct {
	transport Transport
	minDwell  time.Duration
	now       func() time.Time

	attachments map[string]*Attachment
	// inflight correlates create confirmations back to the attempt that
	// sent them.
	inflight map[string]inflightRef
	// lastGen keeps generations monotonic per tab across attachment
	// instances, so a confirmation for a torn-down attempt can never match
	// a later one.
	lastGen map[string]uint64
}

func (r *Registry) bump(tabID string) uint64 {
	r.lastGen[tabID]++
	r.pruneInflight(tabID)
	return r.lastGen[tabID]
}

// pruneInflight drops refs for attempts the tab has moved past. Their
// confirmations could never match anyway; this just keeps the map from
// accumulating them.
func (r *Registry) pruneInflight(tabID string) {
	for requestID, ref := range r.inflight {
		if ref.tabID == tabID && ref.generation < r.lastGen[tabID] {
			delete(r.inflight, requestID)
		}
	}
}

type inflightRef struct {
	tabID      string
	generation uint64
}

func NewRegistry(transport Transport, minDwell time.Duration) *Registry {
	return &Registry{
		transport:   transport,
		minDwell:    minDwell,
		now:         time.Now,
		attachments: map[string]*Attachment{},
		inflight:    map[string]inflightRef{},
		lastGen:     map[string]uint64{},
	}
}

// Attach starts (or restarts) the attachment for a tab. knownSessionID, if
// non-empty, asks the server to resume that session; the server may
// substitute a fresh one, and the confirmation's id wins either way. A tab
// that already has a live attachment gets it back unchanged, defeating
// re-entrant double initialization.
func (r *Registry) Attach(tabID, knownSessionID string, cols, rows int, pipe *pipeline.Pipeline) (*Attachment, error) {
	if a, ok := r.attachments[tabID]; ok && a.state != model.AttachDetached {
		return a, nil
	}
	a := &Attachment{
		tabID:     tabID,
		state:     model.AttachAttaching,
		sessionID: knownSessionID,
		cols:      cols,
		rows:      rows,
		pipe:      pipe,
	}
	a.generation = r.bump(tabID)
	r.attachments[tabID] = a
	if err := r.send(a); err != nil {
		return nil, err
	}
	return a, nil
}

func (r *Registry) send(a *Attachment) error {
	requestID := uuid.NewString()
	r.inflight[requestID] = inflightRef{tabID: a.tabID, generation: a.generation}
	return r.transport.TerminalCreate(requestID, a.tabID, a.cols, a.rows, a.sessionID)
}

// Each visits every live attachment. The callback must not mutate the
// registry.
func (r *Registry) Each(fn func(tabID string, a *Attachment)) {
	for tabID, a := range r.attachments {
		fn(tabID, a)
	}
}

// Get returns the attachment for a tab, if any.
func (r *Registry) Get(tabID string) (*Attachment, bool) {
	a, ok := r.attachments[tabID]
	return a, ok
}

// HandleCreated processes a terminal:created confirmation. Replies whose
// generation no longer matches are dropped silently. The returned id is
// adopted unconditionally, overwriting whatever the attachment thought it
// knew, so stale persisted ids self-heal. On success the scrollback history
// is requested explicitly in case the automatic push was missed.
func (r *Registry) HandleCreated(requestID string, created protocol.TerminalCreatedPayload) error {
	ref, ok := r.inflight[requestID]
	if !ok {
		return nil
	}
	delete(r.inflight, requestID)
	a, ok := r.attachments[ref.tabID]
	if !ok || ref.generation != a.generation {
		return nil
	}
	a.sessionID = created.SessionID
	if !created.Restored {
		a.createdSession = true
		a.createdAt = r.now()
	}
	a.state = model.AttachAttached
	if a.pipe != nil && created.Cols > 0 && created.Rows > 0 {
		if err := a.pipe.ApplyDimensions(created.Cols, created.Rows); err != nil {
			return err
		}
	}
	return r.transport.RequestHistory(a.tabID, a.sessionID)
}

// ObserveSession handles a canonical session id change for a tab. A new id
// while attached triggers reattachment: the old channel is torn down
// locally, the generation advances, and a resume for the new id goes out.
func (r *Registry) ObserveSession(tabID, sessionID string) error {
	a, ok := r.attachments[tabID]
	if !ok || sessionID == "" || sessionID == a.sessionID {
		return nil
	}
	switch a.state {
	case model.AttachAttaching, model.AttachReattaching:
		// Not confirmed yet; the pending confirmation's id wins.
		return nil
	case model.AttachDetached:
		return nil
	}
	a.state = model.AttachReattaching
	a.generation = r.bump(tabID)
	if err := r.transport.TerminalClose(a.tabID, a.sessionID, false); err != nil {
		return err
	}
	a.sessionID = sessionID
	a.createdSession = false
	return r.send(a)
}

// Detach tears the attachment down. The remote session is destroyed only
// when this attachment created it and it has lived past the minimum dwell
// time; a transient unmount therefore leaves the session alive for the
// next attachment to resume.
func (r *Registry) Detach(tabID string) error {
	a, ok := r.attachments[tabID]
	if !ok || a.state == model.AttachDetached {
		return nil
	}
	destroy := a.createdSession && r.now().Sub(a.createdAt) >= r.minDwell
	a.state = model.AttachDetached
	r.bump(tabID)
	delete(r.attachments, tabID)
	return r.transport.TerminalClose(a.tabID, a.sessionID, destroy)
}

// DetachAll tears down every live attachment, keeping sessions alive.
func (r *Registry) DetachAll() error {
	for tabID, a := range r.attachments {
		a.state = model.AttachDetached
		r.bump(tabID)
		delete(r.attachments, tabID)
		if err := r.transport.TerminalClose(a.tabID, a.sessionID, false); err != nil {
			return err
		}
	}
	return nil
}
