// Package client runs the terminal-side half of tab synchronization: a
// single event loop owning the tab store, reconciliation engine,
// attachment registry, and per-tab streaming pipelines, fed by one
// reconnecting websocket.
package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tabsync/tabsync/internal/attach"
	"github.com/tabsync/tabsync/internal/config"
	"github.com/tabsync/tabsync/internal/model"
	"github.com/tabsync/tabsync/internal/persist"
	"github.com/tabsync/tabsync/internal/pipeline"
	"github.com/tabsync/tabsync/internal/protocol"
	"github.com/tabsync/tabsync/internal/reconcile"
	"github.com/tabsync/tabsync/internal/tabstore"
)

// ErrDisconnected is surfaced once the reconnect budget is exhausted.
var ErrDisconnected = errors.New("client: server unreachable, reconnect attempts exhausted")

// Client owns all local terminal-session state. Every mutation runs on the
// loop goroutine inside Run; exported command methods post closures onto
// the loop, so callers on other goroutines never touch state directly.
type Client struct {
	cfg    config.Config
	store  *tabstore.Store
	layout *persist.Store
	engine *reconcile.Engine
	atts   *attach.Registry

	events chan func()

	ws        *websocket.Conn
	connected bool
	outbox    []protocol.Envelope
	seq       uint64

	// OnStatus, if set, is invoked on the loop for connect and disconnect
	// transitions.
	OnStatus func(connected bool)

	// OnSync, if set, is invoked on the loop after each applied canonical
	// snapshot.
	OnSync func()

	// OnError, if set, is invoked on the loop when a posted command is
	// rejected locally. Commands return before their mutation runs, so this
	// is the only place such a rejection surfaces.
	OnError func(err error)

	logf func(format string, args ...any)
}

func New(cfg config.Config) *Client {
	store := tabstore.New()
	c := &Client{
		cfg:    cfg,
		store:  store,
		layout: persist.NewStore(cfg.StateDir),
		events: make(chan func(), 256),
		logf: func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, "tabsync: "+format+"\n", args...)
		},
	}
	c.engine = reconcile.NewEngine(store, nil)
	c.atts = attach.NewRegistry(transport{c}, cfg.MinSessionDwell)
	return c
}

// Store exposes the tab store for rendering. Read it only from closures
// posted via Do.
func (c *Client) Store() *tabstore.Store { return c.store }

// Do posts work onto the event loop.
func (c *Client) Do(fn func()) {
	c.events <- fn
}

// Run rehydrates persisted layout, starts the reconnecting transport, and
// drives the event loop until ctx is done or the reconnect budget runs
// out.
func (c *Client) Run(ctx context.Context) error {
	if layout, err := c.layout.Load(); err != nil {
		c.logf("layout: %v", err)
	} else if len(layout.Panes) > 0 {
		c.store.Rehydrate(layout.Panes, layout.Tabs)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	failed := make(chan error, 1)
	go c.connectLoop(ctx, failed)

	ticker := time.NewTicker(c.cfg.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.detachAll()
			return ctx.Err()
		case err := <-failed:
			c.detachAll()
			return err
		case fn := <-c.events:
			fn()
		case <-ticker.C:
			c.frame()
		}
	}
}

// connectLoop dials the server with exponential backoff and pumps inbound
// messages onto the event loop. It is the sole reader; all writes happen
// on the loop goroutine.
func (c *Client) connectLoop(ctx context.Context, failed chan<- error) {
	backoff := c.cfg.ReconnectMinBackoff
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.ServerURL, http.Header{})
		if err != nil {
			attempts++
			if c.cfg.MaxReconnectAttempts > 0 && attempts >= c.cfg.MaxReconnectAttempts {
				failed <- ErrDisconnected
				return
			}
			if sleepErr := sleepWithContext(ctx, backoff); sleepErr != nil {
				return
			}
			backoff *= 2
			if backoff > c.cfg.ReconnectMaxBackoff {
				backoff = c.cfg.ReconnectMaxBackoff
			}
			continue
		}
		backoff = c.cfg.ReconnectMinBackoff
		attempts = 0

		c.Do(func() { c.onConnected(ws) })
		c.readAll(ws)
		c.Do(c.onDisconnected)
	}
}

func (c *Client) readAll(ws *websocket.Conn) {
	ws.SetReadLimit(protocol.DefaultMaxSize)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		c.Do(func() { c.handleEnvelope(env) })
	}
}

func (c *Client) onConnected(ws *websocket.Conn) {
	c.ws = ws
	c.connected = true
	if c.OnStatus != nil {
		c.OnStatus(true)
	}
	// Canonical state is re-requested on every reconnect, then the
	// mutations deferred while disconnected go out.
	c.send(protocol.TypeTabsRequest, "", nil)
	queued := c.outbox
	c.outbox = nil
	for _, env := range queued {
		c.write(env)
	}
}

func (c *Client) onDisconnected() {
	c.ws = nil
	c.connected = false
	if c.OnStatus != nil {
		c.OnStatus(false)
	}
}

// fail reports a locally rejected command through OnError when a handler is
// installed, falling back to the log otherwise.
func (c *Client) fail(op string, err error) {
	if c.OnError != nil {
		c.OnError(fmt.Errorf("%s: %w", op, err))
		return
	}
	c.logf("%s: %v", op, err)
}

func (c *Client) detachAll() {
	if err := c.atts.DetachAll(); err != nil {
		c.logf("detach: %v", err)
	}
}

// frame is one render-frame boundary: late reconciliation snapshots flush
// and every live pipeline writes at most one chunk.
func (c *Client) frame() {
	if c.engine.Flush(time.Now()) {
		c.observeSessions()
		c.persistLayout()
		if c.OnSync != nil {
			c.OnSync()
		}
	}
	c.atts.Each(func(tabID string, a *attach.Attachment) {
		if pipe := a.Pipeline(); pipe != nil {
			if err := pipe.Frame(); err != nil {
				c.logf("render %s: %v", tabID, err)
			}
		}
	})
}

func (c *Client) handleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeTabsSync:
		var payload protocol.TabsSyncPayload
		if err := env.DecodePayload(&payload); err != nil {
			c.logf("tabs sync: %v", err)
			return
		}
		if c.engine.Apply(time.Now(), payload.Tabs) {
			c.observeSessions()
			c.persistLayout()
			if c.OnSync != nil {
				c.OnSync()
			}
		}
	case protocol.TypeSessionUpdated:
		var payload protocol.SessionUpdatedPayload
		if err := env.DecodePayload(&payload); err != nil {
			return
		}
		if err := c.store.SetTabSession(payload.TabID, payload.SessionID); err != nil {
			return
		}
		if err := c.atts.ObserveSession(payload.TabID, payload.SessionID); err != nil {
			c.logf("reattach %s: %v", payload.TabID, err)
		}
		c.persistLayout()
	case protocol.TypeTerminalCreated:
		var payload protocol.TerminalCreatedPayload
		if err := env.DecodePayload(&payload); err != nil {
			return
		}
		c.handleCreated(env.RequestID, payload)
	case protocol.TypeTerminalOutput:
		var payload protocol.TerminalOutputPayload
		if err := env.DecodePayload(&payload); err != nil {
			return
		}
		c.ingest(payload.TerminalID, payload.BytesBase64)
	case protocol.TypeTerminalHistory:
		var payload protocol.TerminalHistoryPayload
		if err := env.DecodePayload(&payload); err != nil {
			return
		}
		c.ingest(payload.TerminalID, payload.BytesBase64)
	case protocol.TypeTerminalDimensions:
		var payload protocol.TerminalDimensionsPayload
		if err := env.DecodePayload(&payload); err != nil {
			return
		}
		if a, ok := c.atts.Get(payload.TerminalID); ok && a.Pipeline() != nil {
			if err := a.Pipeline().ApplyDimensions(payload.Cols, payload.Rows); err != nil {
				c.logf("resize %s: %v", payload.TerminalID, err)
			}
		}
	case protocol.TypeError:
		var payload protocol.ErrorPayload
		if err := env.DecodePayload(&payload); err != nil {
			return
		}
		c.logf("server error %s: %s", payload.Code, payload.Message)
	}
}

func (c *Client) handleCreated(requestID string, payload protocol.TerminalCreatedPayload) {
	if err := c.atts.HandleCreated(requestID, payload); err != nil {
		c.logf("attach %s: %v", payload.TerminalID, err)
		return
	}
	a, ok := c.atts.Get(payload.TerminalID)
	if !ok || a.SessionID() != payload.SessionID {
		// Stale confirmation; the registry dropped it.
		return
	}
	tab, known := c.store.Tab(payload.TerminalID)
	if known && tab.SessionID != payload.SessionID {
		c.store.SetTabSession(payload.TerminalID, payload.SessionID)
		c.sendMutation(protocol.TypeTabSetSession, protocol.TabSetSessionPayload{
			TabID:     payload.TerminalID,
			SessionID: payload.SessionID,
		})
		c.persistLayout()
	}
}

func (c *Client) ingest(terminalID, bytesBase64 string) {
	a, ok := c.atts.Get(terminalID)
	if !ok || a.Pipeline() == nil {
		return
	}
	data, err := base64.StdEncoding.DecodeString(bytesBase64)
	if err != nil {
		return
	}
	a.Pipeline().Ingest(data)
}

// observeSessions feeds canonical session bindings into the attachment
// registry after a reconciliation pass, triggering reattachment where an
// id changed under a live attachment.
func (c *Client) observeSessions() {
	for _, tabID := range c.store.FlattenedTabIDs() {
		tab, _ := c.store.Tab(tabID)
		if tab.SessionID == "" {
			continue
		}
		if err := c.atts.ObserveSession(tabID, tab.SessionID); err != nil {
			c.logf("reattach %s: %v", tabID, err)
		}
	}
}

func (c *Client) persistLayout() {
	var tabs []model.Tab
	for _, tabID := range c.store.FlattenedTabIDs() {
		tab, _ := c.store.Tab(tabID)
		tabs = append(tabs, tab)
	}
	if err := c.layout.Save(persist.Layout{Panes: c.store.Panes(), Tabs: tabs}); err != nil {
		c.logf("persist: %v", err)
	}
}

func (c *Client) nextSeq() uint64 {
	c.seq++
	return c.seq
}

// send writes immediately when connected and drops otherwise. Volatile
// traffic (input, resize) takes this path.
func (c *Client) send(msgType, requestID string, payload any) {
	env, err := protocol.NewEnvelope(msgType, c.nextSeq(), requestID, payload)
	if err != nil {
		c.logf("encode %s: %v", msgType, err)
		return
	}
	if !c.connected {
		return
	}
	c.write(env)
}

// sendMutation defers while disconnected and retries the queue on
// reconnect. Proposed tab mutations take this path.
func (c *Client) sendMutation(msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, c.nextSeq(), "", payload)
	if err != nil {
		c.logf("encode %s: %v", msgType, err)
		return
	}
	if !c.connected {
		c.outbox = append(c.outbox, env)
		return
	}
	c.write(env)
}

func (c *Client) write(env protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		c.logf("encode %s: %v", env.Type, err)
		return
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logf("write %s: %v", env.Type, err)
	}
}

// transport adapts the client loop to the attachment registry. All calls
// originate on the loop goroutine.
type transport struct {
	c *Client
}

func (t transport) TerminalCreate(requestID, terminalID string, cols, rows int, sessionID string) error {
	t.c.send(protocol.TypeTerminalCreate, requestID, protocol.TerminalCreatePayload{
		TerminalID: terminalID,
		Cols:       cols,
		Rows:       rows,
		SessionID:  sessionID,
	})
	return nil
}

func (t transport) RequestHistory(terminalID, sessionID string) error {
	t.c.send(protocol.TypeTerminalHistoryReq, "", protocol.TerminalHistoryRequestPayload{
		TerminalID: terminalID,
		SessionID:  sessionID,
	})
	return nil
}

func (t transport) TerminalClose(terminalID, sessionID string, destroySession bool) error {
	t.c.send(protocol.TypeTerminalClose, "", protocol.TerminalClosePayload{
		TerminalID:     terminalID,
		SessionID:      sessionID,
		DestroySession: destroySession,
	})
	return nil
}

// pipelineFor builds the per-tab pipeline, routing locally driven resizes
// back to the transport.
func (c *Client) pipelineFor(tabID string) *pipeline.Pipeline {
	return pipeline.New(c.cfg.ChunkSize, c.cfg.ResizeSettle, func(cols, rows int) {
		c.send(protocol.TypeTerminalResize, "", protocol.TerminalResizePayload{
			TerminalID: tabID,
			Cols:       cols,
			Rows:       rows,
		})
	})
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
