package daemon

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tabsync/tabsync/internal/db"
	"github.com/tabsync/tabsync/internal/model"
	"github.com/tabsync/tabsync/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// conn is one connected client. Outbound messages go through the buffered
// send channel so a slow client never blocks the registry read loops or a
// broadcast.
type conn struct {
	server *Server
	ws     *websocket.Conn

	send chan []byte
	done chan struct{}
	once sync.Once
	seq  atomic.Uint64

	inputLimiter *rate.Limiter

	mu        sync.Mutex
	terminals map[string]*terminalBinding
}

// terminalBinding ties a client-side terminal id to a session subscription.
type terminalBinding struct {
	sessionID string
	cancel    func()
	stop      chan struct{}
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	return &conn{
		server:       s,
		ws:           ws,
		send:         make(chan []byte, broadcastBuffer),
		done:         make(chan struct{}),
		inputLimiter: rate.NewLimiter(rate.Limit(s.cfg.InputRatePerSec), s.cfg.InputBurst),
		terminals:    map[string]*terminalBinding{},
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		for id, binding := range c.terminals {
			binding.cancel()
			close(binding.stop)
			delete(c.terminals, id)
		}
		c.mu.Unlock()
		_ = c.ws.Close()
	})
}

func (c *conn) sendMessage(msgType, requestID string, payload any) {
	env, err := protocol.NewEnvelope(msgType, c.seq.Add(1), requestID, payload)
	if err != nil {
		log.Printf("build %s message: %v", msgType, err)
		return
	}
	data, err := protocol.Encode(env)
	if err != nil {
		log.Printf("encode %s message: %v", msgType, err)
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		// Queue full: drop. Canonical state repairs on the next sync,
		// terminal bytes on the next history replay.
	}
}

func (c *conn) sendError(requestID, code, message string, recoverable bool) {
	c.sendMessage(protocol.TypeError, requestID, protocol.ErrorPayload{
		Code:        code,
		Message:     message,
		Recoverable: recoverable,
	})
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) readPump() {
	c.ws.SetReadLimit(protocol.DefaultMaxSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.sendError("", model.ErrCodeInvalidFrame, "invalid message", false)
			return
		}
		c.handleMessage(env)
	}
}

func (c *conn) handleMessage(env protocol.Envelope) {
	ctx := context.Background()
	switch env.Type {
	case protocol.TypeTabsRequest:
		c.handleTabsRequest(ctx, env)
	case protocol.TypeTabCreate:
		c.handleTabCreate(ctx, env)
	case protocol.TypeTabClose:
		c.handleTabClose(ctx, env)
	case protocol.TypeTabRename:
		c.handleTabRename(ctx, env)
	case protocol.TypeTabSetSession:
		c.handleTabSetSession(ctx, env)
	case protocol.TypeTerminalCreate:
		c.handleTerminalCreate(ctx, env)
	case protocol.TypeTerminalInput:
		c.handleTerminalInput(env)
	case protocol.TypeTerminalResize:
		c.handleTerminalResize(env)
	case protocol.TypeTerminalHistoryReq:
		c.handleTerminalHistory(env)
	case protocol.TypeTerminalClose:
		c.handleTerminalClose(ctx, env)
	default:
		c.sendError(env.RequestID, model.ErrCodeInvalidFrame, "unknown message type", true)
	}
}

func (c *conn) handleTabsRequest(ctx context.Context, env protocol.Envelope) {
	payload, err := c.server.syncPayload(ctx)
	if err != nil {
		c.sendError(env.RequestID, model.ErrCodeInternal, "failed to read tabs", true)
		return
	}
	c.sendMessage(protocol.TypeTabsSync, env.RequestID, payload)
}

func (c *conn) handleTabCreate(ctx context.Context, env protocol.Envelope) {
	var req protocol.TabCreatePayload
	if err := env.DecodePayload(&req); err != nil {
		c.sendError(env.RequestID, model.ErrCodeInvalidFrame, "invalid tab:create payload", true)
		return
	}
	err := c.server.store.InsertTab(ctx, model.CanonicalTab{ID: req.ID, Name: req.Name})
	if err != nil && !errors.Is(err, db.ErrDuplicate) {
		c.sendError(env.RequestID, model.ErrCodeInternal, "failed to create tab", true)
		return
	}
	// A duplicate id is a reconnect retry echoing its own create; the
	// broadcast below converges it either way.
	if err == nil {
		if _, err := c.server.store.BumpLastModified(ctx, time.Now()); err != nil {
			log.Printf("bump revision: %v", err)
		}
	}
	c.server.broadcastSync(ctx)
}

func (c *conn) handleTabClose(ctx context.Context, env protocol.Envelope) {
	var req protocol.TabClosePayload
	if err := env.DecodePayload(&req); err != nil {
		c.sendError(env.RequestID, model.ErrCodeInvalidFrame, "invalid tab:close payload", true)
		return
	}
	tab, err := c.server.store.GetTab(ctx, req.TabID)
	if errors.Is(err, db.ErrNotFound) {
		c.server.broadcastSync(ctx)
		return
	}
	if err != nil {
		c.sendError(env.RequestID, model.ErrCodeInternal, "failed to load tab", true)
		return
	}
	if err := c.server.store.DeleteTab(ctx, req.TabID); err != nil && !errors.Is(err, db.ErrNotFound) {
		c.sendError(env.RequestID, model.ErrCodeInternal, "failed to close tab", true)
		return
	}
	if tab.SessionID != "" {
		if _, ok := c.server.registry.Get(tab.SessionID); ok {
			_ = c.server.registry.Close(tab.SessionID)
		}
		_ = c.server.store.DeleteSession(ctx, tab.SessionID)
	}
	if _, err := c.server.store.BumpLastModified(ctx, time.Now()); err != nil {
		log.Printf("bump revision: %v", err)
	}
	c.server.broadcastSync(ctx)
}

func (c *conn) handleTabRename(ctx context.Context, env protocol.Envelope) {
	var req protocol.TabRenamePayload
	if err := env.DecodePayload(&req); err != nil {
		c.sendError(env.RequestID, model.ErrCodeInvalidFrame, "invalid tab:rename payload", true)
		return
	}
	err := c.server.store.RenameTab(ctx, req.TabID, req.NewName, time.Now().UTC())
	if errors.Is(err, db.ErrNotFound) {
		c.sendError(env.RequestID, model.ErrCodeTabNotFound, "tab not found", true)
		return
	}
	if err != nil {
		c.sendError(env.RequestID, model.ErrCodeInternal, "failed to rename tab", true)
		return
	}
	if _, err := c.server.store.BumpLastModified(ctx, time.Now()); err != nil {
		log.Printf("bump revision: %v", err)
	}
	c.server.broadcastSync(ctx)
}

func (c *conn) handleTabSetSession(ctx context.Context, env protocol.Envelope) {
	var req protocol.TabSetSessionPayload
	if err := env.DecodePayload(&req); err != nil {
		c.sendError(env.RequestID, model.ErrCodeInvalidFrame, "invalid tab:set-session payload", true)
		return
	}
	err := c.server.store.SetTabSession(ctx, req.TabID, req.SessionID, time.Now().UTC())
	if errors.Is(err, db.ErrNotFound) {
		c.sendError(env.RequestID, model.ErrCodeTabNotFound, "tab not found", true)
		return
	}
	if err != nil {
		c.sendError(env.RequestID, model.ErrCodeInternal, "failed to bind session", true)
		return
	}
	if _, err := c.server.store.BumpLastModified(ctx, time.Now()); err != nil {
		log.Printf("bump revision: %v", err)
	}
	c.server.broadcast(protocol.TypeSessionUpdated, protocol.SessionUpdatedPayload{
		TabID:     req.TabID,
		SessionID: req.SessionID,
	})
}

func (c *conn) handleTerminalCreate(ctx context.Context, env protocol.Envelope) {
	var req protocol.TerminalCreatePayload
	if err := env.DecodePayload(&req); err != nil {
		c.sendError(env.RequestID, model.ErrCodeInvalidFrame, "invalid terminal:create payload", true)
		return
	}
	cols, rows := req.Cols, req.Rows
	if cols <= 0 || rows <= 0 {
		cols, rows = 80, 24
	}

	sess, restored, err := c.server.registry.Resume(req.SessionID, cols, rows)
	if err != nil {
		c.sendError(env.RequestID, model.ErrCodeInternal, "failed to create session", true)
		return
	}
	sessCols, sessRows := sess.Dimensions()
	if err := c.server.store.UpsertSession(ctx, model.Session{
		ID:        sess.ID,
		Cols:      sessCols,
		Rows:      sessRows,
		CreatedAt: sess.CreatedAt,
	}); err != nil {
		log.Printf("record session %s: %v", sess.ID, err)
	}

	c.bindTerminal(req.TerminalID, sess.ID)

	c.sendMessage(protocol.TypeTerminalCreated, env.RequestID, protocol.TerminalCreatedPayload{
		TerminalID: req.TerminalID,
		SessionID:  sess.ID,
		Restored:   restored,
		Cols:       sessCols,
		Rows:       sessRows,
	})
}

// bindTerminal subscribes the session's output stream and forwards it to
// this client as terminal:output messages. A previous binding for the same
// terminal id is replaced.
func (c *conn) bindTerminal(terminalID, sessionID string) {
	ch, cancel, err := c.server.registry.Subscribe(sessionID)
	if err != nil {
		log.Printf("subscribe session %s: %v", sessionID, err)
		return
	}
	stop := make(chan struct{})
	binding := &terminalBinding{sessionID: sessionID, cancel: cancel, stop: stop}

	c.mu.Lock()
	if prev, ok := c.terminals[terminalID]; ok {
		prev.cancel()
		close(prev.stop)
	}
	c.terminals[terminalID] = binding
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-c.done:
				return
			case <-stop:
				return
			case chunk := <-ch:
				c.sendMessage(protocol.TypeTerminalOutput, "", protocol.TerminalOutputPayload{
					TerminalID:  terminalID,
					SessionID:   sessionID,
					BytesBase64: base64.StdEncoding.EncodeToString(chunk),
				})
			}
		}
	}()
}

func (c *conn) handleTerminalInput(env protocol.Envelope) {
	if !c.inputLimiter.Allow() {
		return
	}
	var req protocol.TerminalInputPayload
	if err := env.DecodePayload(&req); err != nil {
		c.sendError(env.RequestID, model.ErrCodeInvalidFrame, "invalid terminal:input payload", true)
		return
	}
	sessionID, ok := c.sessionFor(req.TerminalID)
	if !ok {
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.BytesBase64)
	if err != nil {
		c.sendError(env.RequestID, model.ErrCodeInvalidFrame, "invalid input encoding", true)
		return
	}
	if err := c.server.registry.Write(sessionID, data); err != nil {
		c.sendError(env.RequestID, model.ErrCodeSessionUnknown, "session write failed", true)
	}
}

func (c *conn) handleTerminalResize(env protocol.Envelope) {
	var req protocol.TerminalResizePayload
	if err := env.DecodePayload(&req); err != nil {
		c.sendError(env.RequestID, model.ErrCodeInvalidFrame, "invalid terminal:resize payload", true)
		return
	}
	sessionID, ok := c.sessionFor(req.TerminalID)
	if !ok {
		return
	}
	if err := c.server.registry.Resize(sessionID, req.Cols, req.Rows); err != nil {
		c.sendError(env.RequestID, model.ErrCodeSessionUnknown, "resize failed", true)
		return
	}
	c.server.notifyDimensions(sessionID, req.Cols, req.Rows)
}

func (c *conn) handleTerminalHistory(env protocol.Envelope) {
	var req protocol.TerminalHistoryRequestPayload
	if err := env.DecodePayload(&req); err != nil {
		c.sendError(env.RequestID, model.ErrCodeInvalidFrame, "invalid history request", true)
		return
	}
	sess, ok := c.server.registry.Get(req.SessionID)
	if !ok {
		c.sendError(env.RequestID, model.ErrCodeSessionUnknown, "session not found", true)
		return
	}
	c.sendMessage(protocol.TypeTerminalHistory, env.RequestID, protocol.TerminalHistoryPayload{
		TerminalID:  req.TerminalID,
		SessionID:   sess.ID,
		BytesBase64: base64.StdEncoding.EncodeToString(sess.Scrollback()),
	})
}

func (c *conn) handleTerminalClose(ctx context.Context, env protocol.Envelope) {
	var req protocol.TerminalClosePayload
	if err := env.DecodePayload(&req); err != nil {
		c.sendError(env.RequestID, model.ErrCodeInvalidFrame, "invalid terminal:close payload", true)
		return
	}
	c.mu.Lock()
	binding, ok := c.terminals[req.TerminalID]
	if ok {
		binding.cancel()
		close(binding.stop)
		delete(c.terminals, req.TerminalID)
	}
	c.mu.Unlock()

	if req.DestroySession {
		sessionID := req.SessionID
		if sessionID == "" && ok {
			sessionID = binding.sessionID
		}
		if sessionID != "" {
			if _, live := c.server.registry.Get(sessionID); live {
				_ = c.server.registry.Close(sessionID)
			}
			_ = c.server.store.DeleteSession(ctx, sessionID)
		}
	}
}

func (c *conn) sessionFor(terminalID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	binding, ok := c.terminals[terminalID]
	if !ok {
		return "", false
	}
	return binding.sessionID, true
}

// notifyDimensions tells every client attached to the session about its new
// authoritative geometry, addressed per terminal binding.
func (s *Server) notifyDimensions(sessionID string, cols, rows int) {
	s.mu.RLock()
	conns := make([]*conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.mu.Lock()
		ids := make([]string, 0, 1)
		for terminalID, binding := range c.terminals {
			if binding.sessionID == sessionID {
				ids = append(ids, terminalID)
			}
		}
		c.mu.Unlock()
		for _, terminalID := range ids {
			c.sendMessage(protocol.TypeTerminalDimensions, "", protocol.TerminalDimensionsPayload{
				TerminalID: terminalID,
				Cols:       cols,
				Rows:       rows,
			})
		}
	}
}
