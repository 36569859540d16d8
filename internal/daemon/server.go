package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tabsync/tabsync/internal/config"
	"github.com/tabsync/tabsync/internal/db"
	"github.com/tabsync/tabsync/internal/protocol"
	"github.com/tabsync/tabsync/internal/registry"
)

// broadcastBuffer bounds the fan-out queue. A full per-client queue drops
// the message for that client; the next tabs:sync repairs it.
const broadcastBuffer = 256

// Server owns the canonical tab list and the session registry, and fans
// canonical state out to every connected client over one websocket each.
type Server struct {
	cfg      config.Config
	store    *db.Store
	registry *registry.Registry

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	listener net.Listener

	mu       sync.RWMutex
	clients  map[*conn]bool
	stopped  bool
	shutdown sync.Once
}

func NewServer(cfg config.Config, store *db.Store, reg *registry.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		registry: reg,
		clients:  map[*conn]bool{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// The daemon binds loopback; origin checks add nothing.
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	log.Printf("tabsyncd listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Addr returns the bound listen address, for tests using port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.ListenAddr
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdown.Do(func() {
		s.mu.Lock()
		s.stopped = true
		conns := make([]*conn, 0, len(s.clients))
		for c := range s.clients {
			conns = append(conns, c)
		}
		s.mu.Unlock()
		for _, c := range conns {
			c.close()
		}
		s.registry.CloseAll()
		shutdownCtx := ctx
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			shutdownCtx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
			defer cancel()
		}
		err = s.httpSrv.Shutdown(shutdownCtx)
	})
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	c := newConn(s, ws)
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = ws.Close()
		return
	}
	s.clients[c] = true
	s.mu.Unlock()

	go c.writePump()
	c.readPump()

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}

// broadcastSync sends the full canonical snapshot to every client.
func (s *Server) broadcastSync(ctx context.Context) {
	payload, err := s.syncPayload(ctx)
	if err != nil {
		log.Printf("build tabs:sync: %v", err)
		return
	}
	s.broadcast(protocol.TypeTabsSync, payload)
}

func (s *Server) broadcast(msgType string, payload any) {
	s.mu.RLock()
	conns := make([]*conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		c.sendMessage(msgType, "", payload)
	}
}

func (s *Server) syncPayload(ctx context.Context) (protocol.TabsSyncPayload, error) {
	tabs, err := s.store.ListTabs(ctx)
	if err != nil {
		return protocol.TabsSyncPayload{}, err
	}
	lastModified, err := s.store.LastModified(ctx)
	if err != nil {
		return protocol.TabsSyncPayload{}, err
	}
	infos := make([]protocol.TabInfo, 0, len(tabs))
	for _, tab := range tabs {
		infos = append(infos, protocol.TabInfo{
			ID:        tab.ID,
			Name:      tab.Name,
			SessionID: tab.SessionID,
			Position:  tab.Position,
		})
	}
	return protocol.TabsSyncPayload{Tabs: infos, LastModified: lastModified}, nil
}
