// Package treesrv serves an in-memory coordination tree over HTTP. REST endpoints
// edit and inspect the tree; a websocket endpoint exposes a full session with
// watches so remote mirrors can follow it.
package treesrv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/openmined/treemirror/internal/memtree"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	config   *Config
	tree     *memtree.Tree
	admin    *memtree.Session
	sessions *sessionStore
	sockets  *socketSet
	handler  http.Handler

	mu     sync.Mutex
	server *http.Server
	addr   string
}

// New builds a server around tree. A nil tree gets a fresh one.
func New(config *Config, tree *memtree.Tree) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if tree == nil {
		tree = memtree.New()
	}

	s := &Server{
		config:   config,
		tree:     tree,
		admin:    tree.NewSession(),
		sessions: newSessionStore(tree, config.SessionGrace),
		sockets:  newSocketSet(),
	}
	s.handler = s.setupRoutes()
	return s, nil
}

// Handler returns the HTTP handler, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Tree() *memtree.Tree {
	return s.tree
}

// Addr returns the bound listen address once Start is running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start serves until ctx is cancelled, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	slog.Info("treesrv start", "addr", s.config.Addr, "grace", s.config.SessionGrace, "rateLimit", s.config.RateLimit)
	defer slog.Info("treesrv stop")

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}

	s.mu.Lock()
	s.server = &http.Server{Handler: s.handler}
	s.addr = ln.Addr().String()
	server := s.server
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("treesrv http listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("treesrv shutdown signal")
	case err := <-errCh:
		if err != nil {
			slog.Error("treesrv http error", "error", err)
			s.shutdownSessions()
			return err
		}
	}

	return s.Stop(context.Background())
}

// Stop closes every socket and session and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownSessions()

	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// Kick drops the socket of session id without ending the session, the way a
// network failure would. The client may resume within the grace period.
func (s *Server) Kick(id string) {
	s.sockets.closeSession(id, "kicked")
}

func (s *Server) shutdownSessions() {
	s.sockets.closeAll()
	s.sessions.closeAll()
}
