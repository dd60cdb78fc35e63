// Package pprof serves the runtime profiling endpoints over a debug-only
// HTTP listener. The client enables it via a flag; it is never on by
// default.
package pprof

import (
	"context"
	"fmt"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"sync"
	"time"

	"github.com/codefionn/collabchat/internal/logger"
)

const shutdownTimeout = 5 * time.Second

// Server exposes /debug/pprof on a dedicated listener.
type Server struct {
	addr string

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates a profiling server bound to addr, for example
// "localhost:6060".
func NewServer(addr string) *Server {
	return &Server{addr: addr}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", netpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", netpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", netpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", netpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", netpprof.Trace)
	mux.Handle("/debug/pprof/goroutine", netpprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/heap", netpprof.Handler("heap"))
	mux.Handle("/debug/pprof/block", netpprof.Handler("block"))
	mux.Handle("/debug/pprof/mutex", netpprof.Handler("mutex"))

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind pprof listener on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.server = &http.Server{Addr: s.addr, Handler: mux}
	server := s.server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("pprof server error: %v", err)
		}
	}()
	logger.Info("pprof listening on %s", s.addr)
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down pprof server: %w", err)
	}
	return nil
}
