package http

import (
	"context"
	"log"
	stdhttp "net/http"
	"time"
)

const (
	readHeaderTimeout = 10 * time.Second
	// No global write timeout: the WebSocket endpoint holds connections open.
	idleTimeout = 120 * time.Second
)

// Server wraps the stdlib HTTP server with the timeouts this service needs.
type Server struct {
	srv *stdhttp.Server
}

// NewServer builds the HTTP server for the given router.
func NewServer(port string, router stdhttp.Handler) *Server {
	return &Server{
		srv: &stdhttp.Server{
			Addr:              ":" + port,
			Handler:           router,
			ReadHeaderTimeout: readHeaderTimeout,
			IdleTimeout:       idleTimeout,
		},
	}
}

// Start blocks serving requests until Shutdown is called or the listener
// fails.
func (s *Server) Start() error {
	log.Printf("[Server] Listening on %s", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == stdhttp.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Printf("[Server] Shutting down")
	return s.srv.Shutdown(ctx)
}
