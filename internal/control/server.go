package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/zboralski/seemu/internal/log"
)

const shutdownGrace = 2 * time.Second

// Server serves the control service over HTTP/2 cleartext, so both connect
// and gRPC clients work without TLS.
type Server struct {
	srv *http.Server
	log *log.Logger
}

// NewServer returns a server for t.
func NewServer(t Target, l *log.Logger) *Server {
	if l == nil {
		l = log.NewNop()
	}
	l = l.WithCategory("control")
	path, h := NewHandler(t, l)
	mux := http.NewServeMux()
	mux.Handle(path, h)
	return &Server{
		srv: &http.Server{
			Handler:           h2c.NewHandler(mux, &http2.Server{}),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: l,
	}
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("listening", zap.Stringer("addr", ln.Addr()))
	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		s.srv.Close()
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
