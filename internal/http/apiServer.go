package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultAPIAddr    = ":8080"
	readHeaderTimeout = 10 * time.Second
)

// Server runs one listener and reports its bound address once serving.
type Server struct {
	name   string
	server *http.Server
	logger *zap.Logger
	ready  chan struct{}
	addr   net.Addr
	wg     sync.WaitGroup
}

func newServer(name, addr string, handler http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		name: name,
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		logger: logger.Named(name),
		ready:  make(chan struct{}),
	}
}

// NewAPIServer serves the public API and the websocket endpoint.
func NewAPIServer(handler http.Handler, addr string, logger *zap.Logger) *Server {
	if addr == "" {
		addr = defaultAPIAddr
	}
	return newServer("api", addr, handler, logger)
}

func (s *Server) Start() error {
	s.wg.Add(1)
	defer s.wg.Done()

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("%s server: %w", s.name, err)
	}
	s.addr = ln.Addr()
	close(s.ready)
	s.logger.Info("server started", zap.String("address", s.addr.String()))

	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr waits until Start has bound the listener.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.ready:
		return s.addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops accepting requests and waits for Start to return.
// Hijacked websocket connections are not tracked here.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
