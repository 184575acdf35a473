package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ServerConfig struct {
	AuthTimeout    time.Duration
	SendBuffer     int
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Server upgrades HTTP requests to websocket connections served by a Hub.
// Authentication happens in band with the authenticate event.
type Server struct {
	hub         *Hub
	upgrader    *websocket.Upgrader
	authTimeout time.Duration
	sendBuffer  int
	logger      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(hub *Hub, cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		hub: hub,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || origin == "" || allowed[origin]
			},
		},
		authTimeout: cfg.AuthTimeout,
		sendBuffer:  cfg.SendBuffer,
		logger:      logger.Named("ws"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.ctx.Err() != nil {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("error upgrading to websocket", zap.Error(err))
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	session := NewSession(s.sendBuffer)
	logger := s.logger.With(zap.String("conn_id", session.ID()), zap.String("remote", r.RemoteAddr))
	logger.Debug("connection opened")

	c := NewConnection(s.hub, newGorillaConn(conn), session, s.authTimeout)
	if err := c.Handle(ctx); err != nil && !isCloseError(err) {
		logger.Debug("connection closed with error", zap.Error(err))
		return
	}
	logger.Debug("connection closed")
}

// Close ends every open connection and waits for their handlers to return.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func isCloseError(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, errAuthTimeout)
}
