package http

import (
	"net/http"

	"go.uber.org/zap"
)

const defaultAdminAddr = "localhost:8081"

// NewAdminServer serves the internal collaborator API. It should only be
// reachable from trusted hosts.
func NewAdminServer(handler http.Handler, addr string, logger *zap.Logger) *Server {
	if addr == "" {
		addr = defaultAdminAddr
	}
	return newServer("admin", addr, handler, logger)
}
