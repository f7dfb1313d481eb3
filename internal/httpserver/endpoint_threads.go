package httpserver

import (
	"net/http"

	"github.com/tokligence/tokligence-chat/internal/httpserver/protocol"
	"github.com/tokligence/tokligence-chat/internal/ratelimit"
)

type threadsEndpoint struct {
	server *Server
}

func newThreadsEndpoint(server *Server) protocol.Endpoint {
	return &threadsEndpoint{server: server}
}

func (e *threadsEndpoint) Name() string { return "threads" }

func (e *threadsEndpoint) Routes() []protocol.EndpointRoute {
	guest := e.server.requireGuest
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/api/threads", Handler: guest(e.server.handleListThreads)},
		{Method: http.MethodPost, Path: "/api/threads", Handler: guest(e.server.handleCreateThread)},
		{Method: http.MethodPatch, Path: "/api/threads/{threadID}", Handler: guest(e.server.handleRenameThread)},
		{Method: http.MethodDelete, Path: "/api/threads/{threadID}", Handler: guest(e.server.handleDeleteThread)},
		{Method: http.MethodGet, Path: "/api/threads/{threadID}/messages", Handler: guest(e.server.handleListMessages)},
		{Method: http.MethodPost, Path: "/api/threads/{threadID}/messages", Handler: guest(e.server.limitRuns(e.server.handleStreamMessage))},
	}
}

// limitRuns applies the per-guest run limiter; it must sit inside requireGuest.
func (s *Server) limitRuns(fn http.HandlerFunc) http.HandlerFunc {
	if s.runLimiter == nil {
		return fn
	}
	byGuest := func(r *http.Request) string { return guestFromContext(r.Context()) }
	return ratelimit.Middleware(s.runLimiter, byGuest, s.logger)(fn).ServeHTTP
}
