package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tokligence/tokligence-chat/internal/agentevent"
	"github.com/tokligence/tokligence-chat/internal/health"
	"github.com/tokligence/tokligence-chat/internal/hooks"
	"github.com/tokligence/tokligence-chat/internal/httpserver/protocol"
	"github.com/tokligence/tokligence-chat/internal/metrics"
	"github.com/tokligence/tokligence-chat/internal/ratelimit"
	"github.com/tokligence/tokligence-chat/internal/threadstore"
)

// GuestHeader identifies the caller; every /api route requires it.
const GuestHeader = "x-guest-id"

// Runner starts agent runs. *agent.Agent satisfies it.
type Runner interface {
	Stream(ctx context.Context, threadID, input string) *agentevent.ChannelSource
}

// Options wires a Server.
type Options struct {
	Store   threadstore.Store
	Agent   Runner
	Health  *health.Checker
	Metrics *metrics.Collector
	// Hooks receives thread and run lifecycle events. Nil disables.
	Hooks *hooks.Dispatcher
	// RunLimiter caps how often a guest may start agent runs. Nil disables.
	RunLimiter *ratelimit.Limiter
	// PingInterval enables SSE keep-alive comments when positive.
	PingInterval time.Duration
}

// Server exposes the chat REST and streaming endpoints.
type Server struct {
	store        threadstore.Store
	agent        Runner
	health       *health.Checker
	metrics      *metrics.Collector
	hooks        *hooks.Dispatcher
	runLimiter   *ratelimit.Limiter
	pingInterval time.Duration

	logger   *log.Logger
	logLevel string
}

// New constructs a Server. Store and Agent are required.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("httpserver: thread store required")
	}
	if opts.Agent == nil {
		return nil, errors.New("httpserver: agent required")
	}
	collector := opts.Metrics
	if collector == nil {
		collector = metrics.NewCollector()
	}
	checker := opts.Health
	if checker == nil {
		var pinger health.Pinger
		if p, ok := opts.Store.(threadstore.Pinger); ok {
			pinger = p
		}
		checker = health.New(health.Config{Store: pinger})
	}
	return &Server{
		store:        opts.Store,
		agent:        opts.Agent,
		health:       checker,
		metrics:      collector,
		hooks:        opts.Hooks,
		runLimiter:   opts.RunLimiter,
		pingInterval: opts.PingInterval,
		logger:       log.New(io.Discard, "", 0),
	}, nil
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()
	s.registerEndpoints(r,
		newHealthEndpoint(s),
		newMetricsEndpoint(s),
		newThreadsEndpoint(s),
	)
	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(s.recordRequest)
	return r
}

func (s *Server) registerEndpoints(r chi.Router, endpoints ...protocol.Endpoint) {
	for _, ep := range endpoints {
		if ep == nil {
			continue
		}
		s.debugf("registering endpoint %s", ep.Name())
		for _, route := range ep.Routes() {
			r.Method(route.Method, route.Path, route.Handler)
		}
	}
}

// recordRequest counts requests per route pattern.
func (s *Server) recordRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.RecordRequest(endpoint, status, time.Since(start))
	})
}

// emit delivers a lifecycle event in the background; hook scripts never delay
// a response.
func (s *Server) emit(ctx context.Context, typ hooks.EventType, guestID, threadID string, metadata map[string]any) {
	if s.hooks == nil {
		return
	}
	evt := hooks.NewEvent(typ, guestID, threadID, metadata)
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := s.hooks.Emit(ctx, evt); err != nil {
			s.logger.Printf("hook %s thread=%s: %v", typ, threadID, err)
		}
	}()
}

// SetLogger configures server-level logger and verbosity ("debug", "info", ...).
func (s *Server) SetLogger(level string, logger *log.Logger) {
	s.logLevel = strings.ToLower(strings.TrimSpace(level))
	if logger != nil {
		s.logger = logger
	}
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }
func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}
