package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tokligence/tokligence-chat/internal/adapter"
	adapteranthropic "github.com/tokligence/tokligence-chat/internal/adapter/anthropic"
	"github.com/tokligence/tokligence-chat/internal/adapter/fallback"
	"github.com/tokligence/tokligence-chat/internal/adapter/loopback"
	adapteropenai "github.com/tokligence/tokligence-chat/internal/adapter/openai"
	adapterrouter "github.com/tokligence/tokligence-chat/internal/adapter/router"
	"github.com/tokligence/tokligence-chat/internal/agent"
	"github.com/tokligence/tokligence-chat/internal/config"
	"github.com/tokligence/tokligence-chat/internal/health"
	"github.com/tokligence/tokligence-chat/internal/hooks"
	"github.com/tokligence/tokligence-chat/internal/httpserver"
	"github.com/tokligence/tokligence-chat/internal/logging"
	"github.com/tokligence/tokligence-chat/internal/metrics"
	"github.com/tokligence/tokligence-chat/internal/ratelimit"
	"github.com/tokligence/tokligence-chat/internal/threadstore"
	"github.com/tokligence/tokligence-chat/internal/threadstore/memory"
	"github.com/tokligence/tokligence-chat/internal/threadstore/postgres"
	"github.com/tokligence/tokligence-chat/internal/threadstore/sqlite"
	"github.com/tokligence/tokligence-chat/internal/version"
)

func main() {
	cfg, err := config.LoadChatConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	log.SetFlags(logging.Flags)
	log.SetPrefix("[chatd] ")
	if target := strings.TrimSpace(cfg.LogFile); target != "" {
		rot, err := logging.NewRotatingWriter(target, logging.DefaultMaxBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		defer rot.Close()
	}
	log.Printf("chatd starting %s env=%s", version.FullInfo(), cfg.Environment)

	store, err := openThreadStore(cfg.ThreadStoreDSN)
	if err != nil {
		log.Fatalf("open thread store: %v", err)
	}
	defer store.Close()

	models, upstreams, err := buildModelRouter(cfg)
	if err != nil {
		log.Fatalf("model routing: %v", err)
	}

	def := agent.DefaultDefinition()
	if cfg.AgentConfig != "" {
		if def, err = agent.LoadDefinition(cfg.AgentConfig); err != nil {
			log.Fatalf("load agent definition: %v", err)
		}
	}
	if cfg.Model != "" {
		def.Model = cfg.Model
	}
	if name, err := models.AdapterForModel(def.Model); err == nil {
		log.Printf("agent %s model=%s adapter=%s tools=%v", def.Name, def.Model, name, def.Tools)
	}

	collector := metrics.NewCollector()
	ag, err := agent.New(agent.Options{
		Definition: def,
		Model:      models,
		Store:      store,
		Usage:      collector,
		Logger:     logging.Component(log.Writer(), "chatd/agent"),
		Debug:      cfg.Debug(),
	})
	if err != nil {
		log.Fatalf("init agent: %v", err)
	}

	var pinger health.Pinger
	if p, ok := store.(threadstore.Pinger); ok {
		pinger = p
	}
	var runLimiter *ratelimit.Limiter
	if cfg.StreamRateLimit > 0 {
		runLimiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerSecond: cfg.StreamRateLimit,
			Burst:             cfg.StreamRateBurst,
			CleanupInterval:   5 * time.Minute,
		})
		defer runLimiter.Close()
		log.Printf("run limiter enabled rate=%.2f/s burst=%.0f", cfg.StreamRateLimit, runLimiter.Limit())
	}
	hookCfg := hooks.Config{ScriptPath: cfg.HookScript, ScriptArgs: cfg.HookScriptArgs, Timeout: cfg.HookTimeout}
	if err := hookCfg.Validate(); err != nil {
		log.Fatalf("hooks: %v", err)
	}
	if hookCfg.Enabled() {
		log.Printf("lifecycle hooks enabled script=%s", hookCfg.ScriptPath)
	}
	httpSrv, err := httpserver.New(httpserver.Options{
		Store:        store,
		Agent:        ag,
		Health:       health.New(health.Config{Store: pinger, Upstreams: upstreams}),
		Metrics:      collector,
		Hooks:        hookCfg.BuildDispatcher(),
		RunLimiter:   runLimiter,
		PingInterval: cfg.StreamPingInterval,
	})
	if err != nil {
		log.Fatalf("init http server: %v", err)
	}
	httpSrv.SetLogger(cfg.LogLevel, logging.Component(log.Writer(), "chatd/http"))

	// No write timeout: message streams stay open for the whole run.
	srv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           httpSrv.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("chat server listening on %s", cfg.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func openThreadStore(dsn string) (threadstore.Store, error) {
	switch backend := threadstore.BackendFor(dsn); backend {
	case threadstore.BackendMemory:
		log.Printf("thread store: in-memory, threads are lost on restart")
		return memory.New(), nil
	case threadstore.BackendPostgres:
		log.Printf("thread store: postgres")
		return postgres.New(dsn, postgres.DefaultConfig())
	default:
		log.Printf("thread store: sqlite path=%s", dsn)
		return sqlite.New(dsn)
	}
}

// buildModelRouter registers loopback plus the OpenAI-compatible and Anthropic
// adapters whose keys are configured, and returns the upstreams worth checking
// for health.
func buildModelRouter(cfg config.ChatConfig) (*adapterrouter.Router, []health.Upstream, error) {
	r := adapterrouter.New()
	if err := r.RegisterAdapter("loopback", loopback.New()); err != nil {
		return nil, nil, err
	}

	var upstreams []health.Upstream
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		oa, err := adapteropenai.New(adapteropenai.Config{
			APIKey:         cfg.OpenAIAPIKey,
			BaseURL:        cfg.OpenAIBaseURL,
			Organization:   cfg.OpenAIOrg,
			RequestTimeout: cfg.RequestTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("openai adapter: %w", err)
		}
		if err := registerWithRetries(r, "openai", oa, cfg.UpstreamRetries); err != nil {
			return nil, nil, err
		}
		upstreams = append(upstreams, health.Upstream{Name: "openai_api", BaseURL: oa.BaseURL()})
	}
	if strings.TrimSpace(cfg.AnthropicAPIKey) != "" {
		an, err := adapteranthropic.New(adapteranthropic.Config{
			APIKey:         cfg.AnthropicAPIKey,
			BaseURL:        cfg.AnthropicBaseURL,
			RequestTimeout: cfg.RequestTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("anthropic adapter: %w", err)
		}
		if err := registerWithRetries(r, "anthropic", an, cfg.UpstreamRetries); err != nil {
			return nil, nil, err
		}
		upstreams = append(upstreams, health.Upstream{Name: "anthropic_api", BaseURL: an.BaseURL()})
	}

	for _, rule := range cfg.Routes {
		if err := r.RegisterRoute(rule.Pattern, rule.Target); err != nil {
			log.Printf("skipping route %s => %s: %v", rule.Pattern, rule.Target, err)
		}
	}
	if err := r.SetFallback(cfg.FallbackAdapter); err != nil {
		log.Printf("fallback adapter %s unavailable (%v); using loopback", cfg.FallbackAdapter, err)
		if err := r.SetFallback("loopback"); err != nil {
			return nil, nil, err
		}
	}
	return r, upstreams, nil
}

// registerWithRetries wraps a so that opening its stream is retried on rate
// limits and server errors; zero retries disables the retry loop.
func registerWithRetries(r *adapterrouter.Router, name string, a adapter.StreamingChatAdapter, retries int) error {
	if retries == 0 {
		retries = -1
	}
	retrying, err := fallback.New(fallback.Config{
		Adapters:   []adapter.StreamingChatAdapter{a},
		RetryCount: retries,
	})
	if err != nil {
		return err
	}
	return r.RegisterAdapter(name, retrying)
}
