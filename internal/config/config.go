package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/chat.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// ChatConfig describes runtime options for chatd and the chat CLI.
type ChatConfig struct {
	Environment string
	HTTPAddress string
	// BaseURL is where the CLI reaches chatd.
	BaseURL  string
	LogFile  string
	LogLevel string
	// ThreadStoreDSN selects the thread store: a SQLite path, a postgres://
	// URL, or "memory".
	ThreadStoreDSN string
	// AgentConfig is an optional YAML agent definition.
	AgentConfig string
	// Model overrides the agent definition's model when set.
	Model string
	// Upstream adapter configuration
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIOrg     string
	// Anthropic (Claude) upstream, registered as the "anthropic" adapter.
	AnthropicAPIKey  string
	AnthropicBaseURL string
	RequestTimeout   time.Duration
	// UpstreamRetries is how often opening an upstream stream is retried on
	// rate limits and server errors.
	UpstreamRetries int
	// Routes maps model patterns to adapters in declaration order.
	Routes          []RouteRule
	FallbackAdapter string
	// StreamPingInterval enables SSE keep-alive comments when positive.
	StreamPingInterval time.Duration
	// StreamRateLimit is the sustained number of runs per second a guest may
	// start; zero disables limiting. StreamRateBurst is the bucket size.
	StreamRateLimit float64
	StreamRateBurst float64
	ShutdownTimeout time.Duration
	// HookScript receives thread and run lifecycle events as JSON on stdin.
	HookScript     string
	HookScriptArgs []string
	HookTimeout    time.Duration
}

// RouteRule captures an ordered pattern => target mapping while preserving declaration order.
type RouteRule struct {
	Pattern string
	Target  string
}

// Debug reports whether debug logging is enabled.
func (c ChatConfig) Debug() bool {
	return strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug")
}

// LoadChatConfig reads the current environment and loads the matching chat config file.
func LoadChatConfig(root string) (ChatConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return ChatConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return ChatConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := ChatConfig{
		Environment:    s.Environment,
		HTTPAddress:    firstNonEmpty(os.Getenv("TOKLIGENCE_HTTP_ADDRESS"), merged["http_address"], ":8000"),
		LogFile:        firstNonEmpty(os.Getenv("TOKLIGENCE_LOG_FILE"), merged["log_file"]),
		LogLevel:       firstNonEmpty(os.Getenv("TOKLIGENCE_LOG_LEVEL"), merged["log_level"], "info"),
		ThreadStoreDSN: firstNonEmpty(os.Getenv("TOKLIGENCE_THREAD_STORE_DSN"), merged["thread_store_dsn"], DefaultThreadStorePath()),
		AgentConfig:    firstNonEmpty(os.Getenv("TOKLIGENCE_AGENT_CONFIG"), merged["agent_config"]),
		Model:          firstNonEmpty(os.Getenv("TOKLIGENCE_MODEL"), merged["model"]),
		OpenAIAPIKey:   firstNonEmpty(os.Getenv("TOKLIGENCE_OPENAI_API_KEY"), merged["openai_api_key"]),
		OpenAIBaseURL:  firstNonEmpty(os.Getenv("TOKLIGENCE_OPENAI_BASE_URL"), merged["openai_base_url"]),
		OpenAIOrg:      firstNonEmpty(os.Getenv("TOKLIGENCE_OPENAI_ORG"), merged["openai_org"]),

		AnthropicAPIKey:  firstNonEmpty(os.Getenv("TOKLIGENCE_ANTHROPIC_API_KEY"), merged["anthropic_api_key"]),
		AnthropicBaseURL: firstNonEmpty(os.Getenv("TOKLIGENCE_ANTHROPIC_BASE_URL"), merged["anthropic_base_url"]),
	}
	cfg.BaseURL = firstNonEmpty(os.Getenv("TOKLIGENCE_BASE_URL"), merged["base_url"], defaultBaseURL(cfg.HTTPAddress))

	durations := []struct {
		key      string
		env      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"request_timeout", "TOKLIGENCE_REQUEST_TIMEOUT", 60 * time.Second, &cfg.RequestTimeout},
		{"stream_ping_interval", "TOKLIGENCE_STREAM_PING_INTERVAL", 0, &cfg.StreamPingInterval},
		{"shutdown_timeout", "TOKLIGENCE_SHUTDOWN_TIMEOUT", 10 * time.Second, &cfg.ShutdownTimeout},
		{"hooks_timeout", "TOKLIGENCE_HOOKS_TIMEOUT", 30 * time.Second, &cfg.HookTimeout},
	}
	for _, d := range durations {
		v := firstNonEmpty(os.Getenv(d.env), merged[d.key])
		dur, err := parseOptionalDuration(v, d.fallback)
		if err != nil {
			return ChatConfig{}, fmt.Errorf("invalid %s %q: %w", d.key, v, err)
		}
		*d.dst = dur
	}

	rates := []struct {
		key string
		env string
		dst *float64
	}{
		{"stream_rate_limit", "TOKLIGENCE_STREAM_RATE_LIMIT", &cfg.StreamRateLimit},
		{"stream_rate_burst", "TOKLIGENCE_STREAM_RATE_BURST", &cfg.StreamRateBurst},
	}
	for _, rt := range rates {
		v := strings.TrimSpace(firstNonEmpty(os.Getenv(rt.env), merged[rt.key]))
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return ChatConfig{}, fmt.Errorf("invalid %s %q", rt.key, v)
		}
		*rt.dst = f
	}

	cfg.HookScript = strings.TrimSpace(firstNonEmpty(os.Getenv("TOKLIGENCE_HOOKS_SCRIPT"), merged["hooks_script"]))
	cfg.HookScriptArgs = strings.Fields(firstNonEmpty(os.Getenv("TOKLIGENCE_HOOKS_SCRIPT_ARGS"), merged["hooks_script_args"]))

	cfg.UpstreamRetries = 2
	if v := strings.TrimSpace(firstNonEmpty(os.Getenv("TOKLIGENCE_UPSTREAM_RETRIES"), merged["upstream_retries"])); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return ChatConfig{}, fmt.Errorf("invalid upstream_retries %q", v)
		}
		cfg.UpstreamRetries = n
	}

	cfg.Routes = parseRouteList(firstNonEmpty(os.Getenv("TOKLIGENCE_ROUTES"), merged["routes"]))
	defaultFallback := "loopback"
	switch {
	case cfg.OpenAIAPIKey != "":
		defaultFallback = "openai"
	case cfg.AnthropicAPIKey != "":
		defaultFallback = "anthropic"
	}
	cfg.FallbackAdapter = firstNonEmpty(os.Getenv("TOKLIGENCE_FALLBACK_ADAPTER"), merged["fallback_adapter"], defaultFallback)
	if len(cfg.Routes) == 0 {
		cfg.Routes = []RouteRule{{Pattern: "loopback", Target: "loopback"}}
	}
	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// parseRouteList preserves ordering for pattern=>target rules (comma or newline separated).
//
//	gpt-* = openai, *-cloud = openai, loopback = loopback
//	gpt-*=>openai\nloopback=>loopback
func parseRouteList(input string) []RouteRule {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	var rules []RouteRule
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		for _, part := range strings.Split(line, ",") {
			entry := strings.TrimSpace(part)
			if entry == "" {
				continue
			}
			var kv []string
			if strings.Contains(entry, "=>") {
				kv = strings.SplitN(entry, "=>", 2)
			} else {
				kv = strings.SplitN(entry, "=", 2)
			}
			if len(kv) != 2 {
				continue
			}
			pattern := strings.TrimSpace(kv[0])
			target := strings.TrimSpace(kv[1])
			if pattern == "" || target == "" {
				continue
			}
			rules = append(rules, RouteRule{Pattern: pattern, Target: target})
		}
	}
	if len(rules) == 0 {
		return nil
	}
	return rules
}

// DefaultThreadStorePath returns the fallback thread database under the user's home directory.
func DefaultThreadStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "chat.db"
	}
	return filepath.Join(home, ".tokligence", "chat.db")
}

func defaultBaseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}
