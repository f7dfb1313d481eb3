package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component represents a system component that can be health-checked.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"` // store or upstream
	CheckResult
}

// Pinger is satisfied by the thread stores.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Upstream is a model endpoint checked for reachability.
type Upstream struct {
	Name    string
	BaseURL string
}

// Config holds health checker configuration.
type Config struct {
	Store     Pinger
	Upstreams []Upstream

	StoreTimeout    time.Duration
	HTTPTimeout     time.Duration
	MaxStoreLatency time.Duration

	// Client overrides the HTTP client used for upstream checks.
	Client *http.Client
}

// Checker performs health checks on the thread store and model upstreams.
type Checker struct {
	mu         sync.RWMutex
	components []Component

	store     Pinger
	upstreams []Upstream
	client    *http.Client

	storeTimeout    time.Duration
	maxStoreLatency time.Duration
}

// New creates a new health checker.
func New(cfg Config) *Checker {
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if cfg.MaxStoreLatency == 0 {
		cfg.MaxStoreLatency = 100 * time.Millisecond
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	return &Checker{
		store:           cfg.Store,
		upstreams:       cfg.Upstreams,
		client:          client,
		storeTimeout:    cfg.StoreTimeout,
		maxStoreLatency: cfg.MaxStoreLatency,
	}
}

// Check runs every check concurrently and returns the overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	var wg sync.WaitGroup
	results := make(chan Component, len(c.upstreams)+1)

	if c.store != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkStore(ctx)
		}()
	}
	for _, up := range c.upstreams {
		if up.BaseURL == "" {
			continue
		}
		wg.Add(1)
		go func(up Upstream) {
			defer wg.Done()
			results <- c.checkUpstream(ctx, up)
		}(up)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	components := make([]Component, 0, cap(results))
	for comp := range results {
		components = append(components, comp)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	c.mu.Lock()
	c.components = components
	c.mu.Unlock()

	return overallStatus(components)
}

func (c *Checker) checkStore(ctx context.Context) Component {
	comp := Component{
		Name:        "thread_store",
		Type:        "store",
		CheckResult: CheckResult{Timestamp: time.Now()},
	}
	start := time.Now()
	pingCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	err := c.store.PingContext(pingCtx)
	comp.Latency = time.Since(start)
	switch {
	case err != nil:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Thread store unreachable"
	case comp.Latency > c.maxStoreLatency:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	default:
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}
	return comp
}

// checkUpstream treats any HTTP response as reachable.
func (c *Checker) checkUpstream(ctx context.Context, up Upstream) Component {
	comp := Component{
		Name:        up.Name,
		Type:        "upstream",
		CheckResult: CheckResult{Timestamp: time.Now()},
	}
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, up.BaseURL, nil)
	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Latency = time.Since(start)
		return comp
	}
	resp, err := c.client.Do(req)
	comp.Latency = time.Since(start)
	if err != nil {
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "Endpoint unreachable"
		return comp
	}
	resp.Body.Close()

	comp.Status = StatusHealthy
	comp.Message = fmt.Sprintf("Reachable (HTTP %d)", resp.StatusCode)
	return comp
}

// overallStatus: an unhealthy store makes the service unhealthy; anything
// else short of healthy only degrades it.
func overallStatus(components []Component) HealthStatus {
	status := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			if comp.Type == "store" {
				status = StatusUnhealthy
			} else if status == StatusHealthy {
				status = StatusDegraded
			}
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
	}
}

// HealthStatus represents the overall health of the service.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// GetLastStatus returns the last health check result.
func (c *Checker) GetLastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.components) == 0 {
		return HealthStatus{Status: StatusHealthy, Timestamp: time.Now()}
	}
	return overallStatus(c.components)
}
