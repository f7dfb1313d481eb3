package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tokligence/tokligence-chat/internal/adapter"
	"github.com/tokligence/tokligence-chat/internal/openai"
)

var _ adapter.StreamingChatAdapter = (*Router)(nil)

type route struct {
	pattern string
	adapter string
}

// Router picks a model adapter by model name.
type Router struct {
	mu       sync.RWMutex
	adapters map[string]adapter.StreamingChatAdapter
	routes   []route
	fallback string
}

// New creates a new Router instance.
func New() *Router {
	return &Router{adapters: make(map[string]adapter.StreamingChatAdapter)}
}

// RegisterAdapter registers an adapter with a name.
func (r *Router) RegisterAdapter(name string, a adapter.StreamingChatAdapter) error {
	if name == "" {
		return errors.New("router: adapter name cannot be empty")
	}
	if a == nil {
		return errors.New("router: adapter cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
	return nil
}

// RegisterRoute maps a model pattern to a registered adapter. Patterns are
// matched case-insensitively:
//   - exact: "gpt-4o"
//   - prefix: "gpt-*"
//   - suffix: "*-cloud"
//   - contains: "*oss*"
//
// Exact routes win; otherwise the first registered matching pattern is used.
// Registering a pattern twice replaces its target.
func (r *Router) RegisterRoute(modelPattern, adapterName string) error {
	modelPattern = strings.ToLower(strings.TrimSpace(modelPattern))
	if modelPattern == "" {
		return errors.New("router: model pattern cannot be empty")
	}
	if adapterName == "" {
		return errors.New("router: adapter name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[adapterName]; !exists {
		return fmt.Errorf("router: adapter %q not registered", adapterName)
	}
	for i := range r.routes {
		if r.routes[i].pattern == modelPattern {
			r.routes[i].adapter = adapterName
			return nil
		}
	}
	r.routes = append(r.routes, route{pattern: modelPattern, adapter: adapterName})
	return nil
}

// SetFallback names the adapter used when no route matches.
func (r *Router) SetFallback(adapterName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if adapterName != "" {
		if _, exists := r.adapters[adapterName]; !exists {
			return fmt.Errorf("router: fallback adapter %q not registered", adapterName)
		}
	}
	r.fallback = adapterName
	return nil
}

// CreateCompletionStream routes the request to the matching adapter.
func (r *Router) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	if req.Model == "" {
		return nil, errors.New("router: model name required")
	}
	name, err := r.findAdapter(req.Model)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	selected := r.adapters[name]
	r.mu.RUnlock()
	return selected.CreateCompletionStream(ctx, req)
}

func (r *Router) findAdapter(model string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	model = strings.ToLower(strings.TrimSpace(model))
	for _, rt := range r.routes {
		if rt.pattern == model {
			return rt.adapter, nil
		}
	}
	for _, rt := range r.routes {
		if matchPattern(model, rt.pattern) {
			return rt.adapter, nil
		}
	}
	if r.fallback != "" {
		return r.fallback, nil
	}
	return "", fmt.Errorf("router: no adapter found for model %q", model)
}

func matchPattern(model, pattern string) bool {
	if model == pattern {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	leading := strings.HasPrefix(pattern, "*")
	trailing := strings.HasSuffix(pattern, "*")
	core := strings.Trim(pattern, "*")
	switch {
	case leading && trailing:
		return strings.Contains(model, core)
	case trailing:
		return strings.HasPrefix(model, core)
	case leading:
		return strings.HasSuffix(model, core)
	}
	return false
}

// AdapterForModel returns the adapter name a model resolves to.
func (r *Router) AdapterForModel(model string) (string, error) {
	return r.findAdapter(model)
}

// ListAdapters returns all registered adapter names, sorted.
func (r *Router) ListAdapters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListRoutes returns all registered routes.
func (r *Router) ListRoutes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make(map[string]string, len(r.routes))
	for _, rt := range r.routes {
		routes[rt.pattern] = rt.adapter
	}
	return routes
}
