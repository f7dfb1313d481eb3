package metrics

import (
	"sync"
	"time"
)

// Outcome classifies how a streamed run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed: the run ended with an in-band error frame.
	OutcomeFailed Outcome = "failed"
	// OutcomeAborted: the client went away or the sink failed.
	OutcomeAborted Outcome = "aborted"
)

// Collector tracks request and stream counters for the Prometheus endpoint.
type Collector struct {
	mu sync.RWMutex

	// Request metrics
	totalRequests    map[string]int64 // by endpoint
	totalRequestsDur map[string]int64 // total duration in ms
	requestErrors    map[string]int64 // by endpoint, status >= 400

	// Stream metrics
	runsStarted     int64
	runsInProgress  int64
	runsByOutcome   map[Outcome]int64
	runDurationMs   int64
	framesByType    map[string]int64
	toolCallsByName map[string]int64

	// Token usage reported by model upstreams
	totalPromptTokens     int64
	totalCompletionTokens int64
	tokensByModel         map[string]int64

	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:    make(map[string]int64),
		totalRequestsDur: make(map[string]int64),
		requestErrors:    make(map[string]int64),
		runsByOutcome:    make(map[Outcome]int64),
		framesByType:     make(map[string]int64),
		toolCallsByName:  make(map[string]int64),
		tokensByModel:    make(map[string]int64),
		startTime:        time.Now(),
	}
}

// RecordRequest records a finished request to an endpoint.
func (c *Collector) RecordRequest(endpoint string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests[endpoint]++
	c.totalRequestsDur[endpoint] += duration.Milliseconds()
	if status >= 400 {
		c.requestErrors[endpoint]++
	}
}

// RecordRunStart marks a stream as in flight.
func (c *Collector) RecordRunStart() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.runsStarted++
	c.runsInProgress++
}

// RecordRunEnd closes a stream opened with RecordRunStart.
func (c *Collector) RecordRunEnd(outcome Outcome, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.runsInProgress--
	c.runsByOutcome[outcome]++
	c.runDurationMs += duration.Milliseconds()
}

// RecordFrame counts one frame written to a client.
func (c *Collector) RecordFrame(frameType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.framesByType[frameType]++
}

// RecordToolCall counts a tool invocation announced to a client.
func (c *Collector) RecordToolCall(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if name == "" {
		name = "unknown"
	}
	c.toolCallsByName[name]++
}

// RecordTokenUsage records the token usage of one model completion.
func (c *Collector) RecordTokenUsage(model string, promptTokens, completionTokens int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalPromptTokens += promptTokens
	c.totalCompletionTokens += completionTokens
	if model != "" {
		c.tokensByModel[model] += promptTokens + completionTokens
	}
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	Uptime           int64
	TotalRequests    map[string]int64
	TotalRequestsDur map[string]int64
	RequestErrors    map[string]int64
	RunsStarted      int64
	RunsInProgress   int64
	RunsByOutcome    map[Outcome]int64
	RunDurationMs    int64
	FramesByType     map[string]int64
	ToolCallsByName  map[string]int64

	TotalPromptTokens     int64
	TotalCompletionTokens int64
	TokensByModel         map[string]int64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	outcomes := make(map[Outcome]int64, len(c.runsByOutcome))
	for k, v := range c.runsByOutcome {
		outcomes[k] = v
	}
	return Snapshot{
		Uptime:           int64(time.Since(c.startTime).Seconds()),
		TotalRequests:    copyMap(c.totalRequests),
		TotalRequestsDur: copyMap(c.totalRequestsDur),
		RequestErrors:    copyMap(c.requestErrors),
		RunsStarted:      c.runsStarted,
		RunsInProgress:   c.runsInProgress,
		RunsByOutcome:    outcomes,
		RunDurationMs:    c.runDurationMs,
		FramesByType:     copyMap(c.framesByType),
		ToolCallsByName:  copyMap(c.toolCallsByName),

		TotalPromptTokens:     c.totalPromptTokens,
		TotalCompletionTokens: c.totalCompletionTokens,
		TokensByModel:         copyMap(c.tokensByModel),
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
