package fallback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tokligence/tokligence-chat/internal/adapter"
	"github.com/tokligence/tokligence-chat/internal/openai"
)

var _ adapter.StreamingChatAdapter = (*FallbackAdapter)(nil)

// FallbackAdapter wraps several streaming adapters and retries opening a
// completion stream, moving on to the next adapter when one keeps failing.
// Once a stream is open its events are passed through untouched: a failure
// in the middle of a completion is never retried.
type FallbackAdapter struct {
	adapters   []adapter.StreamingChatAdapter
	retryCount int
	retryDelay time.Duration
}

// Config holds configuration for the FallbackAdapter.
type Config struct {
	Adapters   []adapter.StreamingChatAdapter
	RetryCount int           // retries per adapter (default: 2, negative disables)
	RetryDelay time.Duration // delay between retries (default: 1s)
}

// New creates a new FallbackAdapter.
func New(cfg Config) (*FallbackAdapter, error) {
	if len(cfg.Adapters) == 0 {
		return nil, errors.New("fallback: at least one adapter required")
	}
	for i, a := range cfg.Adapters {
		if a == nil {
			return nil, fmt.Errorf("fallback: adapter[%d] is nil", i)
		}
	}

	retryCount := cfg.RetryCount
	switch {
	case retryCount < 0:
		retryCount = 0
	case retryCount == 0:
		retryCount = 2
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	return &FallbackAdapter{
		adapters:   cfg.Adapters,
		retryCount: retryCount,
		retryDelay: retryDelay,
	}, nil
}

// CreateCompletionStream opens a stream on the first adapter that accepts the
// request. Retryable errors are retried on the same adapter; any error moves
// on to the next adapter once retries are exhausted.
func (f *FallbackAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	var lastErr error
	attempts := 0

	for idx, a := range f.adapters {
		for attempt := 0; attempt <= f.retryCount; attempt++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			ch, err := a.CreateCompletionStream(ctx, req)
			if err == nil {
				return ch, nil
			}
			attempts++
			lastErr = fmt.Errorf("adapter[%d] attempt[%d]: %w", idx, attempt, err)

			if !IsRetryable(err) || attempt == f.retryCount {
				break
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.retryDelay):
			}
		}
	}

	return nil, fmt.Errorf("fallback: all adapters failed after %d attempts: %w", attempts, lastErr)
}

// IsRetryable reports whether err is worth another attempt: upstream rate
// limits, server errors and transport failures.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *adapter.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"temporary failure",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
