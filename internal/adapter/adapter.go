package adapter

import (
	"context"

	"github.com/tokligence/tokligence-chat/internal/openai"
)

// StreamEvent is one item of a streaming completion: either a chunk or a
// terminal error.
type StreamEvent struct {
	Chunk *openai.ChatCompletionChunk
	Error error
}

// IsError reports whether the event carries an error.
func (e StreamEvent) IsError() bool { return e.Error != nil }

// StreamingChatAdapter streams OpenAI compatible chat completions. The
// returned channel is closed when the completion ends; an upstream failure is
// delivered as a final event with Error set. Cancelling ctx stops the stream.
type StreamingChatAdapter interface {
	CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan StreamEvent, error)
}

// IsDone reports whether the event is an empty end marker.
func (e StreamEvent) IsDone() bool { return e.Chunk == nil && e.Error == nil }

// StatusError is an upstream HTTP failure that happened before any chunk was
// streamed.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string { return e.Err.Error() }
func (e *StatusError) Unwrap() error { return e.Err }
