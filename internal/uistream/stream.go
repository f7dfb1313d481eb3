package uistream

import (
	"context"

	"github.com/tokligence/tokligence-chat/internal/agentevent"
)

// Observer is notified of every frame handed to the sink.
type Observer func(Frame)

// Stream runs src through a fresh Transducer into sink. observe may be nil.
func Stream(ctx context.Context, src agentevent.Source, sink Sink, observe Observer, opts ...Option) error {
	t := NewTransducer(opts...)
	if observe != nil {
		inner := sink
		sink = SinkFunc(func(f Frame) error {
			if err := inner.WriteFrame(f); err != nil {
				return err
			}
			observe(f)
			return nil
		})
	}
	return t.Run(ctx, src, sink)
}

// Collect runs src through a fresh Transducer and returns every frame. It is
// meant for tests and offline conversions.
func Collect(ctx context.Context, src agentevent.Source, opts ...Option) ([]Frame, error) {
	var frames []Frame
	err := NewTransducer(opts...).Run(ctx, src, SinkFunc(func(f Frame) error {
		frames = append(frames, f)
		return nil
	}))
	return frames, err
}
