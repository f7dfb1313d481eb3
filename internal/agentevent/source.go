package agentevent

import (
	"context"
	"io"
	"sync"
)

// Source yields the events of one run in order. Next returns io.EOF once the
// run completed normally; any other error means the run failed.
type Source interface {
	Next(ctx context.Context) (Event, error)
}

// SliceSource replays a fixed list of events, optionally failing with Err
// after the last one.
type SliceSource struct {
	Events []Event
	Err    error

	pos int
}

// NewSliceSource returns a Source over events.
func NewSliceSource(events ...Event) *SliceSource {
	return &SliceSource{Events: events}
}

// Next implements Source.
func (s *SliceSource) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if s.pos < len(s.Events) {
		ev := s.Events[s.pos]
		s.pos++
		return ev, nil
	}
	if s.Err != nil {
		return Event{}, s.Err
	}
	return Event{}, io.EOF
}

// Emitter is handed to the producer of a ChannelSource. Emit blocks until the
// consumer pulls the event, so the producer runs at the consumer's pace.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// ChannelSource adapts a producer goroutine into a Source. The producer
// function receives an Emitter; its return value becomes the terminal error
// of the source (nil maps to io.EOF).
type ChannelSource struct {
	events chan Event
	done   chan struct{}
	stop   chan struct{}

	stopOnce sync.Once
	err      error
}

// Go starts produce in a new goroutine and returns the consuming side.
func Go(ctx context.Context, produce func(ctx context.Context, emit Emitter) error) *ChannelSource {
	s := &ChannelSource{
		events: make(chan Event),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	pctx, cancel := context.WithCancel(ctx)
	go func() {
		<-s.stop
		cancel()
	}()
	go func() {
		defer close(s.done)
		defer s.Close()
		s.err = produce(pctx, channelEmitter{s})
	}()
	return s
}

// Next implements Source.
func (s *ChannelSource) Next(ctx context.Context) (Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.done:
		// drain an event that raced with completion
		select {
		case ev := <-s.events:
			return ev, nil
		default:
		}
		if s.err != nil {
			return Event{}, s.err
		}
		return Event{}, io.EOF
	case <-ctx.Done():
		s.Close()
		return Event{}, ctx.Err()
	}
}

// Close abandons the source and cancels the producer. Safe to call more
// than once.
func (s *ChannelSource) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Wait blocks until the producer has returned.
func (s *ChannelSource) Wait() {
	<-s.done
}

type channelEmitter struct{ s *ChannelSource }

func (e channelEmitter) Emit(ctx context.Context, ev Event) error {
	select {
	case e.s.events <- ev:
		return nil
	case <-e.s.stop:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}
