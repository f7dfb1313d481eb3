package httpserver

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/tokligence/tokligence-chat/internal/hooks"
	"github.com/tokligence/tokligence-chat/internal/metrics"
	"github.com/tokligence/tokligence-chat/internal/uistream"
)

// handleStreamMessage runs the agent on the query and streams the run to the
// client as a UI message stream. Once headers are out, failures are reported
// in-band by the transducer.
func (s *Server) handleStreamMessage(w http.ResponseWriter, r *http.Request) {
	thread, ok := s.ownedThread(w, r)
	if !ok {
		return
	}
	query, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	sw, err := uistream.NewWriter(w)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	ctx := r.Context()
	src := s.agent.Stream(ctx, thread.ID, query)
	defer func() {
		src.Close()
		src.Wait()
	}()
	stopPings := s.startPings(ctx, sw)

	start := time.Now()
	frames := 0
	s.metrics.RecordRunStart()
	sink := uistream.SinkFunc(func(f uistream.Frame) error {
		if f.FrameType() == uistream.TypeDone {
			stopPings()
		}
		return sw.WriteFrame(f)
	})
	err = uistream.Stream(ctx, src, sink, func(f uistream.Frame) {
		frames++
		s.metrics.RecordFrame(string(f.FrameType()))
		if in, ok := f.(uistream.ToolInputAvailableFrame); ok {
			s.metrics.RecordToolCall(in.ToolName)
		}
	})
	stopPings()
	outcome := streamOutcome(err)
	elapsed := time.Since(start)
	s.metrics.RecordRunEnd(outcome, elapsed)
	s.emit(ctx, hooks.EventRunFinished, thread.GuestID, thread.ID, map[string]any{
		"outcome":     string(outcome),
		"frames":      frames,
		"duration_ms": elapsed.Milliseconds(),
	})

	switch outcome {
	case metrics.OutcomeCompleted:
		s.debugf("stream thread=%s frames=%d duration=%s", thread.ID, frames, elapsed)
	default:
		s.logger.Printf("stream %s thread=%s frames=%d duration=%s: %v", outcome, thread.ID, frames, elapsed, err)
	}
}

func streamOutcome(err error) metrics.Outcome {
	var sinkErr *uistream.SinkError
	switch {
	case err == nil:
		return metrics.OutcomeCompleted
	case errors.As(err, &sinkErr), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeAborted
	default:
		return metrics.OutcomeFailed
	}
}

// startPings writes keep-alive comments until the returned stop func is
// called. The stop func may be called more than once. It is a no-op when
// pings are disabled.
func (s *Server) startPings(ctx context.Context, sw *uistream.Writer) func() {
	if s.pingInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := sw.Comment("ping"); err != nil {
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-stopped
	}
}
