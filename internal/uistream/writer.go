package uistream

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("uistream: response writer does not support flushing")

// Writer sends frames to an HTTP client as Server-Sent Events, flushing after
// every record. It is safe for concurrent use; records never interleave.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	err     error
}

// NewWriter prepares w for streaming and writes the response headers.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // nginx
	h.Set(ProtocolHeader, ProtocolVersion)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Writer{w: w, flusher: flusher}, nil
}

// WriteFrame encodes and flushes one frame. After the first write error every
// call fails with the same error.
func (s *Writer) WriteFrame(f Frame) error {
	b, err := Encode(f)
	if err != nil {
		return err
	}
	return s.writeRecord(b)
}

// Comment writes an SSE comment line, used as a keep-alive.
func (s *Writer) Comment(text string) error {
	return s.writeRecord([]byte(fmt.Sprintf(": %s\n\n", text)))
}

func (s *Writer) writeRecord(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, err := s.w.Write(b); err != nil {
		s.err = err
		return err
	}
	s.flusher.Flush()
	return nil
}
