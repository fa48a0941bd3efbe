package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/foodfast/realtime/internal/fanout"
)

// SSEWriter frames events as text/event-stream.
type SSEWriter struct {
	w       *bufio.Writer
	flusher http.Flusher
}

// NewSSEWriter prepares w for event streaming and writes the response headers.
// It fails when the underlying writer cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("stream: response writer does not support flushing")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{w: bufio.NewWriter(w), flusher: flusher}, nil
}

// newSSEWriter builds an SSEWriter over any writer; used in tests.
func newSSEWriter(w io.Writer, f http.Flusher) *SSEWriter {
	return &SSEWriter{w: bufio.NewWriter(w), flusher: f}
}

// WriteEvent writes one event frame. The data line carries the event payload.
func (s *SSEWriter) WriteEvent(e fanout.Event) error {
	if _, err := fmt.Fprintf(s.w, "id: %s\nevent: %s\n", e.ID, e.Type); err != nil {
		return err
	}
	if err := writeData(s.w, e.Payload); err != nil {
		return err
	}
	return s.flush()
}

// WriteKeepAlive writes an SSE comment that clients ignore.
func (s *SSEWriter) WriteKeepAlive() error {
	if _, err := s.w.WriteString(": ping\n\n"); err != nil {
		return err
	}
	return s.flush()
}

func (s *SSEWriter) flush() error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// writeData emits payload as one data line per payload line, per the
// event-stream format.
func writeData(w *bufio.Writer, payload []byte) error {
	start := 0
	for i, b := range payload {
		if b == '\n' {
			if _, err := fmt.Fprintf(w, "data: %s\n", payload[start:i]); err != nil {
				return err
			}
			start = i + 1
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload[start:]); err != nil {
		return err
	}
	return nil
}
