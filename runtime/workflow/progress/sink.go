package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

type (
	// Sink delivers events to a subscriber. Send must not be called
	// concurrently by the broadcaster for the same sink, but
	// implementations shared across streams must be thread-safe.
	Sink interface {
		Send(ctx context.Context, event Event) error
	}

	// SSESink writes events to an HTTP response as Server-Sent Events:
	// each event is a "data: " line holding the JSON payload followed by a
	// blank line.
	SSESink struct {
		mu sync.Mutex
		w  http.ResponseWriter
		rc *http.ResponseController
	}

	// SinkFunc adapts a function to Sink.
	SinkFunc func(ctx context.Context, event Event) error
)

// ErrStreamingUnsupported indicates the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("response writer does not support streaming")

// NewSSESink prepares w for an event stream and writes the response headers.
// It returns ErrStreamingUnsupported, without writing anything, when neither
// w nor any writer it wraps can flush.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	if !canFlush(w) {
		return nil, ErrStreamingUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		return nil, err
	}
	return &SSESink{w: w, rc: rc}, nil
}

// canFlush walks the Unwrap chain of w looking for a flusher, the same way
// http.ResponseController does.
func canFlush(w http.ResponseWriter) bool {
	for {
		switch t := w.(type) {
		case http.Flusher:
			return true
		case interface{ FlushError() error }:
			return true
		case interface{ Unwrap() http.ResponseWriter }:
			w = t.Unwrap()
		default:
			return false
		}
	}
}

// Send writes event and flushes it to the client.
func (s *SSESink) Send(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type(), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write %s event: %w", event.Type(), err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("flush %s event: %w", event.Type(), err)
	}
	return nil
}

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, event Event) error {
	return f(ctx, event)
}
