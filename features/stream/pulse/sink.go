// Package pulse mirrors workflow progress events onto goa.design/pulse
// streams so other processes can follow a run without polling the session
// store. Each run publishes to its own stream, "workflow/<id>" by default.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/stageflow/features/stream/pulse/clients/pulse"
	"goa.design/stageflow/runtime/workflow/progress"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client publishes the events. Required.
		Client pulse.Client
		// StreamID derives the target stream from an event. Defaults to
		// "workflow/<WorkflowID>".
		StreamID func(progress.Event) (string, error)
		// Clock stamps envelopes. Defaults to time.Now.
		Clock func() time.Time
	}

	// Sink publishes progress events to Pulse. It implements progress.Sink
	// and is safe for concurrent use.
	Sink struct {
		client   pulse.Client
		streamID func(progress.Event) (string, error)
		now      func() time.Time
	}

	// envelope is the wire format of a mirrored event.
	envelope struct {
		Type       string         `json:"type"`
		WorkflowID string         `json:"workflowId"`
		Timestamp  time.Time      `json:"timestamp"`
		Payload    progress.Event `json:"payload"`
	}
)

// NewSink returns a Sink publishing through opts.Client.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Sink{client: opts.Client, streamID: StreamID, now: time.Now}
	if opts.StreamID != nil {
		s.streamID = opts.StreamID
	}
	if opts.Clock != nil {
		s.now = opts.Clock
	}
	return s, nil
}

// StreamID returns the default stream name of event.
func StreamID(event progress.Event) (string, error) {
	if event.WorkflowID() == "" {
		return "", errors.New("progress event missing workflow id")
	}
	return fmt.Sprintf("workflow/%s", event.WorkflowID()), nil
}

// Send publishes event wrapped in an envelope.
func (s *Sink) Send(ctx context.Context, event progress.Event) error {
	name, err := s.streamID(event)
	if err != nil {
		return err
	}
	str, err := s.client.Stream(name)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{
		Type:       string(event.Type()),
		WorkflowID: event.WorkflowID(),
		Timestamp:  s.now().UTC(),
		Payload:    event,
	})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", event.Type(), err)
	}
	if _, err := str.Add(ctx, string(event.Type()), payload); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event.Type(), name, err)
	}
	return nil
}

// Close releases the client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}
