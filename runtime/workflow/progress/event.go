// Package progress streams the progress of a workflow session to a single
// subscriber. The broadcaster polls the session repository at a fixed
// interval because the store offers no change notification, and turns each
// read into an event:
//
//	connected → progress* → (complete | error)
//
// A safety timeout bounds every stream so a run that never terminates cannot
// hold a connection forever.
package progress

import (
	"time"

	"goa.design/stageflow/runtime/workflow"
)

type (
	// Event is a stream event. Implementations marshal to the wire payload.
	Event interface {
		// Type returns the event type.
		Type() EventType
		// WorkflowID returns the id of the session the event describes.
		WorkflowID() string
	}

	// EventType names an event kind.
	EventType string

	// Connected is emitted once when the stream opens.
	Connected struct {
		Kind      EventType `json:"type"`
		ID        string    `json:"workflowId"`
		Timestamp time.Time `json:"timestamp"`
	}

	// Progress is emitted on every poll of a non-terminal session.
	Progress struct {
		Kind           EventType        `json:"type"`
		ID             string           `json:"workflowId"`
		Status         workflow.Status  `json:"status"`
		CurrentStage   workflow.Stage   `json:"currentStage"`
		Progress       int              `json:"progress"`
		CompletedSteps []workflow.Stage `json:"completedSteps"`
		Timestamp      time.Time        `json:"timestamp"`
	}

	// Complete is emitted once when the session reaches a terminal state.
	// Error carries the failure message of failed sessions.
	Complete struct {
		Kind           EventType       `json:"type"`
		Status         workflow.Status `json:"status"`
		ProcessingTime int64           `json:"processingTime"`
		Error          string          `json:"error,omitempty"`
		Timestamp      time.Time       `json:"timestamp"`

		id string
	}

	// Error is emitted once when the session cannot be read.
	Error struct {
		Kind      EventType `json:"type"`
		Message   string    `json:"error"`
		Timestamp time.Time `json:"timestamp"`

		id string
	}
)

const (
	// EventConnected is the type of Connected events.
	EventConnected EventType = "connected"
	// EventProgress is the type of Progress events.
	EventProgress EventType = "progress"
	// EventComplete is the type of Complete events.
	EventComplete EventType = "complete"
	// EventError is the type of Error events.
	EventError EventType = "error"
)

const (
	// MessageNotFound is the Error message for unknown or expired sessions.
	MessageNotFound = "Workflow not found"
	// MessageUnavailable is the Error message for store read failures.
	MessageUnavailable = "Failed to read workflow status"
)

// NewConnected builds a Connected event.
func NewConnected(id string, at time.Time) Connected {
	return Connected{Kind: EventConnected, ID: id, Timestamp: at.UTC()}
}

// NewProgress builds a Progress event from s.
func NewProgress(s *workflow.Session, at time.Time) Progress {
	steps := make([]workflow.Stage, len(s.CompletedSteps))
	copy(steps, s.CompletedSteps)
	return Progress{
		Kind:           EventProgress,
		ID:             s.ID,
		Status:         s.Status,
		CurrentStage:   s.CurrentStage,
		Progress:       s.Progress,
		CompletedSteps: steps,
		Timestamp:      at.UTC(),
	}
}

// NewComplete builds a Complete event from the terminal session s.
func NewComplete(s *workflow.Session, at time.Time) Complete {
	c := Complete{Kind: EventComplete, Status: s.Status, Error: s.ErrorMessage, Timestamp: at.UTC(), id: s.ID}
	if s.TotalProcessingTime != nil {
		c.ProcessingTime = *s.TotalProcessingTime
	}
	return c
}

// NewError builds an Error event for the session id.
func NewError(id, msg string, at time.Time) Error {
	return Error{Kind: EventError, Message: msg, Timestamp: at.UTC(), id: id}
}

func (e Connected) Type() EventType    { return e.Kind }
func (e Connected) WorkflowID() string { return e.ID }
func (e Progress) Type() EventType     { return e.Kind }
func (e Progress) WorkflowID() string  { return e.ID }
func (e Complete) Type() EventType     { return e.Kind }
func (e Complete) WorkflowID() string  { return e.id }
func (e Error) Type() EventType        { return e.Kind }
func (e Error) WorkflowID() string     { return e.id }
