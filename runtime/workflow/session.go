// Package workflow tracks the progress of four-stage generation pipeline runs
// (plan → gather → specialize → format).
//
// A Session records one run. The dispatch engine that executes the stages
// owns every mutation and reports through the Repository:
//
//	CreateSession → UpdateProgress / StoreStageOutput (per stage) → FailSession?
//
// Sessions live in a TTL-capable key-value store (see package store). The
// TTL is refreshed on every write so an active run never expires mid-flight
// while an abandoned run expires on its own. Readers (the progress
// broadcaster and the status service) only ever call GetSession.
package workflow

import (
	"encoding/json"
	"maps"
	"slices"
	"time"

	"goa.design/stageflow/runtime/workflow/failure"
)

// Session is the durable state of one pipeline run.
//
// Invariants enforced by the Repository:
//   - Progress is non-decreasing and reaches 100 only when Status is
//     StatusCompleted.
//   - CurrentStage only moves forward along plan, gather, specialize,
//     format, complete.
//   - CompletedSteps is append-only and duplicate-free.
//   - StatusCompleted and StatusFailed are terminal.
type Session struct {
	// ID is the globally unique run identifier.
	ID string `json:"id"`
	// SessionID is the caller's correlation id.
	SessionID string `json:"sessionId"`
	// RequestID is the caller's request correlation id.
	RequestID string `json:"requestId"`
	// Status is the lifecycle state.
	Status Status `json:"status"`
	// CurrentStage is the stage most recently reported.
	CurrentStage Stage `json:"currentStage"`
	// Progress is the completion percentage, 0 to 100.
	Progress int `json:"progress"`
	// CompletedSteps lists finished stages in completion order.
	CompletedSteps []Stage `json:"completedSteps"`
	// StartedAt is the creation time.
	StartedAt time.Time `json:"startedAt"`
	// UpdatedAt is the time of the last write.
	UpdatedAt time.Time `json:"updatedAt"`
	// CompletedAt is set once, when the session turns terminal.
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	// TotalProcessingTime is the wall time in milliseconds between
	// StartedAt and CompletedAt.
	TotalProcessingTime *int64 `json:"totalProcessingTime,omitempty"`
	// ErrorMessage is set only when Status is StatusFailed.
	ErrorMessage string `json:"errorMessage,omitempty"`
	// Failure is the classified error recorded by FailSession.
	Failure *failure.Classified `json:"failure,omitempty"`
	// RetryCount counts recorded failures.
	RetryCount int `json:"retryCount"`
	// StageTimings maps stage to duration in milliseconds.
	StageTimings map[Stage]int64 `json:"stageTimings"`
	// AgentOutputs maps stage to its opaque output payload.
	AgentOutputs map[Stage]json.RawMessage `json:"agentOutputs"`
	// FormData is the opaque payload the run was created with.
	FormData json.RawMessage `json:"formData,omitempty"`
	// Version increments on every write.
	Version int64 `json:"version"`
}

// Terminal reports whether the session accepts no further transitions.
func (s *Session) Terminal() bool {
	return s.Status.Terminal()
}

// HasCompleted reports whether stage is recorded in CompletedSteps.
func (s *Session) HasCompleted(stage Stage) bool {
	return slices.Contains(s.CompletedSteps, stage)
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	c := *s
	c.CompletedSteps = slices.Clone(s.CompletedSteps)
	c.StageTimings = maps.Clone(s.StageTimings)
	if s.AgentOutputs != nil {
		c.AgentOutputs = make(map[Stage]json.RawMessage, len(s.AgentOutputs))
		for k, v := range s.AgentOutputs {
			c.AgentOutputs[k] = slices.Clone(v)
		}
	}
	c.FormData = slices.Clone(s.FormData)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	if s.TotalProcessingTime != nil {
		d := *s.TotalProcessingTime
		c.TotalProcessingTime = &d
	}
	if s.Failure != nil {
		f := *s.Failure
		f.RecoveryActions = slices.Clone(s.Failure.RecoveryActions)
		c.Failure = &f
	}
	return &c
}

// finish marks s terminal at t.
func (s *Session) finish(status Status, t time.Time) {
	s.Status = status
	completed := t
	s.CompletedAt = &completed
	d := t.Sub(s.StartedAt).Milliseconds()
	if d < 0 {
		d = 0
	}
	s.TotalProcessingTime = &d
}

// SessionKey returns the store key that holds the session with the given id.
func SessionKey(id string) string {
	return KeyPrefix + id
}

// KeyPrefix prefixes every session key in the store.
const KeyPrefix = "workflow:session:"
