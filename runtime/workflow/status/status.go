// Package status answers point-in-time queries about workflow sessions.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/stageflow/runtime/workflow"
	"goa.design/stageflow/runtime/workflow/failure"
)

// ErrNotFound indicates the session is unknown or expired.
var ErrNotFound = errors.New("workflow not found")

type (
	// SessionReader loads sessions. *workflow.Repository implements it.
	SessionReader interface {
		GetSession(ctx context.Context, id string) (*workflow.Session, error)
	}

	// Service serves status snapshots.
	Service struct {
		reader SessionReader
	}

	// Snapshot is the externally visible state of a session.
	Snapshot struct {
		WorkflowID     string              `json:"workflowId"`
		Status         workflow.Status     `json:"status"`
		CurrentStage   workflow.Stage      `json:"currentStage"`
		Progress       int                 `json:"progress"`
		CompletedSteps []workflow.Stage    `json:"completedSteps"`
		StartedAt      time.Time           `json:"startedAt"`
		UpdatedAt      time.Time           `json:"updatedAt"`
		CompletedAt    *time.Time          `json:"completedAt,omitempty"`
		ProcessingTime *int64              `json:"processingTime,omitempty"`
		Error          string              `json:"error,omitempty"`
		Failure        *failure.Classified `json:"failure,omitempty"`
		RetryCount     int                 `json:"retryCount"`
	}
)

// New returns a Service reading sessions from reader.
func New(reader SessionReader) *Service {
	return &Service{reader: reader}
}

// GetStatus returns the current snapshot of the session id. It returns an
// error wrapping ErrNotFound when the session does not exist.
func (s *Service) GetStatus(ctx context.Context, id string) (*Snapshot, error) {
	sess, err := s.reader.GetSession(ctx, id)
	if errors.Is(err, workflow.ErrSessionNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get status %s: %w", id, err)
	}
	return project(sess), nil
}

func project(s *workflow.Session) *Snapshot {
	steps := make([]workflow.Stage, len(s.CompletedSteps))
	copy(steps, s.CompletedSteps)
	snap := &Snapshot{
		WorkflowID:     s.ID,
		Status:         s.Status,
		CurrentStage:   s.CurrentStage,
		Progress:       s.Progress,
		CompletedSteps: steps,
		StartedAt:      s.StartedAt,
		UpdatedAt:      s.UpdatedAt,
		Error:          s.ErrorMessage,
		RetryCount:     s.RetryCount,
	}
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		snap.CompletedAt = &at
	}
	if s.TotalProcessingTime != nil {
		ms := *s.TotalProcessingTime
		snap.ProcessingTime = &ms
	}
	if s.Failure != nil {
		f := *s.Failure
		f.RecoveryActions = append([]string(nil), s.Failure.RecoveryActions...)
		snap.Failure = &f
	}
	return snap
}
