package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"goa.design/stageflow/runtime/workflow/failure"
	"goa.design/stageflow/runtime/workflow/store"
	"goa.design/stageflow/runtime/workflow/telemetry"
)

// DefaultTTL is the expiry horizon applied to every session write.
const DefaultTTL = time.Hour

type (
	// Repository creates, reads and mutates sessions in a store.Store. It
	// holds no per-session state; every mutation is an atomic
	// read-modify-write of the whole session through store.Store.Update, so
	// concurrent writers to the same session never silently drop each
	// other's changes.
	Repository struct {
		store   store.Store
		ttl     time.Duration
		now     func() time.Time
		newID   func() string
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
	}

	// Option configures a Repository.
	Option func(*Repository)
)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(r *Repository) { r.ttl = ttl }
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// WithIDGenerator overrides the session id generator (UUIDv4 by default).
func WithIDGenerator(fn func() string) Option {
	return func(r *Repository) { r.newID = fn }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Repository) { r.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(r *Repository) { r.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(r *Repository) { r.tracer = t }
}

// NewRepository returns a Repository persisting sessions in s.
func NewRepository(s store.Store, opts ...Option) *Repository {
	r := &Repository{
		store:   s,
		ttl:     DefaultTTL,
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		tracer:  telemetry.NewNoopTracer(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// TTL returns the expiry horizon applied to session writes.
func (r *Repository) TTL() time.Duration {
	return r.ttl
}

// CreateSession persists a new pending session at the plan stage and
// returns it. formPayload is stored as is and may be nil.
func (r *Repository) CreateSession(ctx context.Context, sessionID, requestID string, formPayload json.RawMessage) (_ *Session, err error) {
	ctx, span := r.tracer.Start(ctx, "workflow.CreateSession",
		trace.WithAttributes(attribute.String("workflow.session_id", sessionID)))
	defer func() { telemetry.EndSpan(span, err) }()

	if formPayload != nil && !json.Valid(formPayload) {
		return nil, errors.New("form payload is not valid JSON")
	}
	now := r.now().UTC()
	s := &Session{
		ID:             r.newID(),
		SessionID:      sessionID,
		RequestID:      requestID,
		Status:         StatusPending,
		CurrentStage:   StagePlan,
		CompletedSteps: []Stage{},
		StartedAt:      now,
		UpdatedAt:      now,
		StageTimings:   map[Stage]int64{},
		AgentOutputs:   map[Stage]json.RawMessage{},
		FormData:       formPayload,
		Version:        1,
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	if err := r.store.Set(ctx, SessionKey(s.ID), data, r.ttl); err != nil {
		r.logger.Error(ctx, "create workflow session failed", "session_id", sessionID, "request_id", requestID, "err", err)
		return nil, fmt.Errorf("create session: %w", err)
	}
	r.metrics.IncCounter("workflow.sessions.created", 1)
	r.logger.Info(ctx, "workflow session created", "workflow_id", s.ID, "session_id", sessionID, "request_id", requestID)
	return s, nil
}

// GetSession loads the session with the given id. Returns an error matching
// ErrSessionNotFound when the id is unknown or the session expired.
func (r *Repository) GetSession(ctx context.Context, id string) (*Session, error) {
	raw, err := r.store.Get(ctx, SessionKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	s, err := decodeSession(raw)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

// UpdateProgress records that the run reached stage with the given progress.
// When completedStep is not empty it is appended to CompletedSteps unless
// already recorded. Reaching StageComplete (which requires progress 100)
// completes the session.
//
// Returns an error matching ErrSessionNotFound when the session does not
// exist, or ErrInvalidTransition when the session is terminal, the stage
// moves backward, progress decreases or leaves 0..100, or completedStep is
// not a pipeline stage at or before stage.
func (r *Repository) UpdateProgress(ctx context.Context, id string, stage Stage, progress int, completedStep Stage) (err error) {
	ctx, span := r.tracer.Start(ctx, "workflow.UpdateProgress", trace.WithAttributes(
		attribute.String("workflow.id", id),
		attribute.String("workflow.stage", string(stage)),
		attribute.Int("workflow.progress", progress),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	var completed bool
	err = r.mutate(ctx, id, func(s *Session) (bool, error) {
		if s.Terminal() {
			return false, newTransitionError(id, "session is %s", s.Status)
		}
		if !stage.Valid() {
			return false, newTransitionError(id, "unknown stage %q", stage)
		}
		if progress < 0 || progress > 100 {
			return false, newTransitionError(id, "progress %d out of range", progress)
		}
		if !CanAdvance(s.CurrentStage, stage) {
			return false, newTransitionError(id, "stage %s cannot follow %s", stage, s.CurrentStage)
		}
		if progress < s.Progress {
			return false, newTransitionError(id, "progress %d below current %d", progress, s.Progress)
		}
		if (progress == 100) != (stage == StageComplete) {
			return false, newTransitionError(id, "progress 100 is reserved for stage %s", StageComplete)
		}
		if completedStep != "" {
			if !completedStep.IsWork() {
				return false, newTransitionError(id, "completed step %q is not a pipeline stage", completedStep)
			}
			if completedStep.Rank() > stage.Rank() {
				return false, newTransitionError(id, "completed step %s is ahead of stage %s", completedStep, stage)
			}
		}

		s.CurrentStage = stage
		s.Progress = progress
		if completedStep != "" && !s.HasCompleted(completedStep) {
			s.CompletedSteps = append(s.CompletedSteps, completedStep)
		}
		completed = false
		if stage == StageComplete {
			s.finish(StatusCompleted, r.now().UTC())
			completed = true
		} else {
			s.Status = StatusProcessing
		}
		return true, nil
	})
	if err != nil {
		r.rejected(ctx, "update_progress", id, err)
		return err
	}
	if completed {
		r.metrics.IncCounter("workflow.sessions.completed", 1)
		r.logger.Info(ctx, "workflow session completed", "workflow_id", id)
	} else {
		r.logger.Debug(ctx, "workflow progress updated", "workflow_id", id, "stage", string(stage), "progress", progress)
	}
	return nil
}

// StoreStageOutput records the output and duration of a pipeline stage,
// replacing any previous entry for that stage. Other fields are untouched.
// output must be valid JSON; nil is stored as JSON null.
//
// Failure modes match UpdateProgress: ErrSessionNotFound, or
// ErrInvalidTransition for terminal sessions, non-pipeline stages and
// negative durations.
func (r *Repository) StoreStageOutput(ctx context.Context, id string, stage Stage, output json.RawMessage, durationMs int64) (err error) {
	ctx, span := r.tracer.Start(ctx, "workflow.StoreStageOutput", trace.WithAttributes(
		attribute.String("workflow.id", id),
		attribute.String("workflow.stage", string(stage)),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	if output == nil {
		output = json.RawMessage("null")
	}
	if !json.Valid(output) {
		return fmt.Errorf("stage %s output is not valid JSON", stage)
	}
	err = r.mutate(ctx, id, func(s *Session) (bool, error) {
		if s.Terminal() {
			return false, newTransitionError(id, "session is %s", s.Status)
		}
		if !stage.IsWork() {
			return false, newTransitionError(id, "stage %q does not produce output", stage)
		}
		if durationMs < 0 {
			return false, newTransitionError(id, "negative duration %d", durationMs)
		}
		if s.AgentOutputs == nil {
			s.AgentOutputs = map[Stage]json.RawMessage{}
		}
		if s.StageTimings == nil {
			s.StageTimings = map[Stage]int64{}
		}
		s.AgentOutputs[stage] = output
		s.StageTimings[stage] = durationMs
		return true, nil
	})
	if err != nil {
		r.rejected(ctx, "store_stage_output", id, err)
		return err
	}
	r.metrics.RecordTimer("workflow.stage.duration", time.Duration(durationMs)*time.Millisecond, "stage", string(stage))
	return nil
}

// FailSession marks the session failed with the classified error c. Calling
// it again with an identical classification is a no-op. Returns
// ErrSessionNotFound when the session does not exist and
// ErrInvalidTransition when the session completed or already failed with a
// different classification.
func (r *Repository) FailSession(ctx context.Context, id string, c failure.Classified) (err error) {
	ctx, span := r.tracer.Start(ctx, "workflow.FailSession", trace.WithAttributes(
		attribute.String("workflow.id", id),
		attribute.String("workflow.failure_type", string(c.Type)),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	var duplicate bool
	err = r.mutate(ctx, id, func(s *Session) (bool, error) {
		duplicate = false
		switch s.Status {
		case StatusCompleted:
			return false, newTransitionError(id, "session is %s", s.Status)
		case StatusFailed:
			if s.Failure != nil && s.Failure.Equal(c) {
				duplicate = true
				return false, nil
			}
			return false, newTransitionError(id, "session already failed with %s error", failureType(s.Failure))
		}
		msg := c.Message
		if msg == "" {
			msg = c.UserMessage
		}
		recorded := c
		s.Failure = &recorded
		s.ErrorMessage = msg
		s.RetryCount++
		s.finish(StatusFailed, r.now().UTC())
		return true, nil
	})
	if err != nil {
		r.rejected(ctx, "fail_session", id, err)
		return err
	}
	if duplicate {
		r.logger.Warn(ctx, "workflow session already failed with the same error", "workflow_id", id, "type", string(c.Type))
		return nil
	}
	r.metrics.IncCounter("workflow.sessions.failed", 1, "type", string(c.Type), "stage", c.Stage)
	r.logger.Info(ctx, "workflow session failed", "workflow_id", id, "type", string(c.Type), "stage", c.Stage, "retryable", c.Retryable)
	return nil
}

// mutate applies fn to the stored session atomically. fn reports whether it
// changed the session; unchanged sessions are not written back.
func (r *Repository) mutate(ctx context.Context, id string, fn func(*Session) (bool, error)) error {
	err := r.store.Update(ctx, SessionKey(id), r.ttl, func(cur []byte) ([]byte, error) {
		s, err := decodeSession(cur)
		if err != nil {
			return nil, err
		}
		changed, err := fn(s)
		if err != nil || !changed {
			return nil, err
		}
		s.UpdatedAt = r.now().UTC()
		s.Version++
		return json.Marshal(s)
	})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return err
}

func (r *Repository) rejected(ctx context.Context, op, id string, err error) {
	switch {
	case errors.Is(err, ErrInvalidTransition):
		r.metrics.IncCounter("workflow.transitions.rejected", 1, "op", op)
		r.logger.Warn(ctx, "workflow update rejected", "op", op, "workflow_id", id, "err", err)
	case errors.Is(err, ErrSessionNotFound):
		r.logger.Debug(ctx, "workflow session not found", "op", op, "workflow_id", id)
	default:
		r.logger.Error(ctx, "workflow update failed", "op", op, "workflow_id", id, "err", err)
	}
}

func decodeSession(raw []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func failureType(c *failure.Classified) failure.Type {
	if c == nil {
		return failure.TypeSystem
	}
	return c.Type
}
