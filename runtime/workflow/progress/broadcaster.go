package progress

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"goa.design/stageflow/runtime/workflow"
	"goa.design/stageflow/runtime/workflow/telemetry"
)

const (
	// DefaultInterval is the delay between two session reads.
	DefaultInterval = 2 * time.Second
	// DefaultTimeout bounds the lifetime of a stream.
	DefaultTimeout = 5 * time.Minute
)

// ErrTimeout is returned by Stream when the safety timeout closed the stream.
var ErrTimeout = errors.New("progress stream timed out")

type (
	// SessionReader loads sessions. *workflow.Repository implements it.
	SessionReader interface {
		GetSession(ctx context.Context, id string) (*workflow.Session, error)
	}

	// Broadcaster turns periodic session reads into event streams. A single
	// Broadcaster serves any number of concurrent streams; it holds no
	// per-stream state.
	Broadcaster struct {
		reader   SessionReader
		interval time.Duration
		timeout  time.Duration
		now      func() time.Time
		mirror   Sink
		logger   telemetry.Logger
		metrics  telemetry.Metrics
	}

	// Option configures a Broadcaster.
	Option func(*Broadcaster)

	// State is the lifecycle state of a stream.
	State int32

	// Subscription is a stream running in its own goroutine.
	Subscription struct {
		cancel context.CancelFunc
		done   chan struct{}
		state  atomic.Int32
		err    error
	}
)

const (
	// StateConnecting is the state before the connected event is sent.
	StateConnecting State = iota
	// StateStreaming is the state while the session is being polled.
	StateStreaming
	// StateClosed is the final state.
	StateClosed
)

// WithInterval overrides DefaultInterval. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.interval = d
		}
	}
}

// WithTimeout overrides DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithClock overrides the clock used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) { b.now = now }
}

// WithMirror sends a copy of every event to sink, for example to publish
// events on a message bus. Mirror failures are logged and never end the
// stream.
func WithMirror(sink Sink) Option {
	return func(b *Broadcaster) { b.mirror = sink }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(b *Broadcaster) { b.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

// New returns a Broadcaster reading sessions from reader.
func New(reader SessionReader, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		reader:   reader,
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		now:      time.Now,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Stream sends the events of the session id to sink until the session
// terminates, cannot be read, the safety timeout elapses or ctx is canceled.
// It emits a connected event first, then reads the session every interval:
// a progress event per non-terminal read, and exactly one complete or error
// event before returning. The safety timeout ends the stream without any
// further event.
//
// Stream returns nil after a terminal event, ErrTimeout after the safety
// timeout, ctx.Err() when ctx is canceled and the sink error when a send
// fails.
func (b *Broadcaster) Stream(ctx context.Context, id string, sink Sink) error {
	return b.run(ctx, id, sink, func(State) {})
}

// Subscribe runs Stream in a new goroutine. Close the returned Subscription
// to stop it.
func (b *Broadcaster) Subscribe(ctx context.Context, id string, sink Sink) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		defer cancel()
		sub.err = b.run(ctx, id, sink, func(s State) { sub.state.Store(int32(s)) })
	}()
	return sub
}

func (b *Broadcaster) run(ctx context.Context, id string, sink Sink, setState func(State)) (err error) {
	setState(StateConnecting)
	opened := time.Now()
	deadline := opened.Add(b.timeout)
	b.metrics.IncCounter("workflow.stream.opened", 1)
	defer func() {
		setState(StateClosed)
		b.metrics.RecordTimer("workflow.stream.duration", time.Since(opened), "outcome", outcome(err))
	}()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	if err := b.emit(ctx, sink, NewConnected(id, b.now())); err != nil {
		return err
	}
	setState(StateStreaming)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			b.logger.Info(ctx, "progress stream timed out", "workflow_id", id, "timeout", b.timeout.String())
			return ErrTimeout
		case <-ticker.C:
			if !time.Now().Before(deadline) {
				b.logger.Info(ctx, "progress stream timed out", "workflow_id", id, "timeout", b.timeout.String())
				return ErrTimeout
			}
			done, err := b.poll(ctx, id, sink)
			if err != nil || done {
				return err
			}
		}
	}
}

// poll reads the session once and emits the matching event. It reports
// whether the stream is over.
func (b *Broadcaster) poll(ctx context.Context, id string, sink Sink) (bool, error) {
	s, err := b.reader.GetSession(ctx, id)
	switch {
	case errors.Is(err, workflow.ErrSessionNotFound):
		return true, b.emit(ctx, sink, NewError(id, MessageNotFound, b.now()))
	case err != nil:
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		b.logger.Error(ctx, "progress stream read failed", "workflow_id", id, "err", err)
		return true, b.emit(ctx, sink, NewError(id, MessageUnavailable, b.now()))
	case s.Terminal():
		return true, b.emit(ctx, sink, NewComplete(s, b.now()))
	default:
		return false, b.emit(ctx, sink, NewProgress(s, b.now()))
	}
}

func (b *Broadcaster) emit(ctx context.Context, sink Sink, ev Event) error {
	if err := sink.Send(ctx, ev); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.logger.Warn(ctx, "progress event not delivered", "workflow_id", ev.WorkflowID(), "type", string(ev.Type()), "err", err)
		return err
	}
	if b.mirror != nil {
		if err := b.mirror.Send(ctx, ev); err != nil {
			b.logger.Warn(ctx, "progress event mirror failed", "workflow_id", ev.WorkflowID(), "type", string(ev.Type()), "err", err)
		}
	}
	return nil
}

// Close stops the stream and waits for its goroutine to exit. It is safe to
// call more than once and after the stream ended on its own.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Done is closed once the stream goroutine exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the stream ends and returns the Stream result.
func (s *Subscription) Wait() error {
	<-s.done
	return s.err
}

// Err returns the Stream result once Done is closed and nil before.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// State returns the current stream state.
func (s *Subscription) State() State {
	return State(s.state.Load())
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "terminal"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
