package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	clientspulse "goa.design/stageflow/features/stream/pulse/clients/pulse"
	"goa.design/stageflow/runtime/workflow"
	"goa.design/stageflow/runtime/workflow/progress"
)

type (
	published struct {
		stream  string
		event   string
		payload []byte
	}

	fakeClient struct {
		mu        sync.Mutex
		published []published
		addErr    error
		streamErr error
		closed    bool
	}

	fakeStream struct {
		name   string
		client *fakeClient
	}
)

func (c *fakeClient) Stream(name string) (clientspulse.Stream, error) {
	if c.streamErr != nil {
		return nil, c.streamErr
	}
	return &fakeStream{name: name, client: c}, nil
}

func (c *fakeClient) Close(context.Context) error {
	c.closed = true
	return nil
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	if s.client.addErr != nil {
		return "", s.client.addErr
	}
	s.client.published = append(s.client.published, published{stream: s.name, event: event, payload: payload})
	return "1-0", nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

var fixed = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSendPublishesEnvelope(t *testing.T) {
	cli := &fakeClient{}
	sink, err := NewSink(Options{Client: cli, Clock: func() time.Time { return fixed }})
	require.NoError(t, err)

	sess := &workflow.Session{ID: "wf-1", Status: workflow.StatusProcessing, CurrentStage: workflow.StageGather, Progress: 40}
	require.NoError(t, sink.Send(context.Background(), progress.NewProgress(sess, fixed)))

	require.Len(t, cli.published, 1)
	got := cli.published[0]
	require.Equal(t, "workflow/wf-1", got.stream)
	require.Equal(t, "progress", got.event)

	var env struct {
		Type       string          `json:"type"`
		WorkflowID string          `json:"workflowId"`
		Timestamp  time.Time       `json:"timestamp"`
		Payload    json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(got.payload, &env))
	require.Equal(t, "progress", env.Type)
	require.Equal(t, "wf-1", env.WorkflowID)
	require.True(t, fixed.Equal(env.Timestamp))
	require.JSONEq(t,
		`{"type":"progress","workflowId":"wf-1","status":"processing","currentStage":"gather","progress":40,"completedSteps":[],"timestamp":"2026-03-01T12:00:00Z"}`,
		string(env.Payload))
}

func TestSendUsesWorkflowIDOfErrorEvents(t *testing.T) {
	cli := &fakeClient{}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), progress.NewError("wf-9", progress.MessageNotFound, fixed)))
	require.Equal(t, "workflow/wf-9", cli.published[0].stream)
}

func TestSendCustomStreamID(t *testing.T) {
	cli := &fakeClient{}
	sink, err := NewSink(Options{
		Client:   cli,
		StreamID: func(progress.Event) (string, error) { return "all-workflows", nil },
	})
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), progress.NewConnected("wf-1", fixed)))
	require.Equal(t, "all-workflows", cli.published[0].stream)
}

func TestSendErrors(t *testing.T) {
	boom := errors.New("boom")

	t.Run("missing workflow id", func(t *testing.T) {
		sink, err := NewSink(Options{Client: &fakeClient{}})
		require.NoError(t, err)
		require.Error(t, sink.Send(context.Background(), progress.NewConnected("", fixed)))
	})
	t.Run("stream", func(t *testing.T) {
		sink, err := NewSink(Options{Client: &fakeClient{streamErr: boom}})
		require.NoError(t, err)
		require.ErrorIs(t, sink.Send(context.Background(), progress.NewConnected("wf-1", fixed)), boom)
	})
	t.Run("add", func(t *testing.T) {
		sink, err := NewSink(Options{Client: &fakeClient{addErr: boom}})
		require.NoError(t, err)
		require.ErrorIs(t, sink.Send(context.Background(), progress.NewConnected("wf-1", fixed)), boom)
	})
}

func TestNewSinkRequiresClient(t *testing.T) {
	_, err := NewSink(Options{})
	require.Error(t, err)
}

func TestSinkClosesClient(t *testing.T) {
	cli := &fakeClient{}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	require.True(t, cli.closed)
}

func TestMirrorFromBroadcaster(t *testing.T) {
	ms := int64(10)
	reader := readerFunc(func(context.Context, string) (*workflow.Session, error) {
		return &workflow.Session{ID: "wf-1", Status: workflow.StatusCompleted, CurrentStage: workflow.StageComplete, Progress: 100, TotalProcessingTime: &ms}, nil
	})
	cli := &fakeClient{}
	mirror, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	var delivered []progress.EventType
	sink := progress.SinkFunc(func(_ context.Context, ev progress.Event) error {
		delivered = append(delivered, ev.Type())
		return nil
	})
	b := progress.New(reader, progress.WithInterval(time.Millisecond), progress.WithMirror(mirror))
	require.NoError(t, b.Stream(context.Background(), "wf-1", sink))

	require.Equal(t, []progress.EventType{progress.EventConnected, progress.EventComplete}, delivered)
	require.Len(t, cli.published, 2)
	require.Equal(t, "connected", cli.published[0].event)
	require.Equal(t, "complete", cli.published[1].event)
}

type readerFunc func(context.Context, string) (*workflow.Session, error)

func (f readerFunc) GetSession(ctx context.Context, id string) (*workflow.Session, error) {
	return f(ctx, id)
}
