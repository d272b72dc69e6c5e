package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"
	"golang.org/x/time/rate"

	"goa.design/stageflow/runtime/workflow"
	"goa.design/stageflow/runtime/workflow/failure"
	"goa.design/stageflow/runtime/workflow/progress"
	"goa.design/stageflow/runtime/workflow/status"
	"goa.design/stageflow/runtime/workflow/store"
	"goa.design/stageflow/runtime/workflow/store/inmem"
)

type fixture struct {
	repo   *workflow.Repository
	server *httptest.Server
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	repo := workflow.NewRepository(inmem.New())
	o := Options{
		Status:  status.New(repo),
		Streams: progress.New(repo, progress.WithInterval(5*time.Millisecond), progress.WithTimeout(time.Minute)),
	}
	for _, fn := range opts {
		fn(&o)
	}
	srv, err := New(o)
	require.NoError(t, err)
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatJSON))
	ts := httptest.NewServer(srv.Handler(ctx))
	t.Cleanup(ts.Close)
	return &fixture{repo: repo, server: ts}
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestStatusRoute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.repo.CreateSession(ctx, "s1", "r1", nil)
	require.NoError(t, err)
	require.NoError(t, f.repo.UpdateProgress(ctx, s.ID, workflow.StageGather, 40, workflow.StagePlan))

	resp := f.get(t, "/workflows/"+s.ID+"/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	var snap status.Snapshot
	decode(t, resp, &snap)
	require.Equal(t, s.ID, snap.WorkflowID)
	require.Equal(t, workflow.StatusProcessing, snap.Status)
	require.Equal(t, workflow.StageGather, snap.CurrentStage)
	require.Equal(t, 40, snap.Progress)
	require.Equal(t, []workflow.Stage{workflow.StagePlan}, snap.CompletedSteps)
}

func TestStatusRouteNotFound(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/workflows/missing/status")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body map[string]string
	decode(t, resp, &body)
	require.Equal(t, map[string]string{"error": "workflow not found"}, body)
}

type failingStatus struct{}

func (failingStatus) GetStatus(context.Context, string) (*status.Snapshot, error) {
	return nil, store.ErrUnavailable
}

func TestStatusRouteStoreFailure(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Status = failingStatus{} })
	resp := f.get(t, "/workflows/wf-1/status")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

// readEvents reads SSE frames until the body ends.
func readEvents(t *testing.T, resp *http.Response) []map[string]any {
	t.Helper()
	var events []map[string]any
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		require.True(t, ok, "unexpected line %q", line)
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestEventsRouteCompletedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.repo.CreateSession(ctx, "s1", "r1", nil)
	require.NoError(t, err)
	require.NoError(t, f.repo.FailSession(ctx, s.ID, failure.Classify(errors.New("ECONNREFUSED"), "gather")))

	resp := f.get(t, "/workflows/"+s.ID+"/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp)
	require.Len(t, events, 2)
	require.Equal(t, "connected", events[0]["type"])
	require.Equal(t, s.ID, events[0]["workflowId"])
	require.Equal(t, "complete", events[1]["type"])
	require.Equal(t, "failed", events[1]["status"])
	require.Equal(t, "ECONNREFUSED", events[1]["error"])
}

func TestEventsRouteUnknownSession(t *testing.T) {
	f := newFixture(t)
	events := readEvents(t, f.get(t, "/workflows/bad/events"))
	require.Len(t, events, 2)
	require.Equal(t, "connected", events[0]["type"])
	require.Equal(t, "error", events[1]["type"])
	require.Equal(t, progress.MessageNotFound, events[1]["error"])
}

func TestEventsRouteRateLimited(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Limiter = rate.NewLimiter(0, 0) })
	resp := f.get(t, "/workflows/wf-1/events")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	var body map[string]string
	decode(t, resp, &body)
	require.Equal(t, "too many streams", body["error"])
}

func TestEventsRouteClientDisconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.repo.CreateSession(ctx, "s1", "r1", nil)
	require.NoError(t, err)

	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, f.server.URL+"/workflows/"+s.ID+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, `"type":"connected"`)
	cancel()
}

// bufferedWriter is a ResponseWriter that cannot flush.
type bufferedWriter struct {
	header http.Header
	code   int
	body   strings.Builder
}

func (w *bufferedWriter) Header() http.Header         { return w.header }
func (w *bufferedWriter) Write(b []byte) (int, error) { return w.body.Write(b) }
func (w *bufferedWriter) WriteHeader(code int)        { w.code = code }

func TestEventsRouteWithoutFlusher(t *testing.T) {
	repo := workflow.NewRepository(inmem.New())
	srv, err := New(Options{Status: status.New(repo), Streams: progress.New(repo)})
	require.NoError(t, err)

	w := &bufferedWriter{header: http.Header{}}
	req := httptest.NewRequest(http.MethodGet, "/workflows/wf-1/events", nil)
	srv.handleEvents(goahttp.NewMuxer())(w, req)

	require.Equal(t, http.StatusInternalServerError, w.code)
	require.JSONEq(t, `{"error":"streaming unsupported"}`, w.body.String())
}

type pinger struct {
	name string
	err  error
}

func (p pinger) Name() string               { return p.name }
func (p pinger) Ping(context.Context) error { return p.err }

func TestHealthRoutes(t *testing.T) {
	healthy := newFixture(t, func(o *Options) { o.Checker = health.NewChecker(pinger{name: "store"}) })
	for _, path := range []string{"/healthz", "/livez"} {
		require.Equal(t, http.StatusOK, healthy.get(t, path).StatusCode, path)
	}
	down := newFixture(t, func(o *Options) {
		o.Checker = health.NewChecker(pinger{name: "store", err: errors.New("down")})
	})
	require.Equal(t, http.StatusServiceUnavailable, down.get(t, "/healthz").StatusCode)
}

func TestNewRequiresDependencies(t *testing.T) {
	repo := workflow.NewRepository(inmem.New())
	_, err := New(Options{Streams: progress.New(repo)})
	require.Error(t, err)
	_, err = New(Options{Status: status.New(repo)})
	require.Error(t, err)
}
