// Package server exposes the workflow read paths over HTTP:
//
//	GET /workflows/{id}/status   point-in-time snapshot (JSON)
//	GET /workflows/{id}/events   progress stream (Server-Sent Events)
//	GET /healthz, GET /livez     dependency health
package server

import (
	"context"
	"errors"
	"net/http"

	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"
	"golang.org/x/time/rate"

	"goa.design/stageflow/runtime/workflow/progress"
	"goa.design/stageflow/runtime/workflow/status"
	"goa.design/stageflow/runtime/workflow/telemetry"
)

type (
	// StatusService answers status queries. *status.Service implements it.
	StatusService interface {
		GetStatus(ctx context.Context, id string) (*status.Snapshot, error)
	}

	// Streamer streams session events. *progress.Broadcaster implements it.
	Streamer interface {
		Stream(ctx context.Context, id string, sink progress.Sink) error
	}

	// Options configures the HTTP handler.
	Options struct {
		// Status serves the status route. Required.
		Status StatusService
		// Streams serves the events route. Required.
		Streams Streamer
		// Limiter admits new event streams. Nil admits every stream.
		Limiter *rate.Limiter
		// Checker backs the health routes. Nil reports healthy with no
		// dependencies.
		Checker health.Checker
		// Debug mounts the pprof handlers and the /debug log level toggle.
		Debug bool
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
	}

	// Server holds the route handlers.
	Server struct {
		status  StatusService
		streams Streamer
		limiter *rate.Limiter
		checker health.Checker
		debug   bool
		logger  telemetry.Logger
	}

	errorBody struct {
		Error string `json:"error"`
	}
)

const (
	pathStatus = "/workflows/{id}/status"
	pathEvents = "/workflows/{id}/events"
)

// New returns a Server.
func New(opts Options) (*Server, error) {
	if opts.Status == nil {
		return nil, errors.New("status service is required")
	}
	if opts.Streams == nil {
		return nil, errors.New("streamer is required")
	}
	s := &Server{
		status:  opts.Status,
		streams: opts.Streams,
		limiter: opts.Limiter,
		checker: opts.Checker,
		debug:   opts.Debug,
		logger:  opts.Logger,
	}
	if s.checker == nil {
		s.checker = health.NewChecker()
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	return s, nil
}

// Handler returns the HTTP handler serving every route. logCtx carries the
// clue logger used by the request logging middleware.
func (s *Server) Handler(logCtx context.Context) http.Handler {
	mux := goahttp.NewMuxer()
	if s.debug {
		debug.MountPprofHandlers(debug.Adapt(mux))
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}
	mux.Handle(http.MethodGet, pathStatus, s.handleStatus(mux))
	mux.Handle(http.MethodGet, pathEvents, s.handleEvents(mux))
	check := health.Handler(s.checker)
	mux.Handle(http.MethodGet, "/healthz", check)
	mux.Handle(http.MethodGet, "/livez", check)
	return log.HTTP(logCtx)(mux)
}

func (s *Server) handleStatus(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := mux.Vars(r)["id"]
		snap, err := s.status.GetStatus(ctx, id)
		switch {
		case errors.Is(err, status.ErrNotFound):
			s.writeJSON(ctx, w, http.StatusNotFound, errorBody{Error: "workflow not found"})
		case err != nil:
			s.logger.Error(ctx, "status query failed", "workflow_id", id, "err", err)
			s.writeJSON(ctx, w, http.StatusInternalServerError, errorBody{Error: "failed to read workflow status"})
		default:
			s.writeJSON(ctx, w, http.StatusOK, snap)
		}
	}
}

func (s *Server) handleEvents(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := mux.Vars(r)["id"]
		if s.limiter != nil && !s.limiter.Allow() {
			s.logger.Warn(ctx, "progress stream rejected", "workflow_id", id, "reason", "rate limited")
			s.writeJSON(ctx, w, http.StatusTooManyRequests, errorBody{Error: "too many streams"})
			return
		}
		sink, err := progress.NewSSESink(w)
		if err != nil {
			s.logger.Error(ctx, "progress stream unavailable", "workflow_id", id, "err", err)
			if errors.Is(err, progress.ErrStreamingUnsupported) {
				s.writeJSON(ctx, w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
			}
			return
		}
		err = s.streams.Stream(ctx, id, sink)
		switch {
		case err == nil, errors.Is(err, progress.ErrTimeout), errors.Is(err, context.Canceled):
			s.logger.Debug(ctx, "progress stream closed", "workflow_id", id)
		default:
			s.logger.Warn(ctx, "progress stream ended", "workflow_id", id, "err", err)
		}
	}
}

func (s *Server) writeJSON(ctx context.Context, w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(code)
	if err := enc.Encode(v); err != nil {
		s.logger.Warn(ctx, "response not written", "err", err)
	}
}
