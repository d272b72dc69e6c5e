// Command stageflow serves the progress of four-stage generation pipeline
// runs. The dispatch engine writes sessions through the workflow repository;
// this service exposes them over HTTP and sweeps stale sessions.
//
// # Configuration
//
// An optional YAML file (-config) is read first, then environment variables
// override it:
//
//	STAGEFLOW_ADDR    - HTTP listen address (default: ":8080")
//	STORE_BACKEND     - redis, mongo or memory (default: "redis")
//	REDIS_URL         - Redis address (default: "localhost:6379")
//	REDIS_PASSWORD    - Redis password (optional)
//	MONGO_URI         - MongoDB URI (default: "mongodb://localhost:27017")
//	MONGO_DATABASE    - MongoDB database (default: "stageflow")
//	SESSION_TTL       - session expiry, refreshed on every write (default: "1h")
//	POLL_INTERVAL     - progress stream poll interval (default: "2s")
//	STREAM_TIMEOUT    - progress stream safety timeout (default: "5m")
//	CLEANUP_INTERVAL  - stale session sweep interval (default: "10m")
//	STREAM_RATE       - new streams admitted per second (default: 50)
//	STREAM_BURST      - stream admission burst (default: 100)
//	PULSE_MIRROR      - publish stream events to Pulse, redis only (default: false)
//
// # Example
//
//	REDIS_URL=localhost:6379 go run ./cmd/stageflow
//	STORE_BACKEND=memory go run ./cmd/stageflow -debug
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"goa.design/stageflow/runtime/workflow"
	"goa.design/stageflow/runtime/workflow/progress"
	"goa.design/stageflow/runtime/workflow/server"
	"goa.design/stageflow/runtime/workflow/status"
	"goa.design/stageflow/runtime/workflow/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to a YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs and mount debug endpoints")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *configF, *dbgF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, configPath string, dbg bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log.Print(ctx,
		log.KV{K: "addr", V: cfg.Addr},
		log.KV{K: "store", V: cfg.StoreBackend},
		log.KV{K: "session-ttl", V: cfg.SessionTTL.String()},
		log.KV{K: "pulse-mirror", V: cfg.PulseMirror},
	)

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.close(ctx)

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewOtelMetrics()
	repo := workflow.NewRepository(backend.store,
		workflow.WithTTL(cfg.SessionTTL),
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithTracer(telemetry.NewOtelTracer()),
	)

	streamOpts := []progress.Option{
		progress.WithInterval(cfg.PollInterval),
		progress.WithTimeout(cfg.StreamTimeout),
		progress.WithLogger(logger),
		progress.WithMetrics(metrics),
	}
	if backend.mirror != nil {
		streamOpts = append(streamOpts, progress.WithMirror(backend.mirror))
	}

	srv, err := server.New(server.Options{
		Status:  status.New(repo),
		Streams: progress.New(repo, streamOpts...),
		Limiter: rate.NewLimiter(rate.Limit(cfg.StreamRate), cfg.StreamBurst),
		Checker: health.NewChecker(backend.pingers...),
		Debug:   dbg,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		repo.RunSweeper(ctx, cfg.CleanupInterval)
	}()
	handleHTTPServer(ctx, cfg.Addr, srv, &wg, errc)

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
	return nil
}
