package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"goa.design/clue/log"

	"goa.design/stageflow/runtime/workflow/server"
)

// handleHTTPServer starts the HTTP server and shuts it down gracefully once
// ctx is canceled. Event streams are long lived so the server sets no write
// timeout.
func handleHTTPServer(ctx context.Context, addr string, s *server.Server, wg *sync.WaitGroup, errc chan error) {
	srv := &http.Server{Addr: addr, Handler: s.Handler(ctx), ReadHeaderTimeout: 60 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Printf(ctx, "HTTP server listening on %q", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", addr)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
}
