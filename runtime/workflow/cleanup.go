package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"goa.design/stageflow/runtime/workflow/store"
)

// CleanupExpired deletes session entries the store failed to expire: entries
// whose last write is older than the TTL, and entries that no longer decode.
// Store expiry is the primary mechanism; this sweep exists for explicit
// maintenance. It is best-effort: per-key failures are logged and skipped.
// It returns the number of entries removed.
func (r *Repository) CleanupExpired(ctx context.Context) (int, error) {
	keys, err := r.store.Keys(ctx, KeyPrefix)
	if err != nil {
		return 0, err
	}
	now := r.now()
	removed := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		raw, err := r.store.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			r.logger.Warn(ctx, "cleanup read failed", "key", key, "err", err)
			continue
		}
		var s Session
		if err := json.Unmarshal(raw, &s); err == nil && now.Before(s.UpdatedAt.Add(r.ttl)) {
			continue
		}
		if err := r.store.Delete(ctx, key); err != nil {
			r.logger.Warn(ctx, "cleanup delete failed", "key", key, "err", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		r.metrics.IncCounter("workflow.cleanup.removed", float64(removed))
		r.logger.Info(ctx, "expired workflow sessions removed", "count", removed)
	}
	return removed, nil
}

// RunSweeper calls CleanupExpired every interval until ctx is canceled.
func (r *Repository) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.CleanupExpired(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error(ctx, "workflow cleanup sweep failed", "err", err)
			}
		}
	}
}
