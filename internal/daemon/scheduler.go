package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ankittk/stagehand/internal/httpapi"
	"github.com/ankittk/stagehand/internal/store"
	"github.com/ankittk/stagehand/pkg/models"
)

// runScheduler periodically claims runnable runs (queued or running, never
// blocked or terminal) under a concurrency semaphore and a per-run in-flight
// set, and advances each by one orchestrator tick. Blocked runs waiting on
// an approval are ticked too so a recorded approve wakes them; every other
// blocked run stays put until an operator resumes it.
func runScheduler(ctx context.Context, opts StartOptions, app *httpapi.App) {
	interval := time.Duration(opts.IntervalSec * float64(time.Second))
	if interval <= 0 {
		interval = 2 * time.Second
	}
	max := opts.MaxConcurrent
	if max <= 0 {
		max = models.DefaultSchedulerChanSize
	}

	sem := make(chan struct{}, max)
	var mu sync.Mutex
	inFlight := make(map[string]bool)

	tickRun := func(runID string) {
		mu.Lock()
		if inFlight[runID] {
			mu.Unlock()
			return
		}
		inFlight[runID] = true
		mu.Unlock()

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			mu.Lock()
			delete(inFlight, runID)
			mu.Unlock()
			return
		}

		go func() {
			defer func() {
				<-sem
				mu.Lock()
				delete(inFlight, runID)
				mu.Unlock()
			}()
			run, err := app.Engine.Tick(ctx, runID)
			if err != nil {
				// A stale version means another writer advanced the run first.
				slog.Warn("scheduler tick failed", "run_id", runID, "err", err)
				return
			}
			if run != nil && run.Status != models.RunBlocked {
				slog.Info("scheduler tick", "run_id", runID, "stage", run.CurrentStage)
			}
		}()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runs, err := app.Store.ListRunnable(ctx, max)
			if err != nil {
				slog.Error("scheduler list runnable failed", "err", err)
				continue
			}
			for _, r := range runs {
				tickRun(r.RunID)
			}

			blocked, err := app.Store.ListRuns(ctx, store.RunFilter{Status: models.RunBlocked})
			if err != nil {
				slog.Error("scheduler list blocked failed", "err", err)
				continue
			}
			for _, r := range blocked {
				if r.ReasonCode != nil && *r.ReasonCode == models.ReasonApprovalPending {
					tickRun(r.RunID)
				}
			}
			if opts.BlockedTTLSec > 0 {
				sweepBlocked(ctx, app, blocked, time.Duration(opts.BlockedTTLSec)*time.Second)
			}
		}
	}
}

// sweepBlocked cancels runs that have sat blocked past the configured TTL.
func sweepBlocked(ctx context.Context, app *httpapi.App, blocked []store.Run, ttl time.Duration) {
	cutoff := time.Now().UTC().Add(-ttl)
	for _, r := range blocked {
		if !r.UpdatedAt.Before(cutoff) {
			continue
		}
		detail := fmt.Sprintf("blocked longer than %s", ttl)
		run, err := app.Store.CancelRun(ctx, r.RunID, detail)
		if err != nil {
			slog.Error("blocked ttl cancel failed", "run_id", r.RunID, "err", err)
			continue
		}
		slog.Warn("run cancelled by blocked ttl", "run_id", r.RunID, "stage", r.CurrentStage, "ttl", ttl)
		payload := map[string]any{
			"type":   "run_update",
			"run_id": run.RunID,
			"status": run.Status,
			"stage":  run.CurrentStage,
			"detail": detail,
		}
		if run.ReasonCode != nil {
			payload["reason_code"] = *run.ReasonCode
		}
		app.Hub.PublishJSON(payload)
	}
}
