package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ankittk/stagehand/pkg/models"
)

// Worker watches the event stream and sends one notification per run for
// each blocked or terminal state it enters. Re-entering the same state (a
// run that blocks at Git after already blocking at DryRun) notifies again;
// duplicate events for the same run+status+stage are suppressed.
type Worker struct {
	Registry *Registry

	mu   sync.Mutex
	seen map[string]string // run_id -> last notified status+stage
}

// Run consumes raw SSE payloads until ctx is cancelled or events closes.
func (w *Worker) Run(ctx context.Context, events <-chan []byte) {
	if w.Registry == nil || w.Registry.Len() == 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-events:
			if !ok {
				return
			}
			w.handle(ctx, raw)
		}
	}
}

type runUpdate struct {
	Type       string `json:"type"`
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	Stage      string `json:"stage"`
	ReasonCode string `json:"reason_code"`
	Detail     string `json:"detail"`
}

func (w *Worker) handle(ctx context.Context, raw []byte) {
	var ev runUpdate
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Type != "run_update" {
		return
	}
	switch ev.Status {
	case models.RunBlocked, models.RunCompleted, models.RunFailed:
	default:
		return
	}

	key := ev.Status + "/" + ev.Stage
	w.mu.Lock()
	if w.seen == nil {
		w.seen = make(map[string]string)
	}
	if w.seen[ev.RunID] == key {
		w.mu.Unlock()
		return
	}
	w.seen[ev.RunID] = key
	if ev.Status == models.RunCompleted || ev.Status == models.RunFailed {
		// Terminal runs never produce further events.
		delete(w.seen, ev.RunID)
	}
	w.mu.Unlock()

	if err := w.Registry.NotifyAll(ctx, formatMessage(ev)); err != nil {
		slog.Warn("notification delivery failed", "run_id", ev.RunID, "err", err)
	}
}

func formatMessage(ev runUpdate) string {
	switch ev.Status {
	case models.RunBlocked:
		msg := fmt.Sprintf("run %s blocked at %s", ev.RunID, ev.Stage)
		if ev.ReasonCode != "" {
			msg += " (" + ev.ReasonCode + ")"
		}
		if ev.Detail != "" {
			msg += ": " + ev.Detail
		}
		return msg
	case models.RunCompleted:
		return fmt.Sprintf("run %s completed", ev.RunID)
	default:
		msg := fmt.Sprintf("run %s failed", ev.RunID)
		if ev.ReasonCode != "" {
			msg += " (" + ev.ReasonCode + ")"
		}
		return msg
	}
}
