// Package gate implements the approval gate: a stage configured as gated does
// not start until a satisfying approve decision is on record. The check is an
// existence predicate over the run's approvals, not a workflow of its own.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/ankittk/stagehand/internal/store"
	"github.com/ankittk/stagehand/pkg/models"
)

// Gate answers gate checks and records approval decisions.
type Gate struct {
	store store.Store
}

func New(st store.Store) *Gate {
	return &Gate{store: st}
}

// Check reports whether the gate before stage is satisfied for the run.
//
// Git demands an unexpired approve decision appended after the most recent
// successful DryRun execution; a loop back through DryRun therefore voids
// earlier approvals. Any other gated stage is satisfied by an unexpired
// approve decision for that stage.
func (g *Gate) Check(ctx context.Context, runID, stage string) (bool, error) {
	if !models.KnownStage(stage) {
		return false, fmt.Errorf("%w: %q", models.ErrUnknownStage, stage)
	}
	approvals, err := g.store.ListApprovals(ctx, runID)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()

	var afterSeq int64
	if stage == models.StageGit {
		anchor, err := g.latestDryRunSuccess(ctx, runID)
		if err != nil {
			return false, err
		}
		if anchor == nil {
			return false, nil
		}
		afterSeq = anchor.Seq
	}

	for _, ap := range approvals {
		if ap.Stage != stage || ap.Decision != models.DecisionApprove {
			continue
		}
		if ap.Seq <= afterSeq {
			continue
		}
		if ap.ExpiresAt != nil && !ap.ExpiresAt.After(now) {
			continue
		}
		return true, nil
	}
	return false, nil
}

// Record validates and appends one approval decision.
func (g *Gate) Record(ctx context.Context, ap store.Approval) (store.Approval, error) {
	switch ap.Decision {
	case models.DecisionApprove, models.DecisionReject, models.DecisionDefer:
	default:
		return store.Approval{}, fmt.Errorf("decision must be approve, reject, or defer, got %q", ap.Decision)
	}
	if !models.KnownStage(ap.Stage) {
		return store.Approval{}, fmt.Errorf("%w: %q", models.ErrUnknownStage, ap.Stage)
	}
	return g.store.AppendApproval(ctx, ap)
}

// HasUnexpiredOverride reports whether a loop-cap override is on record for
// the stage: an approve decision flagged override whose expiry has not passed.
func (g *Gate) HasUnexpiredOverride(ctx context.Context, runID, stage string, now time.Time) (bool, error) {
	approvals, err := g.store.ListApprovals(ctx, runID)
	if err != nil {
		return false, err
	}
	for _, ap := range approvals {
		if ap.Stage != stage || ap.Decision != models.DecisionApprove || !ap.Override {
			continue
		}
		if ap.ExpiresAt != nil && !ap.ExpiresAt.After(now) {
			continue
		}
		return true, nil
	}
	return false, nil
}

func (g *Gate) latestDryRunSuccess(ctx context.Context, runID string) (*store.StageExecution, error) {
	executions, err := g.store.ListStageExecutions(ctx, runID)
	if err != nil {
		return nil, err
	}
	var latest *store.StageExecution
	for i := range executions {
		e := executions[i]
		if e.Stage != models.StageDryRun || e.Status != models.StatusSuccess {
			continue
		}
		if latest == nil || e.Seq > latest.Seq {
			latest = &e
		}
	}
	return latest, nil
}
