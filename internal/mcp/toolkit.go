package mcp

import (
	"context"

	"github.com/ankittk/stagehand/internal/gate"
	"github.com/ankittk/stagehand/internal/policy"
	"github.com/ankittk/stagehand/internal/store"
	"github.com/ankittk/stagehand/pkg/models"
)

// RunToolkit exposes validated run operations for a tool-call interface
// (MCP or similar). The operator identity is baked into every call so a
// tool caller cannot record decisions as someone else.
type RunToolkit struct {
	Store    store.Store
	Gate     *gate.Gate
	Policies *policy.Set
	Operator string
}

// CreateRun creates a queued run under the named policy (default: sprint).
// The policy's required scope keys are pinned on the run at creation.
func (t *RunToolkit) CreateRun(ctx context.Context, scope map[string]string, policyName string, loopCap int) (store.Run, error) {
	if policyName == "" {
		policyName = models.PolicySprint
	}
	pol, err := t.Policies.Get(policyName)
	if err != nil {
		return store.Run{}, err
	}
	return t.Store.CreateRun(ctx, store.CreateRunParams{
		Scope:         scope,
		Policy:        pol.Name,
		LoopCap:       loopCap,
		RequiredScope: pol.RequiredScope,
	})
}

// ListRuns returns runs, optionally filtered by status. Limit 0 applies a
// default cap.
func (t *RunToolkit) ListRuns(ctx context.Context, status string, limit int) ([]store.Run, error) {
	if limit <= 0 {
		limit = models.DefaultToolkitRunLimit
	}
	return t.Store.ListRuns(ctx, store.RunFilter{Status: status, Limit: limit})
}

// GetRunSummary returns a run with its full ordered timeline.
func (t *RunToolkit) GetRunSummary(ctx context.Context, runID string) (*store.RunSummary, error) {
	return t.Store.GetRunSummary(ctx, runID)
}

// RecordApproval records a decision on a run's gate as this operator.
// Stage defaults to Git and decision to approve.
func (t *RunToolkit) RecordApproval(ctx context.Context, runID, stage, decision, comment string) (store.Approval, error) {
	if stage == "" {
		stage = models.StageGit
	}
	if decision == "" {
		decision = models.DecisionApprove
	}
	return t.Gate.Record(ctx, store.Approval{
		RunID:    runID,
		Stage:    stage,
		Decision: decision,
		Approver: t.Operator,
		Comment:  comment,
	})
}
