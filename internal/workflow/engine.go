// Package workflow drives runs through the six-stage pipeline. The Engine
// advances one run by one stage per tick: it checks the approval gate,
// executes the current stage, routes the outcome through the routing policy,
// and applies the resulting transition under the store's optimistic version
// check. Concurrent tickers for the same run serialize on that check; the
// loser gets store.ErrStaleRunVersion and must re-read.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ankittk/stagehand/internal/evidence"
	"github.com/ankittk/stagehand/internal/executor"
	"github.com/ankittk/stagehand/internal/gate"
	"github.com/ankittk/stagehand/internal/otel"
	"github.com/ankittk/stagehand/internal/policy"
	"github.com/ankittk/stagehand/internal/router"
	"github.com/ankittk/stagehand/internal/store"
	"github.com/ankittk/stagehand/pkg/models"
)

// ErrRunNotRunnable is returned by Tick for runs that are terminal, and by
// Resume for runs that are not blocked.
var ErrRunNotRunnable = errors.New("run not runnable")

// Engine is the run orchestrator. Store, Policies, Gate, and Executor are
// required; Evidence and Publish are optional.
type Engine struct {
	Store    store.Store
	Policies *policy.Set
	Gate     *gate.Gate
	Executor *executor.Executor
	Evidence *evidence.Dir
	Publish  func(v any)
}

// Tick advances one run by at most one stage execution.
//
// Queued runs start: they move to running at the pipeline's first stage and
// execute it in the same tick. Running runs execute their current stage and
// apply the routing decision. Blocked runs are woken only when they were
// blocked on an approval gate that is now satisfied; any other blocked run is
// untouched until an explicit Resume. Terminal runs are never touched.
func (e *Engine) Tick(ctx context.Context, runID string) (*store.Run, error) {
	started := time.Now()
	run, err := e.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Terminal() {
		return run, nil
	}
	pol, err := e.Policies.Get(run.Policy)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}

	switch run.Status {
	case models.RunQueued:
		run, err = e.start(ctx, run, pol)
		if err != nil {
			return nil, err
		}
	case models.RunBlocked:
		run, err = e.maybeWake(ctx, run, pol)
		if err != nil || run.Status != models.RunRunning {
			return run, err
		}
	case models.RunRunning:
		// fall through to stage execution
	default:
		return run, nil
	}

	run, err = e.executeCurrent(ctx, run, pol)
	if err == nil {
		otel.RecordTick(ctx, run.CurrentStage, time.Since(started))
	}
	return run, err
}

// start moves a queued run to running at the first pipeline stage and pins
// the active contract version so a later registration cannot change what the
// run's stages are evaluated against.
func (e *Engine) start(ctx context.Context, run *store.Run, pol models.RoutingPolicy) (*store.Run, error) {
	first := pol.Stages[0]
	upd := store.RunStateUpdate{
		RunID:           run.RunID,
		ExpectedVersion: run.Version,
		Status:          models.RunRunning,
		CurrentStage:    first,
		MarkStarted:     true,
	}
	if run.ContractVersion == 0 {
		upd.ContractVersion = e.Executor.Registry.Version()
	}
	updated, err := e.Store.UpdateRunState(ctx, upd)
	if err != nil {
		return nil, err
	}
	slog.Info("run started", "run_id", run.RunID, "policy", pol.Name, "stage", first)
	e.publishRun(updated)
	return updated, nil
}

// maybeWake resumes a gate-blocked run whose approval has since been
// recorded. The approval itself is the external resume action; every other
// pause reason waits for an explicit operator Resume.
func (e *Engine) maybeWake(ctx context.Context, run *store.Run, pol models.RoutingPolicy) (*store.Run, error) {
	if run.ReasonCode == nil || *run.ReasonCode != models.ReasonApprovalPending {
		return run, nil
	}
	if !stageGated(pol, run.CurrentStage) {
		return run, nil
	}
	ok, err := e.Gate.Check(ctx, run.RunID, run.CurrentStage)
	if err != nil {
		return nil, err
	}
	if !ok {
		return run, nil
	}
	updated, err := e.Store.UpdateRunState(ctx, store.RunStateUpdate{
		RunID:           run.RunID,
		ExpectedVersion: run.Version,
		Status:          models.RunRunning,
		CurrentStage:    run.CurrentStage,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("run woken by approval", "run_id", run.RunID, "stage", run.CurrentStage)
	e.publishRun(updated)
	return updated, nil
}

// executeCurrent runs one attempt of the run's current stage and applies the
// routing decision for its outcome.
func (e *Engine) executeCurrent(ctx context.Context, run *store.Run, pol models.RoutingPolicy) (*store.Run, error) {
	stage := run.CurrentStage

	if stageGated(pol, stage) {
		ok, err := e.Gate.Check(ctx, run.RunID, stage)
		if err != nil {
			return nil, err
		}
		if !ok {
			detail := fmt.Sprintf("awaiting approval for stage %s", stage)
			return e.block(ctx, run, models.ReasonApprovalPending, detail)
		}
	}

	iterations, err := e.Store.CountStageIterations(ctx, run.RunID, stage)
	if err != nil {
		return nil, err
	}
	iteration := iterations + 1

	inputs, err := e.collectInputs(ctx, run)
	if err != nil {
		return nil, err
	}

	execStarted := time.Now()
	exec, err := e.Executor.Execute(ctx, run, stage, iteration, inputs, e.emitFunc())
	if err != nil {
		if errors.Is(err, executor.ErrMissingInput) {
			return e.fail(ctx, run, models.ReasonScriptError, err.Error())
		}
		return nil, err
	}
	otel.RecordStageExecution(ctx, stage, exec.Status, time.Since(execStarted))

	outcome := router.Outcome{
		Status:     exec.Status,
		ReasonCode: deref(exec.ReasonCode),
		RootCause:  deref(exec.RootCause),
	}
	decision, err := router.DecideNext(pol, stage, outcome, iteration-1)
	if err != nil {
		return nil, err
	}

	e.journal(run.RunID, evidence.JournalEntry{
		Stage:      stage,
		Iteration:  iteration,
		Status:     exec.Status,
		ReasonCode: outcome.ReasonCode,
		Decision:   describeDecision(decision),
		Detail:     decision.Detail,
		CreatedAt:  time.Now().UTC(),
	})

	return e.apply(ctx, run, pol, stage, decision)
}

// apply turns a routing decision into a run state transition.
func (e *Engine) apply(ctx context.Context, run *store.Run, pol models.RoutingPolicy, stage string, d router.Decision) (*store.Run, error) {
	switch d.Kind {
	case models.DecideAdvance:
		updated, err := e.Store.UpdateRunState(ctx, store.RunStateUpdate{
			RunID:           run.RunID,
			ExpectedVersion: run.Version,
			Status:          models.RunRunning,
			CurrentStage:    d.Next,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("run advanced", "run_id", run.RunID, "from", stage, "to", d.Next)
		e.publishRun(updated)
		return updated, nil

	case models.DecideComplete:
		return e.finish(ctx, run, models.RunCompleted, nil, "")

	case models.DecideLoop, models.DecideRetry:
		return e.loop(ctx, run, pol, stage, d)

	case models.DecidePause:
		return e.block(ctx, run, d.ReasonCode, d.Detail)

	case models.DecideFail:
		return e.fail(ctx, run, d.ReasonCode, d.Detail)

	default:
		return nil, fmt.Errorf("run %s: unknown routing decision %q", run.RunID, d.Kind)
	}
}

// loop records the transition and moves the run to the loop target,
// enforcing the policy's loop cap. Entering iteration n of a stage means it
// has looped n-1 times; a loop that would push the target past the cap fails
// the run unless an unexpired override approval is on record.
func (e *Engine) loop(ctx context.Context, run *store.Run, pol models.RoutingPolicy, stage string, d router.Decision) (*store.Run, error) {
	target := d.LoopTo
	targetIterations, err := e.Store.CountStageIterations(ctx, run.RunID, target)
	if err != nil {
		return nil, err
	}
	loopCap := run.LoopCap
	if loopCap <= 0 {
		loopCap = pol.LoopCap
	}
	if loopCap <= 0 {
		loopCap = models.DefaultLoopCap
	}
	if targetIterations > loopCap {
		override, err := e.Gate.HasUnexpiredOverride(ctx, run.RunID, target, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		if !override {
			detail := fmt.Sprintf("stage %s looped %d times, cap %d, no override approval", target, targetIterations, loopCap)
			return e.fail(ctx, run, models.ReasonLoopCapExceeded, detail)
		}
		slog.Info("loop cap override in effect", "run_id", run.RunID, "stage", target, "iterations", targetIterations)
	}

	if _, err := e.Store.AppendLoopTransition(ctx, store.LoopTransition{
		RunID:      run.RunID,
		FromStage:  stage,
		ToStage:    target,
		ReasonCode: d.ReasonCode,
		Detail:     d.Detail,
	}); err != nil {
		return nil, err
	}
	otel.RecordLoopTransition(ctx, stage, target, d.ReasonCode)

	updated, err := e.Store.UpdateRunState(ctx, store.RunStateUpdate{
		RunID:           run.RunID,
		ExpectedVersion: run.Version,
		Status:          models.RunRunning,
		CurrentStage:    target,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("run looped", "run_id", run.RunID, "from", stage, "to", target, "reason", d.ReasonCode)
	e.publishRun(updated)
	return updated, nil
}

func (e *Engine) block(ctx context.Context, run *store.Run, reason, detail string) (*store.Run, error) {
	updated, err := e.Store.UpdateRunState(ctx, store.RunStateUpdate{
		RunID:           run.RunID,
		ExpectedVersion: run.Version,
		Status:          models.RunBlocked,
		CurrentStage:    run.CurrentStage,
		ReasonCode:      &reason,
		Detail:          &detail,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("run blocked", "run_id", run.RunID, "stage", run.CurrentStage, "reason", reason, "detail", detail)
	e.publishRun(updated)
	return updated, nil
}

func (e *Engine) fail(ctx context.Context, run *store.Run, reason, detail string) (*store.Run, error) {
	return e.finish(ctx, run, models.RunFailed, &reason, detail)
}

func (e *Engine) finish(ctx context.Context, run *store.Run, status string, reason *string, detail string) (*store.Run, error) {
	upd := store.RunStateUpdate{
		RunID:           run.RunID,
		ExpectedVersion: run.Version,
		Status:          status,
		CurrentStage:    run.CurrentStage,
		ReasonCode:      reason,
		MarkEnded:       true,
	}
	if detail != "" {
		upd.Detail = &detail
	}
	updated, err := e.Store.UpdateRunState(ctx, upd)
	if err != nil {
		return nil, err
	}
	slog.Info("run finished", "run_id", run.RunID, "status", status, "reason", deref(reason))
	e.writeReport(ctx, run.RunID)
	e.publishRun(updated)
	return updated, nil
}

// Resume unblocks a run paused for operator action. The resume is recorded
// as a stage-to-same-stage transition so the timeline shows who acted and
// why the run stopped.
func (e *Engine) Resume(ctx context.Context, runID, operator, comment string) (*store.Run, error) {
	run, err := e.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != models.RunBlocked {
		return nil, fmt.Errorf("%w: run %s is %s, not blocked", ErrRunNotRunnable, runID, run.Status)
	}
	detail := "resumed by " + operator
	if comment != "" {
		detail += ": " + comment
	}
	if _, err := e.Store.AppendLoopTransition(ctx, store.LoopTransition{
		RunID:      runID,
		FromStage:  run.CurrentStage,
		ToStage:    run.CurrentStage,
		ReasonCode: deref(run.ReasonCode),
		Detail:     detail,
	}); err != nil {
		return nil, err
	}
	updated, err := e.Store.UpdateRunState(ctx, store.RunStateUpdate{
		RunID:           runID,
		ExpectedVersion: run.Version,
		Status:          models.RunRunning,
		CurrentStage:    run.CurrentStage,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("run resumed", "run_id", runID, "stage", run.CurrentStage, "operator", operator)
	e.publishRun(updated)
	return updated, nil
}

/// collectInputs builds the input map for the current stage: the run's scope
// metadata (each key directly, plus a composite "scope" summary) overlaid by
// the outputs of every successful execution so far, in append order.
func (e *Engine) collectInputs(ctx context.Context, run *store.Run) (map[string]string, error) {
	inputs := make(map[string]string, len(run.Scope)+8)
	keys := make([]string, 0, len(run.Scope))
	for k, v := range run.Scope {
		inputs[k] = v
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		parts = append(parts, k+"="+run.Scope[k])
	}
	inputs["scope"] = strings.Join(parts, " ")

	executions, err := e.Store.ListStageExecutions(ctx, run.RunID)
	if err != nil {
		return nil, err
	}
	sort.Slice(executions, func(i, j int) bool { return executions[i].Seq < executions[j].Seq })
	for _, ex := range executions {
		if ex.Status != models.StatusSuccess {
			continue
		}
		for k, v := range ex.Outputs {
			inputs[k] = v
		}
	}
	return inputs, nil
}

func (e *Engine) emitFunc() func(executor.Event) {
	if e.Publish == nil {
		return nil
	}
	return func(ev executor.Event) {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		e.Publish(ev)
	}
}

func (e *Engine) publishRun(run *store.Run) {
	if e.Publish == nil || run == nil {
		return
	}
	payload := map[string]any{
		"type":   "run_update",
		"run_id": run.RunID,
		"status": run.Status,
		"stage":  run.CurrentStage,
	}
	if run.ReasonCode != nil {
		payload["reason_code"] = *run.ReasonCode
	}
	if run.Detail != nil {
		payload["detail"] = *run.Detail
	}
	e.Publish(payload)
}

func (e *Engine) journal(runID string, entry evidence.JournalEntry) {
	if e.Evidence == nil {
		return
	}
	if err := e.Evidence.AppendJournal(runID, entry); err != nil {
		slog.Warn("journal append failed", "run_id", runID, "err", err)
	}
}

func (e *Engine) writeReport(ctx context.Context, runID string) {
	if e.Evidence == nil {
		return
	}
	summary, err := e.Store.GetRunSummary(ctx, runID)
	if err != nil {
		slog.Warn("report summary load failed", "run_id", runID, "err", err)
		return
	}
	if _, err := e.Evidence.WriteReport(summary); err != nil {
		slog.Warn("report write failed", "run_id", runID, "err", err)
	}
}

func stageGated(pol models.RoutingPolicy, stage string) bool {
	if stage == models.StageGit {
		return true
	}
	for _, g := range pol.GatedStages {
		if g == stage {
			return true
		}
	}
	return false
}

func describeDecision(d router.Decision) string {
	switch d.Kind {
	case models.DecideAdvance:
		return "advance to " + d.Next
	case models.DecideLoop:
		return "loop to " + d.LoopTo
	case models.DecideRetry:
		return "retry " + d.LoopTo
	case models.DecideComplete:
		return "complete"
	case models.DecideFail:
		return "fail"
	default:
		return d.Kind
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
