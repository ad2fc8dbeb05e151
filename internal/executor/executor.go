// Package executor wraps the uniform stage invocation boundary: timing, a
// single retry for transport errors, exit-criteria evaluation against the
// stage contract, evidence capture, and persistence of the resulting
// StageExecution. Stage-specific business logic lives behind the Invoker,
// never here.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ankittk/stagehand/internal/contract"
	"github.com/ankittk/stagehand/internal/store"
	"github.com/ankittk/stagehand/pkg/models"
)

// ErrMissingInput rejects a stage entry whose inputs lack keys the stage
// contract requires. The collaborator is never invoked in that case.
var ErrMissingInput = errors.New("missing required input")

// Event is one streamed observation from a stage collaborator.
type Event struct {
	Type      string         `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Iteration int            `json:"iteration,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Invoker is the uniform stage invocation boundary: request in, result out,
// events streamed through emit while the collaborator works. A returned
// error means the invocation itself failed (transport, process spawn); a
// logical stage failure comes back as a result with failure status.
type Invoker interface {
	Name() string
	Invoke(ctx context.Context, req models.InvokeRequest, emit func(Event)) (models.InvokeResult, error)
}

// ArtifactWriter persists the raw result of one stage attempt and returns
// the artifact path recorded on the execution.
type ArtifactWriter interface {
	WriteArtifact(runID, stage string, iteration int, res models.InvokeResult) (string, error)
}

// Executor runs one stage attempt end to end. Fields are wired by the
// daemon; Evidence is optional and nil disables artifact capture.
type Executor struct {
	Store    store.Store
	Registry *contract.Registry
	Invoker  Invoker
	Profiles *ProfileSet
	Evidence ArtifactWriter
}

// Execute performs one attempt of stage for run: resolve the contract
// version the run is pinned to, check required inputs, invoke the
// collaborator, evaluate exit criteria, and persist the StageExecution.
// Transport errors are retried once; logical failures are not. A repeated
// call for an already-recorded (stage, iteration) returns the stored record
// without re-invoking, so a crashed tick can be replayed safely.
func (e *Executor) Execute(ctx context.Context, run *store.Run, stage string, iteration int, inputs map[string]string, emit func(Event)) (store.StageExecution, error) {
	c, version, err := e.resolveContract(ctx, run, stage)
	if err != nil {
		return store.StageExecution{}, err
	}
	if missing := missingInputs(c, inputs); len(missing) > 0 {
		return store.StageExecution{}, fmt.Errorf("%w: stage %s needs %s", ErrMissingInput, stage, strings.Join(missing, ", "))
	}
	if last, err := e.Store.LatestStageExecution(ctx, run.RunID, stage); err == nil && last != nil && last.Iteration == iteration {
		return *last, nil
	}
	if emit == nil {
		emit = func(Event) {}
	}

	profile := e.Profiles.ForStage(stage)
	req := models.InvokeRequest{
		RunID:     run.RunID,
		Stage:     stage,
		Iteration: iteration,
		Inputs:    inputs,
		Profile:   profile,
	}

	started := time.Now().UTC()
	res, err := e.Invoker.Invoke(ctx, req, emit)
	if err != nil && ctx.Err() == nil {
		slog.Warn("stage invocation failed, retrying once",
			"run_id", run.RunID, "stage", stage, "iteration", iteration,
			"invoker", e.Invoker.Name(), "err", err)
		res, err = e.Invoker.Invoke(ctx, req, emit)
	}
	if err != nil {
		if ctx.Err() != nil {
			return store.StageExecution{}, ctx.Err()
		}
		res = models.InvokeResult{
			Status:     models.StatusFailure,
			ReasonCode: models.ReasonScriptError,
			Summary:    "invocation error: " + err.Error(),
		}
	}
	ended := time.Now().UTC()

	status, reason, summary := classify(c, res)
	exec := store.StageExecution{
		RunID:           run.RunID,
		Stage:           stage,
		Iteration:       iteration,
		Status:          status,
		Summary:         summary,
		Profile:         profile.Name,
		ContractVersion: version,
		Outputs:         res.Outputs,
		StartedAt:       started,
		EndedAt:         ended,
	}
	if reason != "" {
		exec.ReasonCode = &reason
	}
	if rc := res.Outputs["root_cause"]; rc != "" {
		exec.RootCause = &rc
	}
	if e.Evidence != nil {
		path, err := e.Evidence.WriteArtifact(run.RunID, stage, iteration, res)
		if err != nil {
			slog.Warn("artifact capture failed", "run_id", run.RunID, "stage", stage, "err", err)
		} else {
			exec.EvidencePath = &path
		}
	}
	stored, inserted, err := e.Store.AppendStageExecution(ctx, exec)
	if err != nil {
		return store.StageExecution{}, err
	}
	if !inserted {
		slog.Debug("stage execution already recorded",
			"run_id", run.RunID, "stage", stage, "iteration", iteration)
	}
	return stored, nil
}

// resolveContract returns the contract the run evaluates stage against: the
// version pinned at run creation, or the active version when nothing is
// pinned yet.
func (e *Executor) resolveContract(ctx context.Context, run *store.Run, stage string) (models.StageContract, int, error) {
	if !models.KnownStage(stage) {
		return models.StageContract{}, 0, fmt.Errorf("%w: %q", models.ErrUnknownStage, stage)
	}
	if run.ContractVersion == 0 || run.ContractVersion == e.Registry.Version() {
		return e.Registry.ForStage(stage)
	}
	set, err := e.Registry.Resolve(ctx, run.ContractVersion)
	if err != nil {
		return models.StageContract{}, 0, err
	}
	c, ok := set.Stages[stage]
	if !ok {
		return models.StageContract{}, 0, fmt.Errorf("no contract for stage %q in version %d", stage, set.Version)
	}
	return c, set.Version, nil
}

func missingInputs(c models.StageContract, inputs map[string]string) []string {
	var missing []string
	for _, key := range c.RequiredInputs {
		if strings.TrimSpace(inputs[key]) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// classify folds the collaborator result and the contract exit criteria
// into the recorded status, reason code, and summary. A success that misses
// its exit criteria becomes a failure; a failure without a reason code is
// unclassifiable and becomes SCRIPT_ERROR.
func classify(c models.StageContract, res models.InvokeResult) (status, reason, summary string) {
	summary = res.Summary
	switch res.Status {
	case models.StatusSuccess:
		if code, detail, ok := checkExit(c, res.Outputs); !ok {
			return models.StatusFailure, code, joinSummary(summary, detail)
		}
		return models.StatusSuccess, "", summary
	case models.StatusFailure:
		if res.ReasonCode == "" {
			return models.StatusFailure, models.ReasonScriptError, summary
		}
		return models.StatusFailure, res.ReasonCode, summary
	default:
		return models.StatusFailure, models.ReasonScriptError,
			joinSummary(summary, fmt.Sprintf("unrecognized status %q", res.Status))
	}
}

// checkExit evaluates the exit criteria over the produced outputs: every
// required output present and non-blank, every threshold met.
func checkExit(c models.StageContract, outputs map[string]string) (code, detail string, ok bool) {
	onMissing := c.ExitCriteria.OnMissing
	if onMissing == "" {
		onMissing = models.ReasonScriptError
	}
	for _, key := range c.ExitCriteria.RequiredOutputs {
		if strings.TrimSpace(outputs[key]) == "" {
			return onMissing, fmt.Sprintf("required output %q missing", key), false
		}
	}
	for _, t := range c.ExitCriteria.Thresholds {
		tc := t.ReasonCode
		if tc == "" {
			tc = onMissing
		}
		raw, present := outputs[t.Output]
		if !present {
			return tc, fmt.Sprintf("output %q missing for threshold check", t.Output), false
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return tc, fmt.Sprintf("output %q is not numeric: %q", t.Output, raw), false
		}
		if v < t.Min {
			return tc, fmt.Sprintf("%s %v below minimum %v", t.Output, v, t.Min), false
		}
	}
	return "", "", true
}

func joinSummary(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "; " + b
	}
}
