package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ankittk/stagehand/internal/contract"
	"github.com/ankittk/stagehand/pkg/models"
)

// StubInvoker is a deterministic in-process invoker that fabricates the
// contract's declared outputs without calling any external collaborator.
// Used by tests, doctor, and demo mode.
type StubInvoker struct {
	Registry *contract.Registry // nil falls back to the built-in contracts
	Delay    time.Duration      // optional pause between events
}

func (StubInvoker) Name() string { return "stub" }

func (s StubInvoker) Invoke(ctx context.Context, req models.InvokeRequest, emit func(Event)) (models.InvokeResult, error) {
	c, err := s.stageContract(req.Stage)
	if err != nil {
		return models.InvokeResult{}, err
	}
	emit(Event{
		Type: "stage_started", RunID: req.RunID, Stage: req.Stage, Iteration: req.Iteration,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"invoker": "stub", "profile": req.Profile.Name},
	})
	s.pause(ctx)

	outputs := make(map[string]string, len(c.ProducedOutputs))
	for _, key := range c.ProducedOutputs {
		outputs[key] = fmt.Sprintf("%s-%s-i%d", strings.ToLower(req.Stage), key, req.Iteration)
	}
	// Threshold outputs need numeric values; produce exactly the minimum.
	for _, t := range c.ExitCriteria.Thresholds {
		outputs[t.Output] = strconv.FormatFloat(t.Min, 'f', -1, 64)
	}
	emit(Event{
		Type: "stage_activity", RunID: req.RunID, Stage: req.Stage, Iteration: req.Iteration,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"summary": fmt.Sprintf("stub produced %d outputs", len(outputs))},
	})
	s.pause(ctx)
	emit(Event{
		Type: "stage_finished", RunID: req.RunID, Stage: req.Stage, Iteration: req.Iteration,
		Timestamp: time.Now().UTC(),
	})
	return models.InvokeResult{
		Status:  models.StatusSuccess,
		Outputs: outputs,
		Summary: "stub: " + req.Stage + " ok",
	}, nil
}

func (s StubInvoker) stageContract(stage string) (models.StageContract, error) {
	if s.Registry != nil {
		c, _, err := s.Registry.ForStage(stage)
		return c, err
	}
	c, ok := contract.Defaults()[stage]
	if !ok {
		return models.StageContract{}, fmt.Errorf("%w: %q", models.ErrUnknownStage, stage)
	}
	return c, nil
}

func (s StubInvoker) pause(ctx context.Context) {
	if s.Delay <= 0 {
		return
	}
	t := time.NewTimer(s.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
