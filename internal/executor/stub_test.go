package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/ankittk/stagehand/pkg/models"
)

func TestStubInvoker_Name(t *testing.T) {
	var s StubInvoker
	if got := s.Name(); got != "stub" {
		t.Errorf("Name(): got %q, want stub", got)
	}
}

func TestStubInvoker_Invoke(t *testing.T) {
	ctx := context.Background()
	var s StubInvoker
	var types []string
	res, err := s.Invoke(ctx, models.InvokeRequest{RunID: "r1", Stage: models.StageDesign, Iteration: 2}, func(ev Event) {
		types = append(types, ev.Type)
		if ev.RunID != "r1" || ev.Stage != models.StageDesign {
			t.Errorf("event run/stage: %q/%q", ev.RunID, ev.Stage)
		}
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Status != models.StatusSuccess {
		t.Fatalf("status: %q", res.Status)
	}
	if res.Outputs["design"] == "" {
		t.Errorf("declared outputs missing: %v", res.Outputs)
	}
	// Threshold outputs come back numeric at exactly the contract minimum.
	if res.Outputs["coverage"] != "95" {
		t.Errorf("coverage output: %q", res.Outputs["coverage"])
	}
	if len(types) != 3 || types[0] != "stage_started" || types[2] != "stage_finished" {
		t.Errorf("events: %v", types)
	}
}

func TestStubInvoker_unknownStage(t *testing.T) {
	var s StubInvoker
	_, err := s.Invoke(context.Background(), models.InvokeRequest{Stage: "Deploy"}, func(Event) {})
	if !errors.Is(err, models.ErrUnknownStage) {
		t.Fatalf("want ErrUnknownStage, got %v", err)
	}
}
