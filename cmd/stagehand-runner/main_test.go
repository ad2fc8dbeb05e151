package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ankittk/stagehand/pkg/models"
)

func postInvoke(t *testing.T, r *runner, apiKey string, req models.InvokeRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	hr := httptest.NewRequest(http.MethodPost, "/invoke", bytes.NewReader(body))
	if apiKey != "" {
		hr.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	r.handleInvoke(rec, hr)
	return rec
}

func TestHandleInvoke_unknownStage(t *testing.T) {
	t.Parallel()
	r := &runner{}
	rec := postInvoke(t, r, "", models.InvokeRequest{RunID: "r1", Stage: "Ship"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
}

func TestHandleInvoke_requiresAPIKey(t *testing.T) {
	t.Parallel()
	r := &runner{apiKey: "secret"}
	rec := postInvoke(t, r, "", models.InvokeRequest{RunID: "r1", Stage: models.StagePlan})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want 401", rec.Code)
	}
	rec = postInvoke(t, r, "secret", models.InvokeRequest{RunID: "r1", Stage: models.StagePlan})
	if rec.Code != http.StatusOK {
		t.Fatalf("status with key: got %d, want 200", rec.Code)
	}
}

func TestHandleInvoke_defaultAcknowledges(t *testing.T) {
	t.Parallel()
	r := &runner{}
	rec := postInvoke(t, r, "", models.InvokeRequest{RunID: "r1", Stage: models.StageDesign, Iteration: 1})
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var res models.InvokeResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusSuccess {
		t.Errorf("status: got %q", res.Status)
	}
}

func TestRunCommand_resultLine(t *testing.T) {
	t.Parallel()
	res := runCommand(context.Background(), `echo '{"result":{"status":"failure","reason_code":"ENV_DOWN","summary":"db unreachable"}}'`,
		models.InvokeRequest{RunID: "r1", Stage: models.StageDryRun, Iteration: 1})
	if res.Status != models.StatusFailure {
		t.Errorf("status: got %q", res.Status)
	}
	if res.ReasonCode != models.ReasonEnvDown {
		t.Errorf("reason: got %q", res.ReasonCode)
	}
}

func TestRunCommand_plainOutputSuccess(t *testing.T) {
	t.Parallel()
	res := runCommand(context.Background(), "echo all good",
		models.InvokeRequest{RunID: "r1", Stage: models.StageValidate, Iteration: 1})
	if res.Status != models.StatusSuccess {
		t.Errorf("status: got %q", res.Status)
	}
	if res.Summary != "all good" {
		t.Errorf("summary: got %q", res.Summary)
	}
}

func TestRunCommand_nonZeroExitFails(t *testing.T) {
	t.Parallel()
	res := runCommand(context.Background(), "exit 3",
		models.InvokeRequest{RunID: "r1", Stage: models.StageImplement, Iteration: 1})
	if res.Status != models.StatusFailure {
		t.Errorf("status: got %q", res.Status)
	}
	if res.ReasonCode != models.ReasonScriptError {
		t.Errorf("reason: got %q", res.ReasonCode)
	}
}

func TestLoadCommands(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "commands.yaml")
	if err := os.WriteFile(path, []byte("Plan: echo plan\nValidate: ./run-checks.sh\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cmds, err := loadCommands(path)
	if err != nil {
		t.Fatal(err)
	}
	if cmds[models.StagePlan] != "echo plan" {
		t.Errorf("Plan command: got %q", cmds[models.StagePlan])
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("Ship: echo nope\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadCommands(bad); err == nil {
		t.Error("expected error for unknown stage")
	}
}
