package httpapi

import (
	"net/http"
	"testing"

	"github.com/ankittk/stagehand/pkg/models"
)

func createTestRun(t *testing.T, baseURL string) models.Run {
	t.Helper()
	var run models.Run
	code := postJSON(t, baseURL+"/runs",
		`{"scope":{"project":"checkout","change_ticket":"CR-7"},"policy":"sprint"}`, &run)
	if code != http.StatusOK {
		t.Fatalf("POST /runs: status=%d", code)
	}
	if run.RunID == "" || run.Status != models.RunQueued {
		t.Fatalf("created run: %+v", run)
	}
	return run
}

func TestCreateAndGetRun(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, ServerOptions{})
	run := createTestRun(t, ts.URL)

	var got models.Run
	if code := getJSON(t, ts.URL+"/runs/"+run.RunID, &got); code != http.StatusOK {
		t.Fatalf("GET /runs/{id}: status=%d", code)
	}
	if got.RunID != run.RunID || got.Policy != models.PolicySprint {
		t.Fatalf("GET run: got %+v", got)
	}
	if got.Scope["project"] != "checkout" {
		t.Fatalf("scope not persisted: %+v", got.Scope)
	}

	var listed []models.Run
	if code := getJSON(t, ts.URL+"/runs?status=queued&policy=sprint", &listed); code != http.StatusOK {
		t.Fatalf("GET /runs: status=%d", code)
	}
	if len(listed) != 1 || listed[0].RunID != run.RunID {
		t.Fatalf("list: got %+v", listed)
	}

	if code := getJSON(t, ts.URL+"/runs/no-such-run", nil); code != http.StatusNotFound {
		t.Fatalf("GET missing run: status=%d, want 404", code)
	}
}

func TestCreateRunValidation(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, ServerOptions{})

	if code := postJSON(t, ts.URL+"/runs", `{"scope":{"project":"x"},"policy":"yolo"}`, nil); code != http.StatusBadRequest {
		t.Fatalf("unknown policy: status=%d, want 400", code)
	}
	// sprint requires the project scope key.
	if code := postJSON(t, ts.URL+"/runs", `{"scope":{"team":"payments"}}`, nil); code != http.StatusBadRequest {
		t.Fatalf("missing required scope: status=%d, want 400", code)
	}
	// maintenance additionally requires a change ticket.
	if code := postJSON(t, ts.URL+"/runs", `{"scope":{"project":"x"},"policy":"maintenance"}`, nil); code != http.StatusBadRequest {
		t.Fatalf("maintenance without change_ticket: status=%d, want 400", code)
	}
	if code := postJSON(t, ts.URL+"/runs", `{not json`, nil); code != http.StatusBadRequest {
		t.Fatalf("invalid json: status=%d, want 400", code)
	}
}

// Drives a run through the whole pipeline with the stub invoker via
// /advance, records the Git approval, and checks the summary timeline.
func TestAdvanceThroughPipelineWithApproval(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, ServerOptions{})
	run := createTestRun(t, ts.URL)

	var cur models.Run
	for i := 0; i < 10; i++ {
		if code := postJSON(t, ts.URL+"/runs/"+run.RunID+"/advance", `{}`, &cur); code != http.StatusOK {
			t.Fatalf("POST /advance: status=%d", code)
		}
		if cur.Status == models.RunBlocked {
			break
		}
	}
	if cur.Status != models.RunBlocked || cur.CurrentStage != models.StageGit {
		t.Fatalf("expected blocked at Git, got status=%s stage=%s", cur.Status, cur.CurrentStage)
	}

	var ap models.Approval
	code := postJSON(t, ts.URL+"/runs/"+run.RunID+"/approvals",
		`{"approver":"dana","comment":"lgtm"}`, &ap)
	if code != http.StatusOK {
		t.Fatalf("POST /approvals: status=%d", code)
	}
	if ap.Stage != models.StageGit || ap.Decision != models.DecisionApprove {
		t.Fatalf("approval defaults: %+v", ap)
	}

	if code := postJSON(t, ts.URL+"/runs/"+run.RunID+"/advance", `{}`, &cur); code != http.StatusOK {
		t.Fatalf("POST /advance after approval: status=%d", code)
	}
	if cur.Status != models.RunCompleted {
		t.Fatalf("final status: got %s, want completed", cur.Status)
	}

	var summary models.RunSummary
	if code := getJSON(t, ts.URL+"/runs/"+run.RunID+"/summary", &summary); code != http.StatusOK {
		t.Fatalf("GET /summary: status=%d", code)
	}
	if len(summary.Executions) != 6 {
		t.Fatalf("executions: got %d, want one per stage", len(summary.Executions))
	}
	if len(summary.Approvals) != 1 {
		t.Fatalf("approvals: got %d", len(summary.Approvals))
	}
	if len(summary.Timeline) != len(summary.Executions)+len(summary.Transitions)+len(summary.Approvals) {
		t.Fatalf("timeline does not merge all records: %d items", len(summary.Timeline))
	}

	var execs []models.StageExecution
	if code := getJSON(t, ts.URL+"/runs/"+run.RunID+"/executions", &execs); code != http.StatusOK {
		t.Fatalf("GET /executions: status=%d", code)
	}
	if len(execs) != 6 {
		t.Fatalf("/executions: got %d", len(execs))
	}
}

func TestApprovalValidation(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, ServerOptions{})
	run := createTestRun(t, ts.URL)

	if code := postJSON(t, ts.URL+"/runs/"+run.RunID+"/approvals", `{"decision":"approve"}`, nil); code != http.StatusBadRequest {
		t.Fatalf("missing approver: status=%d, want 400", code)
	}
	if code := postJSON(t, ts.URL+"/runs/"+run.RunID+"/approvals", `{"approver":"d","decision":"maybe"}`, nil); code != http.StatusBadRequest {
		t.Fatalf("bad decision: status=%d, want 400", code)
	}
	if code := postJSON(t, ts.URL+"/runs/"+run.RunID+"/approvals", `{"approver":"d","stage":"Ship"}`, nil); code != http.StatusBadRequest {
		t.Fatalf("unknown stage: status=%d, want 400", code)
	}
	if code := postJSON(t, ts.URL+"/runs/no-such-run/approvals", `{"approver":"d"}`, nil); code != http.StatusNotFound {
		t.Fatalf("approval for missing run: status=%d, want 404", code)
	}

	var approvals []models.Approval
	if code := getJSON(t, ts.URL+"/runs/"+run.RunID+"/approvals", &approvals); code != http.StatusOK {
		t.Fatalf("GET /approvals: status=%d", code)
	}
	if len(approvals) != 0 {
		t.Fatalf("approvals: got %d, want none", len(approvals))
	}
}

func TestCancelRun(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, ServerOptions{})
	run := createTestRun(t, ts.URL)

	var cancelled models.Run
	if code := postJSON(t, ts.URL+"/runs/"+run.RunID+"/cancel", `{"detail":"scope changed"}`, &cancelled); code != http.StatusOK {
		t.Fatalf("POST /cancel: status=%d", code)
	}
	if cancelled.Status != models.RunFailed {
		t.Fatalf("cancelled run status: got %s", cancelled.Status)
	}
	if cancelled.ReasonCode == nil || *cancelled.ReasonCode != models.ReasonCancelled {
		t.Fatalf("cancelled reason: got %v", cancelled.ReasonCode)
	}

	// Cancel is not idempotent: the run is already terminal.
	if code := postJSON(t, ts.URL+"/runs/"+run.RunID+"/cancel", `{}`, nil); code != http.StatusConflict {
		t.Fatalf("second cancel: status=%d, want 409", code)
	}
}

func TestResumeRequiresBlockedRun(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, ServerOptions{})
	run := createTestRun(t, ts.URL)

	if code := postJSON(t, ts.URL+"/runs/"+run.RunID+"/resume", `{"operator":"ops"}`, nil); code != http.StatusConflict {
		t.Fatalf("resume queued run: status=%d, want 409", code)
	}
}

func TestContractEndpoints(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, ServerOptions{})

	var set models.ContractSet
	if code := getJSON(t, ts.URL+"/contracts", &set); code != http.StatusOK {
		t.Fatalf("GET /contracts: status=%d", code)
	}
	if set.Version < 1 || len(set.Stages) != 6 {
		t.Fatalf("contract set: version=%d stages=%d", set.Version, len(set.Stages))
	}

	var one struct {
		Version  int                  `json:"version"`
		Contract models.StageContract `json:"contract"`
	}
	if code := getJSON(t, ts.URL+"/contracts/Plan", &one); code != http.StatusOK {
		t.Fatalf("GET /contracts/Plan: status=%d", code)
	}
	if one.Contract.Stage != models.StagePlan {
		t.Fatalf("/contracts/Plan: got %+v", one.Contract)
	}
	if code := getJSON(t, ts.URL+"/contracts/Ship", nil); code != http.StatusNotFound {
		t.Fatalf("GET /contracts/Ship: status=%d, want 404", code)
	}

	// Reload with no contracts.yaml present keeps the active version.
	var reload map[string]int
	if code := postJSON(t, ts.URL+"/contracts/reload", `{}`, &reload); code != http.StatusOK {
		t.Fatalf("POST /contracts/reload: status=%d", code)
	}
	if reload["version"] != set.Version {
		t.Fatalf("reload without file changed version: %d -> %d", set.Version, reload["version"])
	}
}

func TestPolicyEndpoints(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, ServerOptions{})

	var policies []models.RoutingPolicy
	if code := getJSON(t, ts.URL+"/policies", &policies); code != http.StatusOK {
		t.Fatalf("GET /policies: status=%d", code)
	}
	if len(policies) < 3 {
		t.Fatalf("policies: got %d, want the built-ins", len(policies))
	}

	var sprint models.RoutingPolicy
	if code := getJSON(t, ts.URL+"/policies/sprint", &sprint); code != http.StatusOK {
		t.Fatalf("GET /policies/sprint: status=%d", code)
	}
	if sprint.Name != models.PolicySprint || sprint.LoopCap != models.DefaultLoopCap {
		t.Fatalf("/policies/sprint: got %+v", sprint)
	}
	if code := getJSON(t, ts.URL+"/policies/yolo", nil); code != http.StatusNotFound {
		t.Fatalf("GET /policies/yolo: status=%d, want 404", code)
	}
}
