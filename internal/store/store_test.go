package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func testScope() map[string]string {
	return map[string]string{"project": "checkout", "environment": "qa"}
}

func testParams() CreateRunParams {
	return CreateRunParams{
		Scope:         testScope(),
		Policy:        "sprint",
		LoopCap:       2,
		RequiredScope: []string{"project", "environment"},
	}
}

func TestMigrationsAndRunLifecycle(t *testing.T) {
	t.Parallel()

	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatal(err)
	}

	st, err := Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()

	ctx := context.Background()

	run, err := st.CreateRun(ctx, testParams())
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.RunID == "" || run.Status != "queued" || run.CurrentStage != "" || run.Version != 1 {
		t.Fatalf("CreateRun: got %+v, want queued run at version 1 with no stage", run)
	}
	if run.Scope["project"] != "checkout" || run.Scope["environment"] != "qa" {
		t.Fatalf("CreateRun scope: got %+v", run.Scope)
	}

	// A fresh run has zero stage executions.
	execs, err := st.ListStageExecutions(ctx, run.RunID)
	if err != nil {
		t.Fatalf("ListStageExecutions: %v", err)
	}
	if len(execs) != 0 {
		t.Fatalf("expected zero executions on a fresh run, got %d", len(execs))
	}

	// Start the run: queued -> running at Plan.
	updated, err := st.UpdateRunState(ctx, RunStateUpdate{
		RunID: run.RunID, ExpectedVersion: run.Version,
		Status: "running", CurrentStage: "Plan", ContractVersion: 1, MarkStarted: true,
	})
	if err != nil {
		t.Fatalf("UpdateRunState: %v", err)
	}
	if updated.Status != "running" || updated.CurrentStage != "Plan" || updated.Version != 2 {
		t.Fatalf("UpdateRunState: got %+v", updated)
	}
	if updated.StartedAt == nil {
		t.Fatal("expected started_at set")
	}

	now := time.Now().UTC()
	exec, inserted, err := st.AppendStageExecution(ctx, StageExecution{
		RunID: run.RunID, Stage: "Plan", Iteration: 1, Status: "success",
		Summary: "plan drafted", Profile: "default", ContractVersion: 1,
		Outputs:   map[string]string{"plan": "v1"},
		StartedAt: now.Add(-2 * time.Second), EndedAt: now,
	})
	if err != nil {
		t.Fatalf("AppendStageExecution: %v", err)
	}
	if !inserted || exec.ExecutionID <= 0 || exec.Seq != 1 {
		t.Fatalf("AppendStageExecution: got %+v inserted=%v", exec, inserted)
	}

	n, err := st.CountStageIterations(ctx, run.RunID, "Plan")
	if err != nil {
		t.Fatalf("CountStageIterations: %v", err)
	}
	if n != 1 {
		t.Fatalf("CountStageIterations: got %d, want 1", n)
	}

	tr, err := st.AppendLoopTransition(ctx, LoopTransition{
		RunID: run.RunID, FromStage: "Validate", ToStage: "Implement",
		ReasonCode: "VALIDATION_GAP", Detail: "coverage gap on refunds",
	})
	if err != nil {
		t.Fatalf("AppendLoopTransition: %v", err)
	}
	if tr.Seq != 2 {
		t.Fatalf("AppendLoopTransition seq: got %d, want 2", tr.Seq)
	}

	ap, err := st.AppendApproval(ctx, Approval{
		RunID: run.RunID, Stage: "Git", Decision: "approve", Approver: "dana", Comment: "ship it",
	})
	if err != nil {
		t.Fatalf("AppendApproval: %v", err)
	}
	if ap.Seq != 3 {
		t.Fatalf("AppendApproval seq: got %d, want 3", ap.Seq)
	}

	summary, err := st.GetRunSummary(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRunSummary: %v", err)
	}
	if len(summary.Timeline) != 3 {
		t.Fatalf("timeline length: got %d, want 3", len(summary.Timeline))
	}
	kinds := []string{summary.Timeline[0].Kind, summary.Timeline[1].Kind, summary.Timeline[2].Kind}
	want := []string{"execution", "transition", "approval"}
	if !reflect.DeepEqual(kinds, want) {
		t.Fatalf("timeline kinds: got %v, want %v", kinds, want)
	}
}

func TestCreateRun_invalidScope(t *testing.T) {
	t.Parallel()
	home := filepath.Join(t.TempDir(), "home")
	st, err := Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	ctx := context.Background()

	params := testParams()
	delete(params.Scope, "environment")
	_, err = st.CreateRun(ctx, params)
	if !errors.Is(err, ErrInvalidScope) {
		t.Fatalf("CreateRun missing scope key: got %v, want ErrInvalidScope", err)
	}

	params = testParams()
	params.Scope["environment"] = "   "
	_, err = st.CreateRun(ctx, params)
	if !errors.Is(err, ErrInvalidScope) {
		t.Fatalf("CreateRun blank scope value: got %v, want ErrInvalidScope", err)
	}

	params = testParams()
	params.Policy = ""
	if _, err := st.CreateRun(ctx, params); err == nil {
		t.Fatal("CreateRun empty policy: expected error")
	}
}

func TestAppendStageExecution_idempotent(t *testing.T) {
	t.Parallel()
	home := filepath.Join(t.TempDir(), "home")
	st, err := Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	ctx := context.Background()

	run, _ := st.CreateRun(ctx, testParams())
	now := time.Now().UTC()
	exec := StageExecution{
		RunID: run.RunID, Stage: "Design", Iteration: 1, Status: "failure",
		ReasonCode: ptr("COVERAGE_GAP"), Summary: "coverage 80%",
		Outputs: map[string]string{"coverage": "80"}, StartedAt: now, EndedAt: now,
	}
	first, inserted, err := st.AppendStageExecution(ctx, exec)
	if err != nil || !inserted {
		t.Fatalf("first append: err=%v inserted=%v", err, inserted)
	}
	second, inserted, err := st.AppendStageExecution(ctx, exec)
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if inserted {
		t.Fatal("second append of same iteration must be a no-op")
	}
	if second.ExecutionID != first.ExecutionID || second.Seq != first.Seq {
		t.Fatalf("idempotent append returned a different record: %+v vs %+v", second, first)
	}

	execs, _ := st.ListStageExecutions(ctx, run.RunID)
	if len(execs) != 1 {
		t.Fatalf("expected one stored execution, got %d", len(execs))
	}
	got, _ := st.GetRun(ctx, run.RunID)
	if got.LastSeq != 1 {
		t.Fatalf("duplicate append must not burn a sequence number: last_seq=%d", got.LastSeq)
	}
	if got.Version != run.Version {
		t.Fatalf("append must not bump the optimistic version: %d vs %d", got.Version, run.Version)
	}
}

func TestUpdateRunState_staleVersion(t *testing.T) {
	t.Parallel()
	home := filepath.Join(t.TempDir(), "home")
	st, err := Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	ctx := context.Background()

	run, _ := st.CreateRun(ctx, testParams())
	if _, err := st.UpdateRunState(ctx, RunStateUpdate{RunID: run.RunID, ExpectedVersion: run.Version, Status: "running", CurrentStage: "Plan", MarkStarted: true}); err != nil {
		t.Fatalf("UpdateRunState: %v", err)
	}
	// Re-using the old version must lose.
	_, err = st.UpdateRunState(ctx, RunStateUpdate{RunID: run.RunID, ExpectedVersion: run.Version, Status: "running", CurrentStage: "Design"})
	if !errors.Is(err, ErrStaleRunVersion) {
		t.Fatalf("stale update: got %v, want ErrStaleRunVersion", err)
	}
	_, err = st.UpdateRunState(ctx, RunStateUpdate{RunID: "no-such-run", ExpectedVersion: 1, Status: "running", CurrentStage: "Plan"})
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("missing run: got %v, want ErrRunNotFound", err)
	}
}

func TestCancelRun(t *testing.T) {
	t.Parallel()
	home := filepath.Join(t.TempDir(), "home")
	st, err := Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	ctx := context.Background()

	run, _ := st.CreateRun(ctx, testParams())
	running, _ := st.UpdateRunState(ctx, RunStateUpdate{RunID: run.RunID, ExpectedVersion: run.Version, Status: "running", CurrentStage: "Validate", MarkStarted: true})

	cancelled, err := st.CancelRun(ctx, run.RunID, "operator abort")
	if err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	if cancelled.Status != "failed" || cancelled.ReasonCode == nil || *cancelled.ReasonCode != "Cancelled" {
		t.Fatalf("CancelRun: got %+v", cancelled)
	}
	if cancelled.EndedAt == nil {
		t.Fatal("expected ended_at set")
	}

	trs, _ := st.ListLoopTransitions(ctx, run.RunID)
	if len(trs) != 1 || trs[0].FromStage != "Validate" || trs[0].ToStage != "" || trs[0].ReasonCode != "Cancelled" {
		t.Fatalf("terminal transition: got %+v", trs)
	}

	// A writer that held the pre-cancel version must now lose its check.
	_, err = st.UpdateRunState(ctx, RunStateUpdate{RunID: run.RunID, ExpectedVersion: running.Version, Status: "running", CurrentStage: "DryRun"})
	if !errors.Is(err, ErrStaleRunVersion) {
		t.Fatalf("post-cancel update: got %v, want ErrStaleRunVersion", err)
	}

	if _, err := st.CancelRun(ctx, run.RunID, "again"); !errors.Is(err, ErrRunTerminal) {
		t.Fatalf("double cancel: got %v, want ErrRunTerminal", err)
	}
	if _, err := st.CancelRun(ctx, "no-such-run", ""); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("cancel missing run: got %v, want ErrRunNotFound", err)
	}
}

func TestRunSummary_roundTrip(t *testing.T) {
	t.Parallel()
	home := filepath.Join(t.TempDir(), "home")
	st, err := Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	ctx := context.Background()

	run, _ := st.CreateRun(ctx, testParams())
	now := time.Now().UTC()
	for i := 1; i <= 3; i++ {
		status := "failure"
		if i == 3 {
			status = "success"
		}
		_, _, err := st.AppendStageExecution(ctx, StageExecution{
			RunID: run.RunID, Stage: "Implement", Iteration: i, Status: status,
			StartedAt: now, EndedAt: now,
		})
		if err != nil {
			t.Fatalf("append iteration %d: %v", i, err)
		}
		if i < 3 {
			if _, err := st.AppendLoopTransition(ctx, LoopTransition{RunID: run.RunID, FromStage: "Implement", ToStage: "Implement", ReasonCode: "LINT_FAILED"}); err != nil {
				t.Fatalf("append transition %d: %v", i, err)
			}
		}
	}
	_, _ = st.AppendApproval(ctx, Approval{RunID: run.RunID, Stage: "Git", Decision: "approve", Approver: "dana"})

	first, err := st.GetRunSummary(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRunSummary: %v", err)
	}
	second, err := st.GetRunSummary(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRunSummary again: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatal("summary is not stable across reads")
	}
	for i := 1; i < len(first.Timeline); i++ {
		if first.Timeline[i].Seq <= first.Timeline[i-1].Seq {
			t.Fatalf("timeline not strictly ordered at %d: %+v", i, first.Timeline)
		}
	}
	if got := len(first.Timeline); got != 6 {
		t.Fatalf("timeline length: got %d, want 6", got)
	}
}

func TestListRuns_filters(t *testing.T) {
	t.Parallel()
	home := filepath.Join(t.TempDir(), "home")
	st, err := Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	ctx := context.Background()

	a, _ := st.CreateRun(ctx, testParams())
	params := testParams()
	params.Policy = "maintenance"
	b, _ := st.CreateRun(ctx, params)
	_, _ = st.UpdateRunState(ctx, RunStateUpdate{RunID: b.RunID, ExpectedVersion: b.Version, Status: "running", CurrentStage: "Plan", MarkStarted: true})

	all, err := st.ListRuns(ctx, RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ListRuns all: got %d", len(all))
	}
	queued, _ := st.ListRuns(ctx, RunFilter{Status: "queued"})
	if len(queued) != 1 || queued[0].RunID != a.RunID {
		t.Fatalf("ListRuns queued: got %+v", queued)
	}
	maint, _ := st.ListRuns(ctx, RunFilter{Policy: "maintenance"})
	if len(maint) != 1 || maint[0].RunID != b.RunID {
		t.Fatalf("ListRuns maintenance: got %+v", maint)
	}
	limited, _ := st.ListRuns(ctx, RunFilter{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("ListRuns limit: got %d", len(limited))
	}
}

func TestListRunnable(t *testing.T) {
	t.Parallel()
	home := filepath.Join(t.TempDir(), "home")
	st, err := Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	ctx := context.Background()

	queued, _ := st.CreateRun(ctx, testParams())
	blocked, _ := st.CreateRun(ctx, testParams())
	reason := "ENV_DOWN"
	_, _ = st.UpdateRunState(ctx, RunStateUpdate{RunID: blocked.RunID, ExpectedVersion: blocked.Version, Status: "blocked", CurrentStage: "DryRun", ReasonCode: &reason, MarkStarted: true})
	done, _ := st.CreateRun(ctx, testParams())
	_, _ = st.CancelRun(ctx, done.RunID, "drop")

	runnable, err := st.ListRunnable(ctx, 10)
	if err != nil {
		t.Fatalf("ListRunnable: %v", err)
	}
	if len(runnable) != 1 || runnable[0].RunID != queued.RunID {
		t.Fatalf("ListRunnable: got %+v, want only the queued run", runnable)
	}
}

func TestContractVersions(t *testing.T) {
	t.Parallel()
	home := filepath.Join(t.TempDir(), "home")
	st, err := Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	ctx := context.Background()

	if _, _, err := st.LatestContractVersion(ctx); !errors.Is(err, ErrNoContractVersion) {
		t.Fatalf("LatestContractVersion empty: got %v, want ErrNoContractVersion", err)
	}
	v1, err := st.InsertContractVersion(ctx, "stages: {}")
	if err != nil {
		t.Fatalf("InsertContractVersion: %v", err)
	}
	v2, _ := st.InsertContractVersion(ctx, "stages: {Plan: {}}")
	if v2 != v1+1 {
		t.Fatalf("versions must increase: %d then %d", v1, v2)
	}
	payload, err := st.GetContractVersion(ctx, v1)
	if err != nil || payload != "stages: {}" {
		t.Fatalf("GetContractVersion: %q, %v", payload, err)
	}
	latest, latestPayload, err := st.LatestContractVersion(ctx)
	if err != nil || latest != v2 || latestPayload != "stages: {Plan: {}}" {
		t.Fatalf("LatestContractVersion: %d %q %v", latest, latestPayload, err)
	}
	if _, err := st.GetContractVersion(ctx, 999); !errors.Is(err, ErrNoContractVersion) {
		t.Fatalf("GetContractVersion missing: got %v", err)
	}
}

func TestConcurrentAppends(t *testing.T) {
	t.Parallel()
	home := filepath.Join(t.TempDir(), "home")
	st, err := Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	ctx := context.Background()

	run, _ := st.CreateRun(ctx, testParams())
	const n = 20
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(j int) {
			_, err := st.AppendApproval(ctx, Approval{
				RunID: run.RunID, Stage: "Git", Decision: "defer",
				Approver: fmt.Sprintf("op-%d", j),
			})
			done <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent AppendApproval: %v", err)
		}
	}
	approvals, _ := st.ListApprovals(ctx, run.RunID)
	if len(approvals) != n {
		t.Fatalf("expected %d approvals, got %d", n, len(approvals))
	}
	seen := make(map[int64]bool)
	for _, ap := range approvals {
		if seen[ap.Seq] {
			t.Fatalf("duplicate seq %d", ap.Seq)
		}
		seen[ap.Seq] = true
	}
}

func TestLatestStageExecution(t *testing.T) {
	t.Parallel()
	home := filepath.Join(t.TempDir(), "home")
	st, err := Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	ctx := context.Background()

	run, _ := st.CreateRun(ctx, testParams())
	got, err := st.LatestStageExecution(ctx, run.RunID, "DryRun")
	if err != nil || got != nil {
		t.Fatalf("LatestStageExecution empty: got %+v, %v", got, err)
	}
	now := time.Now().UTC()
	_, _, _ = st.AppendStageExecution(ctx, StageExecution{RunID: run.RunID, Stage: "DryRun", Iteration: 1, Status: "failure", ReasonCode: ptr("FLAKY"), StartedAt: now, EndedAt: now})
	_, _, _ = st.AppendStageExecution(ctx, StageExecution{RunID: run.RunID, Stage: "DryRun", Iteration: 2, Status: "success", StartedAt: now, EndedAt: now})
	got, err = st.LatestStageExecution(ctx, run.RunID, "DryRun")
	if err != nil {
		t.Fatalf("LatestStageExecution: %v", err)
	}
	if got == nil || got.Iteration != 2 || got.Status != "success" {
		t.Fatalf("LatestStageExecution: got %+v, want iteration 2", got)
	}
}

func TestOpenWithOptions(t *testing.T) {
	t.Parallel()
	_, err := OpenWithOptions(OpenOptions{Driver: "postgres"})
	if err == nil {
		t.Fatal("OpenWithOptions postgres: expected error")
	}
	dir := t.TempDir()
	st, err := OpenWithOptions(OpenOptions{Driver: "sqlite", Home: dir})
	if err != nil {
		t.Fatalf("OpenWithOptions sqlite: %v", err)
	}
	_ = st.Close()
	// DSN path
	st2, err := OpenWithOptions(OpenOptions{Driver: "sqlite", Home: "", DSN: "file:" + filepath.Join(dir, "protected", "db.sqlite")})
	if err != nil {
		t.Fatalf("OpenWithOptions DSN: %v", err)
	}
	_ = st2.Close()
}

func ptr(s string) *string { return &s }

func BenchmarkAppendStageExecution(b *testing.B) {
	home := filepath.Join(b.TempDir(), "home")
	st, err := Open(home)
	if err != nil {
		b.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	ctx := context.Background()
	run, _ := st.CreateRun(ctx, testParams())
	now := time.Now().UTC()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = st.AppendStageExecution(ctx, StageExecution{
			RunID: run.RunID, Stage: "Implement", Iteration: i + 1, Status: "success",
			StartedAt: now, EndedAt: now,
		})
	}
}

func BenchmarkGetRun(b *testing.B) {
	home := filepath.Join(b.TempDir(), "home")
	st, err := Open(home)
	if err != nil {
		b.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	ctx := context.Background()
	run, _ := st.CreateRun(ctx, testParams())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = st.GetRun(ctx, run.RunID)
	}
}

func BenchmarkGetRunSummary(b *testing.B) {
	home := filepath.Join(b.TempDir(), "home")
	st, err := Open(home)
	if err != nil {
		b.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	ctx := context.Background()
	run, _ := st.CreateRun(ctx, testParams())
	now := time.Now().UTC()
	for i := 1; i <= 10; i++ {
		_, _, _ = st.AppendStageExecution(ctx, StageExecution{RunID: run.RunID, Stage: "Implement", Iteration: i, Status: "success", StartedAt: now, EndedAt: now})
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = st.GetRunSummary(ctx, run.RunID)
	}
}
