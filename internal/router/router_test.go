package router

import (
	"errors"
	"strings"
	"testing"

	"github.com/ankittk/stagehand/pkg/models"
)

func permissive() models.RoutingPolicy {
	return models.RoutingPolicy{Name: "test", LoopCap: 2}
}

func TestDecideNext_tableRows(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		stage     string
		outcome   Outcome
		loopCount int
		wantKind  string
		wantNext  string
		wantLoop  string
		wantCode  string
	}{
		{"plan success advances", models.StagePlan, Outcome{Status: models.StatusSuccess}, 0, models.DecideAdvance, models.StageDesign, "", ""},
		{"plan ambiguous scope pauses", models.StagePlan, Outcome{Status: models.StatusFailure, ReasonCode: models.ReasonScopeAmbiguous}, 0, models.DecidePause, "", "", models.ReasonScopeAmbiguous},
		{"design coverage scope mismatch loops to plan", models.StageDesign, Outcome{Status: models.StatusFailure, ReasonCode: models.ReasonCoverageGap, RootCause: models.RootCauseScopeMismatch}, 0, models.DecideLoop, "", models.StagePlan, models.ReasonCoverageGap},
		{"design coverage stays in design", models.StageDesign, Outcome{Status: models.StatusFailure, ReasonCode: models.ReasonCoverageGap}, 0, models.DecideLoop, "", models.StageDesign, models.ReasonCoverageGap},
		{"implement lint self-loops", models.StageImplement, Outcome{Status: models.StatusFailure, ReasonCode: models.ReasonLintFailed}, 1, models.DecideLoop, "", models.StageImplement, models.ReasonLintFailed},
		{"validate gap loops to implement", models.StageValidate, Outcome{Status: models.StatusFailure, ReasonCode: models.ReasonValidationGap}, 0, models.DecideLoop, "", models.StageImplement, models.ReasonValidationGap},
		{"dryrun script error loops to implement", models.StageDryRun, Outcome{Status: models.StatusFailure, ReasonCode: models.ReasonScriptError}, 0, models.DecideLoop, "", models.StageImplement, models.ReasonScriptError},
		{"dryrun locator missing loops to implement", models.StageDryRun, Outcome{Status: models.StatusFailure, ReasonCode: models.ReasonLocatorMissing}, 0, models.DecideLoop, "", models.StageImplement, models.ReasonLocatorMissing},
		{"dryrun env down pauses", models.StageDryRun, Outcome{Status: models.StatusFailure, ReasonCode: models.ReasonEnvDown}, 0, models.DecidePause, "", "", models.ReasonEnvDown},
		{"dryrun data setup pauses", models.StageDryRun, Outcome{Status: models.StatusFailure, ReasonCode: models.ReasonDataSetupFailed}, 0, models.DecidePause, "", "", models.ReasonDataSetupFailed},
		{"dryrun auth pauses", models.StageDryRun, Outcome{Status: models.StatusFailure, ReasonCode: models.ReasonAuthFailed}, 0, models.DecidePause, "", "", models.ReasonAuthFailed},
		{"first flaky retries dryrun", models.StageDryRun, Outcome{Status: models.StatusFailure, ReasonCode: models.ReasonFlaky}, 0, models.DecideRetry, "", models.StageDryRun, models.ReasonFlaky},
		{"second flaky loops to validate", models.StageDryRun, Outcome{Status: models.StatusFailure, ReasonCode: models.ReasonFlaky}, 1, models.DecideLoop, "", models.StageValidate, models.ReasonFlaky},
		{"dryrun success advances to git", models.StageDryRun, Outcome{Status: models.StatusSuccess}, 1, models.DecideAdvance, models.StageGit, "", ""},
		{"git success completes", models.StageGit, Outcome{Status: models.StatusSuccess}, 0, models.DecideComplete, "", "", ""},
		{"validate success advances", models.StageValidate, Outcome{Status: models.StatusSuccess}, 2, models.DecideAdvance, models.StageDryRun, "", ""},
		{"unmatched failure pauses", models.StageGit, Outcome{Status: models.StatusFailure, ReasonCode: models.ReasonScriptError}, 0, models.DecidePause, "", "", models.ReasonScriptError},
		{"plan failure without table row pauses", models.StagePlan, Outcome{Status: models.StatusFailure, ReasonCode: models.ReasonEnvDown}, 0, models.DecidePause, "", "", models.ReasonEnvDown},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d, err := DecideNext(permissive(), tc.stage, tc.outcome, tc.loopCount)
			if err != nil {
				t.Fatalf("DecideNext: %v", err)
			}
			if d.Kind != tc.wantKind {
				t.Fatalf("kind: got %q, want %q (%+v)", d.Kind, tc.wantKind, d)
			}
			if d.Next != tc.wantNext {
				t.Fatalf("next: got %q, want %q", d.Next, tc.wantNext)
			}
			if d.LoopTo != tc.wantLoop {
				t.Fatalf("loop target: got %q, want %q", d.LoopTo, tc.wantLoop)
			}
			if d.ReasonCode != tc.wantCode {
				t.Fatalf("reason: got %q, want %q", d.ReasonCode, tc.wantCode)
			}
		})
	}
}

func TestDecideNext_policyRestrictsLoops(t *testing.T) {
	t.Parallel()
	// Coverage fixes must stay in Design when the policy drops the
	// Design->Plan edge.
	p := permissive()
	p.Name = "backlog"
	p.AllowedLoops = []models.Loop{
		{From: models.StageDesign, To: models.StageDesign},
		{From: models.StageImplement, To: models.StageImplement},
		{From: models.StageValidate, To: models.StageImplement},
		{From: models.StageDryRun, To: models.StageImplement},
		{From: models.StageDryRun, To: models.StageDryRun},
		{From: models.StageDryRun, To: models.StageValidate},
	}
	d, err := DecideNext(p, models.StageDesign, Outcome{Status: models.StatusFailure, ReasonCode: models.ReasonCoverageGap, RootCause: models.RootCauseScopeMismatch}, 0)
	if err != nil {
		t.Fatalf("DecideNext: %v", err)
	}
	if d.Kind != models.DecidePause || d.ReasonCode != models.ReasonCoverageGap {
		t.Fatalf("disallowed loop must pause: %+v", d)
	}
	if !strings.Contains(d.Detail, "backlog") {
		t.Fatalf("pause detail should name the policy: %q", d.Detail)
	}

	// With Design->Design still allowed, the in-stage fix remains available.
	d, err = DecideNext(p, models.StageDesign, Outcome{Status: models.StatusFailure, ReasonCode: models.ReasonCoverageGap}, 0)
	if err != nil {
		t.Fatalf("DecideNext: %v", err)
	}
	if d.Kind != models.DecideLoop || d.LoopTo != models.StageDesign {
		t.Fatalf("in-stage loop should survive: %+v", d)
	}
}

func TestDecideNext_retryEdgeDisallowedFallsThrough(t *testing.T) {
	t.Parallel()
	p := permissive()
	p.AllowedLoops = []models.Loop{
		{From: models.StageDryRun, To: models.StageValidate},
	}
	d, err := DecideNext(p, models.StageDryRun, Outcome{Status: models.StatusFailure, ReasonCode: models.ReasonFlaky}, 0)
	if err != nil {
		t.Fatalf("DecideNext: %v", err)
	}
	if d.Kind != models.DecideLoop || d.LoopTo != models.StageValidate {
		t.Fatalf("retry without the edge should fall through to validate loop: %+v", d)
	}
}

func TestDecideNext_unknownStage(t *testing.T) {
	t.Parallel()
	_, err := DecideNext(permissive(), "Deploy", Outcome{Status: models.StatusSuccess}, 0)
	if !errors.Is(err, models.ErrUnknownStage) {
		t.Fatalf("got %v, want ErrUnknownStage", err)
	}
}

func TestDecideNext_stageOutsidePolicyPipeline(t *testing.T) {
	t.Parallel()
	p := permissive()
	p.Stages = []string{models.StagePlan, models.StageDesign}
	if _, err := DecideNext(p, models.StageGit, Outcome{Status: models.StatusSuccess}, 0); err == nil {
		t.Fatal("expected error for stage outside the policy pipeline")
	}
}

func TestDecideNext_shortenedPipelineCompletes(t *testing.T) {
	t.Parallel()
	p := permissive()
	p.Stages = []string{models.StagePlan, models.StageDesign}
	d, err := DecideNext(p, models.StageDesign, Outcome{Status: models.StatusSuccess}, 0)
	if err != nil {
		t.Fatalf("DecideNext: %v", err)
	}
	if d.Kind != models.DecideComplete {
		t.Fatalf("success at the last policy stage should complete: %+v", d)
	}
}
