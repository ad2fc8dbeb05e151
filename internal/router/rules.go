package router

import "github.com/ankittk/stagehand/pkg/models"

// DefaultRules is the standard routing table. First match wins; the trailing
// catch-alls make the table total, so DecideNext never falls off the end.
//
// The published loop-back rows:
//
//	Plan      ambiguous scope                       -> pause
//	Design    coverage miss, scope_mismatch cause   -> loop Plan
//	Design    coverage miss                         -> loop Design
//	Implement lint/secret-scan failure              -> loop Implement
//	Validate  gaps found                            -> loop Implement
//	DryRun    SCRIPT_ERROR | LOCATOR_MISSING        -> loop Implement
//	DryRun    ENV_DOWN | DATA_SETUP_FAILED |
//	          AUTH_FAILED                           -> pause
//	DryRun    FLAKY                                 -> one auto-retry, then loop Validate
//	Git       success                               -> run completed
func DefaultRules() []models.RouteRule {
	return []models.RouteRule{
		{
			Match: models.RuleMatch{Stage: models.StagePlan, Outcome: models.StatusFailure, Reasons: []string{models.ReasonScopeAmbiguous}},
			Then:  models.RuleDecision{Kind: models.DecidePause},
		},
		{
			Match: models.RuleMatch{Stage: models.StageDesign, Outcome: models.StatusFailure, Reasons: []string{models.ReasonCoverageGap}, RootCause: models.RootCauseScopeMismatch},
			Then:  models.RuleDecision{Kind: models.DecideLoop, To: models.StagePlan},
		},
		{
			Match: models.RuleMatch{Stage: models.StageDesign, Outcome: models.StatusFailure, Reasons: []string{models.ReasonCoverageGap}},
			Then:  models.RuleDecision{Kind: models.DecideLoop, To: models.StageDesign},
		},
		{
			Match: models.RuleMatch{Stage: models.StageImplement, Outcome: models.StatusFailure, Reasons: []string{models.ReasonLintFailed}},
			Then:  models.RuleDecision{Kind: models.DecideLoop, To: models.StageImplement},
		},
		{
			Match: models.RuleMatch{Stage: models.StageValidate, Outcome: models.StatusFailure, Reasons: []string{models.ReasonValidationGap}},
			Then:  models.RuleDecision{Kind: models.DecideLoop, To: models.StageImplement, Reason: models.ReasonValidationGap},
		},
		{
			Match: models.RuleMatch{Stage: models.StageDryRun, Outcome: models.StatusFailure, Reasons: []string{models.ReasonScriptError, models.ReasonLocatorMissing}},
			Then:  models.RuleDecision{Kind: models.DecideLoop, To: models.StageImplement},
		},
		{
			Match: models.RuleMatch{Stage: models.StageDryRun, Outcome: models.StatusFailure, Reasons: []string{models.ReasonEnvDown, models.ReasonDataSetupFailed, models.ReasonAuthFailed}},
			Then:  models.RuleDecision{Kind: models.DecidePause},
		},
		{
			Match: models.RuleMatch{Stage: models.StageDryRun, Outcome: models.StatusFailure, Reasons: []string{models.ReasonFlaky}},
			Then:  models.RuleDecision{Kind: models.DecideRetry, To: models.StageDryRun, Reason: models.ReasonFlaky},
		},
		{
			Match: models.RuleMatch{Stage: models.StageDryRun, Outcome: models.StatusFailure, Reasons: []string{models.ReasonFlaky}},
			Then:  models.RuleDecision{Kind: models.DecideLoop, To: models.StageValidate, Reason: models.ReasonFlaky},
		},
		{
			Match: models.RuleMatch{Stage: models.StageGit, Outcome: models.StatusSuccess},
			Then:  models.RuleDecision{Kind: models.DecideComplete},
		},
		{
			Match: models.RuleMatch{Outcome: models.StatusSuccess},
			Then:  models.RuleDecision{Kind: models.DecideAdvance},
		},
		{
			Match: models.RuleMatch{Outcome: models.StatusFailure},
			Then:  models.RuleDecision{Kind: models.DecidePause},
		},
	}
}
