package models

import "errors"

// ErrUnknownStage rejects a stage name outside the six fixed stages.
var ErrUnknownStage = errors.New("unknown stage")

// Run statuses used throughout the codebase.
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunBlocked   = "blocked"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// The six pipeline stages, in order.
const (
	StagePlan      = "Plan"
	StageDesign    = "Design"
	StageImplement = "Implement"
	StageValidate  = "Validate"
	StageDryRun    = "DryRun"
	StageGit       = "Git"
)

// StageOrder is the fixed pipeline order. Routing policies may shorten it but
// never reorder or rename stages.
var StageOrder = []string{StagePlan, StageDesign, StageImplement, StageValidate, StageDryRun, StageGit}

// KnownStage reports whether name is one of the six fixed stages.
func KnownStage(name string) bool {
	for _, s := range StageOrder {
		if s == name {
			return true
		}
	}
	return false
}

// Stage execution statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Approval decisions.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
	DecisionDefer   = "defer"
)

// Reason codes. The first eight are the stable contract consumed by external
// tools; the rest are additive classifications introduced by this engine.
const (
	ReasonScriptError     = "SCRIPT_ERROR"
	ReasonLocatorMissing  = "LOCATOR_MISSING"
	ReasonEnvDown         = "ENV_DOWN"
	ReasonDataSetupFailed = "DATA_SETUP_FAILED"
	ReasonAuthFailed      = "AUTH_FAILED"
	ReasonFlaky           = "FLAKY"
	ReasonValidationGap   = "VALIDATION_GAP"
	ReasonCancelled       = "Cancelled"

	ReasonScopeAmbiguous  = "SCOPE_AMBIGUOUS"
	ReasonCoverageGap     = "COVERAGE_GAP"
	ReasonLintFailed      = "LINT_FAILED"
	ReasonApprovalPending = "APPROVAL_PENDING"
	ReasonLoopCapExceeded = "LOOP_CAP_EXCEEDED"
)

// Routing decision kinds.
const (
	DecideAdvance  = "advance"
	DecideLoop     = "loop"
	DecideRetry    = "retry"
	DecidePause    = "pause"
	DecideComplete = "complete"
	DecideFail     = "fail"
)

// RootCauseScopeMismatch marks a Design coverage failure caused by a planning
// defect; the router loops back to Plan instead of staying in Design.
const RootCauseScopeMismatch = "scope_mismatch"

// Timeline record kinds.
const (
	KindExecution  = "execution"
	KindTransition = "transition"
	KindApproval   = "approval"
)

// Built-in routing policy names.
const (
	PolicySprint      = "sprint"
	PolicyBacklog     = "backlog"
	PolicyMaintenance = "maintenance"
)

// Default limits.
const (
	DefaultAPIPort             = 3560
	DefaultLoopCap             = 2
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultRunListLimit        = 500
	DefaultSSEChannelBuffer    = 256
	DefaultToolkitRunLimit     = 200
	DefaultSchedulerChanSize   = 32
)
