// Package models provides shared types for the Stagehand HTTP API and external tools.
// These types mirror the API JSON and are stable for use by pkg/client and stage runners.
package models

import "time"

// Run is one end-to-end execution of the six-stage pipeline for a scoped unit of work.
type Run struct {
	RunID           string            `json:"run_id"`
	Status          string            `json:"status"`
	CurrentStage    string            `json:"current_stage,omitempty"`
	Policy          string            `json:"policy"`
	ContractVersion int               `json:"contract_version,omitempty"`
	LoopCap         int               `json:"loop_cap"`
	ReasonCode      *string           `json:"reason_code,omitempty"`
	Detail          *string           `json:"detail,omitempty"`
	Version         int               `json:"version"`
	Scope           map[string]string `json:"scope,omitempty"`
	CreatedAt       time.Time         `json:"created_at,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	EndedAt         *time.Time        `json:"ended_at,omitempty"`
}

// StageExecution is one attempt at one stage within a run. Iteration numbers
// start at 1 and increase on every re-entry; records are immutable once appended.
type StageExecution struct {
	ExecutionID     int64             `json:"execution_id"`
	RunID           string            `json:"run_id"`
	Seq             int64             `json:"seq"`
	Stage           string            `json:"stage"`
	Iteration       int               `json:"iteration"`
	Status          string            `json:"status"`
	ReasonCode      *string           `json:"reason_code,omitempty"`
	RootCause       *string           `json:"root_cause,omitempty"`
	Summary         string            `json:"summary,omitempty"`
	Profile         string            `json:"profile,omitempty"`
	ContractVersion int               `json:"contract_version,omitempty"`
	Outputs         map[string]string `json:"outputs,omitempty"`
	EvidencePath    *string           `json:"evidence_path,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	EndedAt         time.Time         `json:"ended_at"`
}

// LoopTransition records one stage-to-stage jump: loop-backs, the single FLAKY
// auto-retry, operator resumes, and the terminal cancellation record (empty to_stage).
type LoopTransition struct {
	TransitionID int64     `json:"transition_id"`
	RunID        string    `json:"run_id"`
	Seq          int64     `json:"seq"`
	FromStage    string    `json:"from_stage"`
	ToStage      string    `json:"to_stage,omitempty"`
	ReasonCode   string    `json:"reason_code"`
	Detail       string    `json:"detail,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

// Approval is a recorded human decision gating a transition.
type Approval struct {
	ApprovalID int64      `json:"approval_id"`
	RunID      string     `json:"run_id"`
	Seq        int64      `json:"seq"`
	Stage      string     `json:"stage"`
	Decision   string     `json:"decision"`
	Approver   string     `json:"approver"`
	Comment    string     `json:"comment,omitempty"`
	Override   bool       `json:"override,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at,omitempty"`
}

// TimelineItem is one entry in a run's linear timeline. Exactly one of
// Execution, Transition, Approval is set, matching Kind.
type TimelineItem struct {
	Seq        int64           `json:"seq"`
	Kind       string          `json:"kind"`
	At         time.Time       `json:"at"`
	Execution  *StageExecution `json:"execution,omitempty"`
	Transition *LoopTransition `json:"transition,omitempty"`
	Approval   *Approval       `json:"approval,omitempty"`
}

// RunSummary aggregates every record of a run into a single ordered view.
type RunSummary struct {
	Run         Run              `json:"run"`
	Executions  []StageExecution `json:"executions"`
	Transitions []LoopTransition `json:"transitions"`
	Approvals   []Approval       `json:"approvals"`
	Timeline    []TimelineItem   `json:"timeline"`
}

// Profile is an LLM profile passed into each stage invocation. Which profile
// was used is recorded on the resulting StageExecution.
type Profile struct {
	Name      string `json:"name" yaml:"name"`
	Model     string `json:"model" yaml:"model"`
	MaxTokens int    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// InvokeRequest is the uniform request sent to a stage collaborator.
type InvokeRequest struct {
	RunID     string            `json:"run_id"`
	Stage     string            `json:"stage"`
	Iteration int               `json:"iteration"`
	Inputs    map[string]string `json:"inputs,omitempty"`
	Profile   Profile           `json:"profile"`
}

// InvokeResult is the uniform response from a stage collaborator. Status is
// StatusSuccess or StatusFailure; ReasonCode classifies a failure.
type InvokeResult struct {
	Status     string            `json:"status"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	ReasonCode string            `json:"reason_code,omitempty"`
	Summary    string            `json:"summary,omitempty"`
}

// Threshold is a numeric exit criterion over one output key.
type Threshold struct {
	Output     string  `json:"output" yaml:"output"`
	Min        float64 `json:"min" yaml:"min"`
	ReasonCode string  `json:"reason_code,omitempty" yaml:"reason_code,omitempty"`
}

/// ExitCriteria is the exit predicate of a stage contract: required output keys
// plus numeric thresholds. OnMissing is the reason code reported when a
// required output is absent (defaults to SCRIPT_ERROR).
type ExitCriteria struct {
	RequiredOutputs []string    `json:"required_outputs,omitempty" yaml:"required_outputs,omitempty"`
	OnMissing       string      `json:"on_missing,omitempty" yaml:"on_missing,omitempty"`
	Thresholds      []Threshold `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
}

// StageContract declares, per stage, the required input keys, the activity,
// the produced output keys, and the exit criteria.
type StageContract struct {
	Stage           string       `json:"stage" yaml:"stage"`
	RequiredInputs  []string     `json:"required_inputs,omitempty" yaml:"required_inputs,omitempty"`
	Activity        string       `json:"activity,omitempty" yaml:"activity,omitempty"`
	ProducedOutputs []string     `json:"produced_outputs,omitempty" yaml:"produced_outputs,omitempty"`
	ExitCriteria    ExitCriteria `json:"exit_criteria,omitempty" yaml:"exit_criteria,omitempty"`
}

// ContractSet is one registered version of all six stage contracts.
type ContractSet struct {
	Version   int                      `json:"version"`
	Stages    map[string]StageContract `json:"stages"`
	CreatedAt time.Time                `json:"created_at,omitempty"`
}

// Loop names one allowed loop-back edge in a routing policy.
type Loop struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// RuleMatch selects stage outcomes a routing rule applies to. Empty fields
// match anything; Reasons matches any listed code.
type RuleMatch struct {
	Stage     string   `json:"stage,omitempty" yaml:"stage,omitempty"`
	Outcome   string   `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	Reasons   []string `json:"reasons,omitempty" yaml:"reasons,omitempty"`
	RootCause string   `json:"root_cause,omitempty" yaml:"root_cause,omitempty"`
}

// RuleDecision is what a matched routing rule decides. Kind is one of the
// Decide* constants; To names the loop or retry target; an empty Reason
// carries the outcome's own reason code.
type RuleDecision struct {
	Kind   string `json:"kind" yaml:"kind"`
	To     string `json:"to,omitempty" yaml:"to,omitempty"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// RouteRule is one row of the declarative routing table. First match wins.
type RouteRule struct {
	Match RuleMatch    `json:"match" yaml:"match"`
	Then  RuleDecision `json:"then" yaml:"then"`
}

// RoutingPolicy is a situation-dependent routing configuration. A run pins
// its policy by name at creation.
type RoutingPolicy struct {
	Name          string      `json:"name" yaml:"name"`
	Stages        []string    `json:"stages,omitempty" yaml:"stages,omitempty"`
	LoopCap       int         `json:"loop_cap" yaml:"loop_cap"`
	GatedStages   []string    `json:"gated_stages,omitempty" yaml:"gated_stages,omitempty"`
	RequiredScope []string    `json:"required_scope,omitempty" yaml:"required_scope,omitempty"`
	AllowedLoops  []Loop      `json:"allowed_loops,omitempty" yaml:"allowed_loops,omitempty"`
	Rules         []RouteRule `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// Config is the /config API response.
type Config struct {
	Home        string   `json:"home,omitempty"`
	Store       string   `json:"store,omitempty"`
	PolicyNames []string `json:"policy_names,omitempty"`
}
