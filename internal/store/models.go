// Package store defines the persistence interface and shared models for runs,
// stage executions, loop transitions, approvals, and contract snapshots.
package store

import (
	"errors"
	"time"
)

// Sentinel errors callers branch on with errors.Is.
var (
	// ErrRunNotFound is returned when a run identifier does not exist.
	ErrRunNotFound = errors.New("run not found")
	// ErrStaleRunVersion is returned when an optimistic state update loses the
	// race: the caller must re-read the run and re-decide.
	ErrStaleRunVersion = errors.New("stale run version")
	// ErrInvalidScope is returned by CreateRun when a required scope key is
	// missing or empty.
	ErrInvalidScope = errors.New("invalid scope")
	// ErrRunTerminal is returned when mutating a completed or failed run.
	ErrRunTerminal = errors.New("run already terminal")
	// ErrNoContractVersion is returned when no contract snapshot is registered.
	ErrNoContractVersion = errors.New("no contract version registered")
)

// Run is one end-to-end execution of the pipeline. Version is the optimistic
// concurrency counter bumped by every state update; LastSeq is the per-run
// append sequence shared by all record kinds.
type Run struct {
	RunID           string
	Status          string
	CurrentStage    string
	Policy          string
	ContractVersion int
	LoopCap         int
	ReasonCode      *string
	Detail          *string
	Version         int
	LastSeq         int64
	Scope           map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	EndedAt         *time.Time
}

// Terminal reports whether the run is in a terminal status.
func (r *Run) Terminal() bool {
	return r.Status == "completed" || r.Status == "failed"
}

// StageExecution is one attempt at one stage. Appends are idempotent on
// (run, stage, iteration); records are immutable once stored.
type StageExecution struct {
	ExecutionID     int64
	RunID           string
	Seq             int64
	Stage           string
	Iteration       int
	Status          string
	ReasonCode      *string
	RootCause       *string
	Summary         string
	Profile         string
	ContractVersion int
	Outputs         map[string]string
	EvidencePath    *string
	StartedAt       time.Time
	EndedAt         time.Time
}

// LoopTransition is one recorded stage-to-stage jump. An empty ToStage marks
// the terminal cancellation record.
type LoopTransition struct {
	TransitionID int64
	RunID        string
	Seq          int64
	FromStage    string
	ToStage      string
	ReasonCode   string
	Detail       string
	CreatedAt    time.Time
}

// Approval is a recorded human decision. Override approvals may carry an
// expiry; expired overrides do not satisfy loop-cap checks.
type Approval struct {
	ApprovalID int64
	RunID      string
	Seq        int64
	Stage      string
	Decision   string
	Approver   string
	Comment    string
	Override   bool
	ExpiresAt  *time.Time
	CreatedAt  time.Time
}

// TimelineItem is one entry of the merged run timeline, ordered by Seq.
// Exactly one of Execution, Transition, Approval is non-nil.
type TimelineItem struct {
	Seq        int64
	Kind       string
	At         time.Time
	Execution  *StageExecution
	Transition *LoopTransition
	Approval   *Approval
}

// RunSummary aggregates every record of one run into a single ordered view.
type RunSummary struct {
	Run         Run
	Executions  []StageExecution
	Transitions []LoopTransition
	Approvals   []Approval
	Timeline    []TimelineItem
}

// CreateRunParams carries everything CreateRun needs. RequiredScope lists the
// scope keys that must be present and non-empty (from the routing policy).
type CreateRunParams struct {
	Scope         map[string]string
	Policy        string
	LoopCap       int
	RequiredScope []string
}

// RunFilter narrows ListRuns. Zero values mean no constraint.
type RunFilter struct {
	Status string
	Policy string
	Limit  int
}

/// RunStateUpdate is a full-state optimistic update: status, current stage,
// reason and detail are always written; the update applies only when the
// stored version equals ExpectedVersion.
type RunStateUpdate struct {
	RunID           string
	ExpectedVersion int
	Status          string
	CurrentStage    string
	ReasonCode      *string
	Detail          *string
	ContractVersion int // 0 keeps the stored value
	MarkStarted     bool
	MarkEnded       bool
}
