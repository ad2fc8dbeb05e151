package store

import "context"

// Store is the persistence interface for runs and their append-only records.
// Implementations: the SQLite store returned by Open and *postgres.Store.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, params CreateRunParams) (Run, error)
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	ListRunnable(ctx context.Context, limit int) ([]Run, error)
	UpdateRunState(ctx context.Context, upd RunStateUpdate) (*Run, error)
	CancelRun(ctx context.Context, runID, detail string) (*Run, error)
	CountRunsByStatus(ctx context.Context) (map[string]int, error)

	// Stage executions (idempotent on run+stage+iteration)
	AppendStageExecution(ctx context.Context, exec StageExecution) (StageExecution, bool, error)
	ListStageExecutions(ctx context.Context, runID string) ([]StageExecution, error)
	LatestStageExecution(ctx context.Context, runID, stage string) (*StageExecution, error)
	CountStageIterations(ctx context.Context, runID, stage string) (int, error)

	// Loop transitions
	AppendLoopTransition(ctx context.Context, tr LoopTransition) (LoopTransition, error)
	ListLoopTransitions(ctx context.Context, runID string) ([]LoopTransition, error)

	// Approvals
	AppendApproval(ctx context.Context, ap Approval) (Approval, error)
	ListApprovals(ctx context.Context, runID string) ([]Approval, error)

	// Aggregated view
	GetRunSummary(ctx context.Context, runID string) (*RunSummary, error)

	// Contract snapshots (whole-set YAML payloads, versioned)
	InsertContractVersion(ctx context.Context, payload string) (int, error)
	GetContractVersion(ctx context.Context, version int) (string, error)
	LatestContractVersion(ctx context.Context) (int, string, error)

	// Lifecycle
	Close() error
}
