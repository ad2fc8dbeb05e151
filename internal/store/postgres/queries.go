package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ankittk/stagehand/internal/store"
)

const runColumns = `run_id, status, current_stage, policy, contract_version, loop_cap, reason_code, detail, version, last_seq, created_at, updated_at, started_at, ended_at`

const executionColumns = `execution_id, run_id, seq, stage, iteration, status, reason_code, root_cause, summary, profile, contract_version, outputs, evidence_path, started_at, ended_at`

func (s *Store) CreateRun(ctx context.Context, params store.CreateRunParams) (store.Run, error) {
	for _, key := range params.RequiredScope {
		if strings.TrimSpace(params.Scope[key]) == "" {
			return store.Run{}, fmt.Errorf("%w: missing required scope key %q", store.ErrInvalidScope, key)
		}
	}
	if params.Policy == "" {
		return store.Run{}, errors.New("policy required")
	}
	loopCap := params.LoopCap
	if loopCap <= 0 {
		loopCap = 2
	}
	id := uuid.NewString()
	now := time.Now().UTC().Unix()

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return store.Run{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `INSERT INTO runs(run_id, status, current_stage, policy, loop_cap, version, last_seq, created_at, updated_at) VALUES($1, 'queued', '', $2, $3, 1, 0, $4, $5)`,
		id, params.Policy, loopCap, now, now); err != nil {
		return store.Run{}, err
	}
	for k, v := range params.Scope {
		if _, err := tx.Exec(ctx, `INSERT INTO run_scope(run_id, key, value) VALUES($1, $2, $3)`, id, k, v); err != nil {
			return store.Run{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return store.Run{}, err
	}

	run, err := s.GetRun(ctx, id)
	if err != nil {
		return store.Run{}, err
	}
	return *run, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	run, err := scanRunRow(s.Pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = $1`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrRunNotFound, runID)
		}
		return nil, err
	}
	scope, err := s.loadScope(ctx, runID)
	if err != nil {
		return nil, err
	}
	run.Scope = scope
	return run, nil
}

func (s *Store) loadScope(ctx context.Context, runID string) (map[string]string, error) {
	rows, err := s.Pool.Query(ctx, `SELECT key, value FROM run_scope WHERE run_id = $1 ORDER BY key ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]store.Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs`
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Policy != "" {
		args = append(args, filter.Policy)
		where = append(where, fmt.Sprintf("policy = $%d", len(args)))
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Run
	for rows.Next() {
		run, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func (s *Store) ListRunnable(ctx context.Context, limit int) ([]store.Run, error) {
	if limit <= 0 {
		limit = 32
	}
	rows, err := s.Pool.Query(ctx, `SELECT `+runColumns+` FROM runs WHERE status IN ('queued','running') ORDER BY updated_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Run
	for rows.Next() {
		run, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRunState(ctx context.Context, upd store.RunStateUpdate) (*store.Run, error) {
	now := time.Now().UTC().Unix()
	args := []any{upd.Status, upd.CurrentStage, upd.ReasonCode, upd.Detail, now}
	set := []string{"status = $1", "current_stage = $2", "reason_code = $3", "detail = $4", "version = version + 1", "updated_at = $5"}
	if upd.ContractVersion > 0 {
		args = append(args, upd.ContractVersion)
		set = append(set, fmt.Sprintf("contract_version = $%d", len(args)))
	}
	if upd.MarkStarted {
		args = append(args, now)
		set = append(set, fmt.Sprintf("started_at = COALESCE(started_at, $%d)", len(args)))
	}
	if upd.MarkEnded {
		args = append(args, now)
		set = append(set, fmt.Sprintf("ended_at = COALESCE(ended_at, $%d)", len(args)))
	}
	args = append(args, upd.RunID)
	idArg := len(args)
	args = append(args, upd.ExpectedVersion)
	verArg := len(args)

	res, err := s.Pool.Exec(ctx, fmt.Sprintf(`UPDATE runs SET %s WHERE run_id = $%d AND version = $%d`, strings.Join(set, ", "), idArg, verArg), args...)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected() == 0 {
		current, err := s.GetRun(ctx, upd.RunID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: run %s at version %d, caller held %d", store.ErrStaleRunVersion, upd.RunID, current.Version, upd.ExpectedVersion)
	}
	return s.GetRun(ctx, upd.RunID)
}

func (s *Store) CancelRun(ctx context.Context, runID, detail string) (*store.Run, error) {
	now := time.Now().UTC().Unix()

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status, currentStage string
	err = tx.QueryRow(ctx, `SELECT status, current_stage FROM runs WHERE run_id = $1 FOR UPDATE`, runID).Scan(&status, &currentStage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrRunNotFound, runID)
		}
		return nil, err
	}
	if status == "completed" || status == "failed" {
		return nil, fmt.Errorf("%w: %s is %s", store.ErrRunTerminal, runID, status)
	}

	seq, err := nextSeqTx(ctx, tx, runID, now)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO loop_transitions(run_id, seq, from_stage, to_stage, reason_code, detail, created_at) VALUES($1, $2, $3, '', 'Cancelled', $4, $5)`,
		runID, seq, currentStage, detail, now); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `UPDATE runs SET status='failed', reason_code='Cancelled', detail=$1, version=version+1, updated_at=$2, ended_at=COALESCE(ended_at, $3) WHERE run_id=$4`,
		detail, now, now, runID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return s.GetRun(ctx, runID)
}

func (s *Store) CountRunsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.Pool.Query(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *Store) AppendStageExecution(ctx context.Context, exec store.StageExecution) (store.StageExecution, bool, error) {
	if exec.RunID == "" || exec.Stage == "" || exec.Iteration < 1 {
		return store.StageExecution{}, false, errors.New("run id, stage, and iteration >= 1 required")
	}
	if existing, err := s.findExecution(ctx, exec.RunID, exec.Stage, exec.Iteration); err != nil {
		return store.StageExecution{}, false, err
	} else if existing != nil {
		return *existing, false, nil
	}

	outputs, err := store.EncodeOutputs(exec.Outputs)
	if err != nil {
		return store.StageExecution{}, false, err
	}
	now := time.Now().UTC().Unix()

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return store.StageExecution{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	seq, err := nextSeqTx(ctx, tx, exec.RunID, now)
	if err != nil {
		return store.StageExecution{}, false, err
	}
	_, err = tx.Exec(ctx, `INSERT INTO stage_executions(run_id, seq, stage, iteration, status, reason_code, root_cause, summary, profile, contract_version, outputs, evidence_path, started_at, ended_at) VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		exec.RunID, seq, exec.Stage, exec.Iteration, exec.Status, exec.ReasonCode, exec.RootCause, exec.Summary, exec.Profile, exec.ContractVersion, outputs, exec.EvidencePath, exec.StartedAt.UTC().Unix(), exec.EndedAt.UTC().Unix())
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			_ = tx.Rollback(ctx)
			existing, ferr := s.findExecution(ctx, exec.RunID, exec.Stage, exec.Iteration)
			if ferr != nil {
				return store.StageExecution{}, false, ferr
			}
			if existing != nil {
				return *existing, false, nil
			}
		}
		return store.StageExecution{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return store.StageExecution{}, false, err
	}

	stored, err := s.findExecution(ctx, exec.RunID, exec.Stage, exec.Iteration)
	if err != nil {
		return store.StageExecution{}, false, err
	}
	if stored == nil {
		return store.StageExecution{}, false, fmt.Errorf("stage execution %s/%s/%d vanished after insert", exec.RunID, exec.Stage, exec.Iteration)
	}
	return *stored, true, nil
}

func (s *Store) findExecution(ctx context.Context, runID, stage string, iteration int) (*store.StageExecution, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM stage_executions WHERE run_id = $1 AND stage = $2 AND iteration = $3`, runID, stage, iteration)
	exec, err := scanExecutionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return exec, nil
}

func (s *Store) ListStageExecutions(ctx context.Context, runID string) ([]store.StageExecution, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+executionColumns+` FROM stage_executions WHERE run_id = $1 ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.StageExecution
	for rows.Next() {
		exec, err := scanExecutionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *exec)
	}
	return out, rows.Err()
}

func (s *Store) LatestStageExecution(ctx context.Context, runID, stage string) (*store.StageExecution, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM stage_executions WHERE run_id = $1 AND stage = $2 ORDER BY iteration DESC LIMIT 1`, runID, stage)
	exec, err := scanExecutionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return exec, nil
}

func (s *Store) CountStageIterations(ctx context.Context, runID, stage string) (int, error) {
	var n int
	if err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM stage_executions WHERE run_id = $1 AND stage = $2`, runID, stage).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) AppendLoopTransition(ctx context.Context, tr store.LoopTransition) (store.LoopTransition, error) {
	if tr.RunID == "" || tr.ReasonCode == "" {
		return store.LoopTransition{}, errors.New("run id and reason code required")
	}
	now := time.Now().UTC().Unix()

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return store.LoopTransition{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	seq, err := nextSeqTx(ctx, tx, tr.RunID, now)
	if err != nil {
		return store.LoopTransition{}, err
	}
	var id int64
	err = tx.QueryRow(ctx, `INSERT INTO loop_transitions(run_id, seq, from_stage, to_stage, reason_code, detail, created_at) VALUES($1, $2, $3, $4, $5, $6, $7) RETURNING transition_id`,
		tr.RunID, seq, tr.FromStage, tr.ToStage, tr.ReasonCode, tr.Detail, now).Scan(&id)
	if err != nil {
		return store.LoopTransition{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return store.LoopTransition{}, err
	}

	tr.TransitionID = id
	tr.Seq = seq
	tr.CreatedAt = time.Unix(now, 0).UTC()
	return tr, nil
}

func (s *Store) ListLoopTransitions(ctx context.Context, runID string) ([]store.LoopTransition, error) {
	rows, err := s.Pool.Query(ctx, `SELECT transition_id, run_id, seq, from_stage, to_stage, reason_code, detail, created_at FROM loop_transitions WHERE run_id = $1 ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.LoopTransition
	for rows.Next() {
		var (
			tr        store.LoopTransition
			createdAt int64
		)
		if err := rows.Scan(&tr.TransitionID, &tr.RunID, &tr.Seq, &tr.FromStage, &tr.ToStage, &tr.ReasonCode, &tr.Detail, &createdAt); err != nil {
			return nil, err
		}
		tr.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *Store) AppendApproval(ctx context.Context, ap store.Approval) (store.Approval, error) {
	if ap.RunID == "" || ap.Stage == "" || ap.Decision == "" || ap.Approver == "" {
		return store.Approval{}, errors.New("run id, stage, decision, and approver required")
	}
	now := time.Now().UTC().Unix()
	var expires *int64
	if ap.ExpiresAt != nil {
		v := ap.ExpiresAt.UTC().Unix()
		expires = &v
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return store.Approval{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	seq, err := nextSeqTx(ctx, tx, ap.RunID, now)
	if err != nil {
		return store.Approval{}, err
	}
	var id int64
	err = tx.QueryRow(ctx, `INSERT INTO approvals(run_id, seq, stage, decision, approver, comment, override, expires_at, created_at) VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING approval_id`,
		ap.RunID, seq, ap.Stage, ap.Decision, ap.Approver, ap.Comment, boolToInt(ap.Override), expires, now).Scan(&id)
	if err != nil {
		return store.Approval{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return store.Approval{}, err
	}

	ap.ApprovalID = id
	ap.Seq = seq
	ap.CreatedAt = time.Unix(now, 0).UTC()
	return ap, nil
}

func (s *Store) ListApprovals(ctx context.Context, runID string) ([]store.Approval, error) {
	rows, err := s.Pool.Query(ctx, `SELECT approval_id, run_id, seq, stage, decision, approver, comment, override, expires_at, created_at FROM approvals WHERE run_id = $1 ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Approval
	for rows.Next() {
		var (
			ap        store.Approval
			override  int
			expiresAt *int64
			createdAt int64
		)
		if err := rows.Scan(&ap.ApprovalID, &ap.RunID, &ap.Seq, &ap.Stage, &ap.Decision, &ap.Approver, &ap.Comment, &override, &expiresAt, &createdAt); err != nil {
			return nil, err
		}
		ap.Override = override != 0
		if expiresAt != nil {
			t := time.Unix(*expiresAt, 0).UTC()
			ap.ExpiresAt = &t
		}
		ap.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, ap)
	}
	return out, rows.Err()
}

func (s *Store) GetRunSummary(ctx context.Context, runID string) (*store.RunSummary, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	executions, err := s.ListStageExecutions(ctx, runID)
	if err != nil {
		return nil, err
	}
	transitions, err := s.ListLoopTransitions(ctx, runID)
	if err != nil {
		return nil, err
	}
	approvals, err := s.ListApprovals(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &store.RunSummary{
		Run:         *run,
		Executions:  executions,
		Transitions: transitions,
		Approvals:   approvals,
		Timeline:    store.BuildTimeline(executions, transitions, approvals),
	}, nil
}

func (s *Store) InsertContractVersion(ctx context.Context, payload string) (int, error) {
	if strings.TrimSpace(payload) == "" {
		return 0, errors.New("contract payload required")
	}
	var version int
	err := s.Pool.QueryRow(ctx, `INSERT INTO contract_versions(payload, created_at) VALUES($1, $2) RETURNING version`, payload, time.Now().UTC().Unix()).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (s *Store) GetContractVersion(ctx context.Context, version int) (string, error) {
	var payload string
	err := s.Pool.QueryRow(ctx, `SELECT payload FROM contract_versions WHERE version = $1`, version).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: version %d", store.ErrNoContractVersion, version)
		}
		return "", err
	}
	return payload, nil
}

func (s *Store) LatestContractVersion(ctx context.Context) (int, string, error) {
	var (
		version int
		payload string
	)
	err := s.Pool.QueryRow(ctx, `SELECT version, payload FROM contract_versions ORDER BY version DESC LIMIT 1`).Scan(&version, &payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, "", store.ErrNoContractVersion
		}
		return 0, "", err
	}
	return version, payload, nil
}

// nextSeqTx reserves the next per-run sequence number inside tx. The UPDATE
// takes a row lock, serializing concurrent appenders for the same run.
func nextSeqTx(ctx context.Context, tx pgx.Tx, runID string, now int64) (int64, error) {
	var seq int64
	err := tx.QueryRow(ctx, `UPDATE runs SET last_seq = last_seq + 1, updated_at = $1 WHERE run_id = $2 RETURNING last_seq`, now, runID).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", store.ErrRunNotFound, runID)
		}
		return 0, err
	}
	return seq, nil
}

func scanRunRow(row interface{ Scan(dest ...any) error }) (*store.Run, error) {
	var (
		r          store.Run
		reasonCode *string
		detail     *string
		createdAt  int64
		updatedAt  int64
		startedAt  *int64
		endedAt    *int64
	)
	if err := row.Scan(&r.RunID, &r.Status, &r.CurrentStage, &r.Policy, &r.ContractVersion, &r.LoopCap, &reasonCode, &detail, &r.Version, &r.LastSeq, &createdAt, &updatedAt, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	r.ReasonCode = reasonCode
	r.Detail = detail
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if startedAt != nil {
		t := time.Unix(*startedAt, 0).UTC()
		r.StartedAt = &t
	}
	if endedAt != nil {
		t := time.Unix(*endedAt, 0).UTC()
		r.EndedAt = &t
	}
	return &r, nil
}

func scanExecutionRow(row interface{ Scan(dest ...any) error }) (*store.StageExecution, error) {
	var (
		e         store.StageExecution
		outputs   string
		startedAt int64
		endedAt   int64
	)
	if err := row.Scan(&e.ExecutionID, &e.RunID, &e.Seq, &e.Stage, &e.Iteration, &e.Status, &e.ReasonCode, &e.RootCause, &e.Summary, &e.Profile, &e.ContractVersion, &outputs, &e.EvidencePath, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	decoded, err := store.DecodeOutputs(outputs)
	if err != nil {
		return nil, err
	}
	e.Outputs = decoded
	e.StartedAt = time.Unix(startedAt, 0).UTC()
	e.EndedAt = time.Unix(endedAt, 0).UTC()
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
