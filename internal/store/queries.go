package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

func (s *sqliteStore) CreateRun(ctx context.Context, params CreateRunParams) (Run, error) {
	for _, key := range params.RequiredScope {
		if strings.TrimSpace(params.Scope[key]) == "" {
			return Run{}, fmt.Errorf("%w: missing required scope key %q", ErrInvalidScope, key)
		}
	}
	if params.Policy == "" {
		return Run{}, errors.New("policy required")
	}
	loopCap := params.LoopCap
	if loopCap <= 0 {
		loopCap = 2
	}
	id := uuid.NewString()
	now := time.Now().UTC().Unix()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO runs(run_id, status, current_stage, policy, loop_cap, version, last_seq, created_at, updated_at) VALUES(?, 'queued', '', ?, ?, 1, 0, ?, ?)`,
		id, params.Policy, loopCap, now, now); err != nil {
		return Run{}, err
	}
	for k, v := range params.Scope {
		if _, err := tx.ExecContext(ctx, `INSERT INTO run_scope(run_id, key, value) VALUES(?, ?, ?)`, id, k, v); err != nil {
			return Run{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Run{}, err
	}

	run, err := s.GetRun(ctx, id)
	if err != nil {
		return Run{}, err
	}
	return *run, nil
}

func (s *sqliteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	run, err := scanRunRow(s.stmtGetRun.QueryRowContext(ctx, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
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

func (s *sqliteStore) loadScope(ctx context.Context, runID string) (map[string]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key, value FROM run_scope WHERE run_id = ? ORDER BY key ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *sqliteStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	q := `SELECT run_id, status, current_stage, policy, contract_version, loop_cap, reason_code, detail, version, last_seq, created_at, updated_at, started_at, ended_at FROM runs`
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Policy != "" {
		where = append(where, "policy = ?")
		args = append(args, filter.Policy)
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		run, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListRunnable(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 32
	}
	rows, err := s.stmtListRunnable.QueryContext(ctx, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		run, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// UpdateRunState applies a full-state update guarded by the optimistic version
// check. The losing writer gets ErrStaleRunVersion and must re-read.
func (s *sqliteStore) UpdateRunState(ctx context.Context, upd RunStateUpdate) (*Run, error) {
	now := time.Now().UTC().Unix()
	set := []string{"status = ?", "current_stage = ?", "reason_code = ?", "detail = ?", "version = version + 1", "updated_at = ?"}
	args := []any{upd.Status, upd.CurrentStage, upd.ReasonCode, upd.Detail, now}
	if upd.ContractVersion > 0 {
		set = append(set, "contract_version = ?")
		args = append(args, upd.ContractVersion)
	}
	if upd.MarkStarted {
		set = append(set, "started_at = COALESCE(started_at, ?)")
		args = append(args, now)
	}
	if upd.MarkEnded {
		set = append(set, "ended_at = COALESCE(ended_at, ?)")
		args = append(args, now)
	}
	args = append(args, upd.RunID, upd.ExpectedVersion)

	res, err := s.DB.ExecContext(ctx, `UPDATE runs SET `+strings.Join(set, ", ")+` WHERE run_id = ? AND version = ?`, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		current, err := s.GetRun(ctx, upd.RunID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: run %s at version %d, caller held %d", ErrStaleRunVersion, upd.RunID, current.Version, upd.ExpectedVersion)
	}
	return s.GetRun(ctx, upd.RunID)
}

// CancelRun moves a non-terminal run to failed with reason Cancelled and
// appends the terminal transition record in the same transaction. It bumps
// the run version so any in-flight writer loses its optimistic check.
func (s *sqliteStore) CancelRun(ctx context.Context, runID, detail string) (*Run, error) {
	now := time.Now().UTC().Unix()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status       string
		currentStage string
	)
	err = tx.QueryRowContext(ctx, `SELECT status, current_stage FROM runs WHERE run_id = ?`, runID).Scan(&status, &currentStage)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}
	if status == "completed" || status == "failed" {
		return nil, fmt.Errorf("%w: %s is %s", ErrRunTerminal, runID, status)
	}

	seq, err := nextSeqTx(ctx, tx, runID, now)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO loop_transitions(run_id, seq, from_stage, to_stage, reason_code, detail, created_at) VALUES(?, ?, ?, '', 'Cancelled', ?, ?)`,
		runID, seq, currentStage, detail, now); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET status='failed', reason_code='Cancelled', detail=?, version=version+1, updated_at=?, ended_at=COALESCE(ended_at, ?) WHERE run_id=?`,
		detail, now, now, runID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetRun(ctx, runID)
}

func (s *sqliteStore) CountRunsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

// AppendStageExecution stores one stage attempt. Re-appending an iteration
// that already exists returns the stored record with inserted=false; the
// UNIQUE(run_id, stage, iteration) constraint is the backstop for races.
func (s *sqliteStore) AppendStageExecution(ctx context.Context, exec StageExecution) (StageExecution, bool, error) {
	if exec.RunID == "" || exec.Stage == "" || exec.Iteration < 1 {
		return StageExecution{}, false, errors.New("run id, stage, and iteration >= 1 required")
	}
	if existing, err := s.findExecution(ctx, exec.RunID, exec.Stage, exec.Iteration); err != nil {
		return StageExecution{}, false, err
	} else if existing != nil {
		return *existing, false, nil
	}

	outputs, err := EncodeOutputs(exec.Outputs)
	if err != nil {
		return StageExecution{}, false, err
	}
	now := time.Now().UTC().Unix()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return StageExecution{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	seq, err := nextSeqTx(ctx, tx, exec.RunID, now)
	if err != nil {
		return StageExecution{}, false, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO stage_executions(run_id, seq, stage, iteration, status, reason_code, root_cause, summary, profile, contract_version, outputs, evidence_path, started_at, ended_at) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.RunID, seq, exec.Stage, exec.Iteration, exec.Status, exec.ReasonCode, exec.RootCause, exec.Summary, exec.Profile, exec.ContractVersion, outputs, exec.EvidencePath, exec.StartedAt.UTC().Unix(), exec.EndedAt.UTC().Unix())
	if err != nil {
		if isUniqueViolation(err) {
			_ = tx.Rollback()
			existing, ferr := s.findExecution(ctx, exec.RunID, exec.Stage, exec.Iteration)
			if ferr != nil {
				return StageExecution{}, false, ferr
			}
			if existing != nil {
				return *existing, false, nil
			}
		}
		return StageExecution{}, false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return StageExecution{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return StageExecution{}, false, err
	}

	stored, err := s.findExecution(ctx, exec.RunID, exec.Stage, exec.Iteration)
	if err != nil {
		return StageExecution{}, false, err
	}
	if stored == nil {
		return StageExecution{}, false, fmt.Errorf("stage execution %d vanished after insert", id)
	}
	return *stored, true, nil
}

func (s *sqliteStore) findExecution(ctx context.Context, runID, stage string, iteration int) (*StageExecution, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT execution_id, run_id, seq, stage, iteration, status, reason_code, root_cause, summary, profile, contract_version, outputs, evidence_path, started_at, ended_at FROM stage_executions WHERE run_id = ? AND stage = ? AND iteration = ?`,
		runID, stage, iteration)
	exec, err := scanExecutionRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return exec, nil
}

func (s *sqliteStore) ListStageExecutions(ctx context.Context, runID string) ([]StageExecution, error) {
	rows, err := s.stmtListExecutions.QueryContext(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []StageExecution
	for rows.Next() {
		exec, err := scanExecutionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *exec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LatestStageExecution(ctx context.Context, runID, stage string) (*StageExecution, error) {
	exec, err := scanExecutionRow(s.stmtLatestExecution.QueryRowContext(ctx, runID, stage))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return exec, nil
}

func (s *sqliteStore) CountStageIterations(ctx context.Context, runID, stage string) (int, error) {
	var n int
	if err := s.stmtCountIterations.QueryRowContext(ctx, runID, stage).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqliteStore) AppendLoopTransition(ctx context.Context, tr LoopTransition) (LoopTransition, error) {
	if tr.RunID == "" || tr.ReasonCode == "" {
		return LoopTransition{}, errors.New("run id and reason code required")
	}
	now := time.Now().UTC().Unix()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return LoopTransition{}, err
	}
	defer func() { _ = tx.Rollback() }()

	seq, err := nextSeqTx(ctx, tx, tr.RunID, now)
	if err != nil {
		return LoopTransition{}, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO loop_transitions(run_id, seq, from_stage, to_stage, reason_code, detail, created_at) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		tr.RunID, seq, tr.FromStage, tr.ToStage, tr.ReasonCode, tr.Detail, now)
	if err != nil {
		return LoopTransition{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return LoopTransition{}, err
	}
	if err := tx.Commit(); err != nil {
		return LoopTransition{}, err
	}

	tr.TransitionID = id
	tr.Seq = seq
	tr.CreatedAt = time.Unix(now, 0).UTC()
	return tr, nil
}

func (s *sqliteStore) ListLoopTransitions(ctx context.Context, runID string) ([]LoopTransition, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT transition_id, run_id, seq, from_stage, to_stage, reason_code, detail, created_at FROM loop_transitions WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []LoopTransition
	for rows.Next() {
		var (
			tr        LoopTransition
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

func (s *sqliteStore) AppendApproval(ctx context.Context, ap Approval) (Approval, error) {
	if ap.RunID == "" || ap.Stage == "" || ap.Decision == "" || ap.Approver == "" {
		return Approval{}, errors.New("run id, stage, decision, and approver required")
	}
	now := time.Now().UTC().Unix()
	var expires any
	if ap.ExpiresAt != nil {
		expires = ap.ExpiresAt.UTC().Unix()
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Approval{}, err
	}
	defer func() { _ = tx.Rollback() }()

	seq, err := nextSeqTx(ctx, tx, ap.RunID, now)
	if err != nil {
		return Approval{}, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO approvals(run_id, seq, stage, decision, approver, comment, override, expires_at, created_at) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ap.RunID, seq, ap.Stage, ap.Decision, ap.Approver, ap.Comment, boolToInt(ap.Override), expires, now)
	if err != nil {
		return Approval{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Approval{}, err
	}
	if err := tx.Commit(); err != nil {
		return Approval{}, err
	}

	ap.ApprovalID = id
	ap.Seq = seq
	ap.CreatedAt = time.Unix(now, 0).UTC()
	return ap, nil
}

func (s *sqliteStore) ListApprovals(ctx context.Context, runID string) ([]Approval, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT approval_id, run_id, seq, stage, decision, approver, comment, override, expires_at, created_at FROM approvals WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Approval
	for rows.Next() {
		var (
			ap        Approval
			override  int
			expiresAt sql.NullInt64
			createdAt int64
		)
		if err := rows.Scan(&ap.ApprovalID, &ap.RunID, &ap.Seq, &ap.Stage, &ap.Decision, &ap.Approver, &ap.Comment, &override, &expiresAt, &createdAt); err != nil {
			return nil, err
		}
		ap.Override = override != 0
		if expiresAt.Valid {
			t := time.Unix(expiresAt.Int64, 0).UTC()
			ap.ExpiresAt = &t
		}
		ap.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, ap)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetRunSummary(ctx context.Context, runID string) (*RunSummary, error) {
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
	return &RunSummary{
		Run:         *run,
		Executions:  executions,
		Transitions: transitions,
		Approvals:   approvals,
		Timeline:    BuildTimeline(executions, transitions, approvals),
	}, nil
}

func (s *sqliteStore) InsertContractVersion(ctx context.Context, payload string) (int, error) {
	if strings.TrimSpace(payload) == "" {
		return 0, errors.New("contract payload required")
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO contract_versions(payload, created_at) VALUES(?, ?)`, payload, time.Now().UTC().Unix())
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return int(id), nil
}

func (s *sqliteStore) GetContractVersion(ctx context.Context, version int) (string, error) {
	var payload string
	err := s.DB.QueryRowContext(ctx, `SELECT payload FROM contract_versions WHERE version = ?`, version).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: version %d", ErrNoContractVersion, version)
		}
		return "", err
	}
	return payload, nil
}

func (s *sqliteStore) LatestContractVersion(ctx context.Context) (int, string, error) {
	var (
		version int
		payload string
	)
	err := s.DB.QueryRowContext(ctx, `SELECT version, payload FROM contract_versions ORDER BY version DESC LIMIT 1`).Scan(&version, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, "", ErrNoContractVersion
		}
		return 0, "", err
	}
	return version, payload, nil
}

// nextSeqTx reserves the next per-run sequence number inside tx. The UPDATE
// also serializes concurrent appenders for the same run.
func nextSeqTx(ctx context.Context, tx *sql.Tx, runID string, now int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET last_seq = last_seq + 1, updated_at = ? WHERE run_id = ?`, now, runID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT last_seq FROM runs WHERE run_id = ?`, runID).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// BuildTimeline merges the three record streams into one timeline ordered by
// the per-run append sequence. Both store implementations share it.
func BuildTimeline(executions []StageExecution, transitions []LoopTransition, approvals []Approval) []TimelineItem {
	items := make([]TimelineItem, 0, len(executions)+len(transitions)+len(approvals))
	for i := range executions {
		e := executions[i]
		items = append(items, TimelineItem{Seq: e.Seq, Kind: "execution", At: e.EndedAt, Execution: &e})
	}
	for i := range transitions {
		tr := transitions[i]
		items = append(items, TimelineItem{Seq: tr.Seq, Kind: "transition", At: tr.CreatedAt, Transition: &tr})
	}
	for i := range approvals {
		ap := approvals[i]
		items = append(items, TimelineItem{Seq: ap.Seq, Kind: "approval", At: ap.CreatedAt, Approval: &ap})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items
}

func scanRunRow(row interface{ Scan(dest ...any) error }) (*Run, error) {
	var (
		r          Run
		reasonCode sql.NullString
		detail     sql.NullString
		createdAt  int64
		updatedAt  int64
		startedAt  sql.NullInt64
		endedAt    sql.NullInt64
	)
	if err := row.Scan(&r.RunID, &r.Status, &r.CurrentStage, &r.Policy, &r.ContractVersion, &r.LoopCap, &reasonCode, &detail, &r.Version, &r.LastSeq, &createdAt, &updatedAt, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	if reasonCode.Valid {
		r.ReasonCode = &reasonCode.String
	}
	if detail.Valid {
		r.Detail = &detail.String
	}
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0).UTC()
		r.StartedAt = &t
	}
	if endedAt.Valid {
		t := time.Unix(endedAt.Int64, 0).UTC()
		r.EndedAt = &t
	}
	return &r, nil
}

func scanExecutionRow(row interface{ Scan(dest ...any) error }) (*StageExecution, error) {
	var (
		e            StageExecution
		reasonCode   sql.NullString
		rootCause    sql.NullString
		outputs      string
		evidencePath sql.NullString
		startedAt    int64
		endedAt      int64
	)
	if err := row.Scan(&e.ExecutionID, &e.RunID, &e.Seq, &e.Stage, &e.Iteration, &e.Status, &reasonCode, &rootCause, &e.Summary, &e.Profile, &e.ContractVersion, &outputs, &evidencePath, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	if reasonCode.Valid {
		e.ReasonCode = &reasonCode.String
	}
	if rootCause.Valid {
		e.RootCause = &rootCause.String
	}
	decoded, err := DecodeOutputs(outputs)
	if err != nil {
		return nil, err
	}
	e.Outputs = decoded
	if evidencePath.Valid {
		e.EvidencePath = &evidencePath.String
	}
	e.StartedAt = time.Unix(startedAt, 0).UTC()
	e.EndedAt = time.Unix(endedAt, 0).UTC()
	return &e, nil
}

// EncodeOutputs and DecodeOutputs are the JSON codec for the outputs column,
// shared by both store implementations.
func EncodeOutputs(outputs map[string]string) (string, error) {
	if len(outputs) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(outputs)
	if err != nil {
		return "", fmt.Errorf("encode outputs: %w", err)
	}
	return string(b), nil
}

func DecodeOutputs(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode outputs: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
