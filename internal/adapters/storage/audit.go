package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alejandrodnm/expgov/internal/domain"
)

// CreateRun inserta un ExperimentRun. Append-only.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run domain.ExperimentRun) error {
	const op = "storage.CreateRun"
	allocs, err := marshalJSON(op, "allocations", run.Allocations)
	if err != nil {
		return err
	}
	results, err := marshalJSON(op, "results", run.Results)
	if err != nil {
		return err
	}
	decision, err := marshalJSON(op, "decision", run.Decision)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO experiment_runs
			(id, experiment_id, status, allocations_json, results_json, decision_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.ExperimentID, run.Status, allocs, results, decision, formatTS(run.CreatedAt)); err != nil {
		return fmt.Errorf("%s: insert %s: %w", op, run.ID, err)
	}
	return nil
}

// CreateSnapshot inserta un EvidenceSnapshot. Append-only.
func (s *SQLiteStorage) CreateSnapshot(ctx context.Context, snap domain.EvidenceSnapshot) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence_snapshots (id, project_id, experiment_id, source, snapshot_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, snap.ID, snap.ProjectID, nullString(snap.ExperimentID), snap.Source, string(snap.Data), formatTS(snap.CreatedAt)); err != nil {
		return fmt.Errorf("storage.CreateSnapshot: insert %s: %w", snap.ID, err)
	}
	return nil
}

// CreateDecisionLog inserta una entrada del ledger de decisiones. Append-only.
func (s *SQLiteStorage) CreateDecisionLog(ctx context.Context, log domain.DecisionLog) error {
	const op = "storage.CreateDecisionLog"
	refs, err := marshalJSON(op, "evidence refs", log.EvidenceRefs)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO decision_logs
			(id, project_id, decision_type, decision_json, evidence_refs_json,
			 prompt_hash, model, created_by_user, created_by_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		log.ID, log.ProjectID, log.DecisionType, string(log.Decision), refs,
		nullString(log.Fingerprint), nullString(log.Model),
		nullString(log.CreatedByUserID), nullString(log.CreatedByAgent), formatTS(log.CreatedAt),
	); err != nil {
		return fmt.Errorf("%s: insert %s: %w", op, log.ID, err)
	}
	return nil
}

const runColumns = `id, experiment_id, status, allocations_json, results_json, decision_json, created_at`

// LatestRun devuelve el run más reciente del experimento.
func (s *SQLiteStorage) LatestRun(ctx context.Context, experimentID string) (domain.ExperimentRun, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM experiment_runs
		WHERE experiment_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, experimentID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ExperimentRun{}, false, nil
	}
	if err != nil {
		return domain.ExperimentRun{}, false, fmt.Errorf("storage.LatestRun: %s: %w", experimentID, err)
	}
	return run, true, nil
}

// ListRuns devuelve los runs del experimento en orden cronológico.
func (s *SQLiteStorage) ListRuns(ctx context.Context, experimentID string) ([]domain.ExperimentRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM experiment_runs
		WHERE experiment_id = ?
		ORDER BY created_at, rowid
	`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListRuns: query: %w", err)
	}
	defer rows.Close()

	var runs []domain.ExperimentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListRuns: scan row: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListSnapshots devuelve los snapshots del experimento en orden cronológico.
func (s *SQLiteStorage) ListSnapshots(ctx context.Context, experimentID string) ([]domain.EvidenceSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, experiment_id, source, snapshot_json, created_at
		FROM evidence_snapshots
		WHERE experiment_id = ?
		ORDER BY created_at, rowid
	`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListSnapshots: query: %w", err)
	}
	defer rows.Close()

	var snaps []domain.EvidenceSnapshot
	for rows.Next() {
		var snap domain.EvidenceSnapshot
		var expID sql.NullString
		var data, createdAt string
		if err := rows.Scan(&snap.ID, &snap.ProjectID, &expID, &snap.Source, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("storage.ListSnapshots: scan row: %w", err)
		}
		snap.ExperimentID = expID.String
		snap.Data = json.RawMessage(data)
		snap.CreatedAt = parseTS(createdAt)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// ListDecisionLogs devuelve las últimas decisiones del proyecto, más recientes primero.
func (s *SQLiteStorage) ListDecisionLogs(ctx context.Context, projectID string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, decision_type, decision_json, evidence_refs_json,
		       prompt_hash, model, created_by_user, created_by_agent, created_at
		FROM decision_logs
		WHERE project_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.ListDecisionLogs: query: %w", err)
	}
	defer rows.Close()

	var logs []domain.DecisionLog
	for rows.Next() {
		var l domain.DecisionLog
		var decision, refs, createdAt string
		var hash, model, user, agent sql.NullString
		if err := rows.Scan(&l.ID, &l.ProjectID, &l.DecisionType, &decision, &refs,
			&hash, &model, &user, &agent, &createdAt); err != nil {
			return nil, fmt.Errorf("storage.ListDecisionLogs: scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(refs), &l.EvidenceRefs); err != nil {
			return nil, fmt.Errorf("storage.ListDecisionLogs: decode refs of %s: %w", l.ID, err)
		}
		l.Decision = json.RawMessage(decision)
		l.Fingerprint = hash.String
		l.Model = model.String
		l.CreatedByUserID = user.String
		l.CreatedByAgent = agent.String
		l.CreatedAt = parseTS(createdAt)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func scanRun(r rowScanner) (domain.ExperimentRun, error) {
	var run domain.ExperimentRun
	var allocs, results, decision, createdAt string
	if err := r.Scan(&run.ID, &run.ExperimentID, &run.Status, &allocs, &results, &decision, &createdAt); err != nil {
		return domain.ExperimentRun{}, err
	}
	if err := json.Unmarshal([]byte(allocs), &run.Allocations); err != nil {
		return domain.ExperimentRun{}, fmt.Errorf("decode allocations of %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(results), &run.Results); err != nil {
		return domain.ExperimentRun{}, fmt.Errorf("decode results of %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(decision), &run.Decision); err != nil {
		return domain.ExperimentRun{}, fmt.Errorf("decode decision of %s: %w", run.ID, err)
	}
	run.CreatedAt = parseTS(createdAt)
	return run, nil
}
