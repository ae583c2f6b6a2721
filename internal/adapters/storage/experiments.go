package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/expgov/internal/domain"
	"github.com/alejandrodnm/expgov/internal/ports"
)

const experimentColumns = `id, project_id, name, type, hypothesis, variants_json, rules_json,
       status, started_at, ended_at, created_at`

// CreateExperiment inserta la definición. Si ya existe solo se reemplaza
// mientras siga PLANNED; en otro estado devuelve ports.ErrConflict.
func (s *SQLiteStorage) CreateExperiment(ctx context.Context, e domain.Experiment) error {
	const op = "storage.CreateExperiment"
	variants, err := marshalJSON(op, "variants", e.Variants)
	if err != nil {
		return err
	}
	rules, err := marshalJSON(op, "rules", e.Rules)
	if err != nil {
		return err
	}
	if e.Status == "" {
		e.Status = domain.StatusPlanned
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO experiments
			(id, project_id, name, type, hypothesis, variants_json, rules_json,
			 status, started_at, ended_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id    = excluded.project_id,
			name          = excluded.name,
			type          = excluded.type,
			hypothesis    = excluded.hypothesis,
			variants_json = excluded.variants_json,
			rules_json    = excluded.rules_json
		WHERE experiments.status = 'PLANNED'
	`,
		e.ID, e.ProjectID, e.Name, e.Type, e.Hypothesis, variants, rules,
		string(e.Status), nullTS(e.StartedAt), nullTS(e.EndedAt), formatTS(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("%s: upsert %s: %w", op, e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %s is no longer PLANNED: %w", op, e.ID, ports.ErrConflict)
	}
	return nil
}

// GetExperiment devuelve el experimento o ports.ErrNotFound.
func (s *SQLiteStorage) GetExperiment(ctx context.Context, id string) (domain.Experiment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id = ?`, id)
	e, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Experiment{}, fmt.Errorf("storage.GetExperiment: %s: %w", id, ports.ErrNotFound)
	}
	if err != nil {
		return domain.Experiment{}, fmt.Errorf("storage.GetExperiment: %s: %w", id, err)
	}
	return e, nil
}

// ListExperimentsByStatus devuelve los experimentos en el estado dado, los más antiguos primero.
func (s *SQLiteStorage) ListExperimentsByStatus(ctx context.Context, status domain.ExperimentStatus) ([]domain.Experiment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE status = ? ORDER BY created_at, id`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("storage.ListExperimentsByStatus: query: %w", err)
	}
	defer rows.Close()

	var out []domain.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListExperimentsByStatus: scan row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StartExperiment pasa PLANNED → RUNNING.
func (s *SQLiteStorage) StartExperiment(ctx context.Context, id string, startedAt time.Time) error {
	return s.transition(ctx, "storage.StartExperiment", id,
		`UPDATE experiments SET status = 'RUNNING', started_at = ? WHERE id = ? AND status = 'PLANNED'`,
		formatTS(startedAt), id)
}

// StopExperiment pasa un experimento no terminal a STOPPED.
func (s *SQLiteStorage) StopExperiment(ctx context.Context, id string, endedAt time.Time) error {
	return s.transition(ctx, "storage.StopExperiment", id,
		`UPDATE experiments SET status = 'STOPPED', ended_at = ? WHERE id = ? AND status IN ('PLANNED', 'RUNNING')`,
		formatTS(endedAt), id)
}

// CompleteExperiment pasa RUNNING → COMPLETED con endedAt.
func (s *SQLiteStorage) CompleteExperiment(ctx context.Context, id string, endedAt time.Time) error {
	return s.transition(ctx, "storage.CompleteExperiment", id,
		`UPDATE experiments SET status = 'COMPLETED', ended_at = ? WHERE id = ? AND status = 'RUNNING'`,
		formatTS(endedAt), id)
}

// transition ejecuta un UPDATE de estado y distingue "no existe" de "estado no permitido".
func (s *SQLiteStorage) transition(ctx context.Context, op, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: update %s: %w", op, id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM experiments WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %s: %w", op, id, ports.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s: lookup %s: %w", op, id, err)
	}
	return fmt.Errorf("%s: %s: %w", op, id, ports.ErrConflict)
}

// rowScanner cubre *sql.Row y *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperiment(r rowScanner) (domain.Experiment, error) {
	var e domain.Experiment
	var variants, rules, status, createdAt string
	var startedAt, ended sql.NullString
	if err := r.Scan(&e.ID, &e.ProjectID, &e.Name, &e.Type, &e.Hypothesis,
		&variants, &rules, &status, &startedAt, &ended, &createdAt); err != nil {
		return domain.Experiment{}, err
	}
	if err := json.Unmarshal([]byte(variants), &e.Variants); err != nil {
		return domain.Experiment{}, fmt.Errorf("decode variants of %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(rules), &e.Rules); err != nil {
		return domain.Experiment{}, fmt.Errorf("decode rules of %s: %w", e.ID, err)
	}
	e.Status = domain.ExperimentStatus(status)
	e.StartedAt = scanNullTS(startedAt)
	e.EndedAt = scanNullTS(ended)
	e.CreatedAt = parseTS(createdAt)
	return e, nil
}
