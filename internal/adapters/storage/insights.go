package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alejandrodnm/expgov/internal/domain"
)

// UpsertDailyMetrics guarda filas diarias, una por (proyecto, fecha, nivel, entidad).
// Una fila re-sincronizada reemplaza a la anterior. Devuelve las filas escritas.
func (s *SQLiteStorage) UpsertDailyMetrics(ctx context.Context, rows []domain.MetricRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage.UpsertDailyMetrics: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO insight_daily
			(project_id, date, level, entity_id, impressions, clicks, conversions, spend, metrics_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, date, level, entity_id) DO UPDATE SET
			impressions  = excluded.impressions,
			clicks       = excluded.clicks,
			conversions  = excluded.conversions,
			spend        = excluded.spend,
			metrics_json = excluded.metrics_json,
			updated_at   = excluded.updated_at
	`)
	if err != nil {
		return 0, fmt.Errorf("storage.UpsertDailyMetrics: prepare: %w", err)
	}
	defer stmt.Close()

	now := formatTS(s.now())
	for _, r := range rows {
		var raw sql.NullString
		if len(r.Raw) > 0 {
			raw = sql.NullString{String: string(r.Raw), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			r.ProjectID,
			r.Date.UTC().Format(dateLayout),
			string(r.Level),
			r.EntityID,
			r.Metrics.Impressions,
			r.Metrics.Clicks,
			r.Metrics.Conversions,
			r.Metrics.Spend,
			raw,
			now,
		); err != nil {
			return 0, fmt.Errorf("storage.UpsertDailyMetrics: upsert %s/%s: %w", r.EntityID, r.Date.Format(dateLayout), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage.UpsertDailyMetrics: commit: %w", err)
	}
	return len(rows), nil
}

// QueryDailyMetrics devuelve las filas de la entidad con fecha >= since (día UTC).
// Con level == domain.LevelAny no se filtra por nivel.
func (s *SQLiteStorage) QueryDailyMetrics(ctx context.Context, projectID string, level domain.EntityLevel, entityID string, since time.Time) ([]domain.MetricRow, error) {
	query := `
		SELECT project_id, date, level, entity_id, impressions, clicks, conversions, spend, metrics_json
		FROM insight_daily
		WHERE project_id = ? AND entity_id = ? AND date >= ?`
	args := []any{projectID, entityID, since.UTC().Format(dateLayout)}
	if level != domain.LevelAny {
		query += ` AND level = ?`
		args = append(args, string(level))
	}
	query += ` ORDER BY date`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.QueryDailyMetrics: query: %w", err)
	}
	defer rows.Close()

	var out []domain.MetricRow
	for rows.Next() {
		var r domain.MetricRow
		var date, lvl string
		var raw sql.NullString
		if err := rows.Scan(&r.ProjectID, &date, &lvl, &r.EntityID,
			&r.Metrics.Impressions, &r.Metrics.Clicks, &r.Metrics.Conversions, &r.Metrics.Spend, &raw); err != nil {
			return nil, fmt.Errorf("storage.QueryDailyMetrics: scan row: %w", err)
		}
		r.Date, _ = time.Parse(dateLayout, date)
		r.Level = domain.EntityLevel(lvl)
		if raw.Valid {
			r.Raw = json.RawMessage(raw.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
