package storage

// sqlite.go — persistencia del engine de experimentos.
//
// Tablas:
//   - `experiments`: definiciones + estado. Lo único que se actualiza (status/ended_at).
//   - `experiment_runs`, `evidence_snapshots`, `decision_logs`: append-only.
//     Nunca se actualizan ni se borran; un tick reintentado agrega filas nuevas.
//   - `insight_daily`: métricas diarias por entidad, UPSERT por
//     (project_id, date, level, entity_id). Lo escribe el sync, lo lee el tick.
//
// Timestamps como TEXT con layout fijo UTC: el orden lexicográfico es el cronológico.

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS experiments (
    id             TEXT PRIMARY KEY,
    project_id     TEXT NOT NULL,
    name           TEXT NOT NULL,
    type           TEXT NOT NULL DEFAULT '',
    hypothesis     TEXT NOT NULL DEFAULT '',
    variants_json  TEXT NOT NULL,
    rules_json     TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'PLANNED',
    started_at     TEXT,
    ended_at       TEXT,
    created_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS experiment_runs (
    id                TEXT PRIMARY KEY,
    experiment_id     TEXT NOT NULL,
    status            TEXT NOT NULL,
    allocations_json  TEXT NOT NULL,
    results_json      TEXT NOT NULL,
    decision_json     TEXT NOT NULL,
    created_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS evidence_snapshots (
    id             TEXT PRIMARY KEY,
    project_id     TEXT NOT NULL,
    experiment_id  TEXT,
    source         TEXT NOT NULL,
    snapshot_json  TEXT NOT NULL,
    created_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS decision_logs (
    id                 TEXT PRIMARY KEY,
    project_id         TEXT NOT NULL,
    decision_type      TEXT NOT NULL,
    decision_json      TEXT NOT NULL,
    evidence_refs_json TEXT NOT NULL,
    prompt_hash        TEXT,
    model              TEXT,
    created_by_user    TEXT,
    created_by_agent   TEXT,
    created_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS insight_daily (
    project_id    TEXT NOT NULL,
    date          TEXT NOT NULL,
    level         TEXT NOT NULL,
    entity_id     TEXT NOT NULL,
    impressions   INTEGER NOT NULL DEFAULT 0,
    clicks        INTEGER NOT NULL DEFAULT 0,
    conversions   INTEGER NOT NULL DEFAULT 0,
    spend         REAL    NOT NULL DEFAULT 0,
    metrics_json  TEXT,
    updated_at    TEXT NOT NULL,
    PRIMARY KEY (project_id, date, level, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_exp_status      ON experiments(status);
CREATE INDEX IF NOT EXISTS idx_runs_exp        ON experiment_runs(experiment_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_snapshots_exp   ON evidence_snapshots(experiment_id);
CREATE INDEX IF NOT EXISTS idx_decisions_proj  ON decision_logs(project_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_insight_entity  ON insight_daily(project_id, entity_id, date);
`

// migrations agrega columnas que pueden faltar en bases creadas por versiones
// anteriores. Solo se ignora el error de columna duplicada.
var migrations = []string{
	`ALTER TABLE experiments ADD COLUMN hypothesis TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE decision_logs ADD COLUMN created_by_user TEXT`,
}

// tsLayout es de ancho fijo para que ORDER BY created_at sea cronológico.
const tsLayout = "2006-01-02T15:04:05.000000Z"

const dateLayout = "2006-01-02"

// SQLiteStorage implementa los ports de experimentos, auditoría y métricas
// usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada y aplica el schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			db.Close()
			return nil, fmt.Errorf("storage.NewSQLiteStorage: migrate: %w", err)
		}
	}

	return &SQLiteStorage{db: db, now: time.Now}, nil
}

// Ping verifica que la conexión siga viva (usado por /healthz).
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- helpers internos ---

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(v string) time.Time {
	t, err := time.Parse(tsLayout, v)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, v)
	}
	return t
}

func nullTS(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTS(*t), Valid: true}
}

func scanNullTS(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTS(v.String)
	return &t
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func marshalJSON(op, field string, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%s: marshal %s: %w", op, field, err)
	}
	return string(b), nil
}
