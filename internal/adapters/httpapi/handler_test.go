package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alejandrodnm/expgov/internal/adapters/httpapi"
	"github.com/alejandrodnm/expgov/internal/adapters/storage"
	"github.com/alejandrodnm/expgov/internal/adapters/telemetry"
	"github.com/alejandrodnm/expgov/internal/application/engine"
	"github.com/alejandrodnm/expgov/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)

func newServer(t *testing.T) (*httptest.Server, *storage.SQLiteStorage) {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	metrics := telemetry.NewPrometheus()
	eng := engine.New(engine.Config{Now: func() time.Time { return now }}, db, db, db, metrics)
	srv := httptest.NewServer(httpapi.NewRouter(httpapi.Config{}, httpapi.Deps{
		Engine:      eng,
		Experiments: db,
		Audits:      db,
		Metrics:     metrics.Handler(),
		Ping:        db.Ping,
	}))
	t.Cleanup(srv.Close)
	return srv, db
}

func seedRunning(t *testing.T, db *storage.SQLiteStorage, id string, variants int) {
	t.Helper()
	exp := domain.Experiment{
		ID:        id,
		ProjectID: "proj-1",
		Name:      "Headline " + id,
		Rules:     domain.DecisionRules{PrimaryMetric: domain.MetricCTR, MaxDays: 14},
		CreatedAt: now,
	}
	for i := 0; i < variants; i++ {
		exp.Variants = append(exp.Variants, domain.Variant{
			VariantID:         string(rune('A' + i)),
			AllocationPercent: 50,
			Observed:          &domain.Sample{Impressions: 1000, Clicks: 1000, Conversions: int64(60 * (2 - i))},
		})
	}
	require.NoError(t, db.CreateExperiment(context.Background(), exp))
	require.NoError(t, db.StartExperiment(context.Background(), id, now.Add(-72*time.Hour)))
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHealthz(t *testing.T) {
	srv, _ := newServer(t)
	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestTick_AndExport(t *testing.T) {
	srv, db := newServer(t)
	seedRunning(t, db, "exp-1", 2)

	resp, body := do(t, http.MethodPost, srv.URL+"/experiments/exp-1/tick", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "WAIT", body["decision"].(map[string]any)["action"])
	assert.Equal(t, false, body["completed"])
	assert.Len(t, body["promptHash"], 64)

	resp, body = do(t, http.MethodGet, srv.URL+"/experiments/exp-1/export", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "exp-1", body["experiment"].(map[string]any)["id"])
	assert.Len(t, body["runs"], 1)
	assert.Len(t, body["snapshots"], 1)
	assert.Len(t, body["decisions"], 1)

	// Otro experimento del mismo proyecto no aparece en el export.
	seedRunning(t, db, "exp-2", 2)
	_, _ = do(t, http.MethodPost, srv.URL+"/experiments/exp-2/tick", "")
	_, body = do(t, http.MethodGet, srv.URL+"/experiments/exp-1/export", "")
	assert.Len(t, body["decisions"], 1)

	_, body = do(t, http.MethodGet, srv.URL+"/projects/proj-1/decisions?limit=1", "")
	assert.Len(t, body["decisions"], 1)
	_, body = do(t, http.MethodGet, srv.URL+"/projects/proj-1/decisions", "")
	assert.Len(t, body["decisions"], 2)
}

func TestEvaluate_RecordsActor(t *testing.T) {
	srv, db := newServer(t)
	seedRunning(t, db, "exp-1", 2)

	resp, body := do(t, http.MethodPost, srv.URL+"/experiments/exp-1/evaluate", `{"userId":"user-7"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a", body["winner"])
	assert.Equal(t, "A", body["winnerVariantId"])
	assert.Equal(t, true, body["completed"])

	logs, err := db.ListDecisionLogs(context.Background(), "proj-1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "user-7", logs[0].CreatedByUserID)

	resp, body = do(t, http.MethodGet, srv.URL+"/experiments/exp-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "COMPLETED", body["status"])
}

func TestErrors_MapToStatus(t *testing.T) {
	srv, db := newServer(t)
	seedRunning(t, db, "three", 3)

	resp, body := do(t, http.MethodPost, srv.URL+"/experiments/missing/tick", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])

	resp, body = do(t, http.MethodPost, srv.URL+"/experiments/three/evaluate", "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "VALIDATION", body["code"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/experiments/missing/export", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, http.MethodPost, srv.URL+"/experiments/three/evaluate", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BAD_JSON", body["code"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/projects/proj-1/decisions?limit=-3", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// failingEngine devuelve siempre el mismo error.
type failingEngine struct{ err error }

func (f failingEngine) Tick(context.Context, string) (domain.TickResult, error) {
	return domain.TickResult{}, f.err
}

func (f failingEngine) Evaluate(context.Context, string, string) (domain.EvaluationResult, error) {
	return domain.EvaluationResult{}, f.err
}

func (f failingEngine) Sweep(context.Context) engine.SweepReport {
	return engine.SweepReport{Errors: []string{f.err.Error()}}
}

func (f failingEngine) EvaluateRunning(context.Context) engine.SweepReport {
	return engine.SweepReport{Errors: []string{f.err.Error()}}
}

func TestErrors_PersistenceAndInternal(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{domain.Persistence("engine.Tick", errors.New("disk full")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(httpapi.NewRouter(httpapi.Config{}, httpapi.Deps{Engine: failingEngine{tc.err}}))
		resp, _ := do(t, http.MethodPost, srv.URL+"/experiments/exp-1/tick", "")
		assert.Equal(t, tc.status, resp.StatusCode)

		resp, body := do(t, http.MethodPost, srv.URL+"/experiments/tick", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, body["errors"], 1)
		srv.Close()
	}
}

func TestSweepAndMetrics(t *testing.T) {
	srv, db := newServer(t)
	seedRunning(t, db, "exp-1", 2)
	seedRunning(t, db, "exp-2", 2)

	resp, body := do(t, http.MethodPost, srv.URL+"/experiments/tick", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["processed"])
	assert.Len(t, body["ticks"], 2)

	resp, body = do(t, http.MethodPost, srv.URL+"/experiments/evaluate", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["evaluations"], 2)

	mresp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
}
