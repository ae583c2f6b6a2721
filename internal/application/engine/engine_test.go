package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/expgov/internal/adapters/storage"
	"github.com/alejandrodnm/expgov/internal/application/engine"
	"github.com/alejandrodnm/expgov/internal/domain"
	"github.com/alejandrodnm/expgov/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)

// flakyMetrics falla las lecturas de una entidad concreta.
type flakyMetrics struct {
	ports.MetricsStore
	failEntity string
}

func (f flakyMetrics) QueryDailyMetrics(ctx context.Context, projectID string, level domain.EntityLevel, entityID string, since time.Time) ([]domain.MetricRow, error) {
	if entityID == f.failEntity {
		return nil, errors.New("upstream timeout")
	}
	return f.MetricsStore.QueryDailyMetrics(ctx, projectID, level, entityID, since)
}

var errLedger = errors.New("ledger unavailable")

// flakyAudit falla la escritura del decision log mientras failLogs esté activo.
type flakyAudit struct {
	ports.AuditStore
	failLogs bool
}

func (f *flakyAudit) CreateDecisionLog(ctx context.Context, l domain.DecisionLog) error {
	if f.failLogs {
		return errLedger
	}
	return f.AuditStore.CreateDecisionLog(ctx, l)
}

// recordingMetrics guarda las observaciones de telemetría.
type recordingMetrics struct {
	mu         sync.Mutex
	actions    []string
	failures   []string
	dataErrors int
	winners    []bool
}

func (r *recordingMetrics) TickCompleted(action string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
}

func (r *recordingMetrics) TickFailed(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, kind)
}

func (r *recordingMetrics) VariantDataError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dataErrors++
}

func (r *recordingMetrics) EvaluationCompleted(winner bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.winners = append(r.winners, winner)
}

func (r *recordingMetrics) InsightRowsSynced(int) {}

type fixture struct {
	db        *storage.SQLiteStorage
	audits    *flakyAudit
	telemetry *recordingMetrics
	engine    *engine.Engine
}

func newFixture(t *testing.T, failEntity string) *fixture {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		db:        db,
		audits:    &flakyAudit{AuditStore: db},
		telemetry: &recordingMetrics{},
	}
	f.engine = engine.New(
		engine.Config{Now: func() time.Time { return now }},
		db,
		flakyMetrics{MetricsStore: db, failEntity: failEntity},
		f.audits,
		f.telemetry,
	)
	return f
}

func ctrExperiment(id string) domain.Experiment {
	threshold := 20.0
	return domain.Experiment{
		ID:        id,
		ProjectID: "proj-1",
		Name:      "Headline test " + id,
		Variants: []domain.Variant{
			{VariantID: "A", VariantType: "headline", AllocationPercent: 50, Binding: domain.Bound(id+"-a", domain.LevelCampaign)},
			{VariantID: "B", VariantType: "headline", AllocationPercent: 50, Binding: domain.Bound(id+"-b", domain.LevelCampaign)},
		},
		Rules: domain.DecisionRules{
			PrimaryMetric:          domain.MetricCTR,
			MinImpressions:         100,
			MaxDays:                14,
			WinnerThresholdPercent: &threshold,
		},
		CreatedAt: now.Add(-30 * 24 * time.Hour),
	}
}

// start crea el experimento y lo arranca daysAgo días antes de now.
func (f *fixture) start(t *testing.T, exp domain.Experiment, daysAgo int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.db.CreateExperiment(ctx, exp))
	require.NoError(t, f.db.StartExperiment(ctx, exp.ID, now.Add(-time.Duration(daysAgo)*24*time.Hour)))
}

// seed carga un día de métricas por entidad, repartidas en dos días.
func (f *fixture) seed(t *testing.T, entityID string, impressions, clicks int64) {
	t.Helper()
	day := now.UTC().Truncate(24 * time.Hour)
	var rows []domain.MetricRow
	for i := 0; i < 2; i++ {
		rows = append(rows, domain.MetricRow{
			ProjectID: "proj-1",
			Level:     domain.LevelCampaign,
			EntityID:  entityID,
			Date:      day.Add(-time.Duration(i) * 24 * time.Hour),
			Metrics:   domain.DailyMetrics{Impressions: impressions / 2, Clicks: clicks / 2, Spend: 10},
		})
	}
	_, err := f.db.UpsertDailyMetrics(context.Background(), rows)
	require.NoError(t, err)
}

func (f *fixture) status(t *testing.T, id string) domain.Experiment {
	t.Helper()
	exp, err := f.db.GetExperiment(context.Background(), id)
	require.NoError(t, err)
	return exp
}

func (f *fixture) counts(t *testing.T, id string) (runs, snapshots, logs int) {
	t.Helper()
	ctx := context.Background()
	r, err := f.db.ListRuns(ctx, id)
	require.NoError(t, err)
	s, err := f.db.ListSnapshots(ctx, id)
	require.NoError(t, err)
	l, err := f.db.ListDecisionLogs(ctx, "proj-1", 0)
	require.NoError(t, err)
	return len(r), len(s), len(l)
}

func TestTick_ScaleCompletesExperiment(t *testing.T) {
	f := newFixture(t, "")
	f.start(t, ctrExperiment("exp-1"), 3)
	f.seed(t, "exp-1-a", 1000, 50)
	f.seed(t, "exp-1-b", 1000, 30)

	res, err := f.engine.Tick(context.Background(), "exp-1")
	require.NoError(t, err)

	require.NotNil(t, res.Decision)
	assert.Equal(t, domain.ActionScale, res.Decision.Action)
	assert.Equal(t, "A", res.Decision.VariantID)
	assert.Equal(t, domain.DefaultScaleFactor, res.Decision.ScaleFactor)
	assert.True(t, res.Completed)
	assert.NotEmpty(t, res.RunID)
	assert.NotEmpty(t, res.SnapshotID)
	assert.NotEmpty(t, res.DecisionLogID)
	assert.Len(t, res.Fingerprint, 64)

	require.Len(t, res.Results, 2)
	require.NotNil(t, res.Results[0].Metrics)
	assert.Equal(t, int64(1000), res.Results[0].Metrics.Impressions)
	assert.Equal(t, 2, res.Results[0].Metrics.Days)

	exp := f.status(t, "exp-1")
	assert.Equal(t, domain.StatusCompleted, exp.Status)
	require.NotNil(t, exp.EndedAt)
	assert.True(t, exp.EndedAt.Equal(now))

	runs, snaps, logs := f.counts(t, "exp-1")
	assert.Equal(t, 1, runs)
	assert.Equal(t, 1, snaps)
	assert.Equal(t, 1, logs)
	assert.Equal(t, []string{"SCALE"}, f.telemetry.actions)
}

func TestTick_IterateKeepsRunning(t *testing.T) {
	f := newFixture(t, "")
	f.start(t, ctrExperiment("exp-1"), 3)
	f.seed(t, "exp-1-a", 1000, 40)
	f.seed(t, "exp-1-b", 1000, 38)

	res, err := f.engine.Tick(context.Background(), "exp-1")
	require.NoError(t, err)

	assert.Equal(t, domain.ActionIterate, res.Decision.Action)
	assert.Equal(t, "A", res.Decision.LeadingVariant)
	assert.False(t, res.Completed)
	assert.Equal(t, domain.StatusRunning, f.status(t, "exp-1").Status)

	// Cada tick agrega registros nuevos.
	_, err = f.engine.Tick(context.Background(), "exp-1")
	require.NoError(t, err)
	runs, snaps, logs := f.counts(t, "exp-1")
	assert.Equal(t, 2, runs)
	assert.Equal(t, 2, snaps)
	assert.Equal(t, 2, logs)
}

func TestTick_MaxDaysStops(t *testing.T) {
	f := newFixture(t, "")
	f.start(t, ctrExperiment("exp-1"), 15)
	f.seed(t, "exp-1-a", 1000, 40)
	f.seed(t, "exp-1-b", 1000, 38)

	res, err := f.engine.Tick(context.Background(), "exp-1")
	require.NoError(t, err)

	assert.Equal(t, domain.ActionStop, res.Decision.Action)
	assert.True(t, res.Completed)
	assert.Equal(t, domain.StatusCompleted, f.status(t, "exp-1").Status)
}

func TestTick_UnboundVariantWaits(t *testing.T) {
	f := newFixture(t, "")
	exp := ctrExperiment("exp-1")
	exp.Variants[1].Binding = domain.Unbound()
	f.start(t, exp, 3)
	f.seed(t, "exp-1-a", 1000, 50)

	res, err := f.engine.Tick(context.Background(), "exp-1")
	require.NoError(t, err)

	assert.Equal(t, domain.ActionWait, res.Decision.Action)
	assert.Equal(t, "Insufficient data", res.Decision.Reason)
	assert.Nil(t, res.Results[1].Metrics)
	assert.Empty(t, res.Results[1].DataError)
	assert.Equal(t, domain.StatusRunning, f.status(t, "exp-1").Status)

	runs, _, _ := f.counts(t, "exp-1")
	assert.Equal(t, 1, runs)
}

func TestTick_VariantReadFailureWaits(t *testing.T) {
	f := newFixture(t, "exp-1-b")
	f.start(t, ctrExperiment("exp-1"), 3)
	f.seed(t, "exp-1-a", 1000, 50)
	f.seed(t, "exp-1-b", 1000, 30)

	res, err := f.engine.Tick(context.Background(), "exp-1")
	require.NoError(t, err)

	assert.Equal(t, domain.ActionWait, res.Decision.Action)
	assert.NotNil(t, res.Results[0].Metrics)
	assert.Nil(t, res.Results[1].Metrics)
	assert.Contains(t, res.Results[1].DataError, "upstream timeout")
	assert.Equal(t, 1, f.telemetry.dataErrors)
}

func TestTick_MissingExperiment(t *testing.T) {
	f := newFixture(t, "")

	_, err := f.engine.Tick(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
	assert.Equal(t, []string{string(domain.KindNotFound)}, f.telemetry.failures)
}

func TestTick_NotRunningIsSkipped(t *testing.T) {
	f := newFixture(t, "")
	require.NoError(t, f.db.CreateExperiment(context.Background(), ctrExperiment("exp-1")))

	res, err := f.engine.Tick(context.Background(), "exp-1")
	require.NoError(t, err)

	assert.True(t, res.Skipped)
	assert.Equal(t, "Not running", res.Reason)
	assert.Nil(t, res.Decision)
	runs, snaps, logs := f.counts(t, "exp-1")
	assert.Zero(t, runs+snaps+logs)
}

func TestTick_InvalidRules(t *testing.T) {
	f := newFixture(t, "")
	exp := ctrExperiment("exp-1")
	exp.Rules.MaxDays = 0
	f.start(t, exp, 3)

	_, err := f.engine.Tick(context.Background(), "exp-1")
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	runs, snaps, logs := f.counts(t, "exp-1")
	assert.Zero(t, runs+snaps+logs)
}

func TestTick_PersistenceFailureIsRetryable(t *testing.T) {
	f := newFixture(t, "")
	f.start(t, ctrExperiment("exp-1"), 3)
	f.seed(t, "exp-1-a", 1000, 50)
	f.seed(t, "exp-1-b", 1000, 30)

	f.audits.failLogs = true
	_, err := f.engine.Tick(context.Background(), "exp-1")
	require.Error(t, err)
	assert.Equal(t, domain.KindPersistence, domain.KindOf(err))
	assert.True(t, domain.IsRetryable(err))
	assert.ErrorIs(t, err, errLedger)
	assert.Equal(t, domain.StatusRunning, f.status(t, "exp-1").Status)

	f.audits.failLogs = false
	res, err := f.engine.Tick(context.Background(), "exp-1")
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, domain.StatusCompleted, f.status(t, "exp-1").Status)
}

func TestTick_KillCompletesExperiment(t *testing.T) {
	f := newFixture(t, "")
	stopLoss := 300.0
	exp := ctrExperiment("exp-1")
	exp.Rules.PrimaryMetric = domain.MetricCPA
	exp.Rules.StopLossCpaCents = &stopLoss
	f.start(t, exp, 3)

	day := now.UTC().Truncate(24 * time.Hour)
	_, err := f.db.UpsertDailyMetrics(context.Background(), []domain.MetricRow{
		{ProjectID: "proj-1", Level: domain.LevelCampaign, EntityID: "exp-1-a", Date: day,
			Metrics: domain.DailyMetrics{Impressions: 1000, Clicks: 50, Conversions: 40, Spend: 20}}, // CPA 0.50
		{ProjectID: "proj-1", Level: domain.LevelCampaign, EntityID: "exp-1-b", Date: day,
			Metrics: domain.DailyMetrics{Impressions: 1000, Clicks: 45, Conversions: 4, Spend: 20}}, // CPA 5.00
	})
	require.NoError(t, err)

	res, err := f.engine.Tick(context.Background(), "exp-1")
	require.NoError(t, err)

	assert.Equal(t, domain.ActionKill, res.Decision.Action)
	assert.Equal(t, "B", res.Decision.VariantID)
	assert.True(t, res.Completed)

	stored := f.status(t, "exp-1")
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	require.NotNil(t, stored.EndedAt)
	assert.True(t, stored.EndedAt.Equal(now))
	assert.Equal(t, []string{"KILL"}, f.telemetry.actions)
}

// closingStore cierra el experimento justo antes de que el engine lo complete,
// como haría otro proceso en paralelo.
type closingStore struct {
	*storage.SQLiteStorage
}

func (c closingStore) CompleteExperiment(ctx context.Context, id string, endedAt time.Time) error {
	if err := c.StopExperiment(ctx, id, endedAt.Add(-time.Minute)); err != nil {
		return err
	}
	return c.SQLiteStorage.CompleteExperiment(ctx, id, endedAt)
}

func TestTick_AlreadyClosedIsNotReportedAsCompleted(t *testing.T) {
	f := newFixture(t, "")
	f.engine = engine.New(engine.Config{Now: func() time.Time { return now }},
		closingStore{f.db}, f.db, f.db, f.telemetry)
	f.start(t, ctrExperiment("exp-1"), 3)
	f.seed(t, "exp-1-a", 1000, 50)
	f.seed(t, "exp-1-b", 1000, 30)

	res, err := f.engine.Tick(context.Background(), "exp-1")
	require.NoError(t, err)

	assert.Equal(t, domain.ActionScale, res.Decision.Action)
	assert.False(t, res.Completed)
	assert.Equal(t, domain.StatusStopped, f.status(t, "exp-1").Status)
}

func TestTick_CallerCancellationDoesNotAbortRun(t *testing.T) {
	f := newFixture(t, "")
	f.start(t, ctrExperiment("exp-1"), 3)
	f.seed(t, "exp-1-a", 1000, 40)
	f.seed(t, "exp-1-b", 1000, 38)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.engine.Tick(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionIterate, res.Decision.Action)
	require.NotNil(t, res.Results[0].Metrics)
	require.NotNil(t, res.Results[1].Metrics)
}

func observed(impressions, clicks, conversions int64) *domain.Sample {
	return &domain.Sample{Impressions: impressions, Clicks: clicks, Conversions: conversions}
}

func TestEvaluate_WinnerCompletes(t *testing.T) {
	f := newFixture(t, "")
	exp := ctrExperiment("exp-1")
	exp.Variants[0].Observed = observed(1000, 1000, 120)
	exp.Variants[1].Observed = observed(1000, 1000, 60)
	f.start(t, exp, 3)

	res, err := f.engine.Evaluate(context.Background(), "exp-1", "user-1")
	require.NoError(t, err)

	assert.Equal(t, domain.ArmA, res.Winner)
	assert.Equal(t, "A", res.WinnerVariantID)
	assert.GreaterOrEqual(t, res.Confidence, domain.WinnerConfidenceThreshold)
	assert.True(t, res.Completed)
	assert.NotEmpty(t, res.DecisionLogID)
	assert.Equal(t, domain.StatusCompleted, f.status(t, "exp-1").Status)

	logs, err := f.db.ListDecisionLogs(context.Background(), "proj-1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.DecisionExperimentConcluded, logs[0].DecisionType)
	assert.Equal(t, "user-1", logs[0].CreatedByUserID)
	assert.Equal(t, []bool{true}, f.telemetry.winners)
}

func TestEvaluate_NoWinnerKeepsRunning(t *testing.T) {
	f := newFixture(t, "")
	exp := ctrExperiment("exp-1")
	exp.Variants[0].Observed = observed(1000, 1000, 100)
	exp.Variants[1].Observed = observed(1000, 1000, 100)
	f.start(t, exp, 3)

	res, err := f.engine.Evaluate(context.Background(), "exp-1", "")
	require.NoError(t, err)

	assert.Equal(t, domain.ArmNone, res.Winner)
	assert.Empty(t, res.WinnerVariantID)
	assert.False(t, res.Completed)
	assert.Equal(t, domain.StatusRunning, f.status(t, "exp-1").Status)

	// El ledger registra la conclusión aunque no haya ganador.
	_, _, logs := f.counts(t, "exp-1")
	assert.Equal(t, 1, logs)
}

func TestEvaluate_UsesLatestRunMetrics(t *testing.T) {
	f := newFixture(t, "")
	exp := ctrExperiment("exp-1")
	exp.Variants[0].Observed = observed(1000, 1000, 100)
	exp.Variants[1].Observed = observed(1000, 1000, 100)
	f.start(t, exp, 3)
	f.seed(t, "exp-1-a", 1000, 40)
	f.seed(t, "exp-1-b", 1000, 38)

	_, err := f.engine.Tick(context.Background(), "exp-1")
	require.NoError(t, err)

	res, err := f.engine.Evaluate(context.Background(), "exp-1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(40), res.Variants.A.Clicks)
	assert.Equal(t, int64(38), res.Variants.B.Clicks)
	assert.Zero(t, res.Variants.A.Conversions)
}

func TestEvaluate_RequiresTwoVariants(t *testing.T) {
	f := newFixture(t, "")
	exp := ctrExperiment("exp-1")
	exp.Variants = append(exp.Variants, domain.Variant{VariantID: "C", AllocationPercent: 0})
	f.start(t, exp, 3)

	_, err := f.engine.Evaluate(context.Background(), "exp-1", "")
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, _, logs := f.counts(t, "exp-1")
	assert.Zero(t, logs)
}

func TestEvaluate_NotRunningIsRejected(t *testing.T) {
	for _, status := range []domain.ExperimentStatus{domain.StatusPlanned, domain.StatusStopped} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t, "")
			exp := ctrExperiment("exp-1")
			exp.Variants[0].Observed = observed(1000, 1000, 120)
			exp.Variants[1].Observed = observed(1000, 1000, 60)
			require.NoError(t, f.db.CreateExperiment(context.Background(), exp))
			if status == domain.StatusStopped {
				require.NoError(t, f.db.StopExperiment(context.Background(), "exp-1", now))
			}

			_, err := f.engine.Evaluate(context.Background(), "exp-1", "user-1")
			require.Error(t, err)
			assert.Equal(t, domain.KindValidation, domain.KindOf(err))

			stored := f.status(t, "exp-1")
			assert.Equal(t, status, stored.Status)
			_, snaps, logs := f.counts(t, "exp-1")
			assert.Zero(t, snaps+logs)
			assert.Empty(t, f.telemetry.winners)
		})
	}
}

func TestEvaluate_MissingExperiment(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.engine.Evaluate(context.Background(), "nope", "")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestSweep_TicksRunningExperiments(t *testing.T) {
	f := newFixture(t, "")
	f.start(t, ctrExperiment("exp-1"), 3)
	f.start(t, ctrExperiment("exp-2"), 3)
	require.NoError(t, f.db.CreateExperiment(context.Background(), ctrExperiment("exp-3")))

	broken := ctrExperiment("exp-4")
	broken.Rules.PrimaryMetric = "ROAS"
	f.start(t, broken, 3)

	report := f.engine.Sweep(context.Background())

	assert.Equal(t, 3, report.Processed)
	require.Len(t, report.Ticks, 2)
	for _, tick := range report.Ticks {
		assert.Equal(t, domain.ActionWait, tick.Decision.Action)
	}
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "exp-4")
}

func TestEvaluateRunning_CollectsErrors(t *testing.T) {
	f := newFixture(t, "")
	ok := ctrExperiment("exp-1")
	ok.Variants[0].Observed = observed(1000, 1000, 120)
	ok.Variants[1].Observed = observed(1000, 1000, 60)
	f.start(t, ok, 3)

	three := ctrExperiment("exp-2")
	three.Variants = append(three.Variants, domain.Variant{VariantID: "C"})
	f.start(t, three, 3)

	report := f.engine.EvaluateRunning(context.Background())

	assert.Equal(t, 2, report.Processed)
	require.Len(t, report.Evaluations, 1)
	assert.Equal(t, "exp-1", report.Evaluations[0].ExperimentID)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "exp-2")
}
