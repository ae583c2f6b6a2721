package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alejandrodnm/expgov/internal/application/audit"
	"github.com/alejandrodnm/expgov/internal/domain"
	"github.com/alejandrodnm/expgov/internal/ports"
)

const (
	defaultAggregateTimeout = 10 * time.Second
	defaultWorkers          = 4
	defaultRunTimeout       = 2 * time.Minute
)

// Config contiene la configuración del engine.
type Config struct {
	AggregateTimeout time.Duration    // timeout por variante al leer métricas (0 = 10s)
	Workers          int              // experimentos en paralelo en un sweep (0 = 4)
	RunTimeout       time.Duration    // tope de un tick o evaluación compartidos (0 = 2m)
	Now              func() time.Time // reloj inyectable (nil = time.Now)
}

// Engine orquesta los ticks y las evaluaciones de significancia.
type Engine struct {
	cfg         Config
	experiments ports.ExperimentStore
	metrics     ports.MetricsStore
	audits      ports.AuditStore
	recorder    *audit.Recorder
	telemetry   ports.EngineMetrics

	// flight colapsa ticks/evaluaciones concurrentes del mismo experimento
	// dentro de este proceso en una sola ejecución.
	flight singleflight.Group
}

// New crea un Engine con todas las dependencias inyectadas.
// telemetry puede ser nil.
func New(
	cfg Config,
	experiments ports.ExperimentStore,
	metrics ports.MetricsStore,
	audits ports.AuditStore,
	telemetry ports.EngineMetrics,
) *Engine {
	if cfg.AggregateTimeout <= 0 {
		cfg.AggregateTimeout = defaultAggregateTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if telemetry == nil {
		telemetry = ports.NopMetrics{}
	}
	return &Engine{
		cfg:         cfg,
		experiments: experiments,
		metrics:     metrics,
		audits:      audits,
		recorder:    audit.NewRecorder(audits),
		telemetry:   telemetry,
	}
}

// Tick evalúa un experimento RUNNING: agrega métricas, decide, registra la
// evidencia y aplica el cierre si la acción es terminal.
//
// Un experimento inexistente es NOT_FOUND; uno que no está RUNNING devuelve
// Skipped sin escribir nada. Un fallo al escribir es PERSISTENCE y se puede reintentar.
// La ejecución se comparte entre llamadas concurrentes y no se corta si una de
// ellas cancela su contexto; la acota Config.RunTimeout.
func (e *Engine) Tick(ctx context.Context, experimentID string) (domain.TickResult, error) {
	v, err, shared := e.flight.Do("tick:"+experimentID, func() (any, error) {
		runCtx, cancel := e.sharedContext(ctx)
		defer cancel()
		return e.tick(runCtx, experimentID)
	})
	if shared {
		slog.Debug("engine: tick shared with concurrent caller", "experiment_id", experimentID)
	}
	if err != nil {
		e.telemetry.TickFailed(string(domain.KindOf(err)))
		return domain.TickResult{}, err
	}
	return v.(domain.TickResult), nil
}

func (e *Engine) tick(ctx context.Context, experimentID string) (domain.TickResult, error) {
	const op = "engine.Tick"
	start := time.Now()

	exp, err := e.loadExperiment(ctx, op, experimentID)
	if err != nil {
		return domain.TickResult{}, err
	}
	result := domain.TickResult{ExperimentID: exp.ID, ProjectID: exp.ProjectID, Name: exp.Name}

	if exp.Status != domain.StatusRunning {
		result.Skipped = true
		result.Reason = "Not running"
		slog.Debug("engine: tick skipped", "experiment_id", exp.ID, "status", exp.Status)
		return result, nil
	}
	if err := exp.Rules.Validate(); err != nil {
		return domain.TickResult{}, err
	}

	now := e.cfg.Now()
	results := e.aggregate(ctx, exp, now)
	decision := domain.Decide(results, exp.Rules, exp.ElapsedDays(now))

	refs, err := e.recorder.RecordTick(ctx, audit.TickRecord{
		Experiment: exp,
		Results:    results,
		Decision:   decision,
		Now:        now,
	})
	if err != nil {
		return domain.TickResult{}, fmt.Errorf("%s: %s: %w", op, exp.ID, err)
	}

	if decision.Action.IsTerminal() {
		closed, err := e.complete(ctx, op, exp.ID, now)
		if err != nil {
			return domain.TickResult{}, err
		}
		result.Completed = closed
	}

	result.Decision = &decision
	result.Results = results
	result.RunID = refs.RunID
	result.SnapshotID = refs.SnapshotID
	result.DecisionLogID = refs.DecisionLogID
	result.Fingerprint = refs.Fingerprint

	e.telemetry.TickCompleted(string(decision.Action), time.Since(start))
	slog.Info("engine: tick complete",
		"experiment_id", exp.ID,
		"action", decision.Action,
		"reason", decision.Reason,
		"run_id", refs.RunID,
		"completed", result.Completed,
	)
	return result, nil
}

// complete cierra el experimento y devuelve si la transición ocurrió. Si otro
// proceso ya lo cerró entre la lectura y la escritura, el estado terminal se
// respeta y no es un error.
func (e *Engine) complete(ctx context.Context, op, id string, now time.Time) (bool, error) {
	err := e.experiments.CompleteExperiment(ctx, id, now)
	if errors.Is(err, ports.ErrConflict) {
		slog.Warn("engine: experiment already closed", "experiment_id", id)
		return false, nil
	}
	if err != nil {
		return false, domain.Persistence(op, err)
	}
	return true, nil
}

// sharedContext desacopla la ejecución compartida por singleflight de la
// cancelación del primer llamador. Conserva sus valores.
func (e *Engine) sharedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RunTimeout)
}

// loadExperiment traduce ports.ErrNotFound a un NOT_FOUND tipado.
func (e *Engine) loadExperiment(ctx context.Context, op, id string) (domain.Experiment, error) {
	exp, err := e.experiments.GetExperiment(ctx, id)
	if errors.Is(err, ports.ErrNotFound) {
		return domain.Experiment{}, domain.NotFound(op, "experiment %s", id)
	}
	if err != nil {
		return domain.Experiment{}, fmt.Errorf("%s: load experiment: %w", op, err)
	}
	return exp, nil
}
