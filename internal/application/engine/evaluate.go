package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/expgov/internal/application/audit"
	"github.com/alejandrodnm/expgov/internal/domain"
)

// Evaluate corre el test de significancia sobre un experimento de exactamente
// dos variantes. Siempre escribe una entrada EXPERIMENT_CONCLUDED; el
// experimento solo pasa a COMPLETED si hay ganador. actor puede ser vacío.
// Un experimento que no está RUNNING es VALIDATION y no se escribe nada.
func (e *Engine) Evaluate(ctx context.Context, experimentID, actor string) (domain.EvaluationResult, error) {
	v, err, _ := e.flight.Do("evaluate:"+experimentID, func() (any, error) {
		runCtx, cancel := e.sharedContext(ctx)
		defer cancel()
		return e.evaluate(runCtx, experimentID, actor)
	})
	if err != nil {
		return domain.EvaluationResult{}, err
	}
	return v.(domain.EvaluationResult), nil
}

func (e *Engine) evaluate(ctx context.Context, experimentID, actor string) (domain.EvaluationResult, error) {
	const op = "engine.Evaluate"

	exp, err := e.loadExperiment(ctx, op, experimentID)
	if err != nil {
		return domain.EvaluationResult{}, err
	}
	if exp.Status != domain.StatusRunning {
		return domain.EvaluationResult{}, domain.Invalid(op,
			"experiment %s is %s, only RUNNING experiments can be evaluated", exp.ID, exp.Status)
	}
	if len(exp.Variants) != 2 {
		return domain.EvaluationResult{}, domain.Invalid(op,
			"experiment requires exactly two variants to evaluate, has %d", len(exp.Variants))
	}

	arms, err := e.samples(ctx, exp)
	if err != nil {
		return domain.EvaluationResult{}, fmt.Errorf("%s: %w", op, err)
	}
	result := domain.EvaluateSignificance(arms.A.Sample, arms.B.Sample)
	decision := domain.NewEvaluationDecision(exp.ID, arms, result)
	now := e.cfg.Now()

	refs, err := e.recorder.RecordEvaluation(ctx, audit.EvaluationRecord{
		Experiment: exp,
		Decision:   decision,
		Actor:      actor,
		Now:        now,
	})
	if err != nil {
		return domain.EvaluationResult{}, fmt.Errorf("%s: %s: %w", op, exp.ID, err)
	}

	out := domain.EvaluationResult{
		EvaluationDecision: decision,
		SnapshotID:         refs.SnapshotID,
		DecisionLogID:      refs.DecisionLogID,
		Fingerprint:        refs.Fingerprint,
	}
	if result.HasWinner() {
		closed, err := e.complete(ctx, op, exp.ID, now)
		if err != nil {
			return domain.EvaluationResult{}, err
		}
		out.Completed = closed
	}

	e.telemetry.EvaluationCompleted(result.HasWinner())
	slog.Info("engine: evaluation complete",
		"experiment_id", exp.ID,
		"winner", decision.WinnerVariantID,
		"confidence", fmt.Sprintf("%.2f", result.Confidence),
		"completed", out.Completed,
	)
	return out, nil
}

// samples arma las muestras de los dos brazos. Usa las métricas del último run
// cuando existen y, si no, la muestra que trae la propia definición de la variante.
func (e *Engine) samples(ctx context.Context, exp domain.Experiment) (domain.EvaluationArms, error) {
	latest := map[string]domain.Sample{}
	run, ok, err := e.audits.LatestRun(ctx, exp.ID)
	if err != nil {
		return domain.EvaluationArms{}, fmt.Errorf("latest run: %w", err)
	}
	if ok {
		for _, r := range run.Results {
			if r.Metrics != nil {
				latest[r.VariantID] = r.Metrics.Sample()
			}
		}
	}

	arm := func(v domain.Variant, fallbackID string) domain.ArmSample {
		id := v.VariantID
		if id == "" {
			id = fallbackID
		}
		a := domain.ArmSample{VariantID: id}
		if s, ok := latest[v.VariantID]; ok {
			a.Sample = s
		} else if v.Observed != nil {
			a.Sample = *v.Observed
		}
		return a
	}
	return domain.EvaluationArms{
		A: arm(exp.Variants[0], "A"),
		B: arm(exp.Variants[1], "B"),
	}, nil
}
