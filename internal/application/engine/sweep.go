package engine

// sweep.go — recorridos sobre todos los experimentos RUNNING.
//
// Cada experimento se procesa de forma independiente en un worker pool: no hay
// estado compartido entre experimentos, y el fallo de uno no corta el sweep.

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/expgov/internal/domain"
)

// SweepReport resume un recorrido. Errors tiene una línea por experimento fallido.
type SweepReport struct {
	Processed   int                       `json:"processed"`
	Ticks       []domain.TickResult       `json:"ticks,omitempty"`
	Evaluations []domain.EvaluationResult `json:"evaluations,omitempty"`
	Errors      []string                  `json:"errors"`
}

// Sweep hace tick de todos los experimentos RUNNING.
func (e *Engine) Sweep(ctx context.Context) SweepReport {
	start := time.Now()
	report := SweepReport{Errors: []string{}}

	ids, err := e.runningIDs(ctx)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report
	}

	ticks := make([]domain.TickResult, len(ids))
	errs := runConcurrent(ctx, ids, e.cfg.Workers, func(ctx context.Context, i int, id string) error {
		r, err := e.Tick(ctx, id)
		ticks[i] = r
		return err
	})

	report.Processed = len(ids)
	for i, err := range errs {
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("Experiment %s: %v", ids[i], err))
			continue
		}
		report.Ticks = append(report.Ticks, ticks[i])
	}

	slog.Info("engine: sweep complete",
		"processed", report.Processed,
		"errors", len(report.Errors),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return report
}

// EvaluateRunning corre la evaluación de significancia sobre todos los
// experimentos RUNNING. Los errores por experimento se acumulan.
func (e *Engine) EvaluateRunning(ctx context.Context) SweepReport {
	report := SweepReport{Errors: []string{}}

	ids, err := e.runningIDs(ctx)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report
	}

	evals := make([]domain.EvaluationResult, len(ids))
	errs := runConcurrent(ctx, ids, e.cfg.Workers, func(ctx context.Context, i int, id string) error {
		r, err := e.Evaluate(ctx, id, "")
		evals[i] = r
		return err
	})

	report.Processed = len(ids)
	for i, err := range errs {
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("Experiment %s: %v", ids[i], err))
			continue
		}
		report.Evaluations = append(report.Evaluations, evals[i])
	}

	slog.Info("engine: evaluation sweep complete",
		"processed", report.Processed,
		"errors", len(report.Errors),
	)
	return report
}

func (e *Engine) runningIDs(ctx context.Context) ([]string, error) {
	exps, err := e.experiments.ListExperimentsByStatus(ctx, domain.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("engine.runningIDs: %w", err)
	}
	ids := make([]string, len(exps))
	for i, exp := range exps {
		ids[i] = exp.ID
	}
	return ids, nil
}

// runConcurrent ejecuta fn para cada id con un pool de workers y devuelve el
// error de cada uno en el orden de entrada.
func runConcurrent(ctx context.Context, ids []string, workers int, fn func(ctx context.Context, i int, id string) error) []error {
	if workers > len(ids) {
		workers = len(ids)
	}

	workCh := make(chan int, len(ids))
	errs := make([]error, len(ids))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range workCh {
				if err := ctx.Err(); err != nil {
					errs[i] = err
					continue
				}
				errs[i] = fn(ctx, i, ids[i])
			}
		}()
	}

	for i := range ids {
		workCh <- i
	}
	close(workCh)
	wg.Wait()
	return errs
}
