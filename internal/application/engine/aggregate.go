package engine

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/expgov/internal/domain"
)

// aggregate lee y agrega las métricas de cada variante en paralelo.
//
// Un fallo de lectura no aborta el tick: la variante queda sin métricas (no
// lista) con DataError, y la decisión resultante será WAIT.
func (e *Engine) aggregate(ctx context.Context, exp domain.Experiment, now time.Time) []domain.VariantResult {
	// La ventana arranca en el día UTC de startedAt: las filas son diarias.
	since := exp.StartDate(now).UTC().Truncate(24 * time.Hour)

	results := make([]domain.VariantResult, len(exp.Variants))
	var g errgroup.Group
	for i, v := range exp.Variants {
		results[i] = domain.NewVariantResult(v)
		entityID, bound := v.Binding.EntityID()
		if !bound {
			continue
		}
		g.Go(func() error {
			agg, err := e.aggregateVariant(ctx, exp.ProjectID, v.Binding.Level(), entityID, since)
			if err != nil {
				perr := domain.PartialData("engine.aggregate", err)
				slog.Warn("engine: variant metrics unavailable",
					"experiment_id", exp.ID,
					"variant_id", v.VariantID,
					"entity_id", entityID,
					"err", err,
				)
				e.telemetry.VariantDataError()
				results[i].DataError = perr.Error()
				return nil
			}
			results[i].Metrics = &agg
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// aggregateVariant consulta el store con un timeout acotado.
func (e *Engine) aggregateVariant(ctx context.Context, projectID string, level domain.EntityLevel, entityID string, since time.Time) (domain.AggregatedMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AggregateTimeout)
	defer cancel()

	rows, err := e.metrics.QueryDailyMetrics(ctx, projectID, level, entityID, since)
	if err != nil {
		return domain.AggregatedMetrics{}, err
	}
	return domain.Aggregate(rows), nil
}
