package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/expgov/internal/domain"
)

// InsightsProvider obtiene métricas diarias desde la plataforma de ads.
type InsightsProvider interface {
	// FetchDailyInsights devuelve una fila por día entre since y until (inclusive).
	// ProjectID queda vacío; lo completa el llamador.
	FetchDailyInsights(ctx context.Context, entityID string, level domain.EntityLevel, since, until time.Time) ([]domain.MetricRow, error)
}
