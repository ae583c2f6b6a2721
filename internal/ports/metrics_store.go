package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/expgov/internal/domain"
)

// MetricsStore lee las métricas diarias ya ingeridas.
type MetricsStore interface {
	// QueryDailyMetrics devuelve las filas de la entidad con fecha >= since.
	// Con level == domain.LevelAny no se filtra por nivel.
	QueryDailyMetrics(ctx context.Context, projectID string, level domain.EntityLevel, entityID string, since time.Time) ([]domain.MetricRow, error)
}

// MetricsWriter ingiere métricas diarias (upsert por proyecto/fecha/nivel/entidad).
type MetricsWriter interface {
	UpsertDailyMetrics(ctx context.Context, rows []domain.MetricRow) (int, error)
}
