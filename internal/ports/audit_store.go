package ports

import (
	"context"

	"github.com/alejandrodnm/expgov/internal/domain"
)

// AuditStore persiste los registros append-only de cada decisión.
type AuditStore interface {
	CreateRun(ctx context.Context, run domain.ExperimentRun) error
	CreateSnapshot(ctx context.Context, snap domain.EvidenceSnapshot) error
	CreateDecisionLog(ctx context.Context, log domain.DecisionLog) error

	// LatestRun devuelve el run más reciente del experimento, si existe.
	LatestRun(ctx context.Context, experimentID string) (domain.ExperimentRun, bool, error)
}

// AuditReader expone el rastro de auditoría para reportes y export.
type AuditReader interface {
	ListRuns(ctx context.Context, experimentID string) ([]domain.ExperimentRun, error)
	ListSnapshots(ctx context.Context, experimentID string) ([]domain.EvidenceSnapshot, error)

	// ListDecisionLogs devuelve las últimas decisiones del proyecto, más recientes primero.
	ListDecisionLogs(ctx context.Context, projectID string, limit int) ([]domain.DecisionLog, error)
}
