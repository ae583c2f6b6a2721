package ports

import (
	"context"

	"github.com/alejandrodnm/expgov/internal/domain"
)

// Notifier presenta los resultados del engine al usuario.
type Notifier interface {
	// NotifyTicks muestra el resultado de uno o más ticks.
	NotifyTicks(ctx context.Context, results []domain.TickResult) error
}
