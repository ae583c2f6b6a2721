package ports

import (
	"context"
	"errors"
	"time"

	"github.com/alejandrodnm/expgov/internal/domain"
)

var (
	// ErrNotFound lo devuelven los stores cuando la entidad pedida no existe.
	ErrNotFound = errors.New("not found")
	// ErrConflict indica una transición de estado no permitida.
	ErrConflict = errors.New("conflicting state")
)

// ExperimentStore es lo que el engine necesita leer y actualizar de los experimentos.
type ExperimentStore interface {
	// GetExperiment devuelve el experimento o ErrNotFound.
	GetExperiment(ctx context.Context, id string) (domain.Experiment, error)

	// ListExperimentsByStatus devuelve los experimentos en el estado dado,
	// ordenados por fecha de creación.
	ListExperimentsByStatus(ctx context.Context, status domain.ExperimentStatus) ([]domain.Experiment, error)

	// CompleteExperiment pasa un experimento RUNNING a COMPLETED con endedAt.
	// Devuelve ErrConflict si ya no estaba RUNNING.
	CompleteExperiment(ctx context.Context, id string, endedAt time.Time) error
}

// ExperimentRegistry gestiona el ciclo de vida de las definiciones.
type ExperimentRegistry interface {
	ExperimentStore

	// CreateExperiment inserta (o reemplaza si sigue PLANNED) una definición.
	CreateExperiment(ctx context.Context, e domain.Experiment) error

	// StartExperiment pasa PLANNED → RUNNING y fija startedAt.
	StartExperiment(ctx context.Context, id string, startedAt time.Time) error

	// StopExperiment pasa a STOPPED y fija endedAt.
	StopExperiment(ctx context.Context, id string, endedAt time.Time) error
}
