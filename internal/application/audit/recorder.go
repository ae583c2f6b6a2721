// Package audit escribe el rastro de evidencia de cada decisión del engine:
// snapshot de entradas, run (solo ticks) y entrada del ledger con su fingerprint.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/expgov/internal/domain"
	"github.com/alejandrodnm/expgov/internal/ports"
)

// Recorder persiste los registros append-only de ticks y evaluaciones.
type Recorder struct {
	store ports.AuditStore
	newID func() string
}

// NewRecorder crea un Recorder que genera ids UUIDv4.
func NewRecorder(store ports.AuditStore) *Recorder {
	return &Recorder{store: store, newID: uuid.NewString}
}

// TickRecord son las entradas y la salida de un tick.
type TickRecord struct {
	Experiment domain.Experiment
	Results    []domain.VariantResult
	Decision   domain.Decision
	Now        time.Time
}

// Refs son los ids de los registros creados.
type Refs struct {
	RunID         string
	SnapshotID    string
	DecisionLogID string
	Fingerprint   string
}

// tickInput es la entrada hasheada en el fingerprint de un tick.
type tickInput struct {
	ExperimentID   string                 `json:"experimentId"`
	Rules          domain.DecisionRules   `json:"rules"`
	VariantResults []domain.VariantResult `json:"variantResults"`
}

type tickSnapshot struct {
	VariantResults []domain.VariantResult `json:"variantResults"`
	Timestamp      string                 `json:"timestamp"`
}

// RecordTick escribe snapshot → run → decision log, en ese orden. Cualquier
// fallo de escritura es PERSISTENCE: el tick se considera fallido y un reintento
// agrega registros nuevos.
func (r *Recorder) RecordTick(ctx context.Context, rec TickRecord) (Refs, error) {
	const op = "audit.RecordTick"
	exp := rec.Experiment

	data, err := json.Marshal(tickSnapshot{
		VariantResults: rec.Results,
		Timestamp:      rec.Now.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return Refs{}, fmt.Errorf("%s: marshal snapshot: %w", op, err)
	}
	fingerprint, err := domain.Fingerprint(domain.TickPolicyName, tickInput{
		ExperimentID:   exp.ID,
		Rules:          exp.Rules,
		VariantResults: rec.Results,
	}, domain.TickFingerprint, rec.Now)
	if err != nil {
		return Refs{}, fmt.Errorf("%s: %w", op, err)
	}
	decision, err := json.Marshal(rec.Decision)
	if err != nil {
		return Refs{}, fmt.Errorf("%s: marshal decision: %w", op, err)
	}

	refs := Refs{
		SnapshotID:    r.newID(),
		RunID:         r.newID(),
		DecisionLogID: r.newID(),
		Fingerprint:   fingerprint,
	}

	if err := r.store.CreateSnapshot(ctx, domain.EvidenceSnapshot{
		ID:           refs.SnapshotID,
		ProjectID:    exp.ProjectID,
		ExperimentID: exp.ID,
		Source:       domain.TickSource,
		Data:         data,
		CreatedAt:    rec.Now,
	}); err != nil {
		return Refs{}, domain.Persistence(op, err)
	}

	if err := r.store.CreateRun(ctx, domain.ExperimentRun{
		ID:           refs.RunID,
		ExperimentID: exp.ID,
		Status:       string(rec.Decision.Action),
		Allocations:  exp.Allocations(),
		Results:      rec.Results,
		Decision:     rec.Decision,
		CreatedAt:    rec.Now,
	}); err != nil {
		return Refs{}, domain.Persistence(op, err)
	}

	if err := r.store.CreateDecisionLog(ctx, domain.DecisionLog{
		ID:             refs.DecisionLogID,
		ProjectID:      exp.ProjectID,
		DecisionType:   string(rec.Decision.Action),
		Decision:       decision,
		EvidenceRefs:   domain.EvidenceRefs{SnapshotIDs: []string{refs.SnapshotID}, RunID: refs.RunID},
		Fingerprint:    fingerprint,
		Model:          domain.TickModel,
		CreatedByAgent: domain.TickAgent,
		CreatedAt:      rec.Now,
	}); err != nil {
		return Refs{}, domain.Persistence(op, err)
	}
	return refs, nil
}

// EvaluationRecord son las entradas y la salida de una evaluación de significancia.
type EvaluationRecord struct {
	Experiment domain.Experiment
	Decision   domain.EvaluationDecision
	Actor      string // usuario que la pidió; vacío si la disparó el scheduler
	Now        time.Time
}

// RecordEvaluation escribe el snapshot de las dos muestras y la entrada
// EXPERIMENT_CONCLUDED que lo referencia.
func (r *Recorder) RecordEvaluation(ctx context.Context, rec EvaluationRecord) (Refs, error) {
	const op = "audit.RecordEvaluation"
	exp := rec.Experiment

	data, err := json.Marshal(rec.Decision.Variants)
	if err != nil {
		return Refs{}, fmt.Errorf("%s: marshal snapshot: %w", op, err)
	}
	fingerprint, err := domain.Fingerprint(domain.EvaluationPolicyName, rec.Decision.Variants, domain.EvaluationModel, rec.Now)
	if err != nil {
		return Refs{}, fmt.Errorf("%s: %w", op, err)
	}
	decision, err := json.Marshal(rec.Decision)
	if err != nil {
		return Refs{}, fmt.Errorf("%s: marshal decision: %w", op, err)
	}

	refs := Refs{
		SnapshotID:    r.newID(),
		DecisionLogID: r.newID(),
		Fingerprint:   fingerprint,
	}

	if err := r.store.CreateSnapshot(ctx, domain.EvidenceSnapshot{
		ID:           refs.SnapshotID,
		ProjectID:    exp.ProjectID,
		ExperimentID: exp.ID,
		Source:       domain.EvaluationSource,
		Data:         data,
		CreatedAt:    rec.Now,
	}); err != nil {
		return Refs{}, domain.Persistence(op, err)
	}

	if err := r.store.CreateDecisionLog(ctx, domain.DecisionLog{
		ID:              refs.DecisionLogID,
		ProjectID:       exp.ProjectID,
		DecisionType:    domain.DecisionExperimentConcluded,
		Decision:        decision,
		EvidenceRefs:    domain.EvidenceRefs{SnapshotIDs: []string{refs.SnapshotID}},
		Fingerprint:     fingerprint,
		Model:           domain.EvaluationModel,
		CreatedByUserID: rec.Actor,
		CreatedByAgent:  domain.EvaluationAgent,
		CreatedAt:       rec.Now,
	}); err != nil {
		return Refs{}, domain.Persistence(op, err)
	}
	return refs, nil
}
