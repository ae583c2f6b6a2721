package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Nombres de política y modelo que quedan en el rastro de auditoría.
const (
	TickPolicyName  = "experiment-tick-engine-v1"
	TickFingerprint = "deterministic"
	TickModel       = "experiment-engine-v1"
	TickAgent       = "experiment-tick"
	TickSource      = "meta_insights"

	EvaluationPolicyName = "experiment-significance-v1"
	EvaluationModel      = "chi-square-v1"
	EvaluationAgent      = "experiment-evaluate"
	EvaluationSource     = "variant_samples"

	// DecisionExperimentConcluded es el tipo de decisión de una evaluación bajo demanda.
	DecisionExperimentConcluded = "EXPERIMENT_CONCLUDED"
)

// ExperimentRun es el registro append-only de un tick.
type ExperimentRun struct {
	ID           string          `json:"id"`
	ExperimentID string          `json:"experimentId"`
	Status       string          `json:"status"` // la acción tomada
	Allocations  []Allocation    `json:"allocations"`
	Results      []VariantResult `json:"results"`
	Decision     Decision        `json:"decision"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// EvidenceSnapshot captura las entradas exactas de una decisión.
type EvidenceSnapshot struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"projectId"`
	ExperimentID string          `json:"experimentId,omitempty"`
	Source       string          `json:"source"`
	Data         json.RawMessage `json:"snapshot"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// EvidenceRefs apunta una entrada del log a los registros que la justifican.
type EvidenceRefs struct {
	SnapshotIDs []string `json:"snapshotIds"`
	RunID       string   `json:"runId,omitempty"`
}

// DecisionLog es la entrada append-only del ledger de decisiones.
type DecisionLog struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"projectId"`
	DecisionType    string          `json:"decisionType"`
	Decision        json.RawMessage `json:"decision"`
	EvidenceRefs    EvidenceRefs    `json:"evidenceRefs"`
	Fingerprint     string          `json:"promptHash,omitempty"`
	Model           string          `json:"model,omitempty"`
	CreatedByUserID string          `json:"createdByUserId,omitempty"`
	CreatedByAgent  string          `json:"createdByAgentName,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// fingerprintInput se hashea como JSON; el orden de campos es parte del formato.
type fingerprintInput struct {
	SystemPrompt string `json:"systemPrompt"`
	UserInput    any    `json:"userInput"`
	Model        string `json:"model"`
	HourBucket   string `json:"hourBucket"`
}

// HourBucket trunca now al inicio de su hora UTC.
func HourBucket(now time.Time) time.Time {
	return now.UTC().Truncate(time.Hour)
}

// Fingerprint es el sha256 en hex de las entradas de la decisión y la hora
// actual. Entradas idénticas dentro de la misma hora comparten fingerprint.
func Fingerprint(policy string, input any, model string, now time.Time) (string, error) {
	payload, err := json.Marshal(fingerprintInput{
		SystemPrompt: policy,
		UserInput:    input,
		Model:        model,
		HourBucket:   HourBucket(now).Format("2006-01-02T15:04:05.000Z"),
	})
	if err != nil {
		return "", fmt.Errorf("domain.Fingerprint: marshal: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
