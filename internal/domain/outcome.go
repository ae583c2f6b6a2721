package domain

// TickResult es el resultado de un tick sobre un experimento.
// Con Skipped=true no se escribió ningún registro.
type TickResult struct {
	ExperimentID  string          `json:"experimentId"`
	ProjectID     string          `json:"projectId,omitempty"`
	Name          string          `json:"name,omitempty"`
	Skipped       bool            `json:"skipped,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Decision      *Decision       `json:"decision,omitempty"`
	Results       []VariantResult `json:"results,omitempty"`
	RunID         string          `json:"runId,omitempty"`
	SnapshotID    string          `json:"snapshotId,omitempty"`
	DecisionLogID string          `json:"decisionLogId,omitempty"`
	Fingerprint   string          `json:"promptHash,omitempty"`
	Completed     bool            `json:"completed"`
}

// ArmSample es la muestra de un brazo con el id de su variante.
type ArmSample struct {
	VariantID string `json:"variantId"`
	Sample
}

// EvaluationArms agrupa las dos muestras evaluadas.
type EvaluationArms struct {
	A ArmSample `json:"a"`
	B ArmSample `json:"b"`
}

// EvaluationDecision es el payload del DecisionLog EXPERIMENT_CONCLUDED.
type EvaluationDecision struct {
	ExperimentID    string         `json:"experimentId"`
	Winner          Arm            `json:"winner"`
	WinnerVariantID string         `json:"winnerVariantId,omitempty"`
	Confidence      float64        `json:"confidence"`
	Recommendation  string         `json:"recommendation"`
	Variants        EvaluationArms `json:"variants"`
}

// NewEvaluationDecision arma el payload a partir del resultado del test.
func NewEvaluationDecision(experimentID string, arms EvaluationArms, r SignificanceResult) EvaluationDecision {
	d := EvaluationDecision{
		ExperimentID:   experimentID,
		Winner:         r.Winner,
		Confidence:     r.Confidence,
		Recommendation: r.Recommendation,
		Variants:       arms,
	}
	switch r.Winner {
	case ArmA:
		d.WinnerVariantID = arms.A.VariantID
	case ArmB:
		d.WinnerVariantID = arms.B.VariantID
	}
	return d
}

// EvaluationResult es el resultado de una evaluación de significancia bajo demanda.
type EvaluationResult struct {
	EvaluationDecision
	SnapshotID    string `json:"snapshotId"`
	DecisionLogID string `json:"decisionLogId"`
	Fingerprint   string `json:"promptHash"`
	Completed     bool   `json:"completed"`
}
