package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ExperimentStatus es el estado del ciclo de vida de un experimento.
type ExperimentStatus string

const (
	StatusPlanned   ExperimentStatus = "PLANNED"
	StatusRunning   ExperimentStatus = "RUNNING"
	StatusCompleted ExperimentStatus = "COMPLETED"
	StatusStopped   ExperimentStatus = "STOPPED"
)

// IsTerminal indica si el estado ya no puede cambiar.
func (s ExperimentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusStopped
}

// PrimaryMetric es la métrica por la que se rankean las variantes.
type PrimaryMetric string

const (
	MetricCTR PrimaryMetric = "CTR"
	MetricCPA PrimaryMetric = "CPA"
)

// EntityLevel es el nivel de la plataforma de ads al que pertenece una fila de métricas.
type EntityLevel string

const (
	LevelAny      EntityLevel = ""
	LevelCampaign EntityLevel = "campaign"
	LevelAdSet    EntityLevel = "adset"
	LevelAd       EntityLevel = "ad"
)

// EntityBinding vincula una variante con la entidad que produce sus métricas.
// El valor cero es Unbound.
type EntityBinding struct {
	entityID string
	level    EntityLevel
}

// Bound vincula una variante a entityID. Level puede ser LevelAny.
func Bound(entityID string, level EntityLevel) EntityBinding {
	return EntityBinding{entityID: strings.TrimSpace(entityID), level: level}
}

// Unbound es el vínculo de una variante sin fuente de métricas.
func Unbound() EntityBinding { return EntityBinding{} }

// EntityID devuelve la entidad vinculada y si la variante está vinculada.
func (b EntityBinding) EntityID() (string, bool) {
	return b.entityID, b.entityID != ""
}

// Level devuelve el nivel de la entidad (LevelAny si no se indicó).
func (b EntityBinding) Level() EntityLevel { return b.level }

// Variant es un brazo de un experimento.
type Variant struct {
	VariantID         string          `json:"variant_id" validate:"required"`
	VariantType       string          `json:"variant_type"`
	Payload           json.RawMessage `json:"payload_json,omitempty"`
	AllocationPercent float64         `json:"allocation_percent" validate:"gte=0,lte=100"`
	Binding           EntityBinding   `json:"-"`

	// Observed es la última muestra conocida que trae la propia definición,
	// usada por la evaluación de significancia antes de cualquier tick.
	Observed *Sample `json:"-"`
}

// variantJSON es la forma persistida de una Variant.
type variantJSON struct {
	VariantID         string          `json:"variant_id"`
	ID                string          `json:"id,omitempty"`
	VariantType       string          `json:"variant_type"`
	Payload           json.RawMessage `json:"payload_json,omitempty"`
	AllocationPercent float64         `json:"allocation_percent"`
	MetaEntityID      string          `json:"metaEntityId,omitempty"`
	MetaEntityLevel   EntityLevel     `json:"metaEntityLevel,omitempty"`
}

// MarshalJSON aplana el vínculo en metaEntityId/metaEntityLevel y guarda
// Observed bajo "metrics".
func (v Variant) MarshalJSON() ([]byte, error) {
	id, _ := v.Binding.EntityID()
	return json.Marshal(struct {
		variantJSON
		Metrics *Sample `json:"metrics,omitempty"`
	}{
		variantJSON: variantJSON{
			VariantID:         v.VariantID,
			VariantType:       v.VariantType,
			Payload:           v.Payload,
			AllocationPercent: v.AllocationPercent,
			MetaEntityID:      id,
			MetaEntityLevel:   v.Binding.Level(),
		},
		Metrics: v.Observed,
	})
}

// UnmarshalJSON acepta la forma persistida más una muestra opcional, anidada
// bajo "metrics" o como campos planos impressions/clicks/conversions.
func (v *Variant) UnmarshalJSON(data []byte) error {
	var raw variantJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v.VariantID = raw.VariantID
	if v.VariantID == "" {
		v.VariantID = raw.ID
	}
	v.VariantType = raw.VariantType
	v.Payload = raw.Payload
	v.AllocationPercent = raw.AllocationPercent
	v.Binding = Bound(raw.MetaEntityID, raw.MetaEntityLevel)
	v.Observed = SampleFromJSON(data)
	return nil
}

// DecisionRules configura la política de decisión de cada tick.
// StopLossCpaCents y WinnerThresholdPercent en 0 equivalen a no configurados.
type DecisionRules struct {
	PrimaryMetric          PrimaryMetric `json:"primaryMetric" yaml:"primary_metric" validate:"required,oneof=CTR CPA"`
	MinSpendCents          float64       `json:"minSpendCents" yaml:"min_spend_cents" validate:"gte=0"`
	MinImpressions         int64         `json:"minImpressions" yaml:"min_impressions" validate:"gte=0"`
	MaxDays                float64       `json:"maxDays" yaml:"max_days" validate:"gt=0"`
	StopLossCpaCents       *float64      `json:"stopLossCpaCents,omitempty" yaml:"stop_loss_cpa_cents" validate:"omitempty,gte=0"`
	WinnerThresholdPercent *float64      `json:"winnerThresholdPercent,omitempty" yaml:"winner_threshold_percent" validate:"omitempty,gte=0"`
}

// Experiment es un test A/B sobre un conjunto fijo y ordenado de variantes.
type Experiment struct {
	ID         string           `json:"id" validate:"required"`
	ProjectID  string           `json:"projectId" validate:"required"`
	Name       string           `json:"name" validate:"required"`
	Type       string           `json:"type"`
	Hypothesis string           `json:"hypothesis"`
	Variants   []Variant        `json:"variants" validate:"required,min=1,dive"`
	Rules      DecisionRules    `json:"decisionRules"`
	Status     ExperimentStatus `json:"status" validate:"required,oneof=PLANNED RUNNING COMPLETED STOPPED"`
	StartedAt  *time.Time       `json:"startedAt,omitempty"`
	EndedAt    *time.Time       `json:"endedAt,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
}

var validate = validator.New()

// StopLoss devuelve el stop-loss de CPA en centavos si está configurado (> 0).
func (r DecisionRules) StopLoss() (float64, bool) {
	return positive(r.StopLossCpaCents)
}

// WinnerThreshold devuelve el umbral de mejora para escalar si está configurado (> 0).
func (r DecisionRules) WinnerThreshold() (float64, bool) {
	return positive(r.WinnerThresholdPercent)
}

func positive(p *float64) (float64, bool) {
	if p == nil || *p <= 0 {
		return 0, false
	}
	return *p, true
}

// Validate comprueba la configuración de reglas.
func (r DecisionRules) Validate() error {
	if err := validate.Struct(r); err != nil {
		return Invalid("domain.DecisionRules.Validate", "malformed decision rules: %v", err)
	}
	return nil
}

// Validate comprueba la definición del experimento, variantes y reglas.
func (e Experiment) Validate() error {
	if err := validate.Struct(e); err != nil {
		return Invalid("domain.Experiment.Validate", "malformed experiment: %v", err)
	}
	seen := make(map[string]bool, len(e.Variants))
	for _, v := range e.Variants {
		if seen[v.VariantID] {
			return Invalid("domain.Experiment.Validate", "duplicate variant_id %q", v.VariantID)
		}
		seen[v.VariantID] = true
	}
	return e.Rules.Validate()
}

// StartDate es el inicio de la ventana de medición: StartedAt, o now si no hay.
func (e Experiment) StartDate(now time.Time) time.Time {
	if e.StartedAt != nil {
		return *e.StartedAt
	}
	return now
}

// ElapsedDays devuelve los días (fraccionarios) desde StartDate.
func (e Experiment) ElapsedDays(now time.Time) float64 {
	return now.Sub(e.StartDate(now)).Hours() / 24
}

// Allocations devuelve el snapshot de asignación que se guarda en cada run.
func (e Experiment) Allocations() []Allocation {
	out := make([]Allocation, len(e.Variants))
	for i, v := range e.Variants {
		out[i] = Allocation{VariantID: v.VariantID, Allocation: v.AllocationPercent}
	}
	return out
}

// Allocation es una entrada del snapshot de asignación de un run.
type Allocation struct {
	VariantID  string  `json:"variantId"`
	Allocation float64 `json:"allocation"`
}
