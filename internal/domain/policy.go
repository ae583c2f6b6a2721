package domain

import (
	"fmt"
	"math"
	"sort"
)

// Action es lo que la política de decisión indica hacer al operador (o a la plataforma de ads).
type Action string

const (
	ActionWait    Action = "WAIT"
	ActionIterate Action = "ITERATE"
	ActionScale   Action = "SCALE"
	ActionKill    Action = "KILL"
	ActionStop    Action = "STOP"
)

// IsTerminal indica si la acción completa el experimento.
func (a Action) IsTerminal() bool {
	return a == ActionKill || a == ActionScale || a == ActionStop
}

// DefaultScaleFactor es el multiplicador de presupuesto de una decisión SCALE.
const DefaultScaleFactor = 1.5

// Decision es la salida de la política de decisión de cada tick.
type Decision struct {
	Action         Action   `json:"action"`
	Reason         string   `json:"reason"`
	VariantID      string   `json:"variantId,omitempty"`
	LeadingVariant string   `json:"leadingVariant,omitempty"`
	Improvement    *float64 `json:"improvement,omitempty"` // porcentaje, nil si no está definido
	ScaleFactor    float64  `json:"scaleFactor,omitempty"`
}

// IsReady indica si una variante tiene datos suficientes para entrar al ranking.
func IsReady(r VariantResult, rules DecisionRules) bool {
	if r.Metrics == nil {
		return false
	}
	return r.Metrics.Spend*100 >= rules.MinSpendCents && r.Metrics.Impressions >= rules.MinImpressions
}

// Decide traduce las métricas de las variantes y las reglas en una acción.
//
// Solo se rankea con al menos dos variantes y todas listas; si no, WAIT.
// Prioridad tras el ranking: KILL (stop-loss de CPA) > SCALE (umbral
// alcanzado) > ITERATE. Un ITERATE pasado MaxDays se convierte en STOP.
func Decide(results []VariantResult, rules DecisionRules, elapsedDays float64) Decision {
	wait := Decision{Action: ActionWait, Reason: "Insufficient data"}
	if len(results) < 2 {
		return wait
	}
	for _, r := range results {
		if !IsReady(r, rules) {
			return wait
		}
	}

	metric := rules.PrimaryMetric
	ranked := rank(results, metric)
	winner, loser := ranked[0], ranked[len(ranked)-1]
	improvement := improvementPercent(winner, loser, metric)

	stopLoss, hasStopLoss := rules.StopLoss()
	threshold, hasThreshold := rules.WinnerThreshold()

	var d Decision
	switch {
	case metric == MetricCPA && hasStopLoss && exceedsStopLoss(loser, stopLoss):
		d = Decision{
			Action:    ActionKill,
			VariantID: loser.VariantID,
			Reason:    "Stop loss triggered",
		}
	case hasThreshold && improvement >= threshold:
		d = Decision{
			Action:      ActionScale,
			VariantID:   winner.VariantID,
			Reason:      scaleReason(improvement),
			ScaleFactor: DefaultScaleFactor,
		}
	default:
		d = Decision{
			Action:         ActionIterate,
			Reason:         "No clear winner yet",
			LeadingVariant: winner.VariantID,
		}
	}
	d.Improvement = finite(improvement)

	if d.Action == ActionIterate && elapsedDays >= rules.MaxDays {
		d = Decision{
			Action:         ActionStop,
			Reason:         "Max days reached without clear winner",
			LeadingVariant: winner.VariantID,
			Improvement:    finite(improvement),
		}
	}
	return d
}

// rank ordena las variantes de mejor a peor: CTR desc, CPA asc con CPA
// indefinido al final. Los empates conservan el orden de entrada.
func rank(results []VariantResult, metric PrimaryMetric) []VariantResult {
	ranked := make([]VariantResult, len(results))
	copy(ranked, results)
	sort.SliceStable(ranked, func(i, j int) bool {
		vi, oki := ranked[i].Metrics.Value(metric)
		vj, okj := ranked[j].Metrics.Value(metric)
		if metric == MetricCTR {
			return vi > vj
		}
		if oki != okj {
			return oki
		}
		return oki && vi < vj
	})
	return ranked
}

// improvementPercent es la ventaja relativa del ganador sobre el perdedor en la
// dirección preferida de la métrica. +Inf contra un CTR base de 0, NaN si
// algún CPA es indefinido o ambos valores son 0.
func improvementPercent(winner, loser VariantResult, metric PrimaryMetric) float64 {
	w, okW := winner.Metrics.Value(metric)
	l, okL := loser.Metrics.Value(metric)
	if !okW || !okL {
		return math.NaN()
	}
	if l == 0 {
		if w == l {
			return math.NaN()
		}
		return math.Inf(1)
	}
	if metric == MetricCTR {
		return (w - l) / l * 100
	}
	return (l - w) / l * 100
}

func exceedsStopLoss(loser VariantResult, stopLossCents float64) bool {
	cpa, ok := loser.Metrics.Value(MetricCPA)
	return ok && cpa*100 > stopLossCents
}

func scaleReason(improvement float64) string {
	if math.IsInf(improvement, 1) {
		return "Winner against a zero baseline"
	}
	return fmt.Sprintf("Winner by %.1f%%", improvement)
}

func finite(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
