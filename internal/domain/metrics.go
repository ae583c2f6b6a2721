package domain

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// DailyMetrics son los contadores de rendimiento de una entidad en un día.
type DailyMetrics struct {
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	Conversions int64   `json:"conversions"`
	Spend       float64 `json:"spend"` // unidades de la moneda de la cuenta, no centavos
}

// MetricRow es una fila del store de métricas, clave (proyecto, nivel, entidad, fecha).
type MetricRow struct {
	ProjectID string
	Level     EntityLevel
	EntityID  string
	Date      time.Time // medianoche UTC
	Metrics   DailyMetrics
	Raw       json.RawMessage // payload original de la plataforma, puede ser nil
}

// AggregatedMetrics son los totales de una variante en su ventana de medición.
type AggregatedMetrics struct {
	Spend       float64  `json:"spend"`
	Impressions int64    `json:"impressions"`
	Clicks      int64    `json:"clicks"`
	Conversions int64    `json:"conversions"`
	CTR         float64  `json:"CTR"`
	CPA         *float64 `json:"CPA"` // nil si no hay conversiones
	Days        int      `json:"days"`
}

// Aggregate suma las filas diarias y deriva las tasas.
// CTR es 0 sin impresiones; CPA es nil sin conversiones.
func Aggregate(rows []MetricRow) AggregatedMetrics {
	var agg AggregatedMetrics
	for _, r := range rows {
		agg.Spend += r.Metrics.Spend
		agg.Impressions += r.Metrics.Impressions
		agg.Clicks += r.Metrics.Clicks
		agg.Conversions += r.Metrics.Conversions
	}
	agg.Days = len(rows)
	if agg.Impressions > 0 {
		agg.CTR = float64(agg.Clicks) / float64(agg.Impressions)
	}
	if agg.Conversions > 0 {
		cpa := agg.Spend / float64(agg.Conversions)
		agg.CPA = &cpa
	}
	return agg
}

// Value devuelve la métrica usada para el ranking y si está definida.
func (m AggregatedMetrics) Value(metric PrimaryMetric) (float64, bool) {
	switch metric {
	case MetricCTR:
		return m.CTR, true
	case MetricCPA:
		if m.CPA == nil {
			return 0, false
		}
		return *m.CPA, true
	}
	return 0, false
}

// Sample devuelve los contadores que usa el test de significancia.
func (m AggregatedMetrics) Sample() Sample {
	return Sample{Impressions: m.Impressions, Clicks: m.Clicks, Conversions: m.Conversions}
}

// VariantResult es una variante junto con sus métricas agregadas en un tick.
// Metrics es nil si la variante no está vinculada o no se pudieron leer sus datos.
type VariantResult struct {
	VariantID         string             `json:"variant_id"`
	VariantType       string             `json:"variant_type"`
	AllocationPercent float64            `json:"allocation_percent"`
	MetaEntityID      string             `json:"metaEntityId,omitempty"`
	Metrics           *AggregatedMetrics `json:"metrics"`
	DataError         string             `json:"dataError,omitempty"`
}

// NewVariantResult crea el resultado de v sin métricas.
func NewVariantResult(v Variant) VariantResult {
	id, _ := v.Binding.EntityID()
	return VariantResult{
		VariantID:         v.VariantID,
		VariantType:       v.VariantType,
		AllocationPercent: v.AllocationPercent,
		MetaEntityID:      id,
	}
}

// Sample es la entrada del test de significancia de dos proporciones.
type Sample struct {
	Impressions int64 `json:"impressions"`
	Clicks      int64 `json:"clicks"`
	Conversions int64 `json:"conversions"`
}

// SampleFromJSON extrae un Sample de un objeto JSON con forma de variante.
// Los contadores pueden venir anidados bajo "metrics" o como campos planos;
// los anidados ganan. Devuelve nil si no hay ningún contador.
func SampleFromJSON(data []byte) *Sample {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil
	}
	var nested map[string]json.RawMessage
	if m, ok := obj["metrics"]; ok {
		_ = json.Unmarshal(m, &nested)
	}

	found := false
	pick := func(key string) int64 {
		if raw, ok := nested[key]; ok {
			found = true
			return toCount(raw)
		}
		if raw, ok := obj[key]; ok {
			found = true
			return toCount(raw)
		}
		return 0
	}
	s := Sample{
		Impressions: pick("impressions"),
		Clicks:      pick("clicks"),
		Conversions: pick("conversions"),
	}
	if !found {
		return nil
	}
	return &s
}

// toCount convierte un número JSON o string numérico en un conteo entero
// no negativo. Cualquier otra cosa cuenta como 0.
func toCount(raw json.RawMessage) int64 {
	f, ok := ParseNumber(raw)
	if !ok || f < 0 || math.IsInf(f, 0) {
		return 0
	}
	return int64(math.Floor(f))
}

// ParseNumber lee un número JSON o un string JSON que contiene un número.
func ParseNumber(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, !math.IsNaN(f)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}
