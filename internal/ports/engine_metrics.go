package ports

import "time"

// EngineMetrics recibe las observaciones del engine (Prometheus en producción).
type EngineMetrics interface {
	TickCompleted(action string, d time.Duration)
	TickFailed(kind string)
	VariantDataError()
	EvaluationCompleted(winner bool)
	InsightRowsSynced(n int)
}

// NopMetrics descarta todas las observaciones.
type NopMetrics struct{}

func (NopMetrics) TickCompleted(string, time.Duration) {}
func (NopMetrics) TickFailed(string)                   {}
func (NopMetrics) VariantDataError()                   {}
func (NopMetrics) EvaluationCompleted(bool)            {}
func (NopMetrics) InsightRowsSynced(int)               {}
