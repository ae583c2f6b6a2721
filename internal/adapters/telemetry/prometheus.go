// Package telemetry implementa ports.EngineMetrics sobre Prometheus.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "expgov"

// Prometheus registra las métricas del engine en un registry propio.
type Prometheus struct {
	registry *prometheus.Registry

	ticks        *prometheus.CounterVec
	tickDuration *prometheus.HistogramVec
	tickFailures *prometheus.CounterVec
	dataErrors   prometheus.Counter
	evaluations  *prometheus.CounterVec
	insightRows  prometheus.Counter
}

// NewPrometheus crea las métricas sobre un registry nuevo que además
// incluye los collectors de proceso y del runtime de Go.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	f := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "ticks_total",
			Help:      "Completed ticks by decided action",
		}, []string{"action"}),
		tickDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "tick_duration_seconds",
			Help:      "Tick latency in seconds by decided action",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"action"}),
		tickFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "tick_failures_total",
			Help:      "Failed ticks by error kind",
		}, []string{"kind"}),
		dataErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "variant_data_errors_total",
			Help:      "Variant metric reads that failed during a tick",
		}),
		evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "evaluations_total",
			Help:      "Significance evaluations by outcome",
		}, []string{"winner"}),
		insightRows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "insights",
			Name:      "rows_synced_total",
			Help:      "Daily insight rows upserted into the metrics store",
		}),
	}
}

func (p *Prometheus) TickCompleted(action string, d time.Duration) {
	p.ticks.WithLabelValues(action).Inc()
	p.tickDuration.WithLabelValues(action).Observe(d.Seconds())
}

func (p *Prometheus) TickFailed(kind string) {
	p.tickFailures.WithLabelValues(kind).Inc()
}

func (p *Prometheus) VariantDataError() {
	p.dataErrors.Inc()
}

func (p *Prometheus) EvaluationCompleted(winner bool) {
	p.evaluations.WithLabelValues(strconv.FormatBool(winner)).Inc()
}

func (p *Prometheus) InsightRowsSynced(n int) {
	p.insightRows.Add(float64(n))
}

// Handler expone el registry en formato de exposición de Prometheus.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
