// Package scheduler dispara los sweeps periódicos: sync de insights, ticks
// de experimentos RUNNING y, opcionalmente, evaluación de significancia.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/alejandrodnm/expgov/internal/application/engine"
	"github.com/alejandrodnm/expgov/internal/application/insights"
	"github.com/alejandrodnm/expgov/internal/ports"
)

// Sweeper es la parte del engine que usa el scheduler.
type Sweeper interface {
	Sweep(ctx context.Context) engine.SweepReport
	EvaluateRunning(ctx context.Context) engine.SweepReport
}

// Syncer trae insights de la plataforma de ads al metrics store.
type Syncer interface {
	Sync(ctx context.Context) (insights.SyncReport, error)
}

// Config contiene los intervalos del scheduler. Un intervalo 0 desactiva ese sweep,
// salvo TickInterval que es obligatorio en modo loop.
type Config struct {
	TickInterval     time.Duration
	EvaluateInterval time.Duration
	SyncInterval     time.Duration
	Once             bool // un solo ciclo y salir
}

// Scheduler es el loop principal del proceso `serve`.
type Scheduler struct {
	cfg      Config
	engine   Sweeper
	syncer   Syncer
	notifier ports.Notifier
}

// New crea un Scheduler. syncer y notifier pueden ser nil.
func New(cfg Config, sweeper Sweeper, syncer Syncer, notifier ports.Notifier) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Minute
	}
	return &Scheduler{cfg: cfg, engine: sweeper, syncer: syncer, notifier: notifier}
}

// Run ejecuta los sweeps hasta que el contexto se cancele.
// Con cfg.Once ejecuta un ciclo completo y vuelve.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler: starting",
		"tick_interval", s.cfg.TickInterval,
		"evaluate_interval", s.cfg.EvaluateInterval,
		"sync_interval", s.cfg.SyncInterval,
		"once", s.cfg.Once,
	)

	s.RunOnce(ctx)
	if s.cfg.Once {
		return nil
	}

	tick := time.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()
	evaluateC, stopEvaluate := tickerC(s.cfg.EvaluateInterval, true)
	defer stopEvaluate()
	syncC, stopSync := tickerC(s.cfg.SyncInterval, s.syncer != nil)
	defer stopSync()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler: stopped")
			return nil
		case <-syncC:
			s.sync(ctx)
		case <-tick.C:
			s.sweep(ctx)
		case <-evaluateC:
			s.evaluate(ctx)
		}
	}
}

// RunOnce ejecuta sync → ticks → evaluación (si está activada) una vez.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if s.syncer != nil && (s.cfg.SyncInterval > 0 || s.cfg.Once) {
		s.sync(ctx)
	}
	s.sweep(ctx)
	if s.cfg.EvaluateInterval > 0 {
		s.evaluate(ctx)
	}
}

// tickerC devuelve el canal de un ticker y su stop, o un canal nil (nunca
// dispara) si el sweep está desactivado.
func tickerC(interval time.Duration, enabled bool) (<-chan time.Time, func()) {
	if interval <= 0 || !enabled {
		return nil, func() {}
	}
	t := time.NewTicker(interval)
	return t.C, t.Stop
}

func (s *Scheduler) sweep(ctx context.Context) {
	report := s.engine.Sweep(ctx)
	for _, e := range report.Errors {
		slog.Error("scheduler: tick failed", "err", e)
	}
	if s.notifier != nil && len(report.Ticks) > 0 {
		if err := s.notifier.NotifyTicks(ctx, report.Ticks); err != nil {
			slog.Warn("scheduler: notifier error", "err", err)
		}
	}
}

func (s *Scheduler) evaluate(ctx context.Context) {
	report := s.engine.EvaluateRunning(ctx)
	for _, e := range report.Errors {
		slog.Error("scheduler: evaluation failed", "err", e)
	}
}

func (s *Scheduler) sync(ctx context.Context) {
	report, err := s.syncer.Sync(ctx)
	if err != nil {
		slog.Error("scheduler: insight sync failed", "err", err)
		return
	}
	for _, e := range report.Errors {
		slog.Warn("scheduler: insight sync entity failed", "err", e)
	}
}
