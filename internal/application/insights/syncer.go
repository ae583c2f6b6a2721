// Package insights trae las métricas diarias de la plataforma de ads al
// metrics store para las entidades vinculadas a experimentos RUNNING.
package insights

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/expgov/internal/domain"
	"github.com/alejandrodnm/expgov/internal/ports"
)

const (
	defaultWindowDays = 7
	defaultWorkers    = 4
)

// Config controla la ventana y el paralelismo del sync.
type Config struct {
	WindowDays int              // días hacia atrás incluyendo hoy (0 = 7)
	Workers    int              // entidades en paralelo (0 = 4)
	Now        func() time.Time // nil = time.Now
}

// SyncReport resume un sync. Errors tiene una línea por entidad fallida.
type SyncReport struct {
	Stored   int      `json:"stored"`
	Entities int      `json:"entities"`
	Errors   []string `json:"errors"`
}

// Syncer copia insights diarios de la plataforma al metrics store.
type Syncer struct {
	cfg         Config
	experiments ports.ExperimentStore
	provider    ports.InsightsProvider
	writer      ports.MetricsWriter
	telemetry   ports.EngineMetrics
}

// New crea un Syncer. telemetry puede ser nil.
func New(cfg Config, experiments ports.ExperimentStore, provider ports.InsightsProvider, writer ports.MetricsWriter, telemetry ports.EngineMetrics) *Syncer {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = defaultWindowDays
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if telemetry == nil {
		telemetry = ports.NopMetrics{}
	}
	return &Syncer{
		cfg:         cfg,
		experiments: experiments,
		provider:    provider,
		writer:      writer,
		telemetry:   telemetry,
	}
}

// entity es una entidad vinculada, única por proyecto/nivel/id.
type entity struct {
	projectID string
	entityID  string
	level     domain.EntityLevel
}

func (e entity) String() string {
	if e.level == domain.LevelAny {
		return e.projectID + "/" + e.entityID
	}
	return e.projectID + "/" + string(e.level) + "/" + e.entityID
}

// Sync sincroniza la ventana configurada para todas las entidades vinculadas
// de los experimentos RUNNING. Un fallo por entidad se acumula en el reporte;
// solo devuelve error si no se pudieron listar los experimentos.
func (s *Syncer) Sync(ctx context.Context) (SyncReport, error) {
	start := time.Now()
	report := SyncReport{Errors: []string{}}

	exps, err := s.experiments.ListExperimentsByStatus(ctx, domain.StatusRunning)
	if err != nil {
		return report, fmt.Errorf("insights.Sync: list running: %w", err)
	}
	entities := boundEntities(exps)
	report.Entities = len(entities)
	if len(entities) == 0 {
		slog.Debug("insights: no bound entities to sync")
		return report, nil
	}

	until := s.cfg.Now().UTC().Truncate(24 * time.Hour)
	since := until.AddDate(0, 0, -(s.cfg.WindowDays - 1))

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, ent := range entities {
		g.Go(func() error {
			n, err := s.syncEntity(ctx, ent, since, until)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("insights: entity sync failed", "entity", ent.String(), "err", err)
				report.Errors = append(report.Errors, fmt.Sprintf("Entity %s: %v", ent, err))
				return nil
			}
			report.Stored += n
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(report.Errors)

	s.telemetry.InsightRowsSynced(report.Stored)
	slog.Info("insights: sync complete",
		"entities", report.Entities,
		"stored", report.Stored,
		"errors", len(report.Errors),
		"since", since.Format("2006-01-02"),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return report, nil
}

func (s *Syncer) syncEntity(ctx context.Context, ent entity, since, until time.Time) (int, error) {
	rows, err := s.provider.FetchDailyInsights(ctx, ent.entityID, ent.level, since, until)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	for i := range rows {
		rows[i].ProjectID = ent.projectID
		rows[i].EntityID = ent.entityID
	}
	return s.writer.UpsertDailyMetrics(ctx, rows)
}

// boundEntities devuelve las entidades vinculadas sin repetir, en orden estable.
func boundEntities(exps []domain.Experiment) []entity {
	seen := make(map[entity]bool)
	var out []entity
	for _, exp := range exps {
		for _, v := range exp.Variants {
			id, ok := v.Binding.EntityID()
			if !ok {
				continue
			}
			ent := entity{projectID: exp.ProjectID, entityID: id, level: v.Binding.Level()}
			if seen[ent] {
				continue
			}
			seen[ent] = true
			out = append(out, ent)
		}
	}
	return out
}
