package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/expgov/internal/adapters/httpapi"
	"github.com/alejandrodnm/expgov/internal/application/scheduler"
)

var (
	serveOnce   bool
	serveNoHTTP bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler loop and the HTTP trigger API",
	Long: `Run insight sync, ticks and (optionally) significance sweeps on their configured
intervals, and serve the HTTP API on server.addr.

Examples:
  expgov serve
  expgov serve --once --table`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveOnce, "once", false, "run one sync + tick cycle and exit")
	serveCmd.Flags().BoolVar(&serveNoHTTP, "no-http", false, "do not start the HTTP server")
}

func runServe(cmd *cobra.Command, _ []string) error {
	a := current
	ctx := cmd.Context()

	schedCfg := scheduler.Config{
		TickInterval:     a.cfg.TickInterval(),
		EvaluateInterval: a.cfg.EvaluateInterval(),
		SyncInterval:     a.cfg.SyncInterval(),
		Once:             serveOnce,
	}
	var syncer scheduler.Syncer
	if a.syncer != nil {
		syncer = a.syncer
	}
	sched := scheduler.New(schedCfg, a.engine, syncer, a.console)

	slog.Info("expgov starting",
		"config", configPath,
		"tick_interval", schedCfg.TickInterval,
		"sync", syncer != nil,
		"once", serveOnce,
		"addr", a.cfg.Server.Addr,
	)

	if serveOnce {
		return sched.Run(ctx)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })

	if a.cfg.Server.Addr != "" && !serveNoHTTP {
		srv := httpapi.NewHTTPServer(httpapi.Config{Addr: a.cfg.Server.Addr}, httpapi.Deps{
			Engine:      a.engine,
			Experiments: a.store,
			Audits:      a.store,
			Metrics:     a.metrics.Handler(),
			Ping:        a.store.Ping,
		})
		g.Go(func() error {
			slog.Info("httpapi: listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("expgov exited with error", "err", err)
		return err
	}
	slog.Info("expgov stopped cleanly")
	return nil
}
