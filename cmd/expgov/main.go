package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alejandrodnm/expgov/config"
	"github.com/alejandrodnm/expgov/internal/adapters/meta"
	"github.com/alejandrodnm/expgov/internal/adapters/notify"
	"github.com/alejandrodnm/expgov/internal/adapters/storage"
	"github.com/alejandrodnm/expgov/internal/adapters/telemetry"
	"github.com/alejandrodnm/expgov/internal/application/engine"
	"github.com/alejandrodnm/expgov/internal/application/insights"
)

// Flags globales
var (
	configPath string
	verbose    bool
	logFormat  string
	jsonOutput bool
	tableMode  bool
)

// app agrupa las dependencias compartidas por los comandos.
type app struct {
	cfg     *config.Config
	store   *storage.SQLiteStorage
	metrics *telemetry.Prometheus
	engine  *engine.Engine
	syncer  *insights.Syncer // nil sin META_ACCESS_TOKEN
	console *notify.Console
}

var current *app

var rootCmd = &cobra.Command{
	Use:   "expgov",
	Short: "Experiment governance engine for paid-ads A/B tests",
	Long: `expgov ticks running ad experiments against their decision rules,
records every decision with its evidence and evaluates conversion-rate significance.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) {
		if current != nil && current.store != nil {
			current.store.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "set log level to debug")
	rootCmd.PersistentFlags().StringVar(&logFormat, "format", "", "log format: text|json (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
	rootCmd.PersistentFlags().BoolVar(&tableMode, "table", false, "print full tables instead of compact lines")

	rootCmd.AddCommand(serveCmd, tickCmd, sweepCmd, evaluateCmd, syncCmd, reportCmd, decisionsCmd, experimentCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// setup carga la config, el logger y construye las dependencias.
func setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	setupLogger(cfg.Log)

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("open storage %q: %w", cfg.Storage.DSN, err)
	}

	metrics := telemetry.NewPrometheus()
	a := &app{
		cfg:     cfg,
		store:   store,
		metrics: metrics,
		console: notify.NewConsole(tableMode),
		engine: engine.New(engine.Config{
			AggregateTimeout: cfg.AggregateTimeout(),
			Workers:          cfg.Engine.Workers,
		}, store, store, store, metrics),
	}

	if cfg.Meta.AccessToken != "" {
		client := meta.NewClient(meta.Config{
			BaseURL:           cfg.Meta.BaseURL,
			APIVersion:        cfg.Meta.APIVersion,
			AccessToken:       cfg.Meta.AccessToken,
			RatePerSec:        cfg.Meta.RatePerSec,
			ConversionActions: cfg.Meta.ConversionActions,
		})
		a.syncer = insights.New(insights.Config{
			WindowDays: cfg.Engine.SyncWindowDays,
			Workers:    cfg.Engine.Workers,
		}, store, client, store, metrics)
	} else {
		slog.Debug("expgov: META_ACCESS_TOKEN not set, insight sync disabled")
	}

	current = a
	slog.Debug("expgov: ready", "command", cmd.Name(), "config", configPath, "dsn", cfg.Storage.DSN)
	return nil
}

// printJSON escribe v como JSON indentado a stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Los logs van a stderr para no mezclarse con la salida de los comandos.
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
