package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa de expgov.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Meta    MetaConfig    `yaml:"meta"`
	Storage StorageConfig `yaml:"storage"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
}

// EngineConfig controla los sweeps y el engine.
type EngineConfig struct {
	TickIntervalSeconds     int `yaml:"tick_interval_seconds"`
	EvaluateIntervalSeconds int `yaml:"evaluate_interval_seconds"` // 0 = sin evaluación periódica
	SyncIntervalSeconds     int `yaml:"sync_interval_seconds"`     // negativo = sin sync de insights
	SyncWindowDays          int `yaml:"sync_window_days"`
	AggregateTimeoutSeconds int `yaml:"aggregate_timeout_seconds"` // por variante
	Workers                 int `yaml:"workers"`
}

// MetaConfig contiene el acceso a la Graph API.
type MetaConfig struct {
	BaseURL           string   `yaml:"base_url"`
	APIVersion        string   `yaml:"api_version"`
	AccessToken       string   `yaml:"access_token"` // mejor por META_ACCESS_TOKEN
	RatePerSec        float64  `yaml:"rate_per_sec"`
	ConversionActions []string `yaml:"conversion_actions"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// ServerConfig controla el servidor HTTP de `serve`.
type ServerConfig struct {
	Addr string `yaml:"addr"` // vacío desactiva el servidor
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
// Si path no existe se usan solo defaults y entorno.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	setDefaults(&cfg)

	return &cfg, nil
}

// TickInterval devuelve el intervalo de ticks como time.Duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Engine.TickIntervalSeconds) * time.Second
}

// EvaluateInterval devuelve el intervalo de evaluación (0 = desactivado).
func (c *Config) EvaluateInterval() time.Duration {
	return time.Duration(c.Engine.EvaluateIntervalSeconds) * time.Second
}

// SyncInterval devuelve el intervalo de sync de insights (0 = desactivado).
func (c *Config) SyncInterval() time.Duration {
	if c.Engine.SyncIntervalSeconds < 0 {
		return 0
	}
	return time.Duration(c.Engine.SyncIntervalSeconds) * time.Second
}

// AggregateTimeout devuelve el timeout de lectura por variante.
func (c *Config) AggregateTimeout() time.Duration {
	return time.Duration(c.Engine.AggregateTimeoutSeconds) * time.Second
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("META_ACCESS_TOKEN"); v != "" {
		cfg.Meta.AccessToken = v
	}
	if v := os.Getenv("EXPGOV_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("EXPGOV_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("EXPGOV_TICK_INTERVAL_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EXPGOV_TICK_INTERVAL_SECONDS: %w", err)
		}
		cfg.Engine.TickIntervalSeconds = n
	}
	return nil
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Engine.TickIntervalSeconds <= 0 {
		cfg.Engine.TickIntervalSeconds = 300
	}
	if cfg.Engine.EvaluateIntervalSeconds < 0 {
		cfg.Engine.EvaluateIntervalSeconds = 0
	}
	if cfg.Engine.SyncIntervalSeconds == 0 {
		cfg.Engine.SyncIntervalSeconds = 3600
	}
	if cfg.Engine.SyncWindowDays <= 0 {
		cfg.Engine.SyncWindowDays = 7
	}
	if cfg.Engine.AggregateTimeoutSeconds <= 0 {
		cfg.Engine.AggregateTimeoutSeconds = 10
	}
	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = 4
	}
	if cfg.Meta.BaseURL == "" {
		cfg.Meta.BaseURL = "https://graph.facebook.com"
	}
	if cfg.Meta.APIVersion == "" {
		cfg.Meta.APIVersion = "v19.0"
	}
	if cfg.Meta.RatePerSec <= 0 {
		cfg.Meta.RatePerSec = 5
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "expgov.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
