// Package config loads kline-view configuration from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"kline-view/internal/bridge"
)

// EnvPrefix prefixes every environment override, e.g. KLINE_API_LISTEN_ADDRESS.
const EnvPrefix = "KLINE_"

// Config is the root configuration structure.
type Config struct {
	App    AppConfig    `yaml:"app" envPrefix:"APP_"`
	Log    LogConfig    `yaml:"log" envPrefix:"LOG_"`
	Engine EngineConfig `yaml:"engine" envPrefix:"ENGINE_"`
	Ingest IngestConfig `yaml:"ingest" envPrefix:"INGEST_"`
	API    APIConfig    `yaml:"api" envPrefix:"API_"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Env      string `yaml:"env" env:"ENV"`
	LogLevel string `yaml:"logLevel" env:"LOG_LEVEL"`
}

// LogConfig configures the rotated log file.
type LogConfig struct {
	File       string `yaml:"file" env:"FILE"`
	MaxSizeMB  int    `yaml:"maxSizeMb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"maxBackups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"maxAgeDays" env:"MAX_AGE_DAYS"`
	Compress   bool   `yaml:"compress" env:"COMPRESS"`
}

// EngineConfig selects and configures the numeric engine.
type EngineConfig struct {
	WasmPath         string         `yaml:"wasmPath" env:"WASM_PATH"`
	WASI             bool           `yaml:"wasi" env:"WASI"`
	MemoryLimitPages uint32         `yaml:"memoryLimitPages" env:"MEMORY_LIMIT_PAGES"`
	Demo             bool           `yaml:"demo" env:"DEMO"`
	DemoArenaBytes   int            `yaml:"demoArenaBytes" env:"DEMO_ARENA_BYTES"`
	Exports          bridge.Exports `yaml:"exports" envPrefix:"EXPORT_"`
}

// IngestConfig holds the defaults applied to every ingest.
type IngestConfig struct {
	Columns        bridge.ColumnConfig `yaml:"columns" envPrefix:"COLUMN_"`
	EMAPeriods     []uint32            `yaml:"emaPeriods" env:"EMA_PERIODS"`
	EMAColors      []string            `yaml:"emaColors" env:"EMA_COLORS"`
	BacktestParam  uint32              `yaml:"backtestParam" env:"BACKTEST_PARAM"`
	MaxUploadBytes int64               `yaml:"maxUploadBytes" env:"MAX_UPLOAD_BYTES"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	ListenAddress string `yaml:"listenAddress" env:"LISTEN_ADDRESS"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	cfg := Config{
		Engine: EngineConfig{Exports: bridge.DefaultExports()},
		Ingest: IngestConfig{
			Columns:       bridge.DefaultColumns(),
			EMAPeriods:    []uint32{20, 60},
			EMAColors:     []string{"#FF9800", "#2962FF"},
			BacktestParam: 2,
		},
	}
	cfg.setDefaults()
	return cfg
}

// Load reads the YAML file at path, if any, then applies .env and KLINE_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
	}

	// a missing .env is normal outside development
	_ = godotenv.Load()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// setDefaults applies defaults for optional fields left empty.
func (c *Config) setDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Log.File == "" {
		c.Log.File = "logs/klined.log"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 50
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 10
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 30
	}
	if c.Engine.DemoArenaBytes == 0 {
		c.Engine.DemoArenaBytes = 1 << 20
	}
	def := bridge.DefaultExports()
	for _, f := range []struct {
		dst *string
		def string
	}{
		{&c.Engine.Exports.Alloc, def.Alloc},
		{&c.Engine.Exports.Free, def.Free},
		{&c.Engine.Exports.Parse, def.Parse},
		{&c.Engine.Exports.Analyze, def.Analyze},
		{&c.Engine.Exports.EMA, def.EMA},
		{&c.Engine.Exports.Backtest, def.Backtest},
	} {
		if *f.dst == "" {
			*f.dst = f.def
		}
	}
	if c.Ingest.MaxUploadBytes == 0 {
		c.Ingest.MaxUploadBytes = 32 << 20
	}
	if c.API.ListenAddress == "" {
		c.API.ListenAddress = ":8090"
	}
}

func (c *Config) validate() error {
	var errs []error
	if !slices.Contains([]string{"dev", "staging", "prod"}, c.App.Env) {
		errs = append(errs, fmt.Errorf("app.env %q must be dev, staging or prod", c.App.Env))
	}
	if _, err := zapcore.ParseLevel(c.App.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("app.logLevel: %w", err))
	}
	if !c.Engine.Demo && c.Engine.WasmPath == "" {
		errs = append(errs, errors.New("engine.wasmPath is required unless engine.demo is set"))
	}
	if c.Engine.DemoArenaBytes < 0 {
		errs = append(errs, errors.New("engine.demoArenaBytes must not be negative"))
	}
	if c.Ingest.Columns.Time < 0 || c.Ingest.Columns.Close < 0 {
		errs = append(errs, errors.New("ingest.columns: time and close are required"))
	}
	for _, p := range c.Ingest.EMAPeriods {
		if p == 0 {
			errs = append(errs, errors.New("ingest.emaPeriods: periods must be positive"))
			break
		}
	}
	if c.Ingest.MaxUploadBytes < 0 {
		errs = append(errs, errors.New("ingest.maxUploadBytes must not be negative"))
	}
	return errors.Join(errs...)
}
