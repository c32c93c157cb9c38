// Package config loads the probreco CLI configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// PROBRECO_* environment variables. The merged result is validated before use.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	probreco "github.com/palexbg/ProbReco"
)

// EnvPrefix prefixes every environment override, e.g. PROBRECO_SCORE_SAMPLES.
const EnvPrefix = "PROBRECO"

// Config is the complete CLI configuration.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Tracing  TracingConfig  `yaml:"tracing" envconfig:"TRACING"`
	Metrics  MetricsConfig  `yaml:"metrics" envconfig:"METRICS"`
	Data     DataConfig     `yaml:"data" envconfig:"DATA"`
	Score    ScoreConfig    `yaml:"score" envconfig:"SCORE"`
	Optimize OptimizeConfig `yaml:"optimize" envconfig:"OPTIMIZE"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" envconfig:"FORMAT" validate:"oneof=text json"`
}

// TracingConfig enables the stdout span exporter.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"ENABLED"`
	Pretty  bool `yaml:"pretty" envconfig:"PRETTY"`
}

// MetricsConfig points at an optional Prometheus textfile.
type MetricsConfig struct {
	Textfile string `yaml:"textfile" envconfig:"TEXTFILE"`
}

// DataConfig holds input and output paths. Which ones are required depends on
// the command.
type DataConfig struct {
	Hierarchy    string `yaml:"hierarchy" envconfig:"HIERARCHY"`
	Realizations string `yaml:"realizations" envconfig:"REALIZATIONS"`
	Means        string `yaml:"means" envconfig:"MEANS"`
	SDs          string `yaml:"sds" envconfig:"SDS"`
	Draws        string `yaml:"draws" envconfig:"DRAWS"`
	G            string `yaml:"g" envconfig:"G"`
	Output       string `yaml:"output" envconfig:"OUTPUT"`
}

// ScoreConfig mirrors probreco.ScoreOptions.
type ScoreConfig struct {
	Samples        int     `yaml:"samples" envconfig:"SAMPLES" validate:"gte=1"`
	Rule           string  `yaml:"rule" envconfig:"RULE" validate:"oneof=energy variogram"`
	Alpha          float64 `yaml:"alpha" envconfig:"ALPHA" validate:"gt=0,lt=2"`
	VariogramOrder float64 `yaml:"variogram_order" envconfig:"VARIOGRAM_ORDER" validate:"gt=0"`
	Seed           uint64  `yaml:"seed" envconfig:"SEED"`
	Workers        int     `yaml:"workers" envconfig:"WORKERS" validate:"gte=0"`
	Degenerate     string  `yaml:"degenerate" envconfig:"DEGENERATE" validate:"oneof=skip fail"`
}

// OptimizeConfig mirrors the optimizer fields of probreco.OptimizeOptions.
type OptimizeConfig struct {
	Method            string  `yaml:"method" envconfig:"METHOD" validate:"oneof=adam spsa neldermead"`
	MaxIterations     int     `yaml:"max_iterations" envconfig:"MAX_ITERATIONS" validate:"gte=1"`
	Tolerance         float64 `yaml:"tolerance" envconfig:"TOLERANCE" validate:"gte=0"`
	ConvergenceWindow int     `yaml:"convergence_window" envconfig:"CONVERGENCE_WINDOW" validate:"gte=1"`
	SeedPolicy        string  `yaml:"seed_policy" envconfig:"SEED_POLICY" validate:"oneof=iteration evaluation fixed"`
	Init              string  `yaml:"init" envconfig:"INIT" validate:"oneof=bottomup ols wls"`
	LearningRate      float64 `yaml:"learning_rate" envconfig:"LEARNING_RATE" validate:"gte=0"`
	Perturbation      float64 `yaml:"perturbation" envconfig:"PERTURBATION" validate:"gte=0"`
	Translation       bool    `yaml:"translation" envconfig:"TRANSLATION"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Score: ScoreConfig{
			Samples:        probreco.DefaultSamples,
			Rule:           "energy",
			Alpha:          1,
			VariogramOrder: 0.5,
			Degenerate:     "skip",
		},
		Optimize: OptimizeConfig{
			Method:            probreco.MethodAdam.String(),
			MaxIterations:     probreco.DefaultMaxIterations,
			Tolerance:         probreco.DefaultTolerance,
			ConvergenceWindow: probreco.DefaultConvergenceWindow,
			SeedPolicy:        probreco.SeedPerIteration.String(),
			Init:              probreco.InitBottomUp.String(),
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty) over the
// defaults, applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// NewLogger builds the slog logger described by c.
func (c LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Options converts the score section to library options.
func (c ScoreConfig) Options(logger *slog.Logger) probreco.ScoreOptions {
	var rule probreco.ScoringRule = probreco.EnergyScore{Alpha: c.Alpha}
	if c.Rule == "variogram" {
		rule = probreco.VariogramScore{P: c.VariogramOrder}
	}
	degenerate := probreco.SkipDegenerate
	if c.Degenerate == "fail" {
		degenerate = probreco.FailDegenerate
	}
	return probreco.ScoreOptions{
		Samples:    c.Samples,
		Rule:       rule,
		Seed:       c.Seed,
		Workers:    c.Workers,
		Degenerate: degenerate,
		Logger:     logger,
	}
}

// Options converts the optimize section to library options on top of score.
func (c OptimizeConfig) Options(score probreco.ScoreOptions) probreco.OptimizeOptions {
	opts := probreco.OptimizeOptions{
		ScoreOptions:        score,
		MaxIterations:       c.MaxIterations,
		Tolerance:           c.Tolerance,
		ConvergenceWindow:   c.ConvergenceWindow,
		LearningRate:        c.LearningRate,
		Perturbation:        c.Perturbation,
		OptimizeTranslation: c.Translation,
	}
	switch c.Method {
	case "spsa":
		opts.Method = probreco.MethodSPSA
	case "neldermead":
		opts.Method = probreco.MethodNelderMead
	default:
		opts.Method = probreco.MethodAdam
	}
	switch c.SeedPolicy {
	case "evaluation":
		opts.SeedPolicy = probreco.SeedPerEvaluation
	case "fixed":
		opts.SeedPolicy = probreco.SeedFixed
	default:
		opts.SeedPolicy = probreco.SeedPerIteration
	}
	switch c.Init {
	case "ols":
		opts.Init = probreco.InitOLS
	case "wls":
		opts.Init = probreco.InitWLS
	default:
		opts.Init = probreco.InitBottomUp
	}
	return opts
}
