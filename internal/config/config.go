package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/spectrum-kriging/core"
	"github.com/signalsfoundry/spectrum-kriging/internal/logging"
	"github.com/signalsfoundry/spectrum-kriging/internal/observability"
	"github.com/signalsfoundry/spectrum-kriging/model"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config captures everything an estimation run needs.
type Config struct {
	Variogram  VariogramConfig             `yaml:"variogram"`
	Kriging    KrigingConfig               `yaml:"kriging"`
	Power      PowerConfig                 `yaml:"power"`
	Incumbents []IncumbentConfig           `yaml:"incumbents"`
	Queries    []model.Point               `yaml:"queries"`
	Store      StoreConfig                 `yaml:"store"`
	Logging    logging.Config              `yaml:"logging"`
	Tracing    observability.TracingConfig `yaml:"tracing"`
}

// VariogramConfig flattens binning and fit settings into one section.
type VariogramConfig struct {
	core.BinningConfig `yaml:",inline"`
	core.FitConfig     `yaml:",inline"`
}

// KrigingConfig controls prediction fan-out.
type KrigingConfig struct {
	Workers int `yaml:"workers"`
}

// PowerConfig sets the interference threshold and the safety margin. Give
// either marginFactor or outageProbability; the latter is converted with
// the standard normal quantile.
type PowerConfig struct {
	Threshold         float64 `yaml:"threshold"`
	MarginFactor      float64 `yaml:"marginFactor"`
	OutageProbability float64 `yaml:"outageProbability"`
}

// IncumbentConfig is one protected receiver. Exactly one of pathLoss
// (linear gain from the secondary transmitter), pathLossDB or freeSpace
// must be set.
type IncumbentConfig struct {
	X          float64          `yaml:"x"`
	Y          float64          `yaml:"y"`
	PathLoss   float64          `yaml:"pathLoss"`
	PathLossDB *float64         `yaml:"pathLossDB"`
	FreeSpace  *FreeSpaceConfig `yaml:"freeSpace"`
}

// FreeSpaceConfig derives path loss from the transmitter distance and the
// carrier frequency.
type FreeSpaceConfig struct {
	DistanceKm   float64 `yaml:"distanceKm"`
	FrequencyGHz float64 `yaml:"frequencyGHz"`
}

// StoreConfig points at the measurement database.
type StoreConfig struct {
	Path     string `yaml:"path"`
	Campaign string `yaml:"campaign"`
}

// Location returns the receiver position.
func (c IncumbentConfig) Location() model.Point { return model.Point{X: c.X, Y: c.Y} }

// Gain returns the linear path gain to the receiver.
func (c IncumbentConfig) Gain() float64 {
	switch {
	case c.PathLossDB != nil:
		return core.GainFromLossDB(*c.PathLossDB)
	case c.FreeSpace != nil:
		return core.GainFromLossDB(core.FreeSpacePathLossDB(c.FreeSpace.DistanceKm, c.FreeSpace.FrequencyGHz))
	}
	return c.PathLoss
}

func (c IncumbentConfig) validate() error {
	forms := 0
	if c.PathLoss != 0 {
		forms++
		if !(c.PathLoss > 0) || math.IsInf(c.PathLoss, 0) {
			return errors.New("pathLoss must be positive and finite")
		}
	}
	if c.PathLossDB != nil {
		forms++
		if !finite(*c.PathLossDB) {
			return errors.New("pathLossDB must be finite")
		}
	}
	if fs := c.FreeSpace; fs != nil {
		forms++
		if !(fs.DistanceKm > 0) || !(fs.FrequencyGHz > 0) || !finite(fs.DistanceKm) || !finite(fs.FrequencyGHz) {
			return errors.New("freeSpace distanceKm and frequencyGHz must be positive and finite")
		}
	}
	if forms != 1 {
		return errors.New("set exactly one of pathLoss, pathLossDB or freeSpace")
	}
	if !c.Location().IsFinite() {
		return fmt.Errorf("location (%v, %v) must be finite", c.X, c.Y)
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Margin resolves the configured margin factor.
func (c PowerConfig) Margin() (float64, error) {
	if c.OutageProbability > 0 {
		return core.MarginForOutage(c.OutageProbability)
	}
	return c.MarginFactor, nil
}

// Load initialises Config from a YAML file and environment overrides. An
// empty path falls back to SPECTRUM_KRIGING_CONFIG, then to defaults only.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SPECTRUM_KRIGING_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	observability.ApplyTracingEnv(&cfg.Tracing)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() Config { return defaultConfig() }

func defaultConfig() Config {
	return Config{
		Variogram: VariogramConfig{
			BinningConfig: core.DefaultBinning(),
			FitConfig:     core.DefaultFit(),
		},
		Kriging: KrigingConfig{Workers: runtime.GOMAXPROCS(0)},
		Store:   StoreConfig{Path: "radiomap.db"},
		Logging: logging.Config{Level: "info", Format: "text"},
		Tracing: observability.DefaultTracingConfig(),
	}
}

// Validate normalises the family name and rejects settings no run could use.
func (c *Config) Validate() error {
	v := &c.Variogram
	if !(v.LagWidth > 0) && v.PairsPerBin <= 0 {
		return fmt.Errorf("%w: variogram.lagWidth must be positive", ErrInvalidConfig)
	}
	if !(v.MaxLag >= 0) || math.IsInf(v.MaxLag, 0) {
		return fmt.Errorf("%w: variogram.maxLag must be finite and >= 0 (0 derives it from the samples)", ErrInvalidConfig)
	}
	if v.PairsPerBin < 0 || v.MinBins < 0 || v.MaxIterations < 0 {
		return fmt.Errorf("%w: variogram counts must not be negative", ErrInvalidConfig)
	}
	if !strings.EqualFold(string(v.Family), string(core.Auto)) {
		f, err := core.ParseModelFamily(string(v.Family))
		if err != nil {
			return fmt.Errorf("%w: variogram.family: %v", ErrInvalidConfig, err)
		}
		v.Family = f
	} else {
		v.Family = core.Auto
	}
	if c.Kriging.Workers <= 0 {
		c.Kriging.Workers = runtime.GOMAXPROCS(0)
	}
	if c.Power.MarginFactor < 0 {
		return fmt.Errorf("%w: power.marginFactor must be >= 0", ErrInvalidConfig)
	}
	if c.Power.OutageProbability != 0 {
		if c.Power.MarginFactor != 0 {
			return fmt.Errorf("%w: set power.marginFactor or power.outageProbability, not both", ErrInvalidConfig)
		}
		if !(c.Power.OutageProbability > 0 && c.Power.OutageProbability < 1) {
			return fmt.Errorf("%w: power.outageProbability must be in (0, 1)", ErrInvalidConfig)
		}
	}
	for i, inc := range c.Incumbents {
		if err := inc.validate(); err != nil {
			return fmt.Errorf("%w: incumbents[%d]: %v", ErrInvalidConfig, i, err)
		}
	}
	for i, q := range c.Queries {
		if !q.IsFinite() {
			return fmt.Errorf("%w: queries[%d]: location (%v, %v) must be finite", ErrInvalidConfig, i, q.X, q.Y)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SPECTRUM_KRIGING_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SPECTRUM_KRIGING_CAMPAIGN"); v != "" {
		cfg.Store.Campaign = v
	}
	if v := os.Getenv("SPECTRUM_KRIGING_FAMILY"); v != "" {
		cfg.Variogram.Family = core.ModelFamily(v)
	}
	if v := os.Getenv("SPECTRUM_KRIGING_LAG_WIDTH"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Variogram.LagWidth = f
		}
	}
	if v := os.Getenv("SPECTRUM_KRIGING_MAX_LAG"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Variogram.MaxLag = f
		}
	}
	if v := os.Getenv("SPECTRUM_KRIGING_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Kriging.Workers = n
		}
	}
	if v := os.Getenv("SPECTRUM_KRIGING_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Power.Threshold = f
		}
	}
	if v := os.Getenv("SPECTRUM_KRIGING_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SPECTRUM_KRIGING_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
