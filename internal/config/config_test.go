package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/signalsfoundry/spectrum-kriging/core"
	"github.com/signalsfoundry/spectrum-kriging/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SPECTRUM_KRIGING_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Variogram.LagWidth != 10 || cfg.Variogram.MaxLag != 200 || cfg.Variogram.MinBins != 2 {
		t.Fatalf("unexpected binning defaults %+v", cfg.Variogram.BinningConfig)
	}
	if cfg.Variogram.Family != core.Exponential || !cfg.Variogram.Weighted || cfg.Variogram.MaxIterations != 2000 {
		t.Fatalf("unexpected fit defaults %+v", cfg.Variogram.FitConfig)
	}
	if cfg.Kriging.Workers != runtime.GOMAXPROCS(0) {
		t.Fatalf("Workers = %d, want GOMAXPROCS", cfg.Kriging.Workers)
	}
	if cfg.Store.Path != "radiomap.db" {
		t.Fatalf("Store.Path = %q, want radiomap.db", cfg.Store.Path)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
variogram:
  lagWidth: 25
  maxLag: 400
  family: sph
  weighted: false
kriging:
  workers: 3
power:
  threshold: -80
  outageProbability: 0.1
incumbents:
  - {x: 10, y: 20, pathLossDB: 30}
  - {x: -5, y: 0, pathLoss: 0.25}
  - {x: 3, y: 3, freeSpace: {distanceKm: 1, frequencyGHz: 1}}
queries:
  - {x: 1, y: 2}
store:
  campaign: downtown
`)
	t.Setenv("SPECTRUM_KRIGING_MAX_LAG", "500")
	t.Setenv("SPECTRUM_KRIGING_CAMPAIGN", "harbour")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Variogram.LagWidth != 25 || cfg.Variogram.MaxLag != 500 {
		t.Fatalf("binning = %+v, want lagWidth 25 maxLag 500", cfg.Variogram.BinningConfig)
	}
	if cfg.Variogram.Family != core.Spherical || cfg.Variogram.Weighted {
		t.Fatalf("fit = %+v, want unweighted spherical", cfg.Variogram.FitConfig)
	}
	if cfg.Kriging.Workers != 3 || cfg.Store.Campaign != "harbour" {
		t.Fatalf("unexpected overrides %+v %+v", cfg.Kriging, cfg.Store)
	}
	if len(cfg.Incumbents) != 3 || len(cfg.Queries) != 1 || cfg.Queries[0].Y != 2 {
		t.Fatalf("unexpected incumbents %+v queries %+v", cfg.Incumbents, cfg.Queries)
	}
	if g := cfg.Incumbents[0].Gain(); math.Abs(g-1e-3) > 1e-15 {
		t.Fatalf("Gain() = %v, want 1e-3", g)
	}
	if g := cfg.Incumbents[1].Gain(); g != 0.25 {
		t.Fatalf("Gain() = %v, want 0.25", g)
	}
	if g, want := cfg.Incumbents[2].Gain(), math.Pow(10, -9.245); math.Abs(g-want) > 1e-20 {
		t.Fatalf("free-space Gain() = %v, want %v", g, want)
	}
	k, err := cfg.Power.Margin()
	if err != nil {
		t.Fatalf("Margin: %v", err)
	}
	if want, _ := core.MarginForOutage(0.1); k != want {
		t.Fatalf("Margin() = %v, want %v", k, want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidateRejects(t *testing.T) {
	db := 10.0
	cases := map[string]func(*Config){
		"zero lag width":     func(c *Config) { c.Variogram.LagWidth = 0 },
		"negative max lag":   func(c *Config) { c.Variogram.MaxLag = -1 },
		"unknown family":     func(c *Config) { c.Variogram.Family = "cubic" },
		"negative margin":    func(c *Config) { c.Power.MarginFactor = -1 },
		"both margins":       func(c *Config) { c.Power.MarginFactor = 1; c.Power.OutageProbability = 0.1 },
		"outage out of span": func(c *Config) { c.Power.OutageProbability = 1.5 },
		"no path loss":       func(c *Config) { c.Incumbents = []IncumbentConfig{{X: 1}} },
		"two path losses": func(c *Config) {
			c.Incumbents = []IncumbentConfig{{PathLoss: 0.1, PathLossDB: &db}}
		},
		"nan incumbent": func(c *Config) {
			c.Incumbents = []IncumbentConfig{{X: math.NaN(), PathLossDB: &db}}
		},
		"nan path loss dB": func(c *Config) {
			nan := math.NaN()
			c.Incumbents = []IncumbentConfig{{PathLossDB: &nan}}
		},
		"free space without frequency": func(c *Config) {
			c.Incumbents = []IncumbentConfig{{FreeSpace: &FreeSpaceConfig{DistanceKm: 1}}}
		},
		"infinite query":   func(c *Config) { c.Queries = []model.Point{{X: 1, Y: math.Inf(1)}} },
		"infinite max lag": func(c *Config) { c.Variogram.MaxLag = math.Inf(1) },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: err = %v, want ErrInvalidConfig", name, err)
		}
	}
}

func TestValidateAcceptsZeroMaxLag(t *testing.T) {
	cfg := Default()
	cfg.Variogram.MaxLag = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateAcceptsAuto(t *testing.T) {
	cfg := Default()
	cfg.Variogram.Family = "AUTO"
	cfg.Variogram.LagWidth = 0
	cfg.Variogram.PairsPerBin = 50
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Variogram.Family != core.Auto {
		t.Fatalf("Family = %q, want auto", cfg.Variogram.Family)
	}
}
