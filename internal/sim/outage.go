// Package sim runs Monte Carlo outage simulations of kriging-based
// secondary power control: measure a shadowed primary signal around a
// protected receiver, krige the received power at the receiver, set the
// secondary power from the outage target, and check the realised SIR.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/signalsfoundry/spectrum-kriging/core"
	"github.com/signalsfoundry/spectrum-kriging/internal/logging"
	"github.com/signalsfoundry/spectrum-kriging/internal/observability"
	"github.com/signalsfoundry/spectrum-kriging/model"
)

// Trial outcome labels.
const (
	OutcomeProtected = "protected"
	OutcomeOutage    = "outage"
)

// Config describes the simulated deployment. Distances are metres, powers
// dBm, shadowing dB.
type Config struct {
	Trials  int `yaml:"trials"`
	Samples int `yaml:"samples"`

	// Radius of the measurement disk centred on Receiver.
	Radius               float64 `yaml:"radius"`
	CorrelationDistance  float64 `yaml:"correlationDistance"`
	PrimaryShadowingDB   float64 `yaml:"primaryShadowingDB"`
	SecondaryShadowingDB float64 `yaml:"secondaryShadowingDB"`

	PrimaryTx        model.Point `yaml:"primaryTx"`
	SecondaryTx      model.Point `yaml:"secondaryTx"`
	Receiver         model.Point `yaml:"receiver"`
	TxPowerDBm       float64     `yaml:"txPowerDBm"`
	PathLossExponent float64     `yaml:"pathLossExponent"`

	TargetSIRDB       float64 `yaml:"targetSIRDB"`
	OutageProbability float64 `yaml:"outageProbability"`

	Binning core.BinningConfig `yaml:"binning"`
	Fit     core.FitConfig     `yaml:"fit"`

	Seed    uint64 `yaml:"seed"`
	Workers int    `yaml:"workers"`
}

// DefaultConfig is a primary transmitter 1.1 km west of the receiver, the
// secondary transmitter 900 m east, 50 measurements within 100 m.
func DefaultConfig() Config {
	const r = 100.0
	return Config{
		Trials:               1000,
		Samples:              50,
		Radius:               r,
		CorrelationDistance:  20,
		PrimaryShadowingDB:   8,
		SecondaryShadowingDB: 8,
		PrimaryTx:            model.Point{X: -1000, Y: r},
		SecondaryTx:          model.Point{X: 1000, Y: r},
		Receiver:             model.Point{X: r, Y: r},
		TxPowerDBm:           30,
		PathLossExponent:     3.5,
		TargetSIRDB:          10,
		OutageProbability:    0.1,
		Binning:              core.BinningConfig{MaxLag: 2 * r, PairsPerBin: 20, MinBins: 2},
		Fit:                  core.DefaultFit(),
		Seed:                 1,
		Workers:              runtime.GOMAXPROCS(0),
	}
}

// Validate rejects configurations no trial could run with.
func (c Config) Validate() error {
	switch {
	case c.Trials <= 0:
		return fmt.Errorf("%w: trials must be positive", core.ErrInvalidInput)
	case c.Samples < 3:
		return fmt.Errorf("%w: need at least 3 samples per trial", core.ErrInvalidInput)
	case !(c.Radius > 0) || !(c.CorrelationDistance > 0):
		return fmt.Errorf("%w: radius and correlation distance must be positive", core.ErrInvalidInput)
	case c.PrimaryShadowingDB < 0 || c.SecondaryShadowingDB < 0:
		return fmt.Errorf("%w: shadowing deviations must be >= 0", core.ErrInvalidInput)
	case !(c.OutageProbability > 0 && c.OutageProbability < 1):
		return fmt.Errorf("%w: outage probability %v must be in (0, 1)", core.ErrInvalidInput, c.OutageProbability)
	case !(c.PathLossExponent > 0):
		return fmt.Errorf("%w: path loss exponent must be positive", core.ErrInvalidInput)
	}
	return nil
}

// Trial is one simulated measurement campaign.
type Trial struct {
	Index int `json:"index"`
	// SIRDB is the realised SIR at the receiver.
	SIRDB           float64 `json:"sirDB"`
	KrigingVariance float64 `json:"krigingVariance"`
	// Error is kriged minus true received power at the receiver.
	Error    float64 `json:"error"`
	PowerDBm float64 `json:"powerDBm"`
	Outage   bool    `json:"outage"`
}

// Summary aggregates completed trials.
type Summary struct {
	Trials int `json:"trials"`
	// Failed counts trials whose fit or solve failed; they are excluded
	// from every other field.
	Failed            int           `json:"failed"`
	OutageProbability float64       `json:"outageProbability"`
	MeanKrigingStdDev float64       `json:"meanKrigingStdDev"`
	RMSE              float64       `json:"rmse"`
	AvgPowerDBm       float64       `json:"avgPowerDBm"`
	Elapsed           time.Duration `json:"elapsed"`
}

// Simulator runs trials for one Config.
type Simulator struct {
	cfg     Config
	log     logging.Logger
	metrics *observability.EstimationCollector
}

// Option customises Simulator construction.
type Option func(*Simulator)

// WithLogger sets the simulator logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Simulator) {
		if l != nil {
			s.log = l
		}
	}
}

// WithCollector records trial outcomes on c.
func WithCollector(c *observability.EstimationCollector) Option {
	return func(s *Simulator) { s.metrics = c }
}

// New validates cfg and returns a Simulator.
func New(cfg Config, opts ...Option) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	s := &Simulator{cfg: cfg, log: logging.Noop()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Run executes every trial on the worker pool. Trial i draws from its own
// generator seeded by (Seed, i), so the summary does not depend on Workers.
func (s *Simulator) Run(ctx context.Context) (Summary, error) {
	ctx, log := logging.WithRunLogger(ctx, s.log)
	ctx, span := observability.StartSpan(ctx, "sim.run")
	start := time.Now()

	results := make([]Trial, s.cfg.Trials)
	ok := make([]bool, s.cfg.Trials)
	var failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i := range results {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			tr, err := s.RunTrial(gctx, i)
			switch {
			case err == nil:
				results[i], ok[i] = tr, true
				if tr.Outage {
					s.metrics.ObserveTrial(OutcomeOutage)
				} else {
					s.metrics.ObserveTrial(OutcomeProtected)
				}
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return err
			default:
				failed.Add(1)
				s.metrics.ObserveTrial(observability.Outcome(err))
				log.Debug(gctx, "trial failed", logging.Int("trial", i), logging.Err(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		observability.EndSpan(span, err)
		return Summary{}, err
	}

	sum := summarize(results, ok)
	sum.Failed = int(failed.Load())
	sum.Elapsed = time.Since(start)
	observability.EndSpan(span, nil)

	log.Info(ctx, "outage simulation finished",
		logging.Int("trials", sum.Trials),
		logging.Int("failed", sum.Failed),
		logging.Float("outage_probability", sum.OutageProbability),
		logging.Float("rmse_db", sum.RMSE),
		logging.Float("avg_power_dbm", sum.AvgPowerDBm),
		logging.Duration("elapsed", sum.Elapsed),
	)
	if sum.Trials == 0 {
		return sum, fmt.Errorf("%w: all %d trials failed", core.ErrFitDivergence, sum.Failed)
	}
	return sum, nil
}

func summarize(results []Trial, ok []bool) Summary {
	var (
		sum                            Summary
		outages                        int
		stdSum, sqErr, linearPowerMean float64
	)
	for i, tr := range results {
		if !ok[i] {
			continue
		}
		sum.Trials++
		if tr.Outage {
			outages++
		}
		stdSum += math.Sqrt(tr.KrigingVariance)
		sqErr += tr.Error * tr.Error
		linearPowerMean += core.DBToLinear(tr.PowerDBm)
	}
	if sum.Trials == 0 {
		return sum
	}
	n := float64(sum.Trials)
	sum.OutageProbability = float64(outages) / n
	sum.MeanKrigingStdDev = stdSum / n
	sum.RMSE = math.Sqrt(sqErr / n)
	sum.AvgPowerDBm = core.LinearToDB(linearPowerMean / n)
	return sum
}

// RunTrial simulates trial index i.
func (s *Simulator) RunTrial(ctx context.Context, i int) (Trial, error) {
	if err := ctx.Err(); err != nil {
		return Trial{}, err
	}
	cfg := s.cfg
	rng := rand.New(rand.NewPCG(cfg.Seed, uint64(i)))
	n := cfg.Samples

	// The receiver is appended as point n so its shadowing is correlated
	// with the measurements.
	locs := make([]model.Point, n+1)
	for k := 0; k < n; k++ {
		locs[k] = pointInDisk(rng, cfg.Receiver, cfg.Radius)
	}
	locs[n] = cfg.Receiver

	z, err := correlatedShadowing(rng, locs, cfg.CorrelationDistance, cfg.PrimaryShadowingDB)
	if err != nil {
		return Trial{}, err
	}
	prx := make([]float64, n+1)
	for k, p := range locs {
		prx[k] = cfg.TxPowerDBm - core.PathLossDB(p.DistanceTo(cfg.PrimaryTx), cfg.PathLossExponent) + z[k]
	}

	samples := make([]model.Sample, n)
	for k := range samples {
		samples[k] = model.Sample{Location: locs[k], Value: prx[k]}
	}
	set, err := model.NewSampleSet(samples)
	if err != nil {
		return Trial{}, err
	}
	est, err := core.EstimateSemivariogram(set, cfg.Binning, cfg.Fit)
	if err != nil {
		return Trial{}, err
	}
	pred, err := core.Predict(set, est.Fit.Model, cfg.Receiver)
	if err != nil {
		return Trial{}, err
	}

	lossSU := core.PathLossDB(cfg.SecondaryTx.DistanceTo(cfg.Receiver), cfg.PathLossExponent)
	power, err := core.MaxPowerSIR(core.SIRConstraint{
		Prediction:        pred,
		PathLossDB:        lossSU,
		TargetSIRDB:       cfg.TargetSIRDB,
		OutageProbability: cfg.OutageProbability,
		ShadowingStdDB:    cfg.SecondaryShadowingDB,
	})
	if err != nil {
		return Trial{}, err
	}

	interference := power - lossSU + rng.NormFloat64()*cfg.SecondaryShadowingDB
	sir := prx[n] - interference
	return Trial{
		Index:           i,
		SIRDB:           sir,
		KrigingVariance: pred.Variance,
		Error:           pred.Mean - prx[n],
		PowerDBm:        power,
		Outage:          sir < cfg.TargetSIRDB,
	}, nil
}

// pointInDisk draws a point uniformly over the disk of radius r at c.
func pointInDisk(rng *rand.Rand, c model.Point, r float64) model.Point {
	rho := r * math.Sqrt(rng.Float64())
	theta := 2 * math.Pi * rng.Float64()
	return model.Point{X: c.X + rho*math.Cos(theta), Y: c.Y + rho*math.Sin(theta)}
}

// correlatedShadowing draws zero-mean Gaussian shadowing with covariance
// sigma²·exp(-d/dcor) between locations.
func correlatedShadowing(rng *rand.Rand, locs []model.Point, dcor, sigma float64) ([]float64, error) {
	n := len(locs)
	if sigma == 0 {
		return make([]float64, n), nil
	}
	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			cov.SetSym(i, j, sigma*sigma*math.Exp(-locs[i].DistanceTo(locs[j])/dcor))
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, fmt.Errorf("%w: shadowing covariance is not positive definite", core.ErrSingularSystem)
	}
	var l mat.TriDense
	chol.LTo(&l)

	w := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		w.SetVec(i, rng.NormFloat64())
	}
	var z mat.VecDense
	z.MulVec(&l, w)
	return z.RawVector().Data, nil
}
