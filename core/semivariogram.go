package core

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/optimize"

	"github.com/signalsfoundry/spectrum-kriging/model"
)

// Auto asks the estimator to fit every family and keep the best one.
const Auto ModelFamily = "auto"

// Bin is one lag class of the empirical semivariogram.
type Bin struct {
	// Distance is the mean separation of the pairs in the bin.
	Distance float64 `json:"distance"`
	// Semivariance is half the mean squared value difference.
	Semivariance float64 `json:"semivariance"`
	Pairs        int     `json:"pairs"`
}

// BinningConfig controls how sample pairs are grouped into lag classes.
type BinningConfig struct {
	// LagWidth is the width of each fixed-width lag class.
	LagWidth float64 `json:"lagWidth" yaml:"lagWidth"`
	// MaxLag discards pairs separated by more than this distance. Zero means
	// half the largest separation in the sample set.
	MaxLag float64 `json:"maxLag" yaml:"maxLag"`
	// PairsPerBin, when positive, replaces fixed-width classes with classes
	// holding this many consecutive pairs ordered by distance. LagWidth is
	// ignored in that mode.
	PairsPerBin int `json:"pairsPerBin" yaml:"pairsPerBin"`
	// MinBins is the fewest populated bins accepted for a fit. Zero means 2.
	MinBins int `json:"minBins" yaml:"minBins"`
}

// DefaultBinning returns the binning used when nothing is configured.
func DefaultBinning() BinningConfig {
	return BinningConfig{LagWidth: 10, MaxLag: 200, MinBins: 2}
}

// maxLagClasses bounds maxLag/lagWidth so lag class indexes stay exact
// integers.
const maxLagClasses = 1 << 52

func (c BinningConfig) validate() error {
	if !(c.MaxLag >= 0) || math.IsInf(c.MaxLag, 0) {
		return fmt.Errorf("%w: maxLag %v must be finite and >= 0", ErrInvalidInput, c.MaxLag)
	}
	if c.PairsPerBin > 0 {
		return nil
	}
	if !(c.LagWidth > 0) || math.IsInf(c.LagWidth, 0) {
		return fmt.Errorf("%w: lagWidth %v must be positive and finite", ErrInvalidInput, c.LagWidth)
	}
	if ratio := c.MaxLag / c.LagWidth; !(ratio <= maxLagClasses) {
		return fmt.Errorf("%w: maxLag/lagWidth = %v lag classes exceeds %d", ErrInvalidInput, ratio, int64(maxLagClasses))
	}
	return nil
}

// resolve fills a zero MaxLag from the sample geometry.
func (c BinningConfig) resolve(samples *model.SampleSet) BinningConfig {
	if c.MaxLag == 0 {
		c.MaxLag = samples.MaxSeparation() / 2
	}
	return c
}

func (c BinningConfig) minBins() int {
	if c.MinBins <= 0 {
		return 2
	}
	return c.MinBins
}

// FitConfig controls the least-squares model fit.
type FitConfig struct {
	// Family is the model to fit, or Auto to keep the best of all families.
	Family ModelFamily `json:"family" yaml:"family"`
	// Weighted weights each bin's residual by its pair count.
	Weighted bool `json:"weighted" yaml:"weighted"`
	// MaxIterations bounds the optimiser. Zero means 2000.
	MaxIterations int `json:"maxIterations" yaml:"maxIterations"`
	// Tolerance is the objective improvement below which the fit is
	// considered converged. Zero means 1e-12.
	Tolerance float64 `json:"tolerance" yaml:"tolerance"`
}

// DefaultFit returns a pair-count weighted exponential fit.
func DefaultFit() FitConfig {
	return FitConfig{Family: Exponential, Weighted: true, MaxIterations: 2000}
}

// FitResult is a converged semivariogram fit.
type FitResult struct {
	Model VariogramModel `json:"model"`
	// Residual is the (weighted) sum of squared residuals in input units.
	Residual    float64 `json:"residual"`
	Iterations  int     `json:"iterations"`
	Evaluations int     `json:"evaluations"`
}

// Estimate bundles the empirical bins and the model fitted to them.
type Estimate struct {
	Bins []Bin     `json:"bins"`
	Fit  FitResult `json:"fit"`
}

// EstimateSemivariogram bins the sample pairs and fits a model to the bins.
func EstimateSemivariogram(samples *model.SampleSet, binning BinningConfig, fit FitConfig) (Estimate, error) {
	bins, err := EmpiricalSemivariogram(samples, binning)
	if err != nil {
		return Estimate{}, err
	}
	var res FitResult
	if fit.Family == Auto {
		res, err = SelectVariogram(bins, fit, Families...)
	} else {
		res, err = FitVariogram(bins, fit)
	}
	if err != nil {
		return Estimate{Bins: bins}, err
	}
	return Estimate{Bins: bins, Fit: res}, nil
}

type samplePair struct {
	dist  float64
	sqDif float64
}

// EmpiricalSemivariogram computes the binned semivariogram of a sample set.
// Bins are returned in increasing distance order; empty classes are skipped.
func EmpiricalSemivariogram(samples *model.SampleSet, cfg BinningConfig) ([]Bin, error) {
	if samples.Len() < 2 {
		return nil, fmt.Errorf("%w: need at least 2 samples, have %d", ErrInsufficientData, samples.Len())
	}
	cfg = cfg.resolve(samples)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if !(cfg.MaxLag > 0) {
		return nil, fmt.Errorf("%w: all %d samples share one location", ErrInsufficientData, samples.Len())
	}

	n := samples.Len()
	pairs := make([]samplePair, 0, n*(n-1)/2)
	for i := 0; i < n; i++ {
		a := samples.At(i)
		for j := i + 1; j < n; j++ {
			b := samples.At(j)
			d := a.Location.DistanceTo(b.Location)
			if d > cfg.MaxLag {
				continue
			}
			dv := a.Value - b.Value
			pairs = append(pairs, samplePair{dist: d, sqDif: dv * dv})
		}
	}

	var bins []Bin
	if cfg.PairsPerBin > 0 {
		bins = equalCountBins(pairs, cfg.PairsPerBin)
	} else {
		bins = fixedWidthBins(pairs, cfg.LagWidth)
	}

	if len(bins) < cfg.minBins() {
		return nil, fmt.Errorf("%w: %d populated bins, need %d", ErrInsufficientData, len(bins), cfg.minBins())
	}
	return bins, nil
}

func fixedWidthBins(pairs []samplePair, lagWidth float64) []Bin {
	type acc struct {
		sumD, sumSq float64
		count       int
	}
	classes := make(map[int]*acc)
	for _, p := range pairs {
		k := int(math.Floor(p.dist / lagWidth))
		a := classes[k]
		if a == nil {
			a = &acc{}
			classes[k] = a
		}
		a.sumD += p.dist
		a.sumSq += p.sqDif
		a.count++
	}

	keys := make([]int, 0, len(classes))
	for k := range classes {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	bins := make([]Bin, 0, len(keys))
	for _, k := range keys {
		a := classes[k]
		c := float64(a.count)
		bins = append(bins, Bin{
			Distance:     a.sumD / c,
			Semivariance: 0.5 * a.sumSq / c,
			Pairs:        a.count,
		})
	}
	return bins
}

// equalCountBins groups distance-ordered pairs into runs of size pairs. The
// trailing run may be shorter.
func equalCountBins(pairs []samplePair, size int) []Bin {
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].dist < pairs[j].dist })

	bins := make([]Bin, 0, len(pairs)/size+1)
	for start := 0; start < len(pairs); start += size {
		end := start + size
		if end > len(pairs) {
			end = len(pairs)
		}
		var sumD, sumSq float64
		for _, p := range pairs[start:end] {
			sumD += p.dist
			sumSq += p.sqDif
		}
		c := float64(end - start)
		bins = append(bins, Bin{
			Distance:     sumD / c,
			Semivariance: 0.5 * sumSq / c,
			Pairs:        end - start,
		})
	}
	return bins
}

// FitVariogram fits cfg.Family to bins by (optionally pair-weighted) least
// squares. Fitting runs on distances and semivariances scaled to [0,1] so
// the simplex behaves the same regardless of units.
func FitVariogram(bins []Bin, cfg FitConfig) (FitResult, error) {
	family, err := ParseModelFamily(string(cfg.Family))
	if err != nil {
		return FitResult{}, err
	}
	if len(bins) < 2 {
		return FitResult{}, fmt.Errorf("%w: %d bins, need at least 2 to fit", ErrInsufficientData, len(bins))
	}

	dScale, gScale := 0.0, 0.0
	totalPairs := 0
	for _, b := range bins {
		dScale = math.Max(dScale, b.Distance)
		gScale = math.Max(gScale, b.Semivariance)
		totalPairs += b.Pairs
	}
	if !(gScale > 0) {
		return FitResult{}, fmt.Errorf("%w: empirical semivariogram is flat at zero", ErrInsufficientData)
	}
	if !(dScale > 0) {
		dScale = 1
	}

	h := make([]float64, len(bins))
	g := make([]float64, len(bins))
	w := make([]float64, len(bins))
	for i, b := range bins {
		h[i] = b.Distance / dScale
		g[i] = b.Semivariance / gScale
		w[i] = 1
		if cfg.Weighted && totalPairs > 0 {
			w[i] = float64(b.Pairs) * float64(len(bins)) / float64(totalPairs)
		}
	}

	objective := func(x []float64) float64 {
		m, ok := decodeParams(family, x, 1, 1)
		if !ok {
			return math.Inf(1)
		}
		return weightedSSE(m, h, g, w)
	}

	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = 2000
	}
	tol := cfg.Tolerance
	if tol <= 0 {
		tol = 1e-12
	}

	nugget0 := 0.1 * g[0]
	psill0 := math.Max(1-nugget0, 0.1)
	x0 := []float64{math.Sqrt(nugget0), math.Log(psill0), math.Log(0.5)}

	settings := &optimize.Settings{
		MajorIterations: maxIter,
		Converger: &optimize.FunctionConverge{
			Absolute:   tol,
			Relative:   tol,
			Iterations: 25,
		},
	}
	res, err := optimize.Minimize(optimize.Problem{Func: objective}, x0, settings, &optimize.NelderMead{})
	if err != nil {
		return FitResult{}, fmt.Errorf("%w: %s: %v", ErrFitDivergence, family, err)
	}
	switch res.Status {
	case optimize.NotTerminated, optimize.Failure, optimize.IterationLimit,
		optimize.FunctionEvaluationLimit, optimize.RuntimeLimit:
		return FitResult{}, fmt.Errorf("%w: %s stopped with status %v after %d iterations",
			ErrFitDivergence, family, res.Status, res.Stats.MajorIterations)
	}

	m, ok := decodeParams(family, res.X, dScale, gScale)
	if !ok || m.Validate() != nil || math.IsNaN(res.F) || math.IsInf(res.F, 0) {
		return FitResult{}, fmt.Errorf("%w: %s produced an invalid model", ErrFitDivergence, family)
	}

	raw := make([]float64, len(bins))
	dist := make([]float64, len(bins))
	for i, b := range bins {
		raw[i] = b.Semivariance
		dist[i] = b.Distance
	}
	return FitResult{
		Model:       m,
		Residual:    weightedSSE(m, dist, raw, w),
		Iterations:  res.Stats.MajorIterations,
		Evaluations: res.Stats.FuncEvaluations,
	}, nil
}

// SelectVariogram fits each family and returns the fit with the smallest
// residual. Families that fail to converge are skipped.
func SelectVariogram(bins []Bin, cfg FitConfig, families ...ModelFamily) (FitResult, error) {
	if len(families) == 0 {
		families = Families
	}
	var (
		best    FitResult
		found   bool
		lastErr error
	)
	for _, f := range families {
		c := cfg
		c.Family = f
		res, err := FitVariogram(bins, c)
		if err != nil {
			if errors.Is(err, ErrInsufficientData) || errors.Is(err, ErrInvalidInput) {
				return FitResult{}, err
			}
			lastErr = err
			continue
		}
		if !found || res.Residual < best.Residual {
			best, found = res, true
		}
	}
	if !found {
		return FitResult{}, lastErr
	}
	return best, nil
}

// decodeParams maps optimiser coordinates onto a constrained model:
// nugget = x0², partial sill = exp(x1), range = exp(x2).
func decodeParams(family ModelFamily, x []float64, dScale, gScale float64) (VariogramModel, bool) {
	if x[1] > 30 || x[2] > 30 || x[1] < -30 || x[2] < -30 {
		return VariogramModel{}, false
	}
	nugget := x[0] * x[0] * gScale
	return VariogramModel{
		Family: family,
		Nugget: nugget,
		Sill:   nugget + math.Exp(x[1])*gScale,
		Range:  math.Exp(x[2]) * dScale,
	}, true
}

func weightedSSE(m VariogramModel, h, g, w []float64) float64 {
	sse := 0.0
	for i := range h {
		r := m.Semivariance(h[i]) - g[i]
		sse += w[i] * r * r
	}
	return sse
}
