package core

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/signalsfoundry/spectrum-kriging/model"
)

// MaxConditionNumber is the largest LU condition estimate accepted for a
// kriging system. Matrices are built in sill-normalised units so the bound
// does not depend on the measurement scale.
const MaxConditionNumber = 1e12

// Prediction is the kriging estimate at one location.
type Prediction struct {
	Location model.Point `json:"location"`
	Mean     float64     `json:"mean"`
	// Variance is the ordinary kriging variance, never negative.
	Variance float64 `json:"variance"`
	// Weights are the solved kriging weights in sample order; they sum to 1.
	Weights []float64 `json:"-"`
	// Multiplier is the Lagrange multiplier in the semivariogram-form
	// convention, so Variance = Sill - Σ λᵢ·c0ᵢ + Multiplier.
	Multiplier float64 `json:"multiplier"`
}

// StdDev returns the square root of the kriging variance.
func (p Prediction) StdDev() float64 { return math.Sqrt(p.Variance) }

// KrigingSystem is a factorised ordinary kriging system for one sample set
// and one semivariogram model. It is read-only after construction and safe
// for concurrent use.
type KrigingSystem struct {
	vm     VariogramModel
	locs   []model.Point
	values []float64
	lu     mat.LU
	cond   float64
}

// NewKrigingSystem builds and factorises the (n+1)×(n+1) ordinary kriging
// matrix
//
//	| C  1 |
//	| 1ᵀ 0 |
//
// with C[i][j] = sill - γ(d(i,j)), scaled by 1/sill.
func NewKrigingSystem(samples *model.SampleSet, vm VariogramModel) (*KrigingSystem, error) {
	if err := vm.Validate(); err != nil {
		return nil, err
	}
	n := samples.Len()
	if n == 0 {
		return nil, fmt.Errorf("%w: kriging needs at least one sample", ErrInsufficientData)
	}

	ks := &KrigingSystem{
		vm:     vm,
		locs:   samples.Locations(),
		values: samples.Values(),
	}

	a := mat.NewDense(n+1, n+1, nil)
	for i := 0; i < n; i++ {
		a.Set(i, i, 1)
		for j := i + 1; j < n; j++ {
			c := vm.Covariance(ks.locs[i].DistanceTo(ks.locs[j])) / vm.Sill
			a.Set(i, j, c)
			a.Set(j, i, c)
		}
		a.Set(i, n, 1)
		a.Set(n, i, 1)
	}

	ks.lu.Factorize(a)
	ks.cond = ks.lu.Cond()
	if math.IsNaN(ks.cond) || ks.cond > MaxConditionNumber {
		return nil, fmt.Errorf("%w: condition number %.3g over %d samples", ErrSingularSystem, ks.cond, n)
	}
	return ks, nil
}

// Model returns the semivariogram model the system was built from.
func (ks *KrigingSystem) Model() VariogramModel { return ks.vm }

// Len returns the number of samples in the system.
func (ks *KrigingSystem) Len() int { return len(ks.locs) }

// Condition returns the LU condition number estimate.
func (ks *KrigingSystem) Condition() float64 { return ks.cond }

// Predict solves the system for a query location.
func (ks *KrigingSystem) Predict(q model.Point) (Prediction, error) {
	if !q.IsFinite() {
		return Prediction{}, fmt.Errorf("%w: query location (%v, %v) is not finite", ErrInvalidInput, q.X, q.Y)
	}
	n := len(ks.locs)
	c0 := make([]float64, n)
	b := mat.NewVecDense(n+1, nil)
	for i, loc := range ks.locs {
		c0[i] = ks.vm.Covariance(loc.DistanceTo(q)) / ks.vm.Sill
		b.SetVec(i, c0[i])
	}
	b.SetVec(n, 1)

	x := mat.NewVecDense(n+1, nil)
	if err := ks.lu.SolveVecTo(x, false, b); err != nil {
		return Prediction{}, fmt.Errorf("%w: %v", ErrSingularSystem, err)
	}

	weights := make([]float64, n)
	mean, lc0 := 0.0, 0.0
	for i := 0; i < n; i++ {
		weights[i] = x.AtVec(i)
		mean += weights[i] * ks.values[i]
		lc0 += weights[i] * c0[i]
	}
	// Covariance form solves Cλ + ν1 = c0; the semivariogram-form
	// multiplier is μ = -ν.
	mu := -x.AtVec(n) * ks.vm.Sill
	variance := ks.vm.Sill*(1-lc0) + mu
	if math.IsNaN(mean) || math.IsNaN(variance) {
		return Prediction{}, fmt.Errorf("%w: solve produced NaN at (%v, %v)", ErrSingularSystem, q.X, q.Y)
	}
	if variance < 0 {
		variance = 0
	}

	return Prediction{
		Location:   q,
		Mean:       mean,
		Variance:   variance,
		Weights:    weights,
		Multiplier: mu,
	}, nil
}

// PredictAll evaluates queries on up to workers goroutines. Results keep
// query order. workers <= 0 uses GOMAXPROCS.
func (ks *KrigingSystem) PredictAll(ctx context.Context, queries []model.Point, workers int) ([]Prediction, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	out := make([]Prediction, len(queries))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, q := range queries {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := ks.Predict(q)
			if err != nil {
				return fmt.Errorf("query %d (%.3f, %.3f): %w", i, q.X, q.Y, err)
			}
			out[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Predict is the one-shot form of NewKrigingSystem followed by Predict.
func Predict(samples *model.SampleSet, vm VariogramModel, q model.Point) (Prediction, error) {
	ks, err := NewKrigingSystem(samples, vm)
	if err != nil {
		return Prediction{}, err
	}
	return ks.Predict(q)
}
