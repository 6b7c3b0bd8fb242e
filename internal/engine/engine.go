// Package engine runs the estimation pipeline end to end: semivariogram
// estimation, kriging system factorisation, prediction at query and
// incumbent locations, and the transmit-power solve.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/spectrum-kriging/core"
	"github.com/signalsfoundry/spectrum-kriging/internal/logging"
	"github.com/signalsfoundry/spectrum-kriging/internal/observability"
	"github.com/signalsfoundry/spectrum-kriging/model"
)

// Pipeline stage names, used for metrics labels and StageError.
const (
	StageEstimate  = "estimate"
	StageFactorize = "factorize"
	StagePredict   = "predict"
	StageSolve     = "solve"
)

// StageError reports which stage of a run failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s stage: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// Incumbent is a protected receiver and the linear path gain from the
// secondary transmitter to it.
type Incumbent struct {
	Location model.Point `json:"location"`
	PathLoss float64     `json:"pathLoss"`
}

// Request is one estimation run.
type Request struct {
	Samples *model.SampleSet
	Binning core.BinningConfig
	Fit     core.FitConfig
	// Queries are locations to predict at for the report only.
	Queries []model.Point
	// Incumbents feed the power solve. With none, the solve stage is skipped.
	Incumbents []Incumbent
	Threshold  float64
	Margin     float64
}

// Report is the outcome of a run.
type Report struct {
	RunID       string              `json:"runId"`
	Model       core.VariogramModel `json:"model"`
	Residual    float64             `json:"residual"`
	Bins        []core.Bin          `json:"bins"`
	Condition   float64             `json:"condition"`
	Predictions []core.Prediction   `json:"predictions"`
	Incumbents  []core.Prediction   `json:"incumbents,omitempty"`
	Power       *core.PowerResult   `json:"power,omitempty"`
	Infeasible  bool                `json:"infeasible"`
}

// Engine runs Requests. It holds no per-run state and is safe for
// concurrent use.
type Engine struct {
	log     logging.Logger
	metrics *observability.EstimationCollector
	workers int
}

// Option customises Engine construction.
type Option func(*Engine)

// WithLogger sets the base logger; each run derives a run-scoped child.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithCollector attaches Prometheus metrics.
func WithCollector(c *observability.EstimationCollector) Option {
	return func(e *Engine) {
		e.metrics = c
	}
}

// WithWorkers bounds prediction fan-out. n <= 0 means GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// New constructs an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{log: logging.Noop(), workers: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Run executes every stage in order. When the background alone violates
// the threshold, Run returns the complete report together with a
// *StageError wrapping core.ErrInfeasibleConstraint.
func (e *Engine) Run(ctx context.Context, req Request) (Report, error) {
	ctx, log := logging.WithRunLogger(ctx, e.log)
	rep := Report{RunID: logging.RunIDFromContext(ctx)}

	log.Info(ctx, "estimation run started",
		logging.Int("samples", req.Samples.Len()),
		logging.Int("queries", len(req.Queries)),
		logging.Int("incumbents", len(req.Incumbents)),
		logging.String("family", string(req.Fit.Family)),
	)
	start := time.Now()

	var est core.Estimate
	err := e.stage(ctx, StageEstimate, "semivariogram.estimate", func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		fitStart := time.Now()
		var err error
		est, err = core.EstimateSemivariogram(req.Samples, req.Binning, req.Fit)
		family := req.Fit.Family
		if err == nil {
			family = est.Fit.Model.Family
		} else if family == "" {
			family = core.Exponential
		}
		e.metrics.ObserveFit(family, err, time.Since(fitStart))
		return err
	})
	if err != nil {
		return rep, e.fail(ctx, log, err)
	}
	rep.Model, rep.Residual, rep.Bins = est.Fit.Model, est.Fit.Residual, est.Bins
	log.Info(ctx, "semivariogram fitted",
		logging.String("model", est.Fit.Model.String()),
		logging.Int("bins", len(est.Bins)),
		logging.Float("residual", est.Fit.Residual),
		logging.Int("iterations", est.Fit.Iterations),
	)

	var ks *core.KrigingSystem
	err = e.stage(ctx, StageFactorize, "kriging.factorize", func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		ks, err = core.NewKrigingSystem(req.Samples, est.Fit.Model)
		e.metrics.ObserveFactorization(err)
		return err
	})
	if err != nil {
		return rep, e.fail(ctx, log, err)
	}
	rep.Condition = ks.Condition()
	log.Debug(ctx, "kriging system factorised", logging.Float("condition", ks.Condition()))

	locs := make([]model.Point, len(req.Incumbents))
	for i, inc := range req.Incumbents {
		locs[i] = inc.Location
	}
	err = e.stage(ctx, StagePredict, "kriging.predict", func(ctx context.Context) error {
		var err error
		if rep.Predictions, err = ks.PredictAll(ctx, req.Queries, e.workers); err != nil {
			return err
		}
		if rep.Incumbents, err = ks.PredictAll(ctx, locs, e.workers); err != nil {
			return err
		}
		e.metrics.ObservePredictions(rep.Predictions)
		e.metrics.ObservePredictions(rep.Incumbents)
		return nil
	}, attribute.Int("queries", len(req.Queries)+len(locs)))
	if err != nil {
		return rep, e.fail(ctx, log, err)
	}

	if len(req.Incumbents) > 0 {
		err = e.stage(ctx, StageSolve, "power.solve", func(ctx context.Context) error {
			points := make([]core.ConstraintPoint, len(req.Incumbents))
			for i, inc := range req.Incumbents {
				points[i] = core.ConstraintPoint{Prediction: rep.Incumbents[i], PathLoss: inc.PathLoss}
			}
			res, err := core.MaxPower(points, req.Threshold, req.Margin)
			e.metrics.ObservePower(res, err)
			if err == nil || errors.Is(err, core.ErrInfeasibleConstraint) {
				rep.Power = &res
				rep.Infeasible = err != nil
			}
			return err
		})
		if err != nil {
			return rep, e.fail(ctx, log, err)
		}
		log.Info(ctx, "power constraint solved",
			logging.Float("max_power", rep.Power.MaxPower),
			logging.Int("binding", rep.Power.Binding),
		)
	}

	log.Info(ctx, "estimation run finished", logging.Duration("elapsed", time.Since(start)))
	return rep, nil
}

func (e *Engine) stage(ctx context.Context, name, spanName string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := observability.StartSpan(ctx, spanName, append(attrs, attribute.String("stage", name))...)
	start := time.Now()
	err := fn(ctx)
	e.metrics.ObserveStage(name, time.Since(start))
	observability.EndSpan(span, err)
	if err != nil {
		return &StageError{Stage: name, Err: err}
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, log logging.Logger, err error) error {
	var se *StageError
	stage := ""
	if errors.As(err, &se) {
		stage = se.Stage
	}
	if errors.Is(err, core.ErrInfeasibleConstraint) {
		log.Warn(ctx, "background interference already exceeds threshold",
			logging.String("stage", stage), logging.Err(err))
		return err
	}
	log.Error(ctx, "estimation run failed",
		logging.String("stage", stage),
		logging.String("outcome", observability.Outcome(err)),
		logging.Err(err),
	)
	return err
}
