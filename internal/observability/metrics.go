package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/spectrum-kriging/core"
)

// Outcome labels shared by the counters below.
const (
	OutcomeOK               = "ok"
	OutcomeInsufficientData = "insufficient_data"
	OutcomeFitDivergence    = "fit_divergence"
	OutcomeSingular         = "singular"
	OutcomeInfeasible       = "infeasible"
	OutcomeInvalid          = "invalid"
	OutcomeCanceled         = "canceled"
	OutcomeError            = "error"
)

// EstimationCollector bundles Prometheus metrics for the estimation
// pipeline: semivariogram fits, kriging factorisations and predictions,
// the power solver and Monte Carlo trials.
type EstimationCollector struct {
	gatherer prometheus.Gatherer

	FitsTotal          *prometheus.CounterVec
	FitDuration        prometheus.Histogram
	Factorizations     *prometheus.CounterVec
	PredictionsTotal   prometheus.Counter
	PredictionVariance prometheus.Histogram
	StageDurations     *prometheus.HistogramVec
	MaxPower           prometheus.Gauge
	InfeasibleTotal    prometheus.Counter
	OutageTrials       *prometheus.CounterVec
}

// NewEstimationCollector registers the pipeline metrics against reg,
// defaulting to the global Prometheus registry when nil. Registering twice
// against the same registry returns the existing collectors.
func NewEstimationCollector(reg prometheus.Registerer) (*EstimationCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &EstimationCollector{gatherer: gatherer}
	var err error

	if c.FitsTotal, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kriging_fits_total",
		Help: "Semivariogram model fits, labeled by model family and outcome.",
	}, []string{"family", "outcome"}), "kriging_fits_total"); err != nil {
		return nil, err
	}
	if c.FitDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kriging_fit_duration_seconds",
		Help:    "Wall time spent binning and fitting the semivariogram.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}), "kriging_fit_duration_seconds"); err != nil {
		return nil, err
	}
	if c.Factorizations, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kriging_system_factorizations_total",
		Help: "Kriging system factorisations, labeled by outcome.",
	}, []string{"outcome"}), "kriging_system_factorizations_total"); err != nil {
		return nil, err
	}
	if c.PredictionsTotal, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kriging_predictions_total",
		Help: "Number of kriging predictions evaluated.",
	}), "kriging_predictions_total"); err != nil {
		return nil, err
	}
	if c.PredictionVariance, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kriging_prediction_variance",
		Help:    "Distribution of kriging variances at query points.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}), "kriging_prediction_variance"); err != nil {
		return nil, err
	}
	if c.StageDurations, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Duration of pipeline stages.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"stage"}), "pipeline_stage_duration_seconds"); err != nil {
		return nil, err
	}
	if c.MaxPower, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "power_constraint_max_power",
		Help: "Most recent maximum permitted secondary transmit power.",
	}), "power_constraint_max_power"); err != nil {
		return nil, err
	}
	if c.InfeasibleTotal, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "power_constraint_infeasible_total",
		Help: "Power solves where the background alone violated the threshold.",
	}), "power_constraint_infeasible_total"); err != nil {
		return nil, err
	}
	if c.OutageTrials, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outage_trials_total",
		Help: "Monte Carlo outage trials, labeled by outcome (protected, outage, or a failure outcome).",
	}, []string{"outcome"}), "outage_trials_total"); err != nil {
		return nil, err
	}
	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *EstimationCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *EstimationCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveFit records one semivariogram fit.
func (c *EstimationCollector) ObserveFit(family core.ModelFamily, err error, d time.Duration) {
	if c == nil {
		return
	}
	c.FitsTotal.WithLabelValues(string(family), Outcome(err)).Inc()
	c.FitDuration.Observe(d.Seconds())
}

// ObserveFactorization records one kriging system factorisation.
func (c *EstimationCollector) ObserveFactorization(err error) {
	if c == nil {
		return
	}
	c.Factorizations.WithLabelValues(Outcome(err)).Inc()
}

// ObservePredictions records a batch of predictions.
func (c *EstimationCollector) ObservePredictions(preds []core.Prediction) {
	if c == nil {
		return
	}
	c.PredictionsTotal.Add(float64(len(preds)))
	for _, p := range preds {
		c.PredictionVariance.Observe(p.Variance)
	}
}

// ObserveStage records the duration of a named pipeline stage.
func (c *EstimationCollector) ObserveStage(stage string, d time.Duration) {
	if c == nil {
		return
	}
	c.StageDurations.WithLabelValues(stage).Observe(d.Seconds())
}

// ObservePower records a power solve.
func (c *EstimationCollector) ObservePower(res core.PowerResult, err error) {
	if c == nil {
		return
	}
	if errors.Is(err, core.ErrInfeasibleConstraint) {
		c.InfeasibleTotal.Inc()
	}
	if err == nil || errors.Is(err, core.ErrInfeasibleConstraint) {
		c.MaxPower.Set(res.MaxPower)
	}
}

// ObserveTrial records a Monte Carlo trial outcome.
func (c *EstimationCollector) ObserveTrial(outcome string) {
	if c == nil {
		return
	}
	c.OutageTrials.WithLabelValues(outcome).Inc()
}

// Outcome maps an error onto the outcome label used by the collectors.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, core.ErrInsufficientData):
		return OutcomeInsufficientData
	case errors.Is(err, core.ErrFitDivergence):
		return OutcomeFitDivergence
	case errors.Is(err, core.ErrSingularSystem):
		return OutcomeSingular
	case errors.Is(err, core.ErrInfeasibleConstraint):
		return OutcomeInfeasible
	case errors.Is(err, core.ErrInvalidInput):
		return OutcomeInvalid
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeError
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T, name string) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return c, nil
}
