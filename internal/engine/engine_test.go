package engine

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/spectrum-kriging/core"
	"github.com/signalsfoundry/spectrum-kriging/internal/logging"
	"github.com/signalsfoundry/spectrum-kriging/internal/observability"
	"github.com/signalsfoundry/spectrum-kriging/model"
)

func gridSamples(t *testing.T) []model.Sample {
	t.Helper()
	var samples []model.Sample
	for i := 0; i < 12; i++ {
		for j := 0; j < 12; j++ {
			x, y := float64(i)*7+float64(j%3), float64(j)*7+float64(i%2)
			samples = append(samples, model.Sample{
				Location: model.Point{X: x, Y: y},
				Value:    -70 + 6*math.Sin(x/18) + 4*math.Cos(y/23) + 0.01*x,
			})
		}
	}
	return samples
}

func sampleSet(t *testing.T, samples []model.Sample) *model.SampleSet {
	t.Helper()
	set, err := model.NewSampleSet(samples)
	if err != nil {
		t.Fatalf("NewSampleSet: %v", err)
	}
	return set
}

func baseRequest(t *testing.T) Request {
	return Request{
		Samples: sampleSet(t, gridSamples(t)),
		Binning: core.BinningConfig{LagWidth: 5, MaxLag: 40},
		Fit:     core.FitConfig{Family: core.Exponential, Weighted: true},
		Queries: []model.Point{{X: 0, Y: 0}, {X: 30.5, Y: 41.2}},
		Incumbents: []Incumbent{
			{Location: model.Point{X: 20, Y: 20}, PathLoss: 1e-9},
			{Location: model.Point{X: 70, Y: 10}, PathLoss: 4e-9},
		},
		Threshold: -50,
		Margin:    1.5,
	}
}

func newEngine(t *testing.T, buf *bytes.Buffer) (*Engine, *observability.EstimationCollector) {
	t.Helper()
	collector, err := observability.NewEstimationCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewEstimationCollector: %v", err)
	}
	log := logging.Noop()
	if buf != nil {
		log = logging.New(logging.Config{Level: "debug", Format: "json", Output: buf})
	}
	return New(WithLogger(log), WithCollector(collector), WithWorkers(2)), collector
}

func TestRunProducesReport(t *testing.T) {
	var buf bytes.Buffer
	eng, collector := newEngine(t, &buf)
	req := baseRequest(t)

	rep, err := eng.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.RunID == "" {
		t.Fatalf("report has no run id")
	}
	if rep.Model.Family != core.Exponential || rep.Model.Validate() != nil {
		t.Fatalf("unexpected model %+v", rep.Model)
	}
	if len(rep.Predictions) != 2 || len(rep.Incumbents) != 2 {
		t.Fatalf("got %d predictions and %d incumbents", len(rep.Predictions), len(rep.Incumbents))
	}

	// (0, 0) is the first grid sample.
	first := req.Samples.At(0)
	if got := rep.Predictions[0]; math.Abs(got.Mean-first.Value) > 1e-6 || got.Variance > 1e-6 {
		t.Fatalf("prediction at sample = %+v, want mean %v and zero variance", got, first.Value)
	}

	points := make([]core.ConstraintPoint, len(req.Incumbents))
	for i, inc := range req.Incumbents {
		points[i] = core.ConstraintPoint{Prediction: rep.Incumbents[i], PathLoss: inc.PathLoss}
	}
	want, err := core.MaxPower(points, req.Threshold, req.Margin)
	if err != nil {
		t.Fatalf("MaxPower: %v", err)
	}
	if rep.Power == nil || rep.Power.MaxPower != want.MaxPower || rep.Infeasible {
		t.Fatalf("Power = %+v, want %+v", rep.Power, want)
	}

	if got := testutil.ToFloat64(collector.FitsTotal.WithLabelValues("exponential", observability.OutcomeOK)); got != 1 {
		t.Fatalf("kriging_fits_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.Factorizations.WithLabelValues(observability.OutcomeOK)); got != 1 {
		t.Fatalf("kriging_system_factorizations_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.PredictionsTotal); got != 4 {
		t.Fatalf("kriging_predictions_total = %v, want 4", got)
	}
	if got := testutil.ToFloat64(collector.MaxPower); got != want.MaxPower {
		t.Fatalf("power_constraint_max_power = %v, want %v", got, want.MaxPower)
	}

	if !strings.Contains(buf.String(), `"run_id":"`+rep.RunID+`"`) {
		t.Fatalf("log lines missing run_id %s: %s", rep.RunID, buf.String())
	}
}

func TestRunWithoutIncumbentsSkipsSolve(t *testing.T) {
	eng, collector := newEngine(t, nil)
	req := baseRequest(t)
	req.Incumbents = nil

	rep, err := eng.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Power != nil {
		t.Fatalf("Power = %+v, want nil without incumbents", rep.Power)
	}
	if got := testutil.CollectAndCount(collector.StageDurations); got != 3 {
		t.Fatalf("stage series = %d, want 3", got)
	}
}

func TestRunInfeasibleReturnsReport(t *testing.T) {
	eng, collector := newEngine(t, nil)
	req := baseRequest(t)
	req.Threshold = -200

	rep, err := eng.Run(context.Background(), req)
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageSolve || !errors.Is(err, core.ErrInfeasibleConstraint) {
		t.Fatalf("err = %v, want solve StageError wrapping ErrInfeasibleConstraint", err)
	}
	if rep.Power == nil || !rep.Infeasible || rep.Power.MaxPower != 0 {
		t.Fatalf("report = %+v, want infeasible zero-power result", rep.Power)
	}
	if got := testutil.ToFloat64(collector.InfeasibleTotal); got != 1 {
		t.Fatalf("power_constraint_infeasible_total = %v, want 1", got)
	}
}

func TestRunStageFailures(t *testing.T) {
	dup := gridSamples(t)
	dup = append(dup, model.Sample{Location: dup[0].Location, Value: dup[0].Value + 3})

	cases := map[string]struct {
		samples []model.Sample
		stage   string
		want    error
	}{
		"too few samples": {
			samples: []model.Sample{{Value: 1}},
			stage:   StageEstimate,
			want:    core.ErrInsufficientData,
		},
		"duplicate location": {
			samples: dup,
			stage:   StageFactorize,
			want:    core.ErrSingularSystem,
		},
	}
	for name, tc := range cases {
		eng, _ := newEngine(t, nil)
		req := baseRequest(t)
		req.Samples = sampleSet(t, tc.samples)

		_, err := eng.Run(context.Background(), req)
		var se *StageError
		if !errors.As(err, &se) || se.Stage != tc.stage {
			t.Fatalf("%s: err = %v, want %s StageError", name, err, tc.stage)
		}
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v, want %v", name, err, tc.want)
		}
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	eng, _ := newEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.Run(ctx, baseRequest(t))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestStageErrorUnwraps(t *testing.T) {
	err := error(&StageError{Stage: StagePredict, Err: core.ErrSingularSystem})
	if !errors.Is(err, core.ErrSingularSystem) {
		t.Fatalf("StageError does not unwrap")
	}
	if got := err.Error(); !strings.HasPrefix(got, "predict stage: ") {
		t.Fatalf("Error() = %q", got)
	}
}
