package core

import (
	"errors"
	"math"
	"testing"
)

func point(mean, variance, pathLoss float64) ConstraintPoint {
	return ConstraintPoint{Prediction: Prediction{Mean: mean, Variance: variance}, PathLoss: pathLoss}
}

func TestMaxPowerAlreadyViolated(t *testing.T) {
	const threshold = 100.0
	res, err := MaxPower([]ConstraintPoint{point(threshold+1, 0, 1)}, threshold, 0)
	if !errors.Is(err, ErrInfeasibleConstraint) {
		t.Fatalf("err = %v, want ErrInfeasibleConstraint", err)
	}
	if res.MaxPower != 0 {
		t.Fatalf("MaxPower = %v, want 0 alongside the infeasibility signal", res.MaxPower)
	}
}

func TestMaxPowerZeroMarginBoundary(t *testing.T) {
	const threshold = 42.0
	res, err := MaxPower([]ConstraintPoint{point(threshold, 3, 1)}, threshold, 0)
	if err != nil {
		t.Fatalf("MaxPower: %v", err)
	}
	if res.MaxPower != 0 || math.Signbit(res.MaxPower) {
		t.Fatalf("MaxPower = %v, want exactly +0", res.MaxPower)
	}
}

func TestMaxPowerMarginClampsToZero(t *testing.T) {
	// Mean below threshold but mean + k·σ above it: zero power, not infeasible.
	res, err := MaxPower([]ConstraintPoint{point(9, 4, 0.5)}, 10, 1)
	if err != nil {
		t.Fatalf("MaxPower: %v", err)
	}
	if res.MaxPower != 0 {
		t.Fatalf("MaxPower = %v, want 0", res.MaxPower)
	}
}

func TestMaxPowerPicksBindingPoint(t *testing.T) {
	points := []ConstraintPoint{
		point(1, 1, 0.1),  // (10-1-1)/0.1 = 80
		point(2, 4, 0.5),  // (10-2-2)/0.5 = 12
		point(0, 0, 0.25), // 10/0.25 = 40
	}
	res, err := MaxPower(points, 10, 1)
	if err != nil {
		t.Fatalf("MaxPower: %v", err)
	}
	if math.Abs(res.MaxPower-12) > 1e-12 || res.Binding != 1 {
		t.Fatalf("MaxPower = %v at %d, want 12 at 1", res.MaxPower, res.Binding)
	}
	want := []float64{80, 12, 40}
	for i := range want {
		if math.Abs(res.PerPoint[i]-want[i]) > 1e-9 {
			t.Fatalf("PerPoint[%d] = %v, want %v", i, res.PerPoint[i], want[i])
		}
	}
}

func TestMaxPowerViolationAtOnePointIsInfeasible(t *testing.T) {
	_, err := MaxPower([]ConstraintPoint{point(0, 0, 1), point(11, 0, 1)}, 10, 0)
	if !errors.Is(err, ErrInfeasibleConstraint) {
		t.Fatalf("err = %v, want ErrInfeasibleConstraint", err)
	}
}

func TestMaxPowerMonotonicity(t *testing.T) {
	points := []ConstraintPoint{point(-90, 9, 1e-9), point(-85, 2, 5e-10), point(-95, 25, 2e-9)}

	prev := math.Inf(1)
	for k := 0.0; k <= 5; k += 0.25 {
		res, err := MaxPower(points, -60, k)
		if err != nil {
			t.Fatalf("MaxPower(k=%v): %v", k, err)
		}
		if res.MaxPower > prev {
			t.Fatalf("MaxPower increased with margin: k=%v gives %v > %v", k, res.MaxPower, prev)
		}
		if res.MaxPower < 0 {
			t.Fatalf("negative MaxPower %v", res.MaxPower)
		}
		prev = res.MaxPower
	}

	prev = 0
	for th := -80.0; th <= -40; th += 2.5 {
		res, err := MaxPower(points, th, 1.5)
		if err != nil {
			t.Fatalf("MaxPower(th=%v): %v", th, err)
		}
		if res.MaxPower < prev {
			t.Fatalf("MaxPower decreased with threshold: th=%v gives %v < %v", th, res.MaxPower, prev)
		}
		prev = res.MaxPower
	}
}

func TestMaxPowerRejectsBadInput(t *testing.T) {
	cases := map[string]struct {
		points []ConstraintPoint
		margin float64
	}{
		"no points":       {points: nil, margin: 0},
		"negative margin": {points: []ConstraintPoint{point(0, 0, 1)}, margin: -1},
		"zero path loss":  {points: []ConstraintPoint{point(0, 0, 0)}, margin: 0},
		"nan margin":      {points: []ConstraintPoint{point(0, 0, 1)}, margin: math.NaN()},
		"nan mean":        {points: []ConstraintPoint{point(math.NaN(), 1, 1)}, margin: 1},
		"infinite mean":   {points: []ConstraintPoint{point(math.Inf(-1), 1, 1)}, margin: 1},
		"negative variance": {
			points: []ConstraintPoint{point(0, -1, 1)}, margin: 1,
		},
		"nan variance": {
			points: []ConstraintPoint{point(0, 1, 1), point(0, math.NaN(), 1)}, margin: 0,
		},
	}
	for name, tc := range cases {
		if _, err := MaxPower(tc.points, 1, tc.margin); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: err = %v, want ErrInvalidInput", name, err)
		}
	}
}

func TestMarginForOutage(t *testing.T) {
	k, err := MarginForOutage(0.1)
	if err != nil {
		t.Fatalf("MarginForOutage: %v", err)
	}
	if want := -math.Sqrt2 * math.Erfinv(2*0.1-1); math.Abs(k-want) > 1e-9 {
		t.Fatalf("MarginForOutage(0.1) = %v, want %v", k, want)
	}
	if k, _ := MarginForOutage(0.5); math.Abs(k) > 1e-12 {
		t.Fatalf("MarginForOutage(0.5) = %v, want 0", k)
	}
	if k, _ := MarginForOutage(0.9); k != 0 {
		t.Fatalf("MarginForOutage(0.9) = %v, want clamp to 0", k)
	}
	for _, p := range []float64{0, 1, -0.1, math.NaN()} {
		if _, err := MarginForOutage(p); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("MarginForOutage(%v) err = %v, want ErrInvalidInput", p, err)
		}
	}
}

func TestMaxPowerSIR(t *testing.T) {
	c := SIRConstraint{
		Prediction:        Prediction{Mean: -60, Variance: 4},
		PathLossDB:        100,
		TargetSIRDB:       10,
		OutageProbability: 0.1,
		ShadowingStdDB:    8,
	}
	got, err := MaxPowerSIR(c)
	if err != nil {
		t.Fatalf("MaxPowerSIR: %v", err)
	}
	want := -60 - 10 + math.Sqrt(2*(4+64))*math.Erfinv(2*0.1-1) + 100
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("MaxPowerSIR = %v, want %v", got, want)
	}

	looser := c
	looser.OutageProbability = 0.3
	if g2, _ := MaxPowerSIR(looser); !(g2 > got) {
		t.Fatalf("a looser outage target should allow more power: %v <= %v", g2, got)
	}

	bad := map[string]func(*SIRConstraint){
		"negative shadowing": func(c *SIRConstraint) { c.ShadowingStdDB = -1 },
		"nan mean":           func(c *SIRConstraint) { c.Prediction.Mean = math.NaN() },
		"negative variance":  func(c *SIRConstraint) { c.Prediction.Variance = -4 },
		"nan path loss":      func(c *SIRConstraint) { c.PathLossDB = math.NaN() },
	}
	for name, mutate := range bad {
		in := c
		mutate(&in)
		if _, err := MaxPowerSIR(in); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: err = %v, want ErrInvalidInput", name, err)
		}
	}
}

func TestPathLossHelpers(t *testing.T) {
	if got := PathLossDB(100, 3.5); math.Abs(got-70) > 1e-12 {
		t.Fatalf("PathLossDB(100, 3.5) = %v, want 70", got)
	}
	if got := PathLossDB(0, 3.5); got != 0 {
		t.Fatalf("PathLossDB(0) = %v, want clamp to 1 m (0 dB)", got)
	}
	if got := DBToLinear(20); math.Abs(got-100) > 1e-9 {
		t.Fatalf("DBToLinear(20) = %v, want 100", got)
	}
	if got := LinearToDB(1000); math.Abs(got-30) > 1e-12 {
		t.Fatalf("LinearToDB(1000) = %v, want 30", got)
	}
	if got := GainFromLossDB(30); math.Abs(got-1e-3) > 1e-15 {
		t.Fatalf("GainFromLossDB(30) = %v, want 1e-3", got)
	}
	if got := FreeSpacePathLossDB(1, 1); math.Abs(got-92.45) > 1e-12 {
		t.Fatalf("FreeSpacePathLossDB(1, 1) = %v, want 92.45", got)
	}
}
