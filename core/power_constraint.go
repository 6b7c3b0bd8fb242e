package core

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// ConstraintPoint is an incumbent receiver: the kriged background level at
// its location and the linear path gain from the candidate transmitter to it.
type ConstraintPoint struct {
	Prediction Prediction `json:"prediction"`
	// PathLoss multiplies transmit power to give received power, so it is a
	// linear gain in (0, 1] for physical links.
	PathLoss float64 `json:"pathLoss"`
}

// PowerResult is the solved transmit power bound.
type PowerResult struct {
	Threshold    float64 `json:"threshold"`
	MarginFactor float64 `json:"marginFactor"`
	// MaxPower is the minimum of PerPoint, never negative.
	MaxPower float64 `json:"maxPower"`
	// Binding is the index of the point that sets MaxPower.
	Binding  int       `json:"binding"`
	PerPoint []float64 `json:"perPoint"`
}

// MaxPower returns the largest transmit power P such that, at every point,
//
//	mean + margin·sqrt(variance) + P·pathLoss <= threshold.
//
// Points whose uncertain background already reaches the threshold allow
// zero power. ErrInfeasibleConstraint is returned, together with the zero
// result, when some background mean exceeds the threshold on its own: no
// transmit power, including zero, satisfies that point.
func MaxPower(points []ConstraintPoint, threshold, margin float64) (PowerResult, error) {
	if len(points) == 0 {
		return PowerResult{}, fmt.Errorf("%w: no constraint points", ErrInvalidInput)
	}
	if !(margin >= 0) || math.IsInf(margin, 0) {
		return PowerResult{}, fmt.Errorf("%w: margin factor %v must be finite and >= 0", ErrInvalidInput, margin)
	}
	if math.IsNaN(threshold) {
		return PowerResult{}, fmt.Errorf("%w: threshold is NaN", ErrInvalidInput)
	}

	res := PowerResult{
		Threshold:    threshold,
		MarginFactor: margin,
		MaxPower:     math.Inf(1),
		Binding:      -1,
		PerPoint:     make([]float64, len(points)),
	}
	violated := false
	for i, pt := range points {
		if !(pt.PathLoss > 0) || math.IsInf(pt.PathLoss, 0) {
			return PowerResult{}, fmt.Errorf("%w: point %d path loss %v must be positive and finite", ErrInvalidInput, i, pt.PathLoss)
		}
		if err := checkPrediction(pt.Prediction); err != nil {
			return PowerResult{}, fmt.Errorf("point %d: %w", i, err)
		}
		mean := pt.Prediction.Mean
		headroom := threshold - mean - margin*pt.Prediction.StdDev()
		allowed := headroom / pt.PathLoss
		if !(allowed > 0) {
			allowed = 0
		}
		if mean > threshold {
			violated = true
		}
		res.PerPoint[i] = allowed
		if allowed < res.MaxPower {
			res.MaxPower = allowed
			res.Binding = i
		}
	}

	if violated {
		return res, fmt.Errorf("%w: background at point %d exceeds threshold %v before any transmission",
			ErrInfeasibleConstraint, firstViolation(points, threshold), threshold)
	}
	return res, nil
}

// checkPrediction rejects predictions that would turn the headroom
// arithmetic into NaN.
func checkPrediction(p Prediction) error {
	if math.IsNaN(p.Mean) || math.IsInf(p.Mean, 0) {
		return fmt.Errorf("%w: background mean %v must be finite", ErrInvalidInput, p.Mean)
	}
	if !(p.Variance >= 0) || math.IsInf(p.Variance, 0) {
		return fmt.Errorf("%w: variance %v must be finite and >= 0", ErrInvalidInput, p.Variance)
	}
	return nil
}

func firstViolation(points []ConstraintPoint, threshold float64) int {
	for i, pt := range points {
		if pt.Prediction.Mean > threshold {
			return i
		}
	}
	return -1
}

// MarginForOutage converts a target outage probability into a margin factor
// k = Φ⁻¹(1-p), so that the background exceeds mean + k·σ with probability p
// under a Gaussian estimation error.
func MarginForOutage(p float64) (float64, error) {
	if !(p > 0 && p < 1) {
		return 0, fmt.Errorf("%w: outage probability %v must lie in (0, 1)", ErrInvalidInput, p)
	}
	k := distuv.UnitNormal.Quantile(1 - p)
	if k < 0 {
		// Probabilities above 0.5 would reward uncertainty; the solver's
		// margin is non-negative.
		k = 0
	}
	return k, nil
}

// SIRConstraint describes a signal-to-interference protection requirement in
// the dB domain: the kriged field is the incumbent's desired signal and the
// secondary transmitter must keep SIR above TargetSIRDB except with
// probability OutageProbability.
type SIRConstraint struct {
	Prediction        Prediction `json:"prediction"`
	PathLossDB        float64    `json:"pathLossDB"`
	TargetSIRDB       float64    `json:"targetSIRDB"`
	OutageProbability float64    `json:"outageProbability"`
	// ShadowingStdDB is the shadowing standard deviation of the
	// secondary-to-incumbent link, added to the kriging uncertainty.
	ShadowingStdDB float64 `json:"shadowingStdDB"`
}

// MaxPowerSIR returns the maximum secondary transmit power in dB units:
//
//	mean - SIR + sqrt(variance + σ²)·Φ⁻¹(p) + pathLossDB
//
// Unlike MaxPower the result is logarithmic and may be negative.
func MaxPowerSIR(c SIRConstraint) (float64, error) {
	p := c.OutageProbability
	if !(p > 0 && p < 1) {
		return 0, fmt.Errorf("%w: outage probability %v must lie in (0, 1)", ErrInvalidInput, p)
	}
	if !(c.ShadowingStdDB >= 0) || math.IsInf(c.ShadowingStdDB, 0) {
		return 0, fmt.Errorf("%w: shadowing standard deviation %v must be finite and >= 0", ErrInvalidInput, c.ShadowingStdDB)
	}
	if err := checkPrediction(c.Prediction); err != nil {
		return 0, err
	}
	for _, v := range []float64{c.PathLossDB, c.TargetSIRDB} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("%w: path loss %v and target SIR %v must be finite", ErrInvalidInput, c.PathLossDB, c.TargetSIRDB)
		}
	}
	spread := math.Sqrt(c.Prediction.Variance + c.ShadowingStdDB*c.ShadowingStdDB)
	iMax := c.Prediction.Mean - c.TargetSIRDB + spread*distuv.UnitNormal.Quantile(p)
	return iMax + c.PathLossDB, nil
}
