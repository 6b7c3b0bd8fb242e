package model

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidSample is returned when a sample carries a non-finite coordinate
// or value.
var ErrInvalidSample = errors.New("invalid sample")

// Point is a location on the measurement plane in metres.
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// DistanceTo returns the Euclidean distance between two points.
func (p Point) DistanceTo(other Point) float64 {
	return math.Hypot(p.X-other.X, p.Y-other.Y)
}

// IsFinite reports whether both coordinates are finite.
func (p Point) IsFinite() bool { return isFinite(p.X) && isFinite(p.Y) }

// Sample is a single measurement of interference power at a location.
// Values are usually dBm but the core does not care about units as long as
// a SampleSet is consistent.
type Sample struct {
	Location Point   `json:"location"`
	Value    float64 `json:"value"`
}

// SampleSet is an ordered, read-only collection of samples. The order is
// the row order of every kriging matrix built from the set.
type SampleSet struct {
	samples []Sample
}

// NewSampleSet validates and copies samples into a SampleSet.
func NewSampleSet(samples []Sample) (*SampleSet, error) {
	out := make([]Sample, len(samples))
	for i, s := range samples {
		if !s.Location.IsFinite() {
			return nil, fmt.Errorf("%w: sample %d has non-finite location (%v, %v)", ErrInvalidSample, i, s.Location.X, s.Location.Y)
		}
		if !isFinite(s.Value) {
			return nil, fmt.Errorf("%w: sample %d has non-finite value %v", ErrInvalidSample, i, s.Value)
		}
		out[i] = s
	}
	return &SampleSet{samples: out}, nil
}

// Len returns the number of samples. A nil set has length zero.
func (s *SampleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.samples)
}

// At returns the i-th sample.
func (s *SampleSet) At(i int) Sample { return s.samples[i] }

// Samples returns a copy of the underlying samples.
func (s *SampleSet) Samples() []Sample {
	if s == nil {
		return nil
	}
	out := make([]Sample, len(s.samples))
	copy(out, s.samples)
	return out
}

// Locations returns the sample locations in set order.
func (s *SampleSet) Locations() []Point {
	out := make([]Point, s.Len())
	for i := range out {
		out[i] = s.samples[i].Location
	}
	return out
}

// Values returns the sample values in set order.
func (s *SampleSet) Values() []float64 {
	out := make([]float64, s.Len())
	for i := range out {
		out[i] = s.samples[i].Value
	}
	return out
}

// MaxSeparation returns the largest pairwise distance in the set. It sets
// the default semivariogram max lag.
func (s *SampleSet) MaxSeparation() float64 {
	maxD := 0.0
	n := s.Len()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if d := s.samples[i].Location.DistanceTo(s.samples[j].Location); d > maxD {
				maxD = d
			}
		}
	}
	return maxD
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
