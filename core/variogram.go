package core

import (
	"fmt"
	"math"
	"strings"
)

// ModelFamily names a parametric semivariogram shape.
type ModelFamily string

const (
	Exponential ModelFamily = "exponential"
	Spherical   ModelFamily = "spherical"
	Gaussian    ModelFamily = "gaussian"
)

// Families lists every supported model family.
var Families = []ModelFamily{Exponential, Spherical, Gaussian}

// ParseModelFamily resolves a case-insensitive family name.
func ParseModelFamily(s string) (ModelFamily, error) {
	switch ModelFamily(strings.ToLower(strings.TrimSpace(s))) {
	case Exponential, "exp", "":
		return Exponential, nil
	case Spherical, "sph":
		return Spherical, nil
	case Gaussian, "gau":
		return Gaussian, nil
	default:
		return "", fmt.Errorf("%w: unknown semivariogram family %q", ErrInvalidInput, s)
	}
}

// VariogramModel is a fitted isotropic semivariogram. Sill is the total
// sill (the asymptote), so the partial sill is Sill-Nugget.
type VariogramModel struct {
	Family ModelFamily `json:"family"`
	Nugget float64     `json:"nugget"`
	Sill   float64     `json:"sill"`
	Range  float64     `json:"range"`
}

// Validate checks nugget >= 0, sill > nugget, range > 0 and a known family.
func (m VariogramModel) Validate() error {
	switch m.Family {
	case Exponential, Spherical, Gaussian:
	default:
		return fmt.Errorf("%w: unknown semivariogram family %q", ErrInvalidInput, m.Family)
	}
	if !(m.Nugget >= 0) {
		return fmt.Errorf("%w: nugget %v must be >= 0", ErrInvalidInput, m.Nugget)
	}
	if !(m.Sill > m.Nugget) {
		return fmt.Errorf("%w: sill %v must exceed nugget %v", ErrInvalidInput, m.Sill, m.Nugget)
	}
	if !(m.Range > 0) || math.IsInf(m.Range, 0) {
		return fmt.Errorf("%w: range %v must be positive and finite", ErrInvalidInput, m.Range)
	}
	return nil
}

// PartialSill returns Sill-Nugget.
func (m VariogramModel) PartialSill() float64 { return m.Sill - m.Nugget }

// Semivariance evaluates the model at separation h. γ(0) is 0 by
// definition; the nugget is the jump immediately above zero.
func (m VariogramModel) Semivariance(h float64) float64 {
	if h <= 0 {
		return 0
	}
	return m.Nugget + m.PartialSill()*m.Family.shape(h/m.Range)
}

// Covariance returns Sill-γ(h), the stationary covariance implied by the
// model.
func (m VariogramModel) Covariance(h float64) float64 {
	return m.Sill - m.Semivariance(h)
}

// shape is the normalised structure function on [0,1] for the reduced
// distance u = h/range.
func (f ModelFamily) shape(u float64) float64 {
	switch f {
	case Spherical:
		if u >= 1 {
			return 1
		}
		return 1.5*u - 0.5*u*u*u
	case Gaussian:
		return 1 - math.Exp(-u*u)
	default:
		return 1 - math.Exp(-u)
	}
}

func (m VariogramModel) String() string {
	return fmt.Sprintf("%s(nugget=%.4g, sill=%.4g, range=%.4g)", m.Family, m.Nugget, m.Sill, m.Range)
}
