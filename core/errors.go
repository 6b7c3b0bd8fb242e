package core

import "errors"

var (
	// ErrInsufficientData means there are too few samples or populated
	// semivariogram bins to fit a model.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrFitDivergence means the semivariogram fit did not converge within
	// its iteration budget.
	ErrFitDivergence = errors.New("semivariogram fit did not converge")
	// ErrSingularSystem means the kriging system is numerically singular,
	// typically because two samples share a location.
	ErrSingularSystem = errors.New("singular kriging system")
	// ErrInfeasibleConstraint means the background level alone already
	// violates the protection threshold at some incumbent.
	ErrInfeasibleConstraint = errors.New("infeasible power constraint")
	// ErrInvalidInput covers malformed configuration or arguments.
	ErrInvalidInput = errors.New("invalid input")
)
