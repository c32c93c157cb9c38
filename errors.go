package probreco

import "errors"

// Sentinel errors. Callers match them with errors.Is; functions wrap them with
// fmt.Errorf("context: %w", ErrX) to add the offending shape or index.
var (
	// ErrInvalidHierarchy is returned by NewHierarchy when S is not a valid
	// summing matrix (wrong shape, non-binary entries, bottom rows not I_m).
	ErrInvalidHierarchy = errors.New("probreco: invalid hierarchy")

	// ErrDimensionMismatch reports a realization, draw matrix, G or
	// translation whose shape disagrees with the hierarchy's n and m.
	ErrDimensionMismatch = errors.New("probreco: dimension mismatch")

	// ErrInvalidRealization reports a realization holding NaN or Inf.
	ErrInvalidRealization = errors.New("probreco: invalid realization")

	// ErrDegenerateSample reports draws that cannot be scored: zero columns,
	// NaN or Inf values, or a non-finite score.
	ErrDegenerateSample = errors.New("probreco: degenerate sample")

	// ErrDidNotConverge is returned by Result.Err when the optimizer hit its
	// iteration cap. The result still holds the best G found.
	ErrDidNotConverge = errors.New("probreco: optimizer did not converge")

	// ErrEmptyWindow is returned when the training window has no periods.
	ErrEmptyWindow = errors.New("probreco: empty training window")

	// ErrNotDifferentiable is returned when a gradient method is asked to
	// optimize a scoring rule that does not implement GradientRule.
	ErrNotDifferentiable = errors.New("probreco: scoring rule has no gradient")

	// ErrInvalidOptions reports option values outside their domain.
	ErrInvalidOptions = errors.New("probreco: invalid options")
)
