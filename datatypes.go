package probreco

import (
	"log/slog"

	"gonum.org/v1/gonum/mat"
)

// Period is one entry of the training window: the observed values of all n
// series and the generator of that period's base-forecast draws.
type Period struct {
	// Observed n-vector, in the hierarchy's variable order
	Realization []float64
	// Base forecast sampler for this period
	Generator Generator
}

// Window is the ordered training window. Realizations and generators are
// paired by index.
type Window []Period

// DegeneratePolicy decides what happens to a period whose draws are unusable.
type DegeneratePolicy int

const (
	// SkipDegenerate leaves the period out of the average and counts it.
	SkipDegenerate DegeneratePolicy = iota
	// FailDegenerate fails the whole evaluation with ErrDegenerateSample.
	FailDegenerate
)

// ScoreOptions configures one evaluation of the total score.
// Zero values are replaced with defaults.
type ScoreOptions struct {
	// Draws requested from each generator call (K). Default 50.
	Samples int

	// Scoring rule. Default EnergyScore{Alpha: 1}.
	Rule ScoringRule

	// RNG seed for the draws (if 0, time-based seed is used)
	Seed uint64

	// Worker goroutines scoring periods in parallel. Default runtime.NumCPU().
	Workers int

	// Optional translation d (length m); reconciled draws are S(d + Gx).
	Translation []float64

	// What to do with NaN/Inf or empty draws
	Degenerate DegeneratePolicy

	// Default slog.Default()
	Logger *slog.Logger
}

// Evaluation is the detailed outcome of scoring one G over the window.
type Evaluation struct {
	// Mean score over the scored periods
	Score float64
	// Periods that contributed to Score
	Periods int
	// Periods skipped as degenerate
	Skipped int
	// Periods scored with a single draw (no dispersion term)
	LowSample int
	// Seed the draws were generated from
	Seed uint64
}

// Method selects the search strategy of the optimizer.
type Method int

const (
	// MethodAdam is stochastic gradient descent with Adam moment estimates.
	MethodAdam Method = iota
	// MethodSPSA is simultaneous perturbation stochastic approximation.
	MethodSPSA
	// MethodNelderMead is the derivative-free simplex search from gonum.
	MethodNelderMead
)

func (m Method) String() string {
	switch m {
	case MethodAdam:
		return "adam"
	case MethodSPSA:
		return "spsa"
	case MethodNelderMead:
		return "neldermead"
	}
	return "unknown"
}

// SeedPolicy controls how evaluation seeds vary during optimization.
type SeedPolicy int

const (
	// SeedPerIteration shares one seed between all evaluations of an
	// iteration and draws a new one for the next iteration.
	SeedPerIteration SeedPolicy = iota
	// SeedPerEvaluation gives every evaluation its own seed.
	SeedPerEvaluation
	// SeedFixed uses a single seed for the whole run.
	SeedFixed
)

func (p SeedPolicy) String() string {
	switch p {
	case SeedPerIteration:
		return "iteration"
	case SeedPerEvaluation:
		return "evaluation"
	case SeedFixed:
		return "fixed"
	}
	return "unknown"
}

// Init names a structural starting point for the optimizer.
type Init int

const (
	InitBottomUp Init = iota
	InitOLS
	InitWLS
)

func (i Init) String() string {
	switch i {
	case InitBottomUp:
		return "bottomup"
	case InitOLS:
		return "ols"
	case InitWLS:
		return "wls"
	}
	return "unknown"
}

// IterationStats is passed to OptimizeOptions.Observer after every iteration.
type IterationStats struct {
	Iteration   int
	Objective   float64
	Best        float64
	Evaluations int
	Skipped     int
}

// OptimizeOptions configures ScoreOptimize. The embedded ScoreOptions apply
// to every evaluation the optimizer makes; Seed is the master seed.
type OptimizeOptions struct {
	ScoreOptions

	Method Method

	// Iteration cap. Default 500.
	MaxIterations int

	// Minimum improvement of the windowed mean objective. Default 1e-4.
	Tolerance float64

	// Iterations per convergence window. Default 10.
	ConvergenceWindow int

	SeedPolicy SeedPolicy

	// Starting G; overrides Init when set
	InitialG *mat.Dense
	Init     Init

	// Also search over the translation d, starting at Translation (or zero)
	OptimizeTranslation bool

	// Step size: Adam eta (default 0.001) or SPSA a (default 0.01)
	LearningRate float64

	// Adam moment decay and stabilizer. Defaults 0.9, 0.999, 1e-8.
	Beta1, Beta2, Epsilon float64

	// SPSA perturbation c and Nelder–Mead simplex size. Default 0.1.
	Perturbation float64

	// Called after every iteration from the optimizer goroutine
	Observer func(IterationStats)
}

// Status reports how the optimizer stopped.
type Status int

const (
	// Converged: the windowed objective stopped improving. For Adam and SPSA
	// under a stochastic seed policy this was confirmed at a common seed.
	Converged Status = iota
	DidNotConverge
)

func (s Status) String() string {
	if s == Converged {
		return "converged"
	}
	return "did not converge"
}

// Result holds the optimized reconciliation and its score.
type Result struct {
	// Optimized G (m x n)
	G *mat.Dense
	// Translation d (length m), nil unless translation was used
	D []float64

	// Total score of (G, D) under EvalSeed
	Score float64
	// Seed of the final evaluation; TotalScore with this seed reproduces Score
	EvalSeed uint64

	Status      Status
	Iterations  int
	Evaluations int

	// Objective per iteration
	History []float64
}

// Err returns ErrDidNotConverge when the iteration cap was hit.
func (r *Result) Err() error {
	if r == nil || r.Status == Converged {
		return nil
	}
	return ErrDidNotConverge
}
