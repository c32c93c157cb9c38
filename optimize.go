package probreco

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

// Optimizer defaults.
const (
	DefaultMaxIterations     = 500
	DefaultTolerance         = 1e-4
	DefaultConvergenceWindow = 10
	DefaultAdamRate          = 0.001
	DefaultSPSARate          = 0.01
	DefaultPerturbation      = 0.1

	// evaluations retried with a fresh seed before a degenerate sample fails the run
	maxDegenerateRetries = 3
)

// Seed streams. Every evaluation seed is derived from the master seed and one
// of these disjoint stream ranges.
const (
	streamFixed      uint64 = 0
	streamIteration  uint64 = 1
	streamEvaluation uint64 = 1 << 40
	streamPerturb    uint64 = 1 << 50
	streamSettle     uint64 = 1 << 56
	streamFinal      uint64 = 1 << 62
)

// deriveSeed mixes a master seed and a stream index (splitmix64 finalizer).
func deriveSeed(master, stream uint64) uint64 {
	z := master + 0x9E3779B97F4A7C15*(stream+1)
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	z ^= z >> 31
	if z == 0 {
		z = 1
	}
	return z
}

func (o OptimizeOptions) withDefaults() OptimizeOptions {
	o.ScoreOptions = o.ScoreOptions.withDefaults()
	if o.MaxIterations == 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.Tolerance == 0 {
		o.Tolerance = DefaultTolerance
	}
	if o.ConvergenceWindow == 0 {
		o.ConvergenceWindow = DefaultConvergenceWindow
	}
	if o.LearningRate == 0 {
		o.LearningRate = DefaultAdamRate
		if o.Method == MethodSPSA {
			o.LearningRate = DefaultSPSARate
		}
	}
	if o.Beta1 == 0 {
		o.Beta1 = 0.9
	}
	if o.Beta2 == 0 {
		o.Beta2 = 0.999
	}
	if o.Epsilon == 0 {
		o.Epsilon = 1e-8
	}
	if o.Perturbation == 0 {
		o.Perturbation = DefaultPerturbation
	}
	return o
}

func (o OptimizeOptions) validate() error {
	switch {
	case o.MaxIterations < 0:
		return fmt.Errorf("%w: max iterations must be > 0, got %d", ErrInvalidOptions, o.MaxIterations)
	case o.Tolerance < 0:
		return fmt.Errorf("%w: tolerance must be >= 0, got %v", ErrInvalidOptions, o.Tolerance)
	case o.ConvergenceWindow < 0:
		return fmt.Errorf("%w: convergence window must be > 0, got %d", ErrInvalidOptions, o.ConvergenceWindow)
	case o.LearningRate < 0:
		return fmt.Errorf("%w: learning rate must be > 0, got %v", ErrInvalidOptions, o.LearningRate)
	case o.Beta1 < 0 || o.Beta1 >= 1 || o.Beta2 < 0 || o.Beta2 >= 1:
		return fmt.Errorf("%w: Adam betas must be in [0, 1)", ErrInvalidOptions)
	case o.Perturbation < 0:
		return fmt.Errorf("%w: perturbation must be > 0, got %v", ErrInvalidOptions, o.Perturbation)
	case o.Method < MethodAdam || o.Method > MethodNelderMead:
		return fmt.Errorf("%w: unknown method %d", ErrInvalidOptions, o.Method)
	case o.SeedPolicy < SeedPerIteration || o.SeedPolicy > SeedFixed:
		return fmt.Errorf("%w: unknown seed policy %d", ErrInvalidOptions, o.SeedPolicy)
	}
	return nil
}

// ScoreOptimize searches for the reconciliation matrix G (and optionally the
// translation d) minimizing the total score over the training window.
//
// The objective is a Monte Carlo estimate. Which draws each evaluation sees is
// set by opts.SeedPolicy; with a non-zero opts.Seed the whole run is
// reproducible. The search stops after opts.MaxIterations, or earlier when the
// mean objective over the last opts.ConvergenceWindow iterations improves on
// the window before it by less than opts.Tolerance (for Nelder–Mead, gonum's
// FunctionConverge with the same parameters).
//
// The initial, best-seen and final iterates are then scored under a common
// seed, reported as Result.EvalSeed, and the lowest is returned. Hitting the
// iteration cap is not an error: the result is flagged DidNotConverge.
//
// Shape errors found mid-run are returned together with a Result holding the
// best G seen so far.
func ScoreOptimize(ctx context.Context, h *Hierarchy, window Window, opts OptimizeOptions) (*Result, error) {
	ctx, span := tracer.Start(ctx, "probreco.ScoreOptimize",
		trace.WithAttributes(
			attribute.String("method", opts.Method.String()),
			attribute.Int("periods", len(window)),
		),
	)
	defer span.End()

	res, err := scoreOptimize(ctx, h, window, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if res != nil {
		span.SetAttributes(
			attribute.Float64("score", res.Score),
			attribute.Int("iterations", res.Iterations),
			attribute.String("status", res.Status.String()),
		)
	}
	return res, err
}

func scoreOptimize(ctx context.Context, h *Hierarchy, window Window, opts OptimizeOptions) (*Result, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	ev, err := newEvaluator(h, window, opts.ScoreOptions)
	if err != nil {
		return nil, err
	}
	if opts.Method == MethodAdam {
		if _, ok := ev.rule.(GradientRule); !ok {
			return nil, fmt.Errorf("%w: %s cannot be used with %s", ErrNotDifferentiable, ev.rule.Name(), opts.Method)
		}
	}

	var G0 *mat.Dense
	switch {
	case opts.InitialG != nil:
		if err := h.checkG(opts.InitialG); err != nil {
			return nil, err
		}
		G0 = mat.DenseCopyOf(opts.InitialG)
	case opts.Init == InitOLS:
		G0 = h.OLS()
	case opts.Init == InitWLS:
		G0 = h.WLSStructural()
	default:
		G0 = h.BottomUp()
	}

	master := opts.Seed
	if master == 0 {
		master = uint64(time.Now().UnixNano())
	}

	s := &search{
		ev:     ev,
		opts:   opts,
		h:      h,
		master: master,
		bestF:  math.Inf(1),
	}
	s.theta0 = s.pack(G0, opts.Translation)

	s.ev.logger.Info("starting score optimization",
		"method", opts.Method.String(),
		"periods", len(window),
		"series", h.n,
		"bottom", h.m,
		"samples", opts.Samples,
		"rule", ev.rule.Name(),
		"seed_policy", opts.SeedPolicy.String(),
		"max_iterations", opts.MaxIterations,
	)

	var last []float64
	var status Status
	switch opts.Method {
	case MethodSPSA:
		last, status, err = s.spsa(ctx)
	case MethodNelderMead:
		last, status, err = s.nelderMead(ctx)
	default:
		last, status, err = s.adam(ctx)
	}
	if err != nil {
		return s.partial(), err
	}

	res, err := s.finish(ctx, last, status)
	if err != nil {
		return s.partial(), err
	}

	logFn := s.ev.logger.Info
	if res.Status == DidNotConverge {
		logFn = s.ev.logger.Warn
	}
	logFn("score optimization finished",
		"status", res.Status.String(),
		"iterations", res.Iterations,
		"evaluations", res.Evaluations,
		"score", res.Score,
	)
	return res, nil
}

// search holds the optimizer state. It is owned by a single goroutine; mu
// only serializes the Nelder–Mead callbacks, which gonum runs on its own
// goroutines.
type search struct {
	mu sync.Mutex

	ev     *evaluator
	opts   OptimizeOptions
	h      *Hierarchy
	master uint64

	theta0 []float64
	best   []float64
	bestF  float64

	history []float64
	// iterates behind the last ConvergenceWindow history entries, oldest first
	trail   [][]float64
	evals   int
	skipped int
}

// dim is the number of free parameters: vec(G) and, if searched, d.
func (s *search) dim() int {
	d := s.h.m * s.h.n
	if s.opts.OptimizeTranslation {
		d += s.h.m
	}
	return d
}

// pack flattens G row-major, followed by d when the translation is searched.
func (s *search) pack(G *mat.Dense, d []float64) []float64 {
	theta := make([]float64, 0, s.dim())
	for i := 0; i < s.h.m; i++ {
		theta = append(theta, G.RawRowView(i)...)
	}
	if s.opts.OptimizeTranslation {
		if d == nil {
			d = make([]float64, s.h.m)
		}
		theta = append(theta, d...)
	}
	return theta
}

func (s *search) unpack(theta []float64) (*mat.Dense, []float64) {
	mn := s.h.m * s.h.n
	G := mat.NewDense(s.h.m, s.h.n, append([]float64(nil), theta[:mn]...))
	if s.opts.OptimizeTranslation {
		return G, append([]float64(nil), theta[mn:]...)
	}
	return G, s.opts.Translation
}

// seed returns the evaluation seed for iteration iter under the seed policy.
func (s *search) seed(iter int) uint64 {
	switch s.opts.SeedPolicy {
	case SeedFixed:
		return deriveSeed(s.master, streamFixed)
	case SeedPerEvaluation:
		return deriveSeed(s.master, streamEvaluation+uint64(s.evals))
	default:
		return deriveSeed(s.master, streamIteration+uint64(iter))
	}
}

// evaluate scores theta with the seed of iteration iter, retrying degenerate
// samples with fresh seeds.
func (s *search) evaluate(ctx context.Context, theta []float64, iter int, wantGrad bool) (*evalResult, error) {
	return s.evaluateAt(ctx, theta, s.seed(iter), iter, wantGrad)
}

func (s *search) evaluateAt(ctx context.Context, theta []float64, seed uint64, iter int, wantGrad bool) (*evalResult, error) {
	G, d := s.unpack(theta)

	var err error
	for attempt := 0; attempt <= maxDegenerateRetries; attempt++ {
		if attempt > 0 {
			seed = deriveSeed(seed, uint64(attempt))
			s.ev.logger.Debug("retrying degenerate evaluation", "iteration", iter, "attempt", attempt)
		}
		var r *evalResult
		r, err = s.ev.run(ctx, G, d, seed, wantGrad)
		s.evals++
		if err == nil {
			s.skipped += r.Skipped
			s.consider(theta, r.Score)
			return r, nil
		}
		if !errors.Is(err, ErrDegenerateSample) {
			return nil, err
		}
	}
	return nil, err
}

// consider records theta if it is the best point seen so far.
func (s *search) consider(theta []float64, f float64) {
	if f < s.bestF {
		s.bestF = f
		s.best = append(s.best[:0], theta...)
	}
}

// observe appends the iteration objective and notifies the observer.
func (s *search) observe(iter int, f float64) {
	s.history = append(s.history, f)
	if s.opts.Observer != nil {
		s.opts.Observer(IterationStats{
			Iteration:   iter,
			Objective:   f,
			Best:        s.bestF,
			Evaluations: s.evals,
			Skipped:     s.skipped,
		})
	}
	if iter%50 == 0 {
		s.ev.logger.Debug("optimizer iteration",
			"iteration", iter, "objective", f, "best", s.bestF)
	}
}

// converged compares the mean objective of the last window of iterations with
// the window before it.
func (s *search) converged() bool {
	w := s.opts.ConvergenceWindow
	k := len(s.history)
	if k < 2*w {
		return false
	}
	prev := stat.Mean(s.history[k-2*w:k-w], nil)
	last := stat.Mean(s.history[k-w:], nil)
	return prev-last < s.opts.Tolerance
}

// mark appends a copy of the iterate whose objective was just observed.
func (s *search) mark(theta []float64) {
	if w := s.opts.ConvergenceWindow; len(s.trail) == w {
		copy(s.trail, s.trail[1:])
		s.trail[w-1] = append(s.trail[w-1][:0], theta...)
		return
	}
	s.trail = append(s.trail, append([]float64(nil), theta...))
}

// settled reports convergence of an iterative method at theta. Unless every
// evaluation shares one seed, a windowed signal is only accepted when the
// iterate one window back and theta, scored at a common seed, also differ by
// less than Tolerance.
func (s *search) settled(ctx context.Context, theta []float64, iter int) (bool, error) {
	if !s.converged() {
		return false, nil
	}
	if s.opts.SeedPolicy == SeedFixed || len(s.trail) == 0 {
		return true, nil
	}
	seed := deriveSeed(s.master, streamSettle+uint64(iter))
	back, err := s.evaluateAt(ctx, s.trail[0], seed, iter, false)
	if err != nil {
		return false, err
	}
	now, err := s.evaluateAt(ctx, theta, seed, iter, false)
	if err != nil {
		return false, err
	}
	return back.Score-now.Score < s.opts.Tolerance, nil
}

func (s *search) adam(ctx context.Context) ([]float64, Status, error) {
	o := s.opts
	theta := append([]float64(nil), s.theta0...)
	m1 := make([]float64, len(theta))
	m2 := make([]float64, len(theta))
	grad := make([]float64, 0, len(theta))

	for it := 0; it < o.MaxIterations; it++ {
		if err := ctx.Err(); err != nil {
			return nil, DidNotConverge, err
		}
		r, err := s.evaluate(ctx, theta, it, true)
		if err != nil {
			return nil, DidNotConverge, err
		}
		s.observe(it, r.Score)
		s.mark(theta)

		grad = s.pack(r.gradG, r.gradD)[:len(theta)]
		t := float64(it + 1)
		c1 := 1 - math.Pow(o.Beta1, t)
		c2 := 1 - math.Pow(o.Beta2, t)
		for i, g := range grad {
			m1[i] = o.Beta1*m1[i] + (1-o.Beta1)*g
			m2[i] = o.Beta2*m2[i] + (1-o.Beta2)*g*g
			theta[i] -= o.LearningRate * (m1[i] / c1) / (math.Sqrt(m2[i]/c2) + o.Epsilon)
		}

		done, err := s.settled(ctx, theta, it)
		if err != nil {
			return nil, DidNotConverge, err
		}
		if done {
			return theta, Converged, nil
		}
	}
	return theta, DidNotConverge, nil
}

func (s *search) spsa(ctx context.Context) ([]float64, Status, error) {
	o := s.opts
	theta := append([]float64(nil), s.theta0...)
	p := len(theta)
	delta := make([]float64, p)
	plus := make([]float64, p)
	minus := make([]float64, p)
	A := 0.1 * float64(o.MaxIterations)

	for it := 0; it < o.MaxIterations; it++ {
		if err := ctx.Err(); err != nil {
			return nil, DidNotConverge, err
		}
		ak := o.LearningRate / math.Pow(float64(it+1)+A, 0.602)
		ck := o.Perturbation / math.Pow(float64(it+1), 0.101)

		// Rademacher perturbation
		prng := rand.New(rand.NewPCG(s.master, streamPerturb+uint64(it)))
		for i := range delta {
			delta[i] = 1
			if prng.IntN(2) == 0 {
				delta[i] = -1
			}
			plus[i] = theta[i] + ck*delta[i]
			minus[i] = theta[i] - ck*delta[i]
		}

		rp, err := s.evaluate(ctx, plus, it, false)
		if err != nil {
			return nil, DidNotConverge, err
		}
		rm, err := s.evaluate(ctx, minus, it, false)
		if err != nil {
			return nil, DidNotConverge, err
		}
		f := (rp.Score + rm.Score) / 2
		s.observe(it, f)
		s.mark(theta)

		diff := (rp.Score - rm.Score) / (2 * ck)
		for i := range theta {
			theta[i] -= ak * diff / delta[i]
		}

		done, err := s.settled(ctx, theta, it)
		if err != nil {
			return nil, DidNotConverge, err
		}
		if done {
			return theta, Converged, nil
		}
	}
	return theta, DidNotConverge, nil
}

// nmRecorder advances the iteration counter used for seeding and aborts the
// gonum run on evaluation errors or cancellation.
type nmRecorder struct {
	ctx  context.Context
	s    *search
	iter int
	err  error
}

func (r *nmRecorder) Init() error { return nil }

func (r *nmRecorder) Record(loc *optimize.Location, op optimize.Operation, _ *optimize.Stats) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if err := r.ctx.Err(); err != nil {
		return err
	}
	if op == optimize.MajorIteration {
		r.s.observe(r.iter, loc.F)
		r.iter++
	}
	return nil
}

func (s *search) nelderMead(ctx context.Context) ([]float64, Status, error) {
	o := s.opts
	rec := &nmRecorder{ctx: ctx, s: s}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			s.mu.Lock()
			defer s.mu.Unlock()
			if rec.err != nil {
				return math.Inf(1)
			}
			r, err := s.evaluate(ctx, x, rec.iter, false)
			if err != nil {
				rec.err = err
				return math.Inf(1)
			}
			return r.Score
		},
	}
	settings := &optimize.Settings{
		MajorIterations: o.MaxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   o.Tolerance,
			Iterations: o.ConvergenceWindow,
		},
		Recorder:   rec,
		Concurrent: 1,
	}
	method := &optimize.NelderMead{SimplexSize: o.Perturbation}

	result, err := optimize.Minimize(problem, append([]float64(nil), s.theta0...), settings, method)
	if rec.err != nil {
		return nil, DidNotConverge, rec.err
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, DidNotConverge, cerr
	}
	if result == nil {
		return nil, DidNotConverge, fmt.Errorf("nelder-mead: %w", err)
	}
	if err != nil {
		s.ev.logger.Warn("nelder-mead stopped early", "error", err, "status", result.Status.String())
	}

	status := DidNotConverge
	switch result.Status {
	case optimize.FunctionConvergence, optimize.MethodConverge, optimize.Success, optimize.StepConvergence:
		status = Converged
	}
	return append([]float64(nil), result.X...), status, nil
}

// finish scores the initial, best-seen and last iterates under one common
// seed and returns the lowest.
func (s *search) finish(ctx context.Context, last []float64, status Status) (*Result, error) {
	evalSeed := deriveSeed(s.master, streamFinal)

	candidates := [][]float64{last}
	if s.best != nil {
		candidates = append(candidates, s.best)
	}
	candidates = append(candidates, s.theta0)

	var (
		winner []float64
		score  = math.Inf(1)
	)
	for _, theta := range candidates {
		G, d := s.unpack(theta)
		r, err := s.ev.run(ctx, G, d, evalSeed, false)
		s.evals++
		if err != nil {
			return nil, err
		}
		if r.Score < score {
			score = r.Score
			winner = theta
		}
	}

	G, d := s.unpack(winner)
	return &Result{
		G:           G,
		D:           d,
		Score:       score,
		EvalSeed:    evalSeed,
		Status:      status,
		Iterations:  len(s.history),
		Evaluations: s.evals,
		History:     s.history,
	}, nil
}

// partial builds the result returned alongside a fatal error: the best point
// seen so far scored by its own noisy estimate.
func (s *search) partial() *Result {
	theta, score := s.best, s.bestF
	if theta == nil {
		theta, score = s.theta0, math.NaN()
	}
	G, d := s.unpack(theta)
	return &Result{
		G:           G,
		D:           d,
		Score:       score,
		Status:      DidNotConverge,
		Iterations:  len(s.history),
		Evaluations: s.evals,
		History:     s.history,
	}
}
