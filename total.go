package probreco

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// DefaultSamples is the number of draws requested per generator call.
const DefaultSamples = 50

var tracer = otel.Tracer("github.com/palexbg/ProbReco")

// TotalScore returns the mean score of the reconciliation G over the training
// window. Each period's generator is called once for K draws, every draw x is
// reconciled to S·G·x (S·(d + G·x) with a translation), and the draws are
// scored against the period's realization.
func TotalScore(ctx context.Context, h *Hierarchy, window Window, G mat.Matrix, opts ScoreOptions) (float64, error) {
	ev, err := Evaluate(ctx, h, window, G, opts)
	if err != nil {
		return math.NaN(), err
	}
	return ev.Score, nil
}

// Evaluate is TotalScore with the per-period bookkeeping: how many periods
// were scored, skipped as degenerate, or scored from a single draw.
func Evaluate(ctx context.Context, h *Hierarchy, window Window, G mat.Matrix, opts ScoreOptions) (*Evaluation, error) {
	ctx, span := tracer.Start(ctx, "probreco.Evaluate",
		trace.WithAttributes(
			attribute.Int("periods", len(window)),
		),
	)
	defer span.End()

	ev, err := newEvaluator(h, window, opts)
	if err == nil {
		err = h.checkG(G)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	seed := ev.opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	span.SetAttributes(
		attribute.Int("samples", ev.opts.Samples),
		attribute.String("rule", ev.rule.Name()),
		attribute.Int64("seed", int64(seed)),
	)

	res, err := ev.run(ctx, mat.DenseCopyOf(G), ev.opts.Translation, seed, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if res.Skipped > 0 {
		ev.logger.Warn("degenerate periods skipped",
			"skipped", res.Skipped, "scored", res.Periods)
	}
	if res.LowSample > 0 {
		ev.logger.Warn("periods scored from a single draw; dispersion term dropped",
			"periods", res.LowSample)
	}
	span.SetAttributes(attribute.Float64("score", res.Score))
	return &res.Evaluation, nil
}

// evaluator scores candidate reconciliations over a fixed window.
type evaluator struct {
	h      *Hierarchy
	window Window
	opts   ScoreOptions
	rule   ScoringRule
	logger *slog.Logger
}

type evalResult struct {
	Evaluation
	gradG *mat.Dense
	gradD []float64
}

type periodResult struct {
	score     float64
	skipped   bool
	lowSample bool
	gradG     *mat.Dense
	gradD     []float64
}

// withDefaults fills zero-valued options.
func (o ScoreOptions) withDefaults() ScoreOptions {
	if o.Samples == 0 {
		o.Samples = DefaultSamples
	}
	if o.Rule == nil {
		o.Rule = EnergyScore{Alpha: 1}
	}
	if o.Workers == 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func newEvaluator(h *Hierarchy, window Window, opts ScoreOptions) (*evaluator, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil hierarchy", ErrInvalidHierarchy)
	}
	opts = opts.withDefaults()
	if opts.Samples < 0 {
		return nil, fmt.Errorf("%w: samples must be > 0, got %d", ErrInvalidOptions, opts.Samples)
	}
	if opts.Workers < 0 {
		return nil, fmt.Errorf("%w: workers must be >= 0, got %d", ErrInvalidOptions, opts.Workers)
	}
	if opts.Translation != nil && len(opts.Translation) != h.m {
		return nil, fmt.Errorf("%w: translation has length %d, expected %d", ErrDimensionMismatch, len(opts.Translation), h.m)
	}
	if err := checkRule(opts.Rule, h.n); err != nil {
		return nil, err
	}
	if err := h.checkWindow(window); err != nil {
		return nil, err
	}
	return &evaluator{
		h:      h,
		window: window,
		opts:   opts,
		rule:   opts.Rule,
		logger: opts.Logger,
	}, nil
}

func checkRule(rule ScoringRule, n int) error {
	switch r := rule.(type) {
	case EnergyScore:
		if r.Alpha < 0 || r.Alpha >= 2 {
			return fmt.Errorf("%w: energy score alpha must be in (0, 2), got %v", ErrInvalidOptions, r.Alpha)
		}
		for _, i := range r.Series {
			if i < 0 || i >= n {
				return fmt.Errorf("%w: energy score series %d out of range [0, %d)", ErrDimensionMismatch, i, n)
			}
		}
	case VariogramScore:
		if r.P < 0 {
			return fmt.Errorf("%w: variogram order must be > 0, got %v", ErrInvalidOptions, r.P)
		}
	}
	return nil
}

// run scores (G, d) under seed. Period t draws from PCG(seed, t), so the result
// does not depend on how periods are spread over workers.
func (e *evaluator) run(ctx context.Context, G *mat.Dense, d []float64, seed uint64, wantGrad bool) (*evalResult, error) {
	out := make([]periodResult, len(e.window))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for t := range e.window {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(seed, uint64(t)))
			res, err := e.period(t, rng, G, d, wantGrad)
			if err != nil {
				return err
			}
			out[t] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &evalResult{Evaluation: Evaluation{Seed: seed}}
	if wantGrad {
		res.gradG = mat.NewDense(e.h.m, e.h.n, nil)
		res.gradD = make([]float64, e.h.m)
	}
	var sum float64
	for _, p := range out {
		if p.skipped {
			res.Skipped++
			continue
		}
		if p.lowSample {
			res.LowSample++
		}
		res.Periods++
		sum += p.score
		if wantGrad {
			res.gradG.Add(res.gradG, p.gradG)
			floats.Add(res.gradD, p.gradD)
		}
	}
	if res.Periods == 0 {
		return nil, fmt.Errorf("%w: all %d periods skipped", ErrDegenerateSample, len(out))
	}

	scale := 1 / float64(res.Periods)
	res.Score = sum * scale
	if wantGrad {
		res.gradG.Scale(scale, res.gradG)
		floats.Scale(scale, res.gradD)
	}
	return res, nil
}

// period draws, reconciles and scores one period of the window.
func (e *evaluator) period(t int, rng *rand.Rand, G *mat.Dense, d []float64, wantGrad bool) (periodResult, error) {
	p := e.window[t]
	n, m := e.h.n, e.h.m

	X := p.Generator.Draw(rng, e.opts.Samples)
	if X == nil || X.IsEmpty() {
		return e.degenerate(t, "generator returned no draws")
	}
	rows, K := X.Dims()
	if rows != n {
		return periodResult{}, fmt.Errorf("%w: period %d draws have %d rows, expected %d", ErrDimensionMismatch, t, rows, n)
	}
	if hasNonFinite(X) {
		return e.degenerate(t, "draws contain NaN or Inf")
	}

	_, R := reconcile(e.h.s, G, X, d)

	draws := make([][]float64, K)
	for k := range draws {
		draws[k] = mat.Col(nil, k, R)
	}

	score := e.rule.Score(draws, p.Realization)
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return e.degenerate(t, "non-finite score")
	}
	res := periodResult{score: score, lowSample: K == 1}
	if !wantGrad {
		return res, nil
	}

	gr, ok := e.rule.(GradientRule)
	if !ok {
		return periodResult{}, fmt.Errorf("%w: %s", ErrNotDifferentiable, e.rule.Name())
	}
	grad := make([][]float64, K)
	for k := range grad {
		grad[k] = make([]float64, n)
	}
	gr.Gradient(draws, p.Realization, grad)

	// chain rule: dScore/dB = S' dR, dScore/dG = S' dR X', dScore/dd = S' dR 1
	dR := mat.NewDense(n, K, nil)
	for k, g := range grad {
		dR.SetCol(k, g)
	}
	var dB mat.Dense
	dB.Mul(e.h.s.T(), dR)

	res.gradG = mat.NewDense(m, n, nil)
	res.gradG.Mul(&dB, X.T())
	res.gradD = make([]float64, m)
	for i := 0; i < m; i++ {
		res.gradD[i] = floats.Sum(dB.RawRowView(i))
	}
	return res, nil
}

func (e *evaluator) degenerate(t int, reason string) (periodResult, error) {
	if e.opts.Degenerate == FailDegenerate {
		return periodResult{}, fmt.Errorf("%w: period %d: %s", ErrDegenerateSample, t, reason)
	}
	e.logger.Debug("skipping degenerate period", "period", t, "reason", reason)
	return periodResult{skipped: true}, nil
}

func hasNonFinite(X *mat.Dense) bool {
	r, c := X.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := X.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return true
			}
		}
	}
	return false
}
