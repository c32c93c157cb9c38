package probreco

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// informativeTop builds a window where the total is forecast almost exactly
// and the bottom series only by their long-run means, so a reconciliation that
// borrows from the total beats bottom-up.
func informativeTop(t *testing.T, h *Hierarchy, periods int) Window {
	t.Helper()
	rng := rand.New(rand.NewPCG(2024, 1))
	mu := []float64{5, 8}
	w := make(Window, periods)
	for p := range w {
		b := []float64{mu[0] + 2*rng.NormFloat64(), mu[1] + 2*rng.NormFloat64()}
		y := []float64{b[0] + b[1], b[0], b[1]}
		g, err := Gaussian([]float64{y[0], mu[0], mu[1]}, []float64{0.1, 2, 2})
		require.NoError(t, err)
		w[p] = Period{Realization: y, Generator: g}
	}
	return w
}

// perfect is a window whose draws all equal the coherent truth.
func perfect(h *Hierarchy) Window {
	y := []float64{3, 1, 2}
	return Window{
		{Realization: y, Generator: repeated(y, 4)},
		{Realization: y, Generator: repeated(y, 4)},
	}
}

func TestScoreOptimizeBeatsBottomUp(t *testing.T) {
	h := twoLevel(t)
	window := informativeTop(t, h, 20)
	ctx := context.Background()

	tests := []struct {
		name   string
		opts   OptimizeOptions
		strict bool
	}{
		{"adam", OptimizeOptions{Method: MethodAdam, LearningRate: 0.05, MaxIterations: 150}, true},
		{"spsa", OptimizeOptions{Method: MethodSPSA, MaxIterations: 100}, false},
		{"neldermead", OptimizeOptions{Method: MethodNelderMead, MaxIterations: 200}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.opts
			opts.Seed = 17
			opts.Samples = 30
			opts.SeedPolicy = SeedFixed
			opts.Logger = quietLogger()

			res, err := ScoreOptimize(ctx, h, window, opts)
			require.NoError(t, err)
			require.NotNil(t, res)

			r, c := res.G.Dims()
			assert.Equal(t, 2, r)
			assert.Equal(t, 3, c)
			assert.Nil(t, res.D)
			assert.NotEmpty(t, res.History)
			assert.Equal(t, len(res.History), res.Iterations)
			assert.Greater(t, res.Evaluations, res.Iterations)

			bu, err := TotalScore(ctx, h, window, h.BottomUp(), ScoreOptions{
				Seed: res.EvalSeed, Samples: 30, Logger: quietLogger(),
			})
			require.NoError(t, err)
			assert.LessOrEqual(t, res.Score, bu)
			if tt.strict {
				assert.Less(t, res.Score, bu)
			}

			// the reported score is reproducible from EvalSeed
			again, err := TotalScore(ctx, h, window, res.G, ScoreOptions{
				Seed: res.EvalSeed, Samples: 30, Logger: quietLogger(),
			})
			require.NoError(t, err)
			assert.Equal(t, res.Score, again)
		})
	}
}

func TestScoreOptimizeBeatsBottomUpOnAverage(t *testing.T) {
	h := twoLevel(t)
	window := informativeTop(t, h, 20)
	ctx := context.Background()

	var optimized, bottomUp float64
	seeds := []uint64{3, 11, 29, 71}
	for i, seed := range seeds {
		res, err := ScoreOptimize(ctx, h, window, OptimizeOptions{
			ScoreOptions:  ScoreOptions{Seed: seed, Samples: 30, Logger: quietLogger()},
			LearningRate:  0.05,
			MaxIterations: 100,
		})
		require.NoError(t, err)

		// scored on draws the optimizer never saw
		eval := ScoreOptions{Seed: 1000 + uint64(i), Samples: 30, Logger: quietLogger()}
		f, err := TotalScore(ctx, h, window, res.G, eval)
		require.NoError(t, err)
		bu, err := TotalScore(ctx, h, window, h.BottomUp(), eval)
		require.NoError(t, err)
		optimized += f
		bottomUp += bu
	}
	assert.Less(t, optimized/float64(len(seeds)), bottomUp/float64(len(seeds)))
}

func TestScoreOptimizeConvergesAtOptimum(t *testing.T) {
	h := twoLevel(t)

	res, err := ScoreOptimize(context.Background(), h, perfect(h), OptimizeOptions{
		ScoreOptions: ScoreOptions{Seed: 1, Logger: quietLogger()},
	})
	require.NoError(t, err)
	assert.Equal(t, Converged, res.Status)
	assert.NoError(t, res.Err())
	assert.Equal(t, 2*DefaultConvergenceWindow, res.Iterations)
	assert.InDelta(t, 0, res.Score, 1e-12)
	assert.True(t, mat.Equal(h.BottomUp(), res.G))
}

func TestScoreOptimizeInit(t *testing.T) {
	h := twoLevel(t)
	ctx := context.Background()
	base := OptimizeOptions{ScoreOptions: ScoreOptions{Seed: 1, Logger: quietLogger()}}

	wls := base
	wls.Init = InitWLS
	res, err := ScoreOptimize(ctx, h, perfect(h), wls)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(h.WLSStructural(), res.G, 1e-12))

	given := base
	given.Init = InitWLS
	given.InitialG = h.OLS()
	res, err = ScoreOptimize(ctx, h, perfect(h), given)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(h.OLS(), res.G, 1e-12))
}

func TestScoreOptimizeDidNotConverge(t *testing.T) {
	h := twoLevel(t)
	window := informativeTop(t, h, 5)

	var seen []int
	res, err := ScoreOptimize(context.Background(), h, window, OptimizeOptions{
		ScoreOptions:  ScoreOptions{Seed: 3, Samples: 10, Logger: quietLogger()},
		MaxIterations: 3,
		Observer:      func(s IterationStats) { seen = append(seen, s.Iteration) },
	})
	require.NoError(t, err)
	assert.Equal(t, DidNotConverge, res.Status)
	assert.ErrorIs(t, res.Err(), ErrDidNotConverge)
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, []int{0, 1, 2}, seen)
}

func TestScoreOptimizeReproducible(t *testing.T) {
	h := twoLevel(t)
	window := informativeTop(t, h, 8)
	ctx := context.Background()

	for _, method := range []Method{MethodAdam, MethodSPSA, MethodNelderMead} {
		for _, policy := range []SeedPolicy{SeedPerIteration, SeedPerEvaluation, SeedFixed} {
			t.Run(method.String()+"/"+policy.String(), func(t *testing.T) {
				opts := OptimizeOptions{
					ScoreOptions:  ScoreOptions{Seed: 11, Samples: 10, Workers: 1, Logger: quietLogger()},
					Method:        method,
					SeedPolicy:    policy,
					MaxIterations: 25,
				}
				a, err := ScoreOptimize(ctx, h, window, opts)
				require.NoError(t, err)

				opts.Workers = 4
				b, err := ScoreOptimize(ctx, h, window, opts)
				require.NoError(t, err)

				assert.Equal(t, a.Score, b.Score)
				assert.Equal(t, a.EvalSeed, b.EvalSeed)
				assert.Equal(t, a.History, b.History)
				assert.True(t, mat.Equal(a.G, b.G))
			})
		}
	}
}

func TestScoreOptimizeTranslation(t *testing.T) {
	h := twoLevel(t)
	ctx := context.Background()
	// bottom forecasts are biased low by 1
	y := []float64{3, 1, 2}
	g, err := Gaussian([]float64{3, 0, 1}, []float64{0.1, 0.1, 0.1})
	require.NoError(t, err)
	window := Window{{Realization: y, Generator: g}}

	res, err := ScoreOptimize(ctx, h, window, OptimizeOptions{
		ScoreOptions:        ScoreOptions{Seed: 5, Samples: 20, Logger: quietLogger()},
		OptimizeTranslation: true,
		LearningRate:        0.05,
		MaxIterations:       100,
	})
	require.NoError(t, err)
	require.Len(t, res.D, 2)

	start, err := TotalScore(ctx, h, window, h.BottomUp(), ScoreOptions{
		Seed: res.EvalSeed, Samples: 20, Translation: []float64{0, 0}, Logger: quietLogger(),
	})
	require.NoError(t, err)
	assert.Less(t, res.Score, start)
}

// meanAbs has no gradient.
type meanAbs struct{}

func (meanAbs) Name() string { return "mean-abs" }

func (meanAbs) Score(draws [][]float64, y []float64) float64 {
	var s float64
	for _, x := range draws {
		for i := range y {
			s += math.Abs(x[i] - y[i])
		}
	}
	return s / float64(len(draws))
}

// recordingRule is an energy score that remembers every value it returned.
type recordingRule struct {
	mu   *sync.Mutex
	seen map[float64]bool
}

func (recordingRule) Name() string { return "recording" }

func (r recordingRule) Score(draws [][]float64, y []float64) float64 {
	v := EnergyScore{Alpha: 1}.Score(draws, y)
	r.mu.Lock()
	r.seen[v] = true
	r.mu.Unlock()
	return v
}

func TestSPSABestIsAnEvaluatedScore(t *testing.T) {
	h := twoLevel(t)
	// one period, so every total score is a single rule score
	window := informativeTop(t, h, 1)
	rule := recordingRule{mu: &sync.Mutex{}, seen: make(map[float64]bool)}

	var bests []float64
	_, err := ScoreOptimize(context.Background(), h, window, OptimizeOptions{
		ScoreOptions:  ScoreOptions{Seed: 5, Samples: 10, Rule: rule, Logger: quietLogger()},
		Method:        MethodSPSA,
		MaxIterations: 30,
		Observer:      func(st IterationStats) { bests = append(bests, st.Best) },
	})
	require.NoError(t, err)
	require.NotEmpty(t, bests)
	for i, b := range bests {
		assert.True(t, rule.seen[b], "iteration %d best %v was never evaluated", i, b)
	}
}

func TestScoreOptimizeRuleWithoutGradient(t *testing.T) {
	h := twoLevel(t)
	window := informativeTop(t, h, 4)
	opts := OptimizeOptions{
		ScoreOptions:  ScoreOptions{Seed: 1, Samples: 5, Rule: meanAbs{}, Logger: quietLogger()},
		MaxIterations: 5,
	}

	_, err := ScoreOptimize(context.Background(), h, window, opts)
	assert.ErrorIs(t, err, ErrNotDifferentiable)

	opts.Method = MethodSPSA
	res, err := ScoreOptimize(context.Background(), h, window, opts)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Iterations)
}

func TestScoreOptimizeInvalidOptions(t *testing.T) {
	h := twoLevel(t)
	window := perfect(h)
	ctx := context.Background()

	tests := []struct {
		name string
		opts OptimizeOptions
		want error
	}{
		{"iterations", OptimizeOptions{MaxIterations: -1}, ErrInvalidOptions},
		{"tolerance", OptimizeOptions{Tolerance: -1}, ErrInvalidOptions},
		{"beta", OptimizeOptions{Beta1: 1}, ErrInvalidOptions},
		{"method", OptimizeOptions{Method: Method(9)}, ErrInvalidOptions},
		{"seed policy", OptimizeOptions{SeedPolicy: SeedPolicy(9)}, ErrInvalidOptions},
		{"initial G", OptimizeOptions{InitialG: mat.NewDense(3, 3, nil)}, ErrDimensionMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Logger = quietLogger()
			res, err := ScoreOptimize(ctx, h, window, tt.opts)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, res)
		})
	}

	_, err := ScoreOptimize(ctx, h, nil, OptimizeOptions{})
	assert.ErrorIs(t, err, ErrEmptyWindow)
}

func TestScoreOptimizeShapeErrorKeepsBest(t *testing.T) {
	h := twoLevel(t)
	y := []float64{3, 1, 2}
	good := repeated([]float64{3, 1, 3}, 4)

	var calls atomic.Int32
	flaky := GeneratorFunc(func(rng *rand.Rand, k int) *mat.Dense {
		if calls.Add(1) > 5 {
			return mat.NewDense(2, k, nil)
		}
		return good.Draw(rng, k)
	})

	res, err := ScoreOptimize(context.Background(), h, Window{{Realization: y, Generator: flaky}}, OptimizeOptions{
		ScoreOptions: ScoreOptions{Seed: 1, Logger: quietLogger()},
	})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	require.NotNil(t, res)
	assert.Equal(t, DidNotConverge, res.Status)
	assert.Equal(t, 5, res.Iterations)
	r, c := res.G.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 3, c)
	assert.False(t, math.IsNaN(res.Score))
}

func TestScoreOptimizeRetriesDegenerate(t *testing.T) {
	h := twoLevel(t)
	y := []float64{3, 1, 2}
	ctx := context.Background()

	var calls atomic.Int32
	nanOnce := GeneratorFunc(func(_ *rand.Rand, k int) *mat.Dense {
		X := mat.NewDense(3, k, nil)
		for j := 0; j < k; j++ {
			X.SetCol(j, y)
		}
		if calls.Add(1) == 1 {
			X.Set(0, 0, math.NaN())
		}
		return X
	})
	opts := OptimizeOptions{
		ScoreOptions:  ScoreOptions{Seed: 1, Degenerate: FailDegenerate, Logger: quietLogger()},
		MaxIterations: 3,
	}

	res, err := ScoreOptimize(ctx, h, Window{{Realization: y, Generator: nanOnce}}, opts)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Iterations)

	alwaysNaN := GeneratorFunc(func(_ *rand.Rand, k int) *mat.Dense {
		X := mat.NewDense(3, k, nil)
		X.Set(1, 0, math.NaN())
		return X
	})
	res, err = ScoreOptimize(ctx, h, Window{{Realization: y, Generator: alwaysNaN}}, opts)
	assert.ErrorIs(t, err, ErrDegenerateSample)
	require.NotNil(t, res)
	assert.True(t, mat.Equal(h.BottomUp(), res.G))
}

func TestScoreOptimizeCancelled(t *testing.T) {
	h := twoLevel(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, method := range []Method{MethodAdam, MethodSPSA, MethodNelderMead} {
		res, err := ScoreOptimize(ctx, h, perfect(h), OptimizeOptions{
			ScoreOptions: ScoreOptions{Seed: 1, Logger: quietLogger()},
			Method:       method,
		})
		assert.ErrorIs(t, err, context.Canceled, method.String())
		assert.NotNil(t, res, method.String())
	}
}

func TestDeriveSeed(t *testing.T) {
	seen := make(map[uint64]bool)
	for _, stream := range []uint64{streamFixed, streamIteration, streamIteration + 1, streamEvaluation, streamPerturb, streamSettle, streamFinal} {
		s := deriveSeed(42, stream)
		assert.NotZero(t, s)
		assert.False(t, seen[s], "stream %d collides", stream)
		seen[s] = true
	}
	assert.Equal(t, deriveSeed(7, 3), deriveSeed(7, 3))
	assert.NotEqual(t, deriveSeed(7, 3), deriveSeed(8, 3))
}

func TestMarkKeepsLastWindow(t *testing.T) {
	s := &search{opts: OptimizeOptions{ConvergenceWindow: 2}}
	theta := []float64{1}
	s.mark(theta)
	theta[0] = 2
	s.mark(theta)
	theta[0] = 3
	s.mark(theta)
	assert.Equal(t, [][]float64{{2}, {3}}, s.trail)
}

func TestSettled(t *testing.T) {
	h := twoLevel(t)
	ev, err := newEvaluator(h, informativeTop(t, h, 6), ScoreOptions{Samples: 20, Logger: quietLogger()})
	require.NoError(t, err)
	ctx := context.Background()

	newSearch := func(policy SeedPolicy) *search {
		s := &search{
			ev:     ev,
			h:      h,
			master: 9,
			bestF:  math.Inf(1),
			opts:   OptimizeOptions{ConvergenceWindow: 2, Tolerance: 1e-4, SeedPolicy: policy},
		}
		// flat window means: the windowed test fires
		s.history = []float64{2, 2, 2, 2}
		return s
	}
	bu := h.BottomUp().RawMatrix().Data
	zero := make([]float64, len(bu))

	t.Run("still improving at a common seed", func(t *testing.T) {
		s := newSearch(SeedPerIteration)
		s.mark(zero)
		s.mark(bu)
		done, err := s.settled(ctx, bu, 3)
		require.NoError(t, err)
		assert.False(t, done)
		assert.Equal(t, 2, s.evals)
	})

	t.Run("no change at a common seed", func(t *testing.T) {
		s := newSearch(SeedPerEvaluation)
		s.mark(bu)
		s.mark(bu)
		done, err := s.settled(ctx, bu, 3)
		require.NoError(t, err)
		assert.True(t, done)
	})

	t.Run("fixed seed trusts the window", func(t *testing.T) {
		s := newSearch(SeedFixed)
		s.mark(zero)
		s.mark(bu)
		done, err := s.settled(ctx, bu, 3)
		require.NoError(t, err)
		assert.True(t, done)
		assert.Zero(t, s.evals)
	})

	t.Run("window still moving", func(t *testing.T) {
		s := newSearch(SeedPerIteration)
		s.history = []float64{5, 5, 2, 2}
		done, err := s.settled(ctx, bu, 3)
		require.NoError(t, err)
		assert.False(t, done)
		assert.Zero(t, s.evals)
	})
}

func TestConverged(t *testing.T) {
	s := &search{opts: OptimizeOptions{ConvergenceWindow: 2, Tolerance: 0.1}}

	s.history = []float64{5, 4, 3}
	assert.False(t, s.converged(), "not enough history")

	s.history = []float64{5, 4, 3, 2}
	assert.False(t, s.converged())

	s.history = []float64{5, 4, 2, 2, 2.02, 1.98}
	assert.True(t, s.converged())

	// a worse window also counts as converged
	s.history = []float64{1, 1, 2, 2}
	assert.True(t, s.converged())
}
