package probreco

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Generator draws Monte Carlo samples from one period's base forecast
// distribution. Draw returns an n x k matrix whose columns are independent
// draws. The rng is owned by the caller for the duration of the call; drawing
// all randomness from it is what makes seeded evaluations reproducible.
type Generator interface {
	Draw(rng *rand.Rand, k int) *mat.Dense
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(rng *rand.Rand, k int) *mat.Dense

func (f GeneratorFunc) Draw(rng *rand.Rand, k int) *mat.Dense { return f(rng, k) }

// Closure adapts a zero-argument sampler that manages its own randomness.
// Seed policies have no effect on such generators.
func Closure(f func() *mat.Dense) Generator {
	return GeneratorFunc(func(*rand.Rand, int) *mat.Dense { return f() })
}

// Fixed returns a generator that always yields a copy of draws, whatever k.
func Fixed(draws mat.Matrix) Generator {
	d := mat.DenseCopyOf(draws)
	return GeneratorFunc(func(*rand.Rand, int) *mat.Dense {
		return mat.DenseCopyOf(d)
	})
}

// Gaussian returns a generator of independent normal draws, series i having
// mean mean[i] and standard deviation sd[i].
func Gaussian(mean, sd []float64) (Generator, error) {
	if len(mean) != len(sd) {
		return nil, fmt.Errorf("%w: %d means and %d standard deviations", ErrDimensionMismatch, len(mean), len(sd))
	}
	for i, s := range sd {
		if s < 0 {
			return nil, fmt.Errorf("%w: negative standard deviation %v for series %d", ErrInvalidOptions, s, i)
		}
	}
	mu := append([]float64(nil), mean...)
	sigma := append([]float64(nil), sd...)

	return GeneratorFunc(func(rng *rand.Rand, k int) *mat.Dense {
		n := len(mu)
		out := mat.NewDense(n, k, nil)
		for i := 0; i < n; i++ {
			dist := distuv.Normal{Mu: mu[i], Sigma: sigma[i], Src: rng}
			for j := 0; j < k; j++ {
				out.Set(i, j, dist.Rand())
			}
		}
		return out
	}), nil
}

// Empirical returns a generator that resamples the columns of a stored n x B
// draw matrix with replacement.
func Empirical(draws mat.Matrix) (Generator, error) {
	_, b := draws.Dims()
	if b == 0 {
		return nil, fmt.Errorf("%w: empty draw matrix", ErrDegenerateSample)
	}
	d := mat.DenseCopyOf(draws)

	return GeneratorFunc(func(rng *rand.Rand, k int) *mat.Dense {
		n, b := d.Dims()
		out := mat.NewDense(n, k, nil)
		col := make([]float64, n)
		for j := 0; j < k; j++ {
			mat.Col(col, rng.IntN(b), d)
			out.SetCol(j, col)
		}
		return out
	}), nil
}
