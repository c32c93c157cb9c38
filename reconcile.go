package probreco

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// reconcile returns B = G X (+ d on every column) and R = S B.
func reconcile(S, G, X mat.Matrix, d []float64) (*mat.Dense, *mat.Dense) {
	var B mat.Dense
	B.Mul(G, X)
	if d != nil {
		m, K := B.Dims()
		for i := 0; i < m; i++ {
			row := B.RawRowView(i)
			for k := 0; k < K; k++ {
				row[k] += d[i]
			}
		}
	}
	var R mat.Dense
	R.Mul(S, &B)
	return &B, &R
}

// Reconcile maps n x K base forecast draws to coherent draws S(d + G X).
// d may be nil.
func Reconcile(h *Hierarchy, G mat.Matrix, d []float64, X mat.Matrix) (*mat.Dense, error) {
	if err := h.checkG(G); err != nil {
		return nil, err
	}
	if d != nil && len(d) != h.m {
		return nil, fmt.Errorf("%w: translation has length %d, expected %d", ErrDimensionMismatch, len(d), h.m)
	}
	if r, _ := X.Dims(); r != h.n {
		return nil, fmt.Errorf("%w: draws have %d rows, expected %d", ErrDimensionMismatch, r, h.n)
	}
	_, R := reconcile(h.s, G, X, d)
	return R, nil
}

// Interval is a central prediction interval for one series.
type Interval struct {
	Series string
	Lower  float64
	Median float64
	Upper  float64
}

// Intervals summarizes the rows of an n x K draw matrix by their empirical
// alpha/2, 0.5 and 1-alpha/2 quantiles, interpolated linearly between order
// statistics.
func Intervals(h *Hierarchy, R mat.Matrix, alpha float64) ([]Interval, error) {
	if alpha <= 0 || alpha >= 1 {
		return nil, fmt.Errorf("%w: alpha must be in (0, 1), got %v", ErrInvalidOptions, alpha)
	}
	n, K := R.Dims()
	if n != h.n {
		return nil, fmt.Errorf("%w: draws have %d rows, expected %d", ErrDimensionMismatch, n, h.n)
	}
	if K == 0 {
		return nil, ErrDegenerateSample
	}

	out := make([]Interval, n)
	row := make([]float64, K)
	for i := 0; i < n; i++ {
		mat.Row(row, i, R)
		sort.Float64s(row)
		out[i] = Interval{
			Series: h.names[i],
			Lower:  quantile(row, alpha/2),
			Median: quantile(row, 0.5),
			Upper:  quantile(row, 1-alpha/2),
		}
	}
	return out, nil
}

// quantile of sorted samples.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	return stat.Quantile(q, stat.LinInterp, sorted, nil)
}
