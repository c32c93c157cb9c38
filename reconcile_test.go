package probreco

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestReconcile(t *testing.T) {
	h := twoLevel(t)
	X := mat.NewDense(3, 2, []float64{
		10, 20,
		1, 2,
		3, 4,
	})

	R, err := Reconcile(h, h.BottomUp(), nil, X)
	require.NoError(t, err)
	assert.True(t, mat.Equal(R, mat.NewDense(3, 2, []float64{
		4, 6,
		1, 2,
		3, 4,
	})))

	R, err = Reconcile(h, h.BottomUp(), []float64{1, -1}, X)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 6}, mat.Row(nil, 0, R))
	assert.Equal(t, []float64{2, 3}, mat.Row(nil, 1, R))

	_, err = Reconcile(h, h.BottomUp(), []float64{1}, X)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	_, err = Reconcile(h, h.BottomUp(), nil, mat.NewDense(2, 2, nil))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	_, err = Reconcile(h, mat.NewDense(3, 3, nil), nil, X)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestReconcileIsCoherent(t *testing.T) {
	h := threeLevel(t)
	X := mat.NewDense(7, 3, nil)
	for i := 0; i < 7; i++ {
		for k := 0; k < 3; k++ {
			X.Set(i, k, float64(i*i-k))
		}
	}
	R, err := Reconcile(h, h.OLS(), nil, X)
	require.NoError(t, err)

	for k := 0; k < 3; k++ {
		col := mat.Col(nil, k, R)
		assert.InDelta(t, col[3]+col[4], col[1], 1e-9)
		assert.InDelta(t, col[5]+col[6], col[2], 1e-9)
		assert.InDelta(t, col[1]+col[2], col[0], 1e-9)
	}
}

func TestIntervals(t *testing.T) {
	h := twoLevel(t)
	R := mat.NewDense(3, 5, []float64{
		5, 1, 4, 2, 3,
		10, 10, 10, 10, 10,
		0, 1, 2, 3, 4,
	})

	iv, err := Intervals(h, R, 0.5)
	require.NoError(t, err)
	require.Len(t, iv, 3)

	assert.Equal(t, "Total", iv[0].Series)
	// cdf at the k-th order statistic is k/5
	assert.InDelta(t, 2.5, iv[0].Median, 1e-12)
	assert.LessOrEqual(t, iv[0].Lower, iv[0].Median)
	assert.GreaterOrEqual(t, iv[0].Upper, iv[0].Median)
	assert.Equal(t, Interval{Series: "A", Lower: 10, Median: 10, Upper: 10}, iv[1])

	// input rows are left unsorted
	assert.Equal(t, []float64{5, 1, 4, 2, 3}, mat.Row(nil, 0, R))

	_, err = Intervals(h, R, 0)
	assert.ErrorIs(t, err, ErrInvalidOptions)
	_, err = Intervals(h, mat.NewDense(2, 5, nil), 0.1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestQuantileSingleSample(t *testing.T) {
	assert.Equal(t, 4.0, quantile([]float64{4}, 0.9))
}
