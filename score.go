package probreco

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// ScoringRule scores a sample of K reconciled draws against the realized
// n-vector. Lower is better. draws[k] is the k-th draw.
type ScoringRule interface {
	Name() string
	Score(draws [][]float64, y []float64) float64
}

// GradientRule is a ScoringRule that also provides the (sub)gradient of the
// sample score with respect to every draw. Gradient writes d score / d draws[k]
// into dst[k]; dst has the same shape as draws.
type GradientRule interface {
	ScoringRule
	Gradient(draws [][]float64, y []float64, dst [][]float64)
}

// EnergyScore is the sample energy score
//
//	(1/K) Σ_k ‖x_k − y‖^α − 1/(2K(K−1)) Σ_{j≠k} ‖x_j − x_k‖^α
//
// with the Euclidean norm. With K = 1 the dispersion term is dropped and the
// score reduces to the distance of the single draw from y.
type EnergyScore struct {
	// Exponent in (0, 2); 0 means 1
	Alpha float64
	// Restrict the norm to these series; empty means all
	Series []int
}

func (e EnergyScore) Name() string { return "energy" }

func (e EnergyScore) alpha() float64 {
	if e.Alpha == 0 {
		return 1
	}
	return e.Alpha
}

// project copies the selected coordinates of v into dst.
func (e EnergyScore) project(dst, v []float64) []float64 {
	if len(e.Series) == 0 {
		return v
	}
	dst = dst[:0]
	for _, i := range e.Series {
		dst = append(dst, v[i])
	}
	return dst
}

func (e EnergyScore) Score(draws [][]float64, y []float64) float64 {
	K := len(draws)
	if K == 0 {
		return math.NaN()
	}
	a := e.alpha()
	yy := e.project(make([]float64, 0, len(e.Series)), y)
	xs := make([][]float64, K)
	for k, x := range draws {
		xs[k] = e.project(make([]float64, 0, len(e.Series)), x)
	}

	var accuracy float64
	for _, x := range xs {
		accuracy += math.Pow(floats.Distance(x, yy, 2), a)
	}
	accuracy /= float64(K)

	if K == 1 {
		return accuracy
	}

	// each unordered pair once, counted twice in the ordered sum
	var spread float64
	for j := 0; j < K; j++ {
		for k := j + 1; k < K; k++ {
			spread += math.Pow(floats.Distance(xs[j], xs[k], 2), a)
		}
	}
	spread /= float64(K * (K - 1))

	return accuracy - spread
}

func (e EnergyScore) Gradient(draws [][]float64, y []float64, dst [][]float64) {
	K := len(draws)
	a := e.alpha()
	n := len(y)
	diff := make([]float64, n)

	for k := range dst {
		for i := range dst[k] {
			dst[k][i] = 0
		}
	}

	// d/dx ‖x‖^α = α ‖x‖^(α-2) x, taken as 0 at x = 0
	addPowGrad := func(g []float64, scale float64, d []float64) {
		if len(e.Series) == 0 {
			norm := floats.Norm(d, 2)
			if norm == 0 {
				return
			}
			floats.AddScaled(g, scale*a*math.Pow(norm, a-2), d)
			return
		}
		var sq float64
		for _, i := range e.Series {
			sq += d[i] * d[i]
		}
		if sq == 0 {
			return
		}
		c := scale * a * math.Pow(math.Sqrt(sq), a-2)
		for _, i := range e.Series {
			g[i] += c * d[i]
		}
	}

	for k, x := range draws {
		floats.SubTo(diff, x, y)
		addPowGrad(dst[k], 1/float64(K), diff)
	}
	if K == 1 {
		return
	}

	c := 1 / float64(K*(K-1))
	for j := 0; j < K; j++ {
		for k := j + 1; k < K; k++ {
			floats.SubTo(diff, draws[j], draws[k])
			addPowGrad(dst[j], -c, diff)
			floats.Scale(-1, diff)
			addPowGrad(dst[k], -c, diff)
		}
	}
}

// VariogramScore is the sample variogram score of order p with unit weights
//
//	Σ_{i<j} ( |y_i − y_j|^p − (1/K) Σ_k |x_ki − x_kj|^p )²
type VariogramScore struct {
	// Order; 0 means 0.5
	P float64
}

func (v VariogramScore) Name() string { return "variogram" }

func (v VariogramScore) order() float64 {
	if v.P == 0 {
		return 0.5
	}
	return v.P
}

// residual returns |y_i − y_j|^p minus the sample mean of |x_ki − x_kj|^p.
func (v VariogramScore) residual(draws [][]float64, y []float64, i, j int) float64 {
	p := v.order()
	var m float64
	for _, x := range draws {
		m += math.Pow(math.Abs(x[i]-x[j]), p)
	}
	m /= float64(len(draws))
	return math.Pow(math.Abs(y[i]-y[j]), p) - m
}

func (v VariogramScore) Score(draws [][]float64, y []float64) float64 {
	if len(draws) == 0 {
		return math.NaN()
	}
	n := len(y)
	var s float64
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			r := v.residual(draws, y, i, j)
			s += r * r
		}
	}
	return s
}

func (v VariogramScore) Gradient(draws [][]float64, y []float64, dst [][]float64) {
	K := len(draws)
	n := len(y)
	p := v.order()

	for k := range dst {
		for i := range dst[k] {
			dst[k][i] = 0
		}
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			r := v.residual(draws, y, i, j)
			if r == 0 {
				continue
			}
			for k, x := range draws {
				d := x[i] - x[j]
				if d == 0 {
					continue
				}
				// d/dd |d|^p = p |d|^(p-1) sign(d)
				g := -2 * r * p * math.Pow(math.Abs(d), p-1) * math.Copysign(1, d) / float64(K)
				dst[k][i] += g
				dst[k][j] -= g
			}
		}
	}
}
