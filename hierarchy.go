package probreco

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Hierarchy wraps the summing matrix S of a hierarchical time series.
// Row i of S marks the bottom series that add up to series i, and the last m
// rows are the identity. The row order fixed here is the variable order every
// realization and every draw matrix must follow.
type Hierarchy struct {
	s     *mat.Dense
	n, m  int
	names []string
}

// NewHierarchy validates S against the declared number of bottom series m and
// binds the variable order. names is optional; when given it must hold n
// unique names, otherwise series are named "S1".."Sn".
func NewHierarchy(S mat.Matrix, m int, names []string) (*Hierarchy, error) {
	if S == nil {
		return nil, fmt.Errorf("%w: nil summing matrix", ErrInvalidHierarchy)
	}
	n, cols := S.Dims()
	if m <= 0 {
		return nil, fmt.Errorf("%w: bottom dimension must be > 0, got %d", ErrInvalidHierarchy, m)
	}
	if cols != m {
		return nil, fmt.Errorf("%w: S has %d columns, expected %d", ErrInvalidHierarchy, cols, m)
	}
	if n < m {
		return nil, fmt.Errorf("%w: S has %d rows, fewer than %d bottom series", ErrInvalidHierarchy, n, m)
	}

	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			if v := S.At(i, j); v != 0 && v != 1 {
				return nil, fmt.Errorf("%w: S[%d,%d] = %v is not 0 or 1", ErrInvalidHierarchy, i, j, v)
			}
		}
	}

	// bottom block must be I_m
	top := n - m
	for i := 0; i < m; i++ {
		for j := 0; j < m; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			if S.At(top+i, j) != want {
				return nil, fmt.Errorf("%w: bottom %d rows of S are not the identity (row %d)", ErrInvalidHierarchy, m, top+i)
			}
		}
	}

	if len(names) == 0 {
		names = make([]string, n)
		for i := range names {
			names[i] = fmt.Sprintf("S%d", i+1)
		}
	} else {
		if len(names) != n {
			return nil, fmt.Errorf("%w: %d names for %d series", ErrInvalidHierarchy, len(names), n)
		}
		seen := make(map[string]bool, n)
		for _, name := range names {
			if seen[name] {
				return nil, fmt.Errorf("%w: duplicate series name %q", ErrInvalidHierarchy, name)
			}
			seen[name] = true
		}
		names = append([]string(nil), names...)
	}

	return &Hierarchy{
		s:     mat.DenseCopyOf(S),
		n:     n,
		m:     m,
		names: names,
	}, nil
}

// N is the total number of series.
func (h *Hierarchy) N() int { return h.n }

// M is the number of bottom-level series.
func (h *Hierarchy) M() int { return h.m }

// S returns a copy of the summing matrix.
func (h *Hierarchy) S() *mat.Dense { return mat.DenseCopyOf(h.s) }

// Names returns the series names in variable order.
func (h *Hierarchy) Names() []string { return append([]string(nil), h.names...) }

// BottomNames returns the names of the last m series.
func (h *Hierarchy) BottomNames() []string {
	return append([]string(nil), h.names[h.n-h.m:]...)
}

// Index returns the position of a series name, or -1.
func (h *Hierarchy) Index(name string) int {
	for i, s := range h.names {
		if s == name {
			return i
		}
	}
	return -1
}

// BottomUp returns G = [0 | I_m], which keeps only the bottom-level forecasts.
func (h *Hierarchy) BottomUp() *mat.Dense {
	G := mat.NewDense(h.m, h.n, nil)
	top := h.n - h.m
	for i := 0; i < h.m; i++ {
		G.Set(i, top+i, 1)
	}
	return G
}

// OLS returns G = (S'S)^-1 S', the orthogonal projection onto the coherent
// subspace.
func (h *Hierarchy) OLS() *mat.Dense {
	w := make([]float64, h.n)
	for i := range w {
		w[i] = 1
	}
	return h.weighted(w)
}

// WLSStructural returns G = (S'L^-1 S)^-1 S'L^-1 with L = diag(S 1), so each
// series is weighted by the inverse of the number of bottom series under it.
func (h *Hierarchy) WLSStructural() *mat.Dense {
	w := make([]float64, h.n)
	for i := 0; i < h.n; i++ {
		// an all-zero aggregate carries no information
		if c := mat.Sum(h.s.RowView(i)); c > 0 {
			w[i] = 1 / c
		}
	}
	return h.weighted(w)
}

// weighted computes (S'WS)^-1 S'W for a diagonal W. S'WS is positive definite
// because S contains I_m, so the Cholesky solve cannot fail while w is
// positive on the bottom rows.
func (h *Hierarchy) weighted(w []float64) *mat.Dense {
	W := mat.NewDiagDense(h.n, w)

	var stw mat.Dense
	stw.Mul(h.s.T(), W) // m x n

	var stws mat.Dense
	stws.Mul(&stw, h.s) // m x m

	sym := mat.NewSymDense(h.m, nil)
	for i := 0; i < h.m; i++ {
		for j := i; j < h.m; j++ {
			sym.SetSym(i, j, stws.At(i, j))
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(sym) {
		panic("probreco: S'WS is not positive definite")
	}
	var G mat.Dense
	if err := chol.SolveTo(&G, &stw); err != nil {
		panic(fmt.Sprintf("probreco: weighted projection: %v", err))
	}
	return &G
}

// Unbiased reports whether S G S equals S within tol, i.e. whether G maps
// coherent forecasts to themselves.
func (h *Hierarchy) Unbiased(G mat.Matrix, tol float64) bool {
	r, c := G.Dims()
	if r != h.m || c != h.n {
		return false
	}
	var gs mat.Dense
	gs.Mul(G, h.s)
	var sgs mat.Dense
	sgs.Mul(h.s, &gs)
	return mat.EqualApprox(&sgs, h.s, tol)
}

// checkG validates the shape of a reconciliation matrix.
func (h *Hierarchy) checkG(G mat.Matrix) error {
	if G == nil {
		return fmt.Errorf("%w: nil G", ErrDimensionMismatch)
	}
	r, c := G.Dims()
	if r != h.m || c != h.n {
		return fmt.Errorf("%w: G is %dx%d, expected %dx%d", ErrDimensionMismatch, r, c, h.m, h.n)
	}
	return nil
}

// checkWindow validates that every realization has length n and every period
// has a generator.
func (h *Hierarchy) checkWindow(w Window) error {
	if len(w) == 0 {
		return ErrEmptyWindow
	}
	for t, p := range w {
		if len(p.Realization) != h.n {
			return fmt.Errorf("%w: realization %d has length %d, expected %d", ErrDimensionMismatch, t, len(p.Realization), h.n)
		}
		for i, v := range p.Realization {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: period %d series %s is %v", ErrInvalidRealization, t, h.names[i], v)
			}
		}
		if p.Generator == nil {
			return fmt.Errorf("%w: period %d has no generator", ErrInvalidOptions, t)
		}
	}
	return nil
}
