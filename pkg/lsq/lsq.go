// Package lsq solves over-determined sparse least-squares systems and
// exposes the triangular factor of the solve for error propagation.
//
// The default NormalSolver accumulates A'A directly from the sparse rows and
// only ever holds a columns x columns matrix. QRSolver expands the whole
// system to a dense rows x columns matrix and is kept as an opt-in for small
// systems.
package lsq

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"smoothxyt/internal/logging"
	"smoothxyt/pkg/linop"
)

var (
	// ErrUnderdetermined is returned for systems with fewer rows than columns
	ErrUnderdetermined = errors.New("lsq: fewer equations than unknowns")

	// ErrNotPositiveDefinite is returned when the normal matrix cannot be
	// Cholesky-factorized
	ErrNotPositiveDefinite = errors.New("lsq: normal matrix is not positive definite")

	// ErrUnknownSolver is returned by New for unrecognized names
	ErrUnknownSolver = errors.New("lsq: unknown solver")
)

// Matrix is the sparse input accepted by the solvers
type Matrix interface {
	Dims() (r, c int)
	DoNonZero(fn func(i, j int, v float64))
}

// Solver solves min |Ax - b| and factors A = QR.
//
// NormalSolver needs O(cols²) memory and O(nnz·k + cols³/3) time, where k is
// the number of entries per row, which suits grids of up to roughly ten
// thousand columns. QRSolver needs O(rows·cols) memory and O(rows·cols²) time
// and becomes impractical beyond about two thousand columns.
type Solver interface {
	Solve(a Matrix, b []float64) ([]float64, error)
	Factorize(a Matrix) (*Factor, error)
}

// New returns the solver registered under name: "cholesky" (default) or "qr"
func New(name string, logger logging.Logger) (Solver, error) {
	switch name {
	case "", "cholesky":
		return &NormalSolver{Logger: logger}, nil
	case "qr":
		return &QRSolver{Logger: logger}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSolver, name)
	}
}

// Factor is the upper-triangular factor R of A = QR, so that R'R = A'A.
// Column k of R corresponds to column Perm[k] of A.
type Factor struct {
	R    *mat.TriDense
	Perm []int
	Rank int
}

// InverseRows returns R^-1 with its rows mapped back to the columns of A and
// entries smaller than tol in magnitude dropped. The row norms of the result
// are the formal standard errors of the solution.
func (f *Factor) InverseRows(tol float64) (*linop.CSR, error) {
	n, _ := f.R.Dims()
	var inv mat.TriDense
	if err := inv.InverseTri(f.R); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("inverting triangular factor: %w", err)
		}
	}

	var rows, cols []int
	var vals []float64
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := inv.At(i, j)
			if math.Abs(v) < tol || v == 0 {
				continue
			}
			rows = append(rows, f.Perm[i])
			cols = append(cols, j)
			vals = append(vals, v)
		}
	}
	return linop.NewCSR(n, n, rows, cols, vals)
}

// DefaultTolerance is the drop tolerance for the inverse of an n-column
// factor: small enough that the dropped entries, squared and summed over a
// row, stay below a centimetre.
func DefaultTolerance(n int) float64 {
	if n < 2 {
		return 1e-5
	}
	nf := float64(n)
	return math.Min(1e-5, math.Sqrt(0.01/(nf*nf/4)))
}

// toDense expands a sparse matrix into a gonum dense matrix
func toDense(a Matrix) (*mat.Dense, error) {
	r, c := a.Dims()
	if r == 0 || c == 0 {
		return nil, fmt.Errorf("%w: empty %dx%d system", ErrUnderdetermined, r, c)
	}
	d := mat.NewDense(r, c, nil)
	a.DoNonZero(func(i, j int, v float64) { d.Set(i, j, d.At(i, j)+v) })
	return d, nil
}

// rank counts diagonal entries of R that are significant relative to the largest
func rank(r mat.Triangular) int {
	n, _ := r.Dims()
	var big float64
	for i := 0; i < n; i++ {
		big = math.Max(big, math.Abs(r.At(i, i)))
	}
	tol := float64(n) * big * 1e-12
	k := 0
	for i := 0; i < n; i++ {
		if math.Abs(r.At(i, i)) > tol {
			k++
		}
	}
	return k
}

func identity(n int) []int {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return p
}

// warnCondition logs ill-conditioning and swallows it; other errors pass through
func warnCondition(logger logging.Logger, err error) error {
	if err == nil {
		return nil
	}
	var cond mat.Condition
	if errors.As(err, &cond) {
		logging.OrNoop(logger).Warn("least-squares system is ill-conditioned", logging.Float("condition", float64(cond)))
		return nil
	}
	return err
}
