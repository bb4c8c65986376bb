package lsq

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"smoothxyt/internal/logging"
)

// NormalSolver solves least-squares problems through the normal equations
// A'A x = A'b with a Cholesky factorization. It squares the condition number
// of A but only ever holds a columns x columns matrix. When A'A is not
// positive definite it falls back to QRSolver, so that degenerate systems
// still produce a (possibly non-finite) solution.
type NormalSolver struct {
	Logger logging.Logger
}

type entry struct {
	col int
	val float64
}

// rowMatrix is implemented by inputs that can visit one row at a time
type rowMatrix interface {
	DoRowNonZero(i int, fn func(i, j int, v float64))
}

// forEachRow calls fn with the stored entries of every row
func forEachRow(a Matrix, fn func(i int, row []entry)) {
	r, _ := a.Dims()
	if rm, ok := a.(rowMatrix); ok {
		var row []entry
		for i := 0; i < r; i++ {
			row = row[:0]
			rm.DoRowNonZero(i, func(_, j int, v float64) { row = append(row, entry{j, v}) })
			fn(i, row)
		}
		return
	}
	rows := make([][]entry, r)
	a.DoNonZero(func(i, j int, v float64) {
		rows[i] = append(rows[i], entry{j, v})
	})
	for i, row := range rows {
		fn(i, row)
	}
}

// normal accumulates A'A and, when b is not nil, A'b from the sparse rows
func normal(a Matrix, b []float64) (*mat.SymDense, []float64) {
	_, c := a.Dims()
	ata := mat.NewSymDense(c, nil)
	raw := ata.RawSymmetric()
	var atb []float64
	if b != nil {
		atb = make([]float64, c)
	}
	forEachRow(a, func(i int, row []entry) {
		for p, ep := range row {
			if atb != nil {
				atb[ep.col] += ep.val * b[i]
			}
			for q := p; q < len(row); q++ {
				eq := row[q]
				v := ep.val * eq.val
				if q != p && ep.col == eq.col {
					// repeated column within a row
					v *= 2
				}
				j, k := ep.col, eq.col
				if j > k {
					j, k = k, j
				}
				raw.Data[j*raw.Stride+k] += v
			}
		}
	})
	return ata, atb
}

func (s *NormalSolver) factorize(a Matrix, b []float64) (*mat.Cholesky, []float64, error) {
	r, c := a.Dims()
	if c == 0 || r < c {
		return nil, nil, fmt.Errorf("%w: %dx%d", ErrUnderdetermined, r, c)
	}
	ata, atb := normal(a, b)
	var chol mat.Cholesky
	if ok := chol.Factorize(ata); !ok {
		return nil, nil, ErrNotPositiveDefinite
	}
	return &chol, atb, nil
}

// fallback reports whether err calls for a retry with dense QR
func (s *NormalSolver) fallback(err error) bool {
	if !errors.Is(err, ErrNotPositiveDefinite) {
		return false
	}
	logging.OrNoop(s.Logger).Warn("normal matrix is singular, falling back to dense QR")
	return true
}

// Solve returns the x minimizing |Ax - b|
func (s *NormalSolver) Solve(a Matrix, b []float64) ([]float64, error) {
	r, c := a.Dims()
	if len(b) != r {
		return nil, fmt.Errorf("lsq: right-hand side has %d rows, matrix %d", len(b), r)
	}
	chol, atb, err := s.factorize(a, b)
	if err != nil {
		if s.fallback(err) {
			return (&QRSolver{Logger: s.Logger}).Solve(a, b)
		}
		return nil, err
	}
	x := mat.NewVecDense(c, nil)
	if err := warnCondition(s.Logger, chol.SolveVecTo(x, mat.NewVecDense(c, atb))); err != nil {
		return nil, fmt.Errorf("cholesky solve: %w", err)
	}
	return x.RawVector().Data, nil
}

// Factorize returns the Cholesky factor U of A'A, which equals R of A = QR
// up to the signs of its rows
func (s *NormalSolver) Factorize(a Matrix) (*Factor, error) {
	chol, _, err := s.factorize(a, nil)
	if err != nil {
		if s.fallback(err) {
			return (&QRSolver{Logger: s.Logger}).Factorize(a)
		}
		return nil, err
	}
	var u mat.TriDense
	chol.UTo(&u)
	_, c := a.Dims()
	return &Factor{R: &u, Perm: identity(c), Rank: rank(&u)}, nil
}
