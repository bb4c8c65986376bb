package lsq

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"smoothxyt/internal/logging"
)

// QRSolver solves least-squares problems by Householder QR
type QRSolver struct {
	Logger logging.Logger
}

func (s *QRSolver) factorize(a Matrix) (*mat.QR, int, error) {
	r, c := a.Dims()
	if r < c {
		return nil, 0, fmt.Errorf("%w: %dx%d", ErrUnderdetermined, r, c)
	}
	d, err := toDense(a)
	if err != nil {
		return nil, 0, err
	}
	var qr mat.QR
	qr.Factorize(d)
	return &qr, c, nil
}

// Solve returns the x minimizing |Ax - b|
func (s *QRSolver) Solve(a Matrix, b []float64) ([]float64, error) {
	r, _ := a.Dims()
	if len(b) != r {
		return nil, fmt.Errorf("lsq: right-hand side has %d rows, matrix %d", len(b), r)
	}
	qr, c, err := s.factorize(a)
	if err != nil {
		return nil, err
	}
	x := mat.NewVecDense(c, nil)
	if err := warnCondition(s.Logger, qr.SolveVecTo(x, false, mat.NewVecDense(r, append([]float64(nil), b...)))); err != nil {
		return nil, fmt.Errorf("qr solve: %w", err)
	}
	return x.RawVector().Data, nil
}

// Factorize returns the square upper-triangular part of R
func (s *QRSolver) Factorize(a Matrix) (*Factor, error) {
	qr, c, err := s.factorize(a)
	if err != nil {
		return nil, err
	}
	var full mat.Dense
	qr.RTo(&full)

	rt := mat.NewTriDense(c, mat.Upper, nil)
	for i := 0; i < c; i++ {
		for j := i; j < c; j++ {
			rt.SetTri(i, j, full.At(i, j))
		}
	}
	return &Factor{R: rt, Perm: identity(c), Rank: rank(rt)}, nil
}
