package fit

import (
	"time"

	"github.com/ctessum/sparse"

	"smoothxyt/pkg/linop"
	"smoothxyt/pkg/lsq"
)

// derived holds the operators that map the model to the derived products
type derived struct {
	// dzdt maps lag to the per-node lag-n rate of dz
	dzdt map[int]*linop.Operator

	// center averages dz over the central window at each epoch
	center *linop.Operator

	// dzdtBar maps lag to the lag-n rate of the central average
	dzdtBar map[int]*linop.Operator
}

func (s *system) derivedOps(a *Args) (*derived, error) {
	d := &derived{
		dzdt:    make(map[int]*linop.Operator, len(a.DzDtLags)),
		dzdtBar: make(map[int]*linop.Operator, len(a.DzDtLags)),
	}
	z0, dz := s.grids.Z0, s.grids.Dz
	b := linop.On(dz, linop.DOFDz).WithColN(s.ncols)

	for _, lag := range a.DzDtLags {
		op, err := b.DzDt(lag, linop.EqDzDt)
		if err != nil {
			return nil, err
		}
		d.dzdt[lag] = op
	}

	yc := (z0.Bds[0][0] + z0.Bds[0][1]) / 2
	xc := (z0.Bds[1][0] + z0.Bds[1][1]) / 2
	h := a.WCtr / 2
	means := make([]*linop.Operator, 0, dz.Shape[2])
	for _, tc := range dz.Ctrs[2] {
		op, err := b.MeanOfBounds([][2]float64{{yc - h, yc + h}, {xc - h, xc + h}, {tc, tc}}, linop.EqDzBar)
		if err != nil {
			return nil, err
		}
		means = append(means, op)
	}
	d.center = linop.VStack(linop.EqDzBar, means...)

	tb := linop.On(s.grids.T, linop.DOFTime)
	for _, lag := range a.DzDtLags {
		diff, err := tb.Diff(lag, linop.EqDzDtBar)
		if err != nil {
			return nil, err
		}
		comp, err := linop.Mul(linop.EqDzDtBar, diff, d.center)
		if err != nil {
			return nil, err
		}
		d.dzdtBar[lag] = comp
	}
	return d, nil
}

// fields evaluates the gridded products of the model m
func (s *system) fields(d *derived, m []float64) (*Fields, error) {
	z0, dz := s.grids.Z0, s.grids.Dz
	f := &Fields{
		DzDt:    make(map[int]*sparse.DenseArray, len(d.dzdt)),
		DzDtBar: make(map[int][]float64, len(d.dzdtBar)),
	}
	var err error
	if f.Z0, err = linop.Reshape(m[z0.Col0:z0.Col0+z0.NNodes], z0.Shape...); err != nil {
		return nil, err
	}
	if f.Dz, err = linop.Reshape(m[dz.Col0:dz.Col0+dz.NNodes], dz.Shape...); err != nil {
		return nil, err
	}
	for lag, op := range d.dzdt {
		if f.DzDt[lag], err = op.GridProd(m); err != nil {
			return nil, err
		}
	}
	c, err := d.center.CSR(len(m))
	if err != nil {
		return nil, err
	}
	f.DzBar = c.MulVec(m)
	for lag, op := range d.dzdtBar {
		c, err := op.CSR(len(m))
		if err != nil {
			return nil, err
		}
		f.DzDtBar[lag] = c.MulVec(m)
	}
	if s.bias != nil {
		f.Bias = s.bias.Parse(m)
	}
	return f, nil
}

// errorFields propagates the covariance F*F' through every product. The
// rows of f index the full column space.
func (s *system) errorFields(d *derived, f *linop.CSR) (*Fields, error) {
	z0, dz := s.grids.Z0, s.grids.Dz
	e0 := f.RowNorms()
	out := &Fields{
		DzDt:    make(map[int]*sparse.DenseArray, len(d.dzdt)),
		DzDtBar: make(map[int][]float64, len(d.dzdtBar)),
	}
	var err error
	if out.Z0, err = linop.Reshape(e0[z0.Col0:z0.Col0+z0.NNodes], z0.Shape...); err != nil {
		return nil, err
	}
	if out.Dz, err = linop.Reshape(e0[dz.Col0:dz.Col0+dz.NNodes], dz.Shape...); err != nil {
		return nil, err
	}
	for lag, op := range d.dzdt {
		if out.DzDt[lag], err = op.GridError(f); err != nil {
			return nil, err
		}
	}
	c, err := d.center.GridError(f)
	if err != nil {
		return nil, err
	}
	out.DzBar = c.Elements
	for lag, op := range d.dzdtBar {
		e, err := op.GridError(f)
		if err != nil {
			return nil, err
		}
		out.DzDtBar[lag] = e.Elements
	}
	if s.bias != nil {
		out.Bias = s.bias.Parse(e0)
	}
	return out, nil
}

// propagate factorizes the system of the last solve and propagates the
// formal errors to every product
func (s *system) propagate(a *Args, solver lsq.Solver, lp *loopResult, d *derived, timing map[string]time.Duration) (*Fields, error) {
	nd := s.data.Len()
	rows := append([]int(nil), lp.solvedRows...)
	for k := 0; k < s.gc.NRows; k++ {
		rows = append(rows, nd+k)
	}

	tic := time.Now()
	f, err := solver.Factorize(s.a.SelectRows(rows))
	if err != nil {
		return nil, err
	}
	timing["decompose"] = time.Since(tic)

	tic = time.Now()
	tol := lsq.DefaultTolerance(s.cols.Len())
	if a.InverseTolerance != nil {
		tol = *a.InverseTolerance
	}
	rinv, err := f.InverseRows(tol)
	if err != nil {
		return nil, err
	}
	timing["rinv"] = time.Since(tic)

	tic = time.Now()
	e, err := s.errorFields(d, s.cols.ExpandRows(rinv))
	if err != nil {
		return nil, err
	}
	timing["propagate_errors"] = time.Since(tic)
	return e, nil
}
