// Package fit estimates a smooth, time-varying surface z(x, y, t) =
// z0(x, y) + dz(x, y, t) from scattered point observations. The static
// surface z0 and the anomaly dz live on regular grids and are solved jointly
// by regularized least squares, with iterative three-sigma editing of the
// data, optional per-category bias estimation and optional formal error
// propagation.
package fit

import (
	"fmt"
	"math"
	"slices"
	"time"

	"smoothxyt/internal/logging"
	"smoothxyt/internal/models"
	"smoothxyt/pkg/grid"
	"smoothxyt/pkg/linop"
	"smoothxyt/pkg/lsq"
	"smoothxyt/pkg/robust"
)

// convergenceTol is the largest dz change, between iterations, that still
// counts as converged
const convergenceTol = 0.05

// minIterations is the number of iterations run before convergence is tested
const minIterations = 3

// system is the assembled, row-scaled linear system of one fit
type system struct {
	grids Grids
	data  *models.Dataset
	bias  *BiasModel

	// gData maps the model to the data, gc holds the constraint equations
	gData *linop.Operator
	gc    *linop.Operator
	ncols int

	// gd and gcm are gData and gc over the full column space, unscaled
	gd  *linop.CSR
	gcm *linop.CSR

	// ec is the expected error of each constraint row
	ec []float64

	// a and rhs are the scaled system restricted to the active columns
	a    *linop.CSR
	rhs  []float64
	cols *linop.ActiveColumns
}

// Fit runs the complete fit described by args
func Fit(args Args) (*Result, error) {
	a := &args
	if err := a.validate(); err != nil {
		return nil, err
	}
	log := logging.OrNoop(a.Logger)
	progress := log.Debug
	if a.Verbose {
		progress = log.Info
	}
	solver := a.Solver
	if solver == nil {
		solver = &lsq.NormalSolver{Logger: log}
	}

	timing := make(map[string]time.Duration)
	valid := make([]bool, a.Data.Len())
	for i := range valid {
		valid[i] = true
	}

	if a.NSubset > 0 {
		tic := time.Now()
		edited, err := editBySubset(a, log)
		if err != nil {
			return nil, fmt.Errorf("editing by subset: %w", err)
		}
		valid = edited
		timing["edit_by_subset"] = time.Since(tic)
		progress("edited data by subset fits", logging.Int("kept", countTrue(valid)), logging.Int("points", len(valid)))
		if a.EditOnly {
			return &Result{
				Data:      a.Data.Subset(valid),
				ValidData: valid,
				Timing:    timing,
				ERMS:      a.ERMS,
				EditOnly:  true,
			}, nil
		}
	}

	tic := time.Now()
	gr, err := buildGrids(a)
	if err != nil {
		return nil, err
	}
	data, err := selectData(a, gr, valid)
	if err != nil {
		return nil, err
	}
	s, err := assemble(a, gr, data)
	if err != nil {
		return nil, fmt.Errorf("assembling system: %w", err)
	}
	timing["setup"] = time.Since(tic)
	progress("assembled system",
		logging.Int("data", data.Len()),
		logging.Int("constraints", s.gc.NRows),
		logging.Int("columns", s.cols.Len()))

	tic = time.Now()
	lp, err := s.iterate(a, solver, progress)
	if err != nil {
		return nil, err
	}
	timing["iteration"] = time.Since(tic)
	timing["solve"] = lp.solveTime

	scatter(valid, lp.final)
	zEst := s.gd.MulVec(lp.m)
	if err := data.AssignBool(models.FieldThreeSigmaEdit, lp.final); err != nil {
		return nil, err
	}
	if err := data.Assign(models.FieldZEst, zEst); err != nil {
		return nil, err
	}

	d, err := s.derivedOps(a)
	if err != nil {
		return nil, fmt.Errorf("building derived products: %w", err)
	}
	m, err := s.fields(d, lp.m)
	if err != nil {
		return nil, err
	}

	res := &Result{
		M:          *m,
		Model:      lp.m,
		Extent:     [4]float64{gr.Z0.Bds[1][0], gr.Z0.Bds[1][1], gr.Z0.Bds[0][0], gr.Z0.Bds[0][1]},
		Data:       data,
		Grids:      gr,
		ValidData:  valid,
		TOC:        s.gc.TOC,
		Timing:     timing,
		ERMS:       a.ERMS,
		Iterations: lp.iterations,
		SigmaHat:   lp.sigmaHat,
		History:    lp.history,
	}
	res.R, res.RMS = s.residualSummary(lp.m, zEst)

	if a.ComputeE {
		e, err := s.propagate(a, solver, lp, d, timing)
		if err != nil {
			return nil, fmt.Errorf("propagating errors: %w", err)
		}
		res.E = e
	}
	progress("fit complete",
		logging.Int("iterations", lp.iterations),
		logging.Float("sigma_hat", lp.sigmaHat),
		logging.Int("retained", countTrue(lp.final)))
	return res, nil
}

// buildGrids creates the z0 (y, x) grid, the dz (y, x, t) grid whose columns
// follow z0's, and the 1-D time grid
func buildGrids(a *Args) (Grids, error) {
	by, bx, bt := bounds(a.Ctr.Y, a.W.Y), bounds(a.Ctr.X, a.W.X), bounds(a.Ctr.T, a.W.T)

	opts := []grid.Option{grid.WithSRS(a.SRSWKT)}
	if a.MaskFile != "" {
		opts = append(opts, grid.WithMaskFile(a.MaskFile))
		if a.MaskNoData != nil {
			opts = append(opts, grid.WithMaskNoData(*a.MaskNoData))
		}
	}

	z0, err := grid.New([][2]float64{by, bx}, []float64{a.Spacing.Z0, a.Spacing.Z0},
		append(opts, grid.WithName("z0"))...)
	if err != nil {
		return Grids{}, fmt.Errorf("z0 grid: %w", err)
	}
	dz, err := grid.New([][2]float64{by, bx, bt}, []float64{a.Spacing.Dz, a.Spacing.Dz, a.Spacing.Dt},
		append(opts, grid.WithName("dz"), grid.WithCol0(z0.NNodes))...)
	if err != nil {
		return Grids{}, fmt.Errorf("dz grid: %w", err)
	}
	z0.SetColN(dz.ColN)
	t, err := grid.New([][2]float64{bt}, []float64{a.Spacing.Dt}, grid.WithName("t"))
	if err != nil {
		return Grids{}, fmt.Errorf("t grid: %w", err)
	}
	return Grids{Z0: z0, Dz: dz, T: t}, nil
}

// selectData narrows the input to points inside both grids, optionally to
// repeat observations and to points on nonzero mask values. valid is
// updated in place over the input ordering.
func selectData(a *Args, gr Grids, valid []bool) (*models.Dataset, error) {
	vz0 := gr.Z0.Validate(a.Data.Coords2())
	vdz := gr.Dz.Validate(a.Data.Coords3())
	for i := range valid {
		valid[i] = valid[i] && vz0[i] && vdz[i]
	}

	if a.RepeatRes != nil {
		rep, err := selectRepeats(a.Data.Subset(valid), gr.Z0, gr.Dz.Bds[2][0], a.RepeatDt, *a.RepeatRes)
		if err != nil {
			return nil, err
		}
		scatter(valid, rep)
	}
	data := a.Data.Subset(valid)

	if gr.Z0.Mask != nil {
		mv := make([]float64, gr.Z0.ColN)
		copy(mv[gr.Z0.Col0:], gr.Z0.Mask)
		vals := linop.On(gr.Z0, linop.DOFZ0).Interp(data.Coords2(), linop.EqMask).ToCSR().MulVec(mv)
		keep := make([]bool, len(vals))
		drop := false
		for i, v := range vals {
			keep[i] = v != 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
			drop = drop || !keep[i]
		}
		if drop {
			data = data.Subset(keep)
			scatter(valid, keep)
		}
	}
	return data, nil
}

// assemble builds the observation and constraint operators, their expected
// errors and the scaled, column-reduced system
func assemble(a *Args, gr Grids, data *models.Dataset) (*system, error) {
	s := &system{grids: gr, data: data}

	dataOps := []*linop.Operator{
		linop.On(gr.Z0, linop.DOFZ0).Interp(data.Coords2(), linop.EqInterpZ0),
		linop.On(gr.Dz, linop.DOFDz).Interp(data.Coords3(), linop.EqInterpDz),
	}

	gz0, err := linop.On(gr.Z0, linop.DOFZ0).Grad2(linop.EqGrad2Z0)
	if err != nil {
		return nil, err
	}
	g2, err := linop.On(gr.Dz, linop.DOFDz).Grad2DzDt(1, linop.EqGrad2DzDt)
	if err != nil {
		return nil, err
	}
	g1, err := linop.On(gr.Dz, linop.DOFDz).GradDzDt(1, linop.EqGradDzDt)
	if err != nil {
		return nil, err
	}
	cons := []*linop.Operator{gz0, g2, g1}
	if a.ERMS.D2zDt2 != nil {
		d2, err := linop.On(gr.Dz, linop.DOFDz).D2zDt2(linop.EqD2zDt2)
		if err != nil {
			return nil, err
		}
		cons = append(cons, d2)
	}

	if a.BiasParams != nil {
		ids, model, err := BiasBuilder{Params: a.BiasParams}.Assign(data)
		if err != nil {
			return nil, err
		}
		fid := make([]float64, len(ids))
		for i, id := range ids {
			fid[i] = float64(id)
		}
		if err := data.Assign(models.FieldBiasID, fid); err != nil {
			return nil, err
		}

		col0 := gr.Dz.ColN
		model = model.WithColumns(col0)
		colN := col0 + model.Len()
		cols := make([]int, len(ids))
		for i, id := range ids {
			cols[i] = col0 + id
		}
		ccols := make([]int, model.Len())
		for k := range ccols {
			ccols[k] = col0 + k
		}
		dataOps = append(dataOps, linop.DataBias(cols, col0, colN, linop.EqDataBias))
		cons = append(cons, linop.DataBias(ccols, col0, colN, linop.EqBiasConstraint))
		s.bias = &model
	}

	s.gData, err = linop.Add(linop.EqData, dataOps...)
	if err != nil {
		return nil, err
	}
	s.gc = linop.VStack(linop.EqConstraints, cons...)
	s.ncols = max(s.gData.ColN, s.gc.ColN)

	// expected errors of the constraint rows
	s.ec = make([]float64, s.gc.NRows)
	rootA := math.Sqrt(gr.Z0.CellArea())
	rootV := math.Sqrt(gr.Dz.CellArea())
	for _, op := range cons {
		r, err := s.gc.TOC.RowsFor(op.ID)
		if err != nil {
			return nil, err
		}
		var e float64
		w := op.MaskForInd0(a.MaskScale)
		switch op.ID {
		case linop.EqGrad2Z0:
			e = a.ERMS.D2z0Dx2 / rootA
		case linop.EqGrad2DzDt:
			e = a.ERMS.D3zDx2Dt / rootV
		case linop.EqGradDzDt:
			e = a.ERMS.D2zDxDt / rootV
		case linop.EqD2zDt2:
			e = *a.ERMS.D2zDt2 / rootV
			w = nil
		case linop.EqBiasConstraint:
			copy(s.ec[r.Start:r.End], s.bias.Priors())
			continue
		}
		for k := 0; k < r.Len(); k++ {
			if w == nil {
				s.ec[r.Start+k] = e
			} else {
				s.ec[r.Start+k] = e / w[k]
			}
		}
	}

	if s.gd, err = s.gData.CSR(s.ncols); err != nil {
		return nil, err
	}
	if s.gcm, err = s.gc.CSR(s.ncols); err != nil {
		return nil, err
	}

	nd := data.Len()
	w := make([]float64, nd+len(s.ec))
	rhs := make([]float64, len(w))
	for i := 0; i < nd; i++ {
		w[i] = 1 / data.Sigma[i]
		rhs[i] = data.Z[i] * w[i]
	}
	for k, e := range s.ec {
		w[nd+k] = 1 / e
	}
	full := linop.VStackCSR(s.gd, s.gcm).ScaleRows(w)

	// dz is held at zero at the reference epoch
	dz := gr.Dz
	ref := a.ReferenceEpoch
	if ref < 0 || ref >= dz.Shape[2] {
		return nil, fmt.Errorf("%w: reference epoch %d outside %d epochs", ErrBadArgs, ref, dz.Shape[2])
	}
	var exclude []int
	for i := 0; i < dz.Shape[0]; i++ {
		for j := 0; j < dz.Shape[1]; j++ {
			idx, err := dz.GlobalIndexInt([]int{i, j, ref})
			if err != nil {
				return nil, err
			}
			exclude = append(exclude, idx)
		}
	}
	s.cols = linop.NewActiveColumns(s.ncols, exclude)
	s.a = s.cols.Restrict(full)
	s.rhs = rhs
	return s, nil
}

// loopResult is the state of the robust loop when it stopped
type loopResult struct {
	m          []float64
	solvedRows []int
	final      []bool
	sigmaHat   float64
	iterations int
	solveTime  time.Duration
	history    []IterationStats
}

// iterate runs the robust refit loop
func (s *system) iterate(a *Args, solver lsq.Solver, progress func(string, ...logging.Field)) (*loopResult, error) {
	nd := s.data.Len()
	consRows := make([]int, s.gc.NRows)
	for k := range consRows {
		consRows[k] = nd + k
	}
	dzCols := linop.Range{Start: s.grids.Dz.Col0, End: s.grids.Dz.Col0 + s.grids.Dz.NNodes}

	initial := make([]bool, nd)
	if tse := s.data.Field(models.FieldThreeSigmaEdit); tse != nil {
		for i, v := range tse {
			initial[i] = v != 0
		}
	} else {
		for i := range initial {
			initial[i] = true
		}
	}

	lp := &loopResult{m: make([]float64, s.ncols), sigmaHat: math.NaN()}
	active := trueIndices(initial)
	lp.solvedRows = active
	for it := 0; it < a.MaxIterations; it++ {
		lp.iterations = it + 1
		rows := append(append(make([]int, 0, len(active)+len(consRows)), active...), consRows...)

		tic := time.Now()
		x, err := solver.Solve(s.a.SelectRows(rows), pick(s.rhs, rows))
		if err != nil {
			return nil, fmt.Errorf("solving iteration %d: %w", it, err)
		}
		lp.solveTime = time.Since(tic)
		lp.solvedRows = active

		last := lp.m
		lp.m = s.cols.Expand(x)
		if it >= minIterations && maxAbsDiff(last, lp.m, dzCols) < convergenceTol {
			progress("model converged", logging.Int("iteration", it))
			break
		}

		rs := s.residuals(lp.m)
		lp.sigmaHat = robust.RDE(pick(rs, active))
		prev := active
		active = trueIndices(within(rs, threshold(lp.sigmaHat)))
		lp.history = append(lp.history, IterationStats{Retained: len(active), SigmaHat: lp.sigmaHat})
		progress("robust iteration",
			logging.Int("iteration", it),
			logging.Int("retained", len(active)),
			logging.Float("sigma_hat", lp.sigmaHat))
		if it >= minIterations && (lp.sigmaHat <= 1 || slices.Equal(prev, active)) {
			break
		}
	}

	if lp.iterations == 0 {
		lp.final = initial
	} else {
		lp.final = within(s.residuals(lp.m), threshold(lp.sigmaHat))
	}
	return lp, nil
}

// residuals returns (z - Gm)/sigma for every data point
func (s *system) residuals(m []float64) []float64 {
	pred := s.gd.MulVec(m)
	rs := make([]float64, len(pred))
	for i := range rs {
		rs[i] = (s.data.Z[i] - pred[i]) / s.data.Sigma[i]
	}
	return rs
}

// residualSummary returns the scaled residual energy and RMS of every
// non-empty constraint group and of the data
func (s *system) residualSummary(m, zEst []float64) (map[linop.EqID]float64, map[linop.EqID]float64) {
	R := make(map[linop.EqID]float64)
	RMS := make(map[linop.EqID]float64)

	ru := s.gcm.MulVec(m)
	for _, id := range s.gc.TOC.EqIDs() {
		r, _ := s.gc.TOC.RowsFor(id)
		if id == linop.EqConstraints || r.Len() == 0 {
			continue
		}
		var rsum, usum float64
		for k := r.Start; k < r.End; k++ {
			rc := ru[k] / s.ec[k]
			rsum += rc * rc
			usum += ru[k] * ru[k]
		}
		R[id] = rsum
		RMS[id] = math.Sqrt(usum / float64(r.Len()))
	}

	var rsum, usum float64
	for i, z := range s.data.Z {
		d := zEst[i] - z
		rsum += (d / s.data.Sigma[i]) * (d / s.data.Sigma[i])
		usum += d * d
	}
	R[linop.EqData] = rsum
	RMS[linop.EqData] = math.Sqrt(usum / float64(len(s.data.Z)))
	return R, RMS
}

// threshold is the editing threshold for a robust spread of sigmaHat
func threshold(sigmaHat float64) float64 {
	if math.IsNaN(sigmaHat) || math.IsInf(sigmaHat, 0) {
		return 3
	}
	return 3 * math.Max(1, sigmaHat)
}

func within(rs []float64, thr float64) []bool {
	out := make([]bool, len(rs))
	for i, r := range rs {
		out[i] = math.Abs(r) < thr
	}
	return out
}

func trueIndices(b []bool) []int {
	out := make([]int, 0, len(b))
	for i, v := range b {
		if v {
			out = append(out, i)
		}
	}
	return out
}

func countTrue(b []bool) int {
	n := 0
	for _, v := range b {
		if v {
			n++
		}
	}
	return n
}

func pick(x []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for k, i := range idx {
		out[k] = x[i]
	}
	return out
}

// maxAbsDiff is the largest |a-b| over the columns of r
func maxAbsDiff(a, b []float64, r linop.Range) float64 {
	var d float64
	for j := r.Start; j < r.End; j++ {
		d = math.Max(d, math.Abs(a[j]-b[j]))
	}
	return d
}

// scatter narrows a mask over the input ordering: the k-th true entry of
// valid takes the value sub[k]
func scatter(valid, sub []bool) {
	k := 0
	for i, v := range valid {
		if v {
			valid[i] = sub[k]
			k++
		}
	}
}
