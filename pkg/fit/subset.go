package fit

import (
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"smoothxyt/internal/logging"
)

// minTilePoints is the smallest number of points a tile is fitted with
const minTilePoints = 10

// tile is one window of the pre-editing pass
type tile struct {
	x0, y0  float64
	members []int

	// verdict is the tile fit's edit flag for each member, nil for tiles
	// that were too sparse to fit
	verdict []bool
}

// tileArgs builds the arguments of the fit of one tile. Only the domain,
// the data and the iteration budget differ from the parent fit.
func (a *Args) tileArgs(x0, y0 float64, w Window, members []int) Args {
	t := Args{
		Data:             a.Data.SubsetIndex(members),
		W:                Window{X: w.X, Y: w.Y, T: a.W.T},
		Ctr:              Window{X: x0, Y: y0, T: a.Ctr.T},
		Spacing:          a.Spacing,
		ERMS:             a.ERMS,
		ReferenceEpoch:   a.ReferenceEpoch,
		WCtr:             w.X,
		MaskFile:         a.MaskFile,
		MaskNoData:       a.MaskNoData,
		MaskScale:        a.MaskScale,
		SRSWKT:           a.SRSWKT,
		MaxIterations:    a.MaxIterations,
		BiasParams:       a.BiasParams,
		RepeatRes:        a.RepeatRes,
		RepeatDt:         a.RepeatDt,
		DzDtLags:         a.DzDtLags,
		InverseTolerance: a.InverseTolerance,
		Solver:           a.Solver,
		Logger:           logging.Noop(),
	}
	if a.SubsetIterations != nil {
		t.MaxIterations = *a.SubsetIterations
	}
	return t
}

// tileCentres returns the tile centres along one axis: multiples of the
// spacing above lo, strictly below hi
func tileCentres(lo, hi, spacing float64) []float64 {
	var out []float64
	for k := 1; ; k++ {
		c := lo + float64(k)*spacing
		if c >= hi {
			return out
		}
		out = append(out, c)
	}
}

// editBySubset runs independent fits on overlapping tiles of width
// 2W/NSubset and returns, over the input points, whether each survives.
// A point inside the central half-width window of a fitted tile takes that
// tile's verdict; otherwise a point inside a tile with too few points to fit
// is rejected; everything else is kept.
func editBySubset(a *Args, log logging.Logger) ([]bool, error) {
	scale := 2 / float64(a.NSubset)
	w := Window{X: a.W.X * scale, Y: a.W.Y * scale}
	bx := bounds(a.Ctr.X, a.W.X)
	by := bounds(a.Ctr.Y, a.W.Y)
	xs := tileCentres(bx[0], bx[1], w.X/2)
	ys := tileCentres(by[0], by[1], w.Y/2)

	idx := newPointIndex(a.Data.X, a.Data.Y)
	tiles := make([]*tile, 0, len(xs)*len(ys))
	for _, y0 := range ys {
		for _, x0 := range xs {
			tiles = append(tiles, &tile{x0: x0, y0: y0, members: idx.inBox(x0, y0, w.X/2, w.Y/2)})
		}
	}

	var g errgroup.Group
	g.SetLimit(max(a.NumWorkers, 1))
	for n, tl := range tiles {
		if len(tl.members) < minTilePoints {
			continue
		}
		g.Go(func() error {
			tic := time.Now()
			sub, err := Fit(a.tileArgs(tl.x0, tl.y0, w, tl.members))
			if err != nil {
				return fmt.Errorf("tile %d at (%g, %g): %w", n, tl.x0, tl.y0, err)
			}
			tl.verdict = sub.ValidData
			log.Debug("fitted tile",
				logging.Int("tile", n),
				logging.Float("x0", tl.x0),
				logging.Float("y0", tl.y0),
				logging.Int("points", len(tl.members)),
				logging.Duration("elapsed", time.Since(tic)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	n := a.Data.Len()
	decided := make([]bool, n)
	valid := make([]bool, n)
	for _, tl := range tiles {
		if tl.verdict == nil {
			continue
		}
		for k, i := range tl.members {
			if decided[i] {
				continue
			}
			if math.Abs(a.Data.X[i]-tl.x0) < w.X/4 && math.Abs(a.Data.Y[i]-tl.y0) < w.Y/4 {
				valid[i] = tl.verdict[k]
				decided[i] = true
			}
		}
	}
	sparse := make([]bool, n)
	for _, tl := range tiles {
		if tl.verdict != nil {
			continue
		}
		for _, i := range tl.members {
			sparse[i] = true
		}
	}
	kept := 0
	for i := range valid {
		if !decided[i] {
			valid[i] = !sparse[i]
		}
		if valid[i] {
			kept++
		}
	}
	log.Debug("edited by subset", logging.Int("tiles", len(tiles)), logging.Int("kept", kept), logging.Int("points", n))
	return valid, nil
}
