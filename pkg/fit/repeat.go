package fit

import (
	"fmt"
	"math"
	"sort"

	"smoothxyt/internal/models"
	"smoothxyt/pkg/grid"
	"smoothxyt/pkg/linop"
)

// selectRepeats reports which points fall on cells of a coarse grid that
// were observed in more than one time bin. Times are binned to multiples of
// dt from t0; a cell counts a bin when the interpolation weights of the
// bin's points onto it add up to more than one half.
func selectRepeats(d *models.Dataset, z0 *grid.Grid, t0, dt, res float64) ([]bool, error) {
	rg, err := grid.New([][2]float64{z0.Bds[0], z0.Bds[1]}, []float64{res, res}, grid.WithName("repeat"))
	if err != nil {
		return nil, fmt.Errorf("repeat grid: %w", err)
	}
	b := linop.On(rg, linop.DOFRepeat)

	bins := make(map[float64][]int)
	for i, t := range d.Time {
		tc := math.Round((t-t0)/dt) * dt
		bins[tc] = append(bins[tc], i)
	}
	keys := make([]float64, 0, len(bins))
	for k := range bins {
		keys = append(keys, k)
	}
	sort.Float64s(keys)

	count := make([]float64, rg.NNodes)
	for _, k := range keys {
		sub := d.SubsetIndex(bins[k])
		colSum := make([]float64, rg.NNodes)
		b.Interp(sub.Coords2(), linop.EqRepeat).ToCSR().DoNonZero(func(_, j int, v float64) {
			colSum[j] += v
		})
		for j, s := range colSum {
			if s > 0.5 {
				count[j]++
			}
		}
	}

	multi := make([]float64, rg.NNodes)
	for j, c := range count {
		if c > 1 {
			multi[j] = 1
		}
	}
	score := b.Interp(d.Coords2(), linop.EqRepeat).ToCSR().MulVec(multi)
	out := make([]bool, len(score))
	for i, s := range score {
		out[i] = s > 0.5
	}
	return out, nil
}
