// Package robust provides noise-resistant statistics used to set outlier
// rejection thresholds.
package robust

import (
	"math"
	"sort"
)

// finiteSorted returns a sorted copy of the finite values of x
func finiteSorted(x []float64) []float64 {
	out := make([]float64, 0, len(x))
	for _, v := range x {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	sort.Float64s(out)
	return out
}

// RDE is the robust dispersion estimate of x: half the spread between the
// 16th and 84th percentiles, which equals one standard deviation for a
// normal sample. Percentiles interpolate linearly between order statistics
// placed at 0.5, 1.5, ... n-0.5. Returns NaN for fewer than two finite values.
func RDE(x []float64) float64 {
	xs := finiteSorted(x)
	if len(xs) < 2 {
		return math.NaN()
	}
	n := float64(len(xs))
	lo := interpSorted(xs, 0.16*n)
	hi := interpSorted(xs, 0.84*n)
	return (hi - lo) / 2
}

// interpSorted evaluates the piecewise-linear function through
// (i+0.5, xs[i]) at pos, clamping outside the first and last sample
func interpSorted(xs []float64, pos float64) float64 {
	p := pos - 0.5
	if p <= 0 {
		return xs[0]
	}
	last := len(xs) - 1
	if p >= float64(last) {
		return xs[last]
	}
	i := int(math.Floor(p))
	f := p - float64(i)
	return xs[i] + f*(xs[i+1]-xs[i])
}

// NanMedian returns the median of the finite values of x, NaN if there are none
func NanMedian(x []float64) float64 {
	xs := finiteSorted(x)
	n := len(xs)
	if n == 0 {
		return math.NaN()
	}
	if n%2 == 0 {
		return (xs[n/2-1] + xs[n/2]) / 2
	}
	return xs[n/2]
}
