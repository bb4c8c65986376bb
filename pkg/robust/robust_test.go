package robust

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRDENormalSample(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	x := make([]float64, 20000)
	for i := range x {
		x[i] = 3 * rng.NormFloat64()
	}
	assert.InDelta(t, 3.0, RDE(x), 0.1)
}

func TestRDEResistsOutliers(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	x := make([]float64, 1000)
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	clean := RDE(x)
	x[0], x[1], x[2] = 1e6, -1e6, math.NaN()
	assert.InDelta(t, clean, RDE(x), 0.02)
}

func TestRDESmallSamples(t *testing.T) {
	assert.True(t, math.IsNaN(RDE(nil)))
	assert.True(t, math.IsNaN(RDE([]float64{1, math.NaN()})))
	assert.Equal(t, 0.0, RDE([]float64{2, 2, 2, 2}))
	// two samples: 16th percentile clamps to the first, 84th to the last
	assert.Equal(t, 1.0, RDE([]float64{3, 1}))
}

func TestNanMedian(t *testing.T) {
	assert.Equal(t, 2.0, NanMedian([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, NanMedian([]float64{4, 1, math.NaN(), 3, 2}))
	assert.True(t, math.IsNaN(NanMedian([]float64{math.NaN()})))
}
