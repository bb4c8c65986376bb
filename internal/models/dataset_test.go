package models

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDataset(t *testing.T) *Dataset {
	t.Helper()
	d, err := NewDataset(
		[]float64{0, 1, 2, 3},
		[]float64{10, 11, 12, 13},
		[]float64{0, 0, 1, 1},
		[]float64{5, 6, 7, 8},
		[]float64{1, 1, 2, 2},
	)
	require.NoError(t, err)
	return d
}

func TestNewDatasetLengthMismatch(t *testing.T) {
	_, err := NewDataset([]float64{1, 2}, []float64{1}, []float64{1, 2}, []float64{1, 2}, []float64{1, 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLength))
}

func TestSubsetIsIndependent(t *testing.T) {
	d := testDataset(t)
	require.NoError(t, d.Assign("track", []float64{7, 7, 8, 8}))

	sub := d.Subset([]bool{false, true, false, true})
	require.Equal(t, 2, sub.Len())
	assert.Equal(t, []float64{1, 3}, sub.X)
	assert.Equal(t, []float64{6, 8}, sub.Z)
	assert.Equal(t, []float64{7, 8}, sub.Field("track"))

	sub.Z[0] = 100
	sub.Field("track")[0] = 100
	assert.Equal(t, 6.0, d.Z[1])
	assert.Equal(t, 7.0, d.Field("track")[1])
}

func TestAssignChecksLength(t *testing.T) {
	d := testDataset(t)
	err := d.Assign("bad", []float64{1})
	assert.ErrorIs(t, err, ErrLength)
	assert.False(t, d.HasField("bad"))

	require.NoError(t, d.AssignBool(FieldThreeSigmaEdit, []bool{true, false, true, true}))
	assert.Equal(t, []float64{1, 0, 1, 1}, d.Field(FieldThreeSigmaEdit))
	assert.Equal(t, []string{FieldThreeSigmaEdit}, d.FieldNames())
}

func TestSigmaCorrFallback(t *testing.T) {
	d := testDataset(t)
	assert.Equal(t, d.Sigma, d.SigmaCorr())

	require.NoError(t, d.Assign(FieldSigmaCorr, []float64{3, 3, 3, 3}))
	assert.Equal(t, []float64{3, 3, 3, 3}, d.SigmaCorr())
}

func TestBoundsSkipsNaN(t *testing.T) {
	d := testDataset(t)
	d.X[0] = math.NaN()
	xmin, xmax, ymin, ymax := d.Bounds()
	assert.Equal(t, 1.0, xmin)
	assert.Equal(t, 3.0, xmax)
	assert.Equal(t, 11.0, ymin)
	assert.Equal(t, 13.0, ymax)
}
