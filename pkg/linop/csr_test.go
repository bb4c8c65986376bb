package linop

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestNewCSRSumsDuplicates(t *testing.T) {
	m, err := NewCSR(2, 3, []int{1, 0, 1, 0}, []int{2, 1, 2, 0}, []float64{1, 2, 3, 4})
	require.NoError(t, err)

	r, c := m.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 3, c)
	assert.Equal(t, 4.0, m.At(0, 0))
	assert.Equal(t, 2.0, m.At(0, 1))
	assert.Equal(t, 0.0, m.At(1, 0))
	assert.Equal(t, 4.0, m.At(1, 2))
	assert.Equal(t, 4.0, m.T().At(2, 1))
	assert.InDeltaSlice(t, []float64{math.Sqrt(20), 4}, m.RowNorms(), 1e-12)
}

func TestEmptyCSR(t *testing.T) {
	m, err := NewCSR(0, 3, nil, nil, nil)
	require.NoError(t, err)
	r, c := m.Dims()
	assert.Equal(t, 0, r)
	assert.Equal(t, 3, c)
	assert.Empty(t, m.MulVec([]float64{1, 2, 3}))

	b := testMatrix(t).SelectRows([]int{0, 1, 2}).SelectColumns([]int{0, 1, 2})
	p := m.Mul(b)
	r, c = p.Dims()
	assert.Equal(t, 0, r)
	assert.Equal(t, 3, c)
	assert.Empty(t, p.RowNorms())

	z, err := NewCSR(2, 2, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, z.MulVec([]float64{1, 1}))
}

func TestNewCSRRejectsOutOfRange(t *testing.T) {
	_, err := NewCSR(2, 2, []int{2}, []int{0}, []float64{1})
	assert.ErrorIs(t, err, ErrDimensions)

	_, err = NewCSR(2, 2, []int{0}, []int{0, 1}, []float64{1})
	assert.ErrorIs(t, err, ErrDimensions)
}

func testMatrix(t *testing.T) *CSR {
	t.Helper()
	m, err := NewCSR(3, 4,
		[]int{0, 0, 1, 2, 2},
		[]int{0, 3, 1, 0, 2},
		[]float64{1, 2, 3, 4, 5})
	require.NoError(t, err)
	return m
}

func TestCSRMulVecMatchesDense(t *testing.T) {
	m := testMatrix(t)
	x := []float64{1, -1, 2, 0.5}

	var want mat.VecDense
	want.MulVec(m.Dense(), mat.NewVecDense(4, x))
	assert.Equal(t, want.RawVector().Data, m.MulVec(x))
}

func TestCSRRowAndColumnSelection(t *testing.T) {
	m := testMatrix(t)

	rows := m.SelectRows([]int{2, 0})
	assert.Equal(t, 5.0, rows.At(0, 2))
	assert.Equal(t, 2.0, rows.At(1, 3))

	cols := m.SelectColumns([]int{0, 3})
	r, c := cols.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 2, c)
	assert.Equal(t, 2.0, cols.At(0, 1))
	assert.Equal(t, 4.0, cols.At(2, 0))
	assert.Equal(t, 3, cols.NNZ())

	scaled := m.ScaleRows([]float64{2, 0, 1})
	assert.Equal(t, 4.0, scaled.At(0, 3))
	assert.Equal(t, 0.0, scaled.At(1, 1))
	assert.Equal(t, 3.0, m.At(1, 1), "ScaleRows must not modify its receiver")
}

func TestCSRMulMatchesDense(t *testing.T) {
	a := testMatrix(t)
	b, err := NewCSR(4, 2, []int{0, 1, 2, 3, 3}, []int{0, 1, 0, 0, 1}, []float64{1, 2, 3, 4, 5})
	require.NoError(t, err)

	var want mat.Dense
	want.Mul(a.Dense(), b.Dense())
	assert.True(t, mat.EqualApprox(&want, a.Mul(b).Dense(), 1e-12))
}

func TestCSRRowNorms(t *testing.T) {
	m := testMatrix(t)
	assert.InDeltaSlice(t, []float64{2.2360679775, 3, 6.4031242374}, m.RowNorms(), 1e-9)
}

func TestVStackCSR(t *testing.T) {
	a := testMatrix(t)
	b := a.SelectRows([]int{1})
	s := VStackCSR(a, b)

	r, c := s.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 4, c)

	var got [][3]float64
	s.DoRowNonZero(3, func(i, j int, v float64) { got = append(got, [3]float64{float64(i), float64(j), v}) })
	if diff := cmp.Diff([][3]float64{{3, 1, 3}}, got); diff != "" {
		t.Errorf("last row mismatch (-want +got):\n%s", diff)
	}
}

func TestActiveColumns(t *testing.T) {
	a := NewActiveColumns(5, []int{1, 3, 9})

	assert.Equal(t, 3, a.Len())
	assert.Equal(t, 5, a.Full())
	assert.Equal(t, []int{0, 2, 4}, a.Active())
	assert.Equal(t, []int{1, 3}, a.Excluded())
	assert.False(t, a.IsActive(3))

	full := a.Expand([]float64{7, 8, 9})
	assert.Equal(t, []float64{7, 0, 8, 0, 9}, full)
	assert.Equal(t, []float64{7, 8, 9}, a.Reduce(full))

	m, err := NewCSR(1, 5, []int{0, 0, 0}, []int{1, 2, 4}, []float64{1, 2, 3})
	require.NoError(t, err)
	rm := a.Restrict(m)
	_, c := rm.Dims()
	assert.Equal(t, 3, c)
	assert.Equal(t, []float64{0, 2, 3}, []float64{rm.At(0, 0), rm.At(0, 1), rm.At(0, 2)})

	f, err := NewCSR(3, 2, []int{0, 1, 2}, []int{0, 1, 1}, []float64{1, 2, 3})
	require.NoError(t, err)
	ef := a.ExpandRows(f)
	r, _ := ef.Dims()
	assert.Equal(t, 5, r)
	assert.Equal(t, 2.0, ef.At(2, 1))
	assert.Equal(t, 3.0, ef.At(4, 1))
	assert.Equal(t, []float64{1, 0, 2, 0, 3}, ef.RowNorms())
}
