package grid

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGrid(t *testing.T, opts ...Option) *Grid {
	t.Helper()
	g, err := New([][2]float64{{0, 400}, {-200, 200}, {0, 3}}, []float64{100, 100, 1}, opts...)
	require.NoError(t, err)
	return g
}

func TestNewShapeAndStride(t *testing.T) {
	g := newTestGrid(t, WithCol0(10), WithName("dz"))

	assert.Equal(t, []int{5, 5, 4}, g.Shape)
	assert.Equal(t, []int{20, 4, 1}, g.Stride)
	assert.Equal(t, 100, g.NNodes)
	assert.Equal(t, 10, g.Col0)
	assert.Equal(t, 110, g.ColN)
	assert.Equal(t, [2]float64{-200, 200}, g.Bds[1])
	assert.Equal(t, 1e4, g.CellArea())
	assert.Equal(t, "dz", g.Name)
}

func TestNewRejectsBadSpacing(t *testing.T) {
	_, err := New([][2]float64{{0, 1}}, []float64{0})
	assert.ErrorIs(t, err, ErrShape)

	_, err = New([][2]float64{{0, 1}, {0, 1}}, []float64{1})
	assert.ErrorIs(t, err, ErrShape)
}

func TestExplicitColN(t *testing.T) {
	g := newTestGrid(t, WithColN(500))
	assert.Equal(t, 500, g.ColN)

	g.SetColN(600)
	assert.Equal(t, 600, g.ColN)
}

func TestValidateInclusiveBounds(t *testing.T) {
	g := newTestGrid(t)
	pts := [][]float64{
		{0, 400, 200, -1, 100, math.NaN(), 50, 50},
		{-200, 200, 0, 0, 201, 0, math.Inf(1), 0},
		{0, 3, 1.5, 1, 1, 1, 1, 3.0001},
	}
	got := g.Validate(pts)
	assert.Equal(t, []bool{true, true, true, false, false, false, false, false}, got)
}

func TestSubscriptsNaNExactlyWhereInvalid(t *testing.T) {
	g := newTestGrid(t)
	pts := [][]float64{
		{0, 150, -5, 399.9},
		{-200, 25, 0, 200},
		{0, 2.5, 1, 3},
	}
	valid := g.Validate(pts)
	frac := g.FractionalSubscript(pts, nil)
	cell := g.CellSubscript(pts, valid)

	for d := 0; d < g.NDims(); d++ {
		for i := range valid {
			assert.Equal(t, !valid[i], math.IsNaN(frac[d][i]), "frac dim %d point %d", d, i)
			assert.Equal(t, !valid[i], math.IsNaN(cell[d][i]), "cell dim %d point %d", d, i)
		}
	}
	assert.InDelta(t, 1.5, frac[0][1], 1e-12)
	assert.InDelta(t, 2.25, frac[1][1], 1e-12)
	assert.Equal(t, 1.0, cell[0][1])
	assert.Equal(t, 2.0, cell[1][1])
	assert.Equal(t, 2.0, cell[2][1])
}

func TestNodeRoundTrip(t *testing.T) {
	g := newTestGrid(t, WithCol0(7))

	for i := 0; i < g.Shape[0]; i++ {
		for j := 0; j < g.Shape[1]; j++ {
			for k := 0; k < g.Shape[2]; k++ {
				pts := [][]float64{{g.Ctrs[0][i]}, {g.Ctrs[1][j]}, {g.Ctrs[2][k]}}
				cell := g.CellSubscript(pts, nil)
				idx, err := g.GlobalIndex(cell)
				require.NoError(t, err)
				pos := g.PositionForNodes(idx)
				for d := range pos {
					assert.InDelta(t, pts[d][0], pos[d][0], 1e-9)
				}
				assert.Equal(t, []int{i, j, k}, g.Unravel(idx[0]-g.Col0))
			}
		}
	}
}

func TestGlobalIndexErrors(t *testing.T) {
	g := newTestGrid(t)

	_, err := g.GlobalIndex([][]float64{{1}, {1}})
	assert.ErrorIs(t, err, ErrShape)

	_, err = g.GlobalIndex([][]float64{{5}, {0}, {0}})
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = g.GlobalIndex([][]float64{{math.NaN()}, {0}, {0}})
	assert.ErrorIs(t, err, ErrOutOfRange)

	idx, err := g.GlobalIndex([][]float64{{1.7}, {2.2}, {3.9}})
	require.NoError(t, err)
	assert.Equal(t, []int{1*20 + 2*4 + 3}, idx)
}

// writeMaskRaster writes a 10x10 PNG covering [-50, 450] in x and y with
// 50-unit pixels. value(x, y) gives the sample at each pixel centre.
func writeMaskRaster(t *testing.T, dir string, value func(x, y float64) uint8) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 10, 10))
	for row := 0; row < 10; row++ {
		for col := 0; col < 10; col++ {
			x := -25 + 50*float64(col)
			y := 425 - 50*float64(row)
			img.SetGray(col, row, color.Gray{Y: value(x, y)})
		}
	}
	path := filepath.Join(dir, "mask.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	wld := fmt.Sprintf("50\n0\n0\n-50\n%g\n%g\n", -25.0, 425.0)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mask.pgw"), []byte(wld), 0644))
	return path
}

func TestMaskResampleHalfInvalid(t *testing.T) {
	dir := t.TempDir()
	path := writeMaskRaster(t, dir, func(x, y float64) uint8 {
		if x < 250 {
			return 0
		}
		return 1
	})

	g, err := New([][2]float64{{0, 400}, {0, 400}}, []float64{100, 100}, WithMaskFile(path))
	require.NoError(t, err)
	require.Len(t, g.Mask, 25)

	for row := 0; row < 5; row++ {
		for col := 0; col < 5; col++ {
			want := 0.0
			if col >= 3 {
				want = 1
			}
			assert.Equal(t, want, g.MaskAt(row, col), "row %d col %d", row, col)
		}
	}
}

func TestMaskRowsFollowAscendingY(t *testing.T) {
	dir := t.TempDir()
	path := writeMaskRaster(t, dir, func(x, y float64) uint8 {
		if y > 250 {
			return 1
		}
		return 0
	})

	g, err := New([][2]float64{{0, 400}, {0, 400}, {0, 1}}, []float64{100, 100, 1}, WithMaskFile(path))
	require.NoError(t, err)

	assert.Equal(t, 0.0, g.MaskAt(0, 2))
	assert.Equal(t, 0.0, g.MaskAt(2, 2))
	assert.Equal(t, 1.0, g.MaskAt(3, 2))
	assert.Equal(t, 1.0, g.MaskAt(4, 0))

	node, err := g.GlobalIndexInt([]int{4, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, 1.0, g.MaskForNode(node))
}

func TestMaskNoDataBecomesMissing(t *testing.T) {
	dir := t.TempDir()
	path := writeMaskRaster(t, dir, func(x, y float64) uint8 {
		if x < 50 {
			return 255
		}
		return 1
	})

	g, err := New([][2]float64{{0, 400}, {0, 400}}, []float64{100, 100}, WithMaskFile(path), WithMaskNoData(255))
	require.NoError(t, err)

	assert.True(t, math.IsNaN(g.MaskAt(2, 0)))
	assert.Equal(t, 1.0, g.MaskAt(2, 1))
}

func TestMaskWithoutWorldFile(t *testing.T) {
	dir := t.TempDir()
	path := writeMaskRaster(t, dir, func(x, y float64) uint8 { return 1 })
	require.NoError(t, os.Remove(filepath.Join(dir, "mask.pgw")))

	_, err := New([][2]float64{{0, 400}, {0, 400}}, []float64{100, 100}, WithMaskFile(path))
	assert.ErrorIs(t, err, ErrNoWorldFile)
}

func TestMaskSRSMismatch(t *testing.T) {
	dir := t.TempDir()
	path := writeMaskRaster(t, dir, func(x, y float64) uint8 { return 1 })
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mask.prj"), []byte("PROJCS[\"a\"]"), 0644))

	_, err := New([][2]float64{{0, 400}, {0, 400}}, []float64{100, 100}, WithMaskFile(path), WithSRS("PROJCS[\"b\"]"))
	assert.ErrorIs(t, err, ErrSRSMismatch)

	_, err = New([][2]float64{{0, 400}, {0, 400}}, []float64{100, 100}, WithMaskFile(path), WithSRS("PROJCS[\"a\"]"))
	assert.NoError(t, err)
}
