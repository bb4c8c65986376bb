package grid

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "golang.org/x/image/tiff"
)

// ErrNoWorldFile is returned when a raster has no georeferencing sidecar
var ErrNoWorldFile = errors.New("grid: no world file found for raster")

// Raster is a single-band, north-up georeferenced image
type Raster struct {
	Width, Height int

	// Values are row-major, row 0 is the northernmost row. Missing values are NaN.
	Values []float64

	// Transform is the affine geotransform of the pixel corners:
	// x = T[0] + col*T[1] + row*T[2], y = T[3] + col*T[4] + row*T[5]
	Transform [6]float64

	// Projection is the WKT read from a .prj sidecar, if present
	Projection string
}

// worldFileExts maps image extensions to their world file extensions
var worldFileExts = map[string][]string{
	".png":  {".pgw", ".pngw"},
	".jpg":  {".jgw", ".jpgw"},
	".jpeg": {".jgw", ".jpgw"},
	".gif":  {".gfw", ".gifw"},
	".tif":  {".tfw", ".tifw"},
	".tiff": {".tfw", ".tiffw"},
}

// ReadRaster decodes an image file and its world file. Pixels equal to
// noData, and fully transparent pixels, become NaN. When noData is nil a
// TIFF's GDAL_NODATA tag supplies it.
func ReadRaster(path string, noData *float64) (*Raster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding raster: %w", err)
	}

	if ext := strings.ToLower(filepath.Ext(path)); noData == nil && (ext == ".tif" || ext == ".tiff") {
		v, ok, err := tiffNoData(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if ok {
			noData = &v
		}
	}

	gt, err := readWorldFile(path)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	r := &Raster{
		Width:     b.Dx(),
		Height:    b.Dy(),
		Values:    make([]float64, b.Dx()*b.Dy()),
		Transform: gt,
	}
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			v := pixelValue(img, b.Min.X+x, b.Min.Y+y)
			if noData != nil && v == *noData {
				v = math.NaN()
			}
			r.Values[y*r.Width+x] = v
		}
	}

	prj := strings.TrimSuffix(path, filepath.Ext(path)) + ".prj"
	if data, err := os.ReadFile(prj); err == nil {
		r.Projection = strings.TrimSpace(string(data))
	}
	return r, nil
}

// pixelValue reads the raw sample of single-band images, and the 16-bit
// luminance of anything else
func pixelValue(img image.Image, x, y int) float64 {
	switch im := img.(type) {
	case *image.Gray:
		return float64(im.GrayAt(x, y).Y)
	case *image.Gray16:
		return float64(im.Gray16At(x, y).Y)
	case *image.Paletted:
		if _, _, _, a := im.At(x, y).RGBA(); a == 0 {
			return math.NaN()
		}
		return float64(im.ColorIndexAt(x, y))
	default:
		c := img.At(x, y)
		if _, _, _, a := c.RGBA(); a == 0 {
			return math.NaN()
		}
		return float64(color.Gray16Model.Convert(c).(color.Gray16).Y)
	}
}

// readWorldFile finds the ESRI world file next to path and converts it to a
// corner-based geotransform
func readWorldFile(path string) ([6]float64, error) {
	var gt [6]float64
	ext := strings.ToLower(filepath.Ext(path))
	base := strings.TrimSuffix(path, filepath.Ext(path))

	candidates := append([]string{}, worldFileExts[ext]...)
	candidates = append(candidates, ".wld")
	for _, c := range candidates {
		f, err := os.Open(base + c)
		if err != nil {
			continue
		}
		defer f.Close()

		var v []float64
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			x, err := strconv.ParseFloat(line, 64)
			if err != nil {
				return gt, fmt.Errorf("world file %s: %w", base+c, err)
			}
			v = append(v, x)
		}
		if err := sc.Err(); err != nil {
			return gt, err
		}
		if len(v) != 6 {
			return gt, fmt.Errorf("world file %s: expected 6 values, got %d", base+c, len(v))
		}
		// A, D, B, E, C, F: C/F are the centre of the upper-left pixel
		a, d, bb, e, cx, fy := v[0], v[1], v[2], v[3], v[4], v[5]
		if d != 0 || bb != 0 {
			return gt, fmt.Errorf("world file %s: rotated rasters are not supported", base+c)
		}
		gt = [6]float64{cx - a/2, a, 0, fy - e/2, 0, e}
		return gt, nil
	}
	return gt, fmt.Errorf("%w: %s", ErrNoWorldFile, path)
}

// CheckSRS returns ErrSRSMismatch when both the raster and the grid declare
// a spatial reference and they differ
func (r *Raster) CheckSRS(wkt string) error {
	wkt = strings.TrimSpace(wkt)
	if wkt == "" || r.Projection == "" || wkt == r.Projection {
		return nil
	}
	return ErrSRSMismatch
}

// ResampleAverage area-averages the raster onto the footprint of the first
// two grid dimensions (y, x). Each node covers its centre +/- half a spacing.
// Nodes with no valid overlapping pixel are NaN. Output rows follow the
// grid's ascending y order.
func (r *Raster) ResampleAverage(g *Grid) []float64 {
	ny, nx := g.Shape[0], g.Shape[1]
	dy, dx := g.Delta[0], g.Delta[1]
	x0, px := r.Transform[0], r.Transform[1]
	y0, py := r.Transform[3], r.Transform[5]

	out := make([]float64, ny*nx)
	for row := 0; row < ny; row++ {
		ylo := g.Ctrs[0][row] - dy/2
		yhi := g.Ctrs[0][row] + dy/2
		for col := 0; col < nx; col++ {
			xlo := g.Ctrs[1][col] - dx/2
			xhi := g.Ctrs[1][col] + dx/2

			c0, c1 := pixelSpan(xlo, xhi, x0, px, r.Width)
			r0, r1 := pixelSpan(ylo, yhi, y0, py, r.Height)

			var sum, wsum float64
			for pr := r0; pr < r1; pr++ {
				pyA, pyB := y0+float64(pr)*py, y0+float64(pr+1)*py
				wy := overlap(ylo, yhi, math.Min(pyA, pyB), math.Max(pyA, pyB))
				if wy <= 0 {
					continue
				}
				for pc := c0; pc < c1; pc++ {
					v := r.Values[pr*r.Width+pc]
					if math.IsNaN(v) {
						continue
					}
					pxA, pxB := x0+float64(pc)*px, x0+float64(pc+1)*px
					w := wy * overlap(xlo, xhi, math.Min(pxA, pxB), math.Max(pxA, pxB))
					if w <= 0 {
						continue
					}
					sum += w * v
					wsum += w
				}
			}
			if wsum > 0 {
				out[row*nx+col] = sum / wsum
			} else {
				out[row*nx+col] = math.NaN()
			}
		}
	}
	return out
}

// pixelSpan returns the half-open pixel index range touching [lo, hi] along
// an axis with origin o and signed pixel size p
func pixelSpan(lo, hi, o, p float64, n int) (int, int) {
	a := (lo - o) / p
	b := (hi - o) / p
	if a > b {
		a, b = b, a
	}
	i0 := int(math.Floor(a))
	i1 := int(math.Ceil(b))
	if i0 < 0 {
		i0 = 0
	}
	if i1 > n {
		i1 = n
	}
	return i0, i1
}

func overlap(a0, a1, b0, b1 float64) float64 {
	return math.Min(a1, b1) - math.Max(a0, b0)
}
