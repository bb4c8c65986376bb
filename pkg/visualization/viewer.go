package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"github.com/ctessum/sparse"
)

// Viewer renders sections of a gridded (y, x) or (y, x, t) field as
// grayscale images, scaled between the field's finite extremes
type Viewer struct {
	data []float64

	// dimensions of the field
	ny, nx, nt int

	lo, hi float64
}

// NewViewer creates a viewer over a 2-D or 3-D field
func NewViewer(field *sparse.DenseArray) (*Viewer, error) {
	v := &Viewer{data: field.Elements, nt: 1}
	switch len(field.Shape) {
	case 2:
		v.ny, v.nx = field.Shape[0], field.Shape[1]
	case 3:
		v.ny, v.nx, v.nt = field.Shape[0], field.Shape[1], field.Shape[2]
	default:
		return nil, fmt.Errorf("cannot view a field of shape %v", field.Shape)
	}

	v.lo, v.hi = math.Inf(1), math.Inf(-1)
	for _, x := range v.data {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		v.lo = math.Min(v.lo, x)
		v.hi = math.Max(v.hi, x)
	}
	return v, nil
}

// Range returns the finite extremes the gray scale spans
func (v *Viewer) Range() (lo, hi float64) { return v.lo, v.hi }

func (v *Viewer) at(row, col, k int) float64 {
	return v.data[(row*v.nx+col)*v.nt+k]
}

// gray maps a value onto the gray scale. Missing values are black.
func (v *Viewer) gray(x float64) color.Gray16 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return color.Gray16{}
	}
	f := 0.5
	if v.hi > v.lo {
		f = (x - v.lo) / (v.hi - v.lo)
	}
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, f*65535)))}
}

// ExtractSlice extracts a section of the field. Axis "t" gives the map at
// epoch position with north up; "x" gives the (y, t) section at column
// position; "y" gives the (t, x) section at row position.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.Gray16
	switch axis {
	case "t", "T":
		if position >= v.nt {
			return nil, fmt.Errorf("position %d exceeds %d epochs", position, v.nt)
		}
		img = image.NewGray16(image.Rect(0, 0, v.nx, v.ny))
		for row := 0; row < v.ny; row++ {
			for col := 0; col < v.nx; col++ {
				img.SetGray16(col, v.ny-1-row, v.gray(v.at(row, col, position)))
			}
		}

	case "x", "X":
		if position >= v.nx {
			return nil, fmt.Errorf("position %d exceeds %d columns", position, v.nx)
		}
		img = image.NewGray16(image.Rect(0, 0, v.nt, v.ny))
		for row := 0; row < v.ny; row++ {
			for k := 0; k < v.nt; k++ {
				img.SetGray16(k, v.ny-1-row, v.gray(v.at(row, position, k)))
			}
		}

	case "y", "Y":
		if position >= v.ny {
			return nil, fmt.Errorf("position %d exceeds %d rows", position, v.ny)
		}
		img = image.NewGray16(image.Rect(0, 0, v.nx, v.nt))
		for k := 0; k < v.nt; k++ {
			for col := 0; col < v.nx; col++ {
				img.SetGray16(col, k, v.gray(v.at(position, col, k)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or t)", axis)
	}
	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every section along the given axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.nx
	case "y", "Y":
		maxPos = v.ny
	case "t", "T":
		maxPos = v.nt
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or t)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}
