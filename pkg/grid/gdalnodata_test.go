package grid

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeGrayTIFF writes a 10x10 8-bit grayscale TIFF with one strip. A
// non-empty noData is stored in the GDAL_NODATA tag.
func encodeGrayTIFF(bo binary.ByteOrder, pix []uint8, noData string) []byte {
	type ifdEntry struct {
		tag, typ uint16
		count    uint32
		value    uint32
		extra    []byte
	}
	nd := []byte(noData + "\x00")
	entries := []ifdEntry{
		{tag: 256, typ: 3, count: 1, value: 10},
		{tag: 257, typ: 3, count: 1, value: 10},
		{tag: 258, typ: 3, count: 1, value: 8},
		{tag: 259, typ: 3, count: 1, value: 1},
		{tag: 262, typ: 3, count: 1, value: 1},
		{tag: 273, typ: 4, count: 1},
		{tag: 278, typ: 3, count: 1, value: 10},
		{tag: 279, typ: 4, count: 1, value: uint32(len(pix))},
	}
	if noData != "" {
		entries = append(entries, ifdEntry{tag: tagGDALNoData, typ: 2, count: uint32(len(nd)), extra: nd})
	}

	ifdEnd := uint32(8 + 2 + 12*len(entries) + 4)
	dataOff := ifdEnd
	if len(nd) > 4 && noData != "" {
		dataOff += uint32(len(nd))
	}

	var buf bytes.Buffer
	if bo == binary.LittleEndian {
		buf.WriteString("II")
	} else {
		buf.WriteString("MM")
	}
	binary.Write(&buf, bo, uint16(42))
	binary.Write(&buf, bo, uint32(8))
	binary.Write(&buf, bo, uint16(len(entries)))
	for _, e := range entries {
		binary.Write(&buf, bo, e.tag)
		binary.Write(&buf, bo, e.typ)
		binary.Write(&buf, bo, e.count)
		var field [4]byte
		switch {
		case e.tag == 273:
			bo.PutUint32(field[:], dataOff)
		case e.extra != nil && len(e.extra) <= 4:
			copy(field[:], e.extra)
		case e.extra != nil:
			bo.PutUint32(field[:], ifdEnd)
		case e.typ == 3:
			bo.PutUint16(field[:], uint16(e.value))
		default:
			bo.PutUint32(field[:], e.value)
		}
		buf.Write(field[:])
	}
	binary.Write(&buf, bo, uint32(0))
	if len(nd) > 4 && noData != "" {
		buf.Write(nd)
	}
	buf.Write(pix)
	return buf.Bytes()
}

// writeTIFFMask lays out a mask like writeMaskRaster, as a TIFF
func writeTIFFMask(t *testing.T, dir, noData string, value func(x, y float64) uint8) string {
	t.Helper()
	pix := make([]uint8, 100)
	for row := 0; row < 10; row++ {
		for col := 0; col < 10; col++ {
			pix[row*10+col] = value(-25+50*float64(col), 425-50*float64(row))
		}
	}
	path := filepath.Join(dir, "mask.tif")
	require.NoError(t, os.WriteFile(path, encodeGrayTIFF(binary.LittleEndian, pix, noData), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mask.tfw"), []byte("50\n0\n0\n-50\n-25\n425\n"), 0644))
	return path
}

func westEdge255(x, y float64) uint8 {
	if x < 50 {
		return 255
	}
	return 1
}

func TestMaskReadsGDALNoDataTag(t *testing.T) {
	path := writeTIFFMask(t, t.TempDir(), "255.0", westEdge255)

	g, err := New([][2]float64{{0, 400}, {0, 400}}, []float64{100, 100}, WithMaskFile(path))
	require.NoError(t, err)

	assert.True(t, math.IsNaN(g.MaskAt(2, 0)))
	assert.Equal(t, 1.0, g.MaskAt(2, 1))
}

func TestMaskNoDataOptionOverridesTag(t *testing.T) {
	path := writeTIFFMask(t, t.TempDir(), "255.0", westEdge255)

	g, err := New([][2]float64{{0, 400}, {0, 400}}, []float64{100, 100}, WithMaskFile(path), WithMaskNoData(1))
	require.NoError(t, err)

	assert.Equal(t, 255.0, g.MaskAt(2, 0))
	assert.True(t, math.IsNaN(g.MaskAt(2, 1)))
}

func TestMaskTIFFWithoutTag(t *testing.T) {
	path := writeTIFFMask(t, t.TempDir(), "", westEdge255)

	g, err := New([][2]float64{{0, 400}, {0, 400}}, []float64{100, 100}, WithMaskFile(path))
	require.NoError(t, err)

	assert.Equal(t, 255.0, g.MaskAt(2, 0))
	assert.Equal(t, 1.0, g.MaskAt(2, 1))
}

func TestTIFFNoData(t *testing.T) {
	pix := make([]uint8, 100)
	tests := []struct {
		name   string
		bo     binary.ByteOrder
		noData string
		want   float64
		ok     bool
	}{
		{"inline", binary.LittleEndian, "-9", -9, true},
		{"offset", binary.LittleEndian, "-9999.5", -9999.5, true},
		{"big endian", binary.BigEndian, "  42 ", 42, true},
		{"absent", binary.LittleEndian, "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok, err := tiffNoData(bytes.NewReader(encodeGrayTIFF(tt.bo, pix, tt.noData)))
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, v)
		})
	}

	_, _, err := tiffNoData(bytes.NewReader(encodeGrayTIFF(binary.LittleEndian, pix, "none")))
	assert.Error(t, err)
	_, _, err = tiffNoData(bytes.NewReader([]byte("PK\x03\x04xxxx")))
	assert.Error(t, err)
}
