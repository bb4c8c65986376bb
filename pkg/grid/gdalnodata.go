package grid

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// tagGDALNoData is the private TIFF tag GDAL writes a band's no-data value to
const tagGDALNoData = 42113

// tiffNoData reads the GDAL_NODATA tag from the first IFD of a classic TIFF.
// ok is false when the tag is absent or the file is a BigTIFF.
func tiffNoData(r io.ReaderAt) (v float64, ok bool, err error) {
	var hdr [8]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return 0, false, fmt.Errorf("reading TIFF header: %w", err)
	}
	var bo binary.ByteOrder
	switch string(hdr[:2]) {
	case "II":
		bo = binary.LittleEndian
	case "MM":
		bo = binary.BigEndian
	default:
		return 0, false, errors.New("not a TIFF file")
	}
	if bo.Uint16(hdr[2:]) != 42 {
		return 0, false, nil
	}

	off := int64(bo.Uint32(hdr[4:]))
	var cnt [2]byte
	if _, err := r.ReadAt(cnt[:], off); err != nil {
		return 0, false, fmt.Errorf("reading TIFF directory: %w", err)
	}
	entries := make([]byte, 12*int(bo.Uint16(cnt[:])))
	if _, err := r.ReadAt(entries, off+2); err != nil {
		return 0, false, fmt.Errorf("reading TIFF directory: %w", err)
	}

	for e := entries; len(e) >= 12; e = e[12:] {
		if bo.Uint16(e) != tagGDALNoData {
			continue
		}
		// type 2 is ASCII
		if typ := bo.Uint16(e[2:]); typ != 2 {
			return 0, false, fmt.Errorf("GDAL_NODATA has TIFF type %d", typ)
		}
		n := bo.Uint32(e[4:])
		if n > 1<<10 {
			return 0, false, fmt.Errorf("GDAL_NODATA is %d bytes long", n)
		}
		var val []byte
		if n <= 4 {
			val = e[8 : 8+n]
		} else {
			val = make([]byte, n)
			if _, err := r.ReadAt(val, int64(bo.Uint32(e[8:]))); err != nil {
				return 0, false, fmt.Errorf("reading GDAL_NODATA: %w", err)
			}
		}
		s := strings.TrimSpace(strings.TrimRight(string(val), "\x00"))
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, fmt.Errorf("GDAL_NODATA %q: %w", s, err)
		}
		return v, true, nil
	}
	return 0, false, nil
}
