// Package pointio reads and writes point datasets as CSV with a header row.
// The columns x, y, time, z and sigma are required; any other column is
// carried as a named per-point field.
package pointio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"

	"smoothxyt/internal/models"
)

// ErrMissingColumn is returned when a required column is absent
var ErrMissingColumn = errors.New("pointio: missing required column")

var coreColumns = []string{"x", "y", "time", "z", "sigma"}

// Read parses a dataset from CSV. Empty cells read as NaN.
func Read(r io.Reader) (*models.Dataset, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.TrimSpace(h)] = i
	}
	for _, c := range coreColumns {
		if _, ok := pos[c]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, c)
		}
	}

	cols := make([][]float64, len(header))
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		for i, cell := range rec {
			v, err := parseCell(cell)
			if err != nil {
				return nil, fmt.Errorf("line %d column %q: %w", line, header[i], err)
			}
			cols[i] = append(cols[i], v)
		}
	}

	col := func(name string) []float64 {
		c := cols[pos[name]]
		if c == nil {
			c = []float64{}
		}
		return c
	}
	d, err := models.NewDataset(col("x"), col("y"), col("time"), col("z"), col("sigma"))
	if err != nil {
		return nil, err
	}
	for i, h := range header {
		name := strings.TrimSpace(h)
		if slices.Contains(coreColumns, name) {
			continue
		}
		if err := d.Assign(name, cols[i]); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// ReadFile reads a dataset from a CSV file
func ReadFile(path string) (*models.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Write writes the core columns followed by every field in name order
func Write(w io.Writer, d *models.Dataset) error {
	cw := csv.NewWriter(w)
	fields := d.FieldNames()
	if err := cw.Write(append(append([]string(nil), coreColumns...), fields...)); err != nil {
		return err
	}
	cols := [][]float64{d.X, d.Y, d.Time, d.Z, d.Sigma}
	for _, f := range fields {
		cols = append(cols, d.Field(f))
	}
	rec := make([]string, len(cols))
	for i := 0; i < d.Len(); i++ {
		for k, c := range cols {
			rec[k] = strconv.FormatFloat(c[i], 'g', -1, 64)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes a dataset to a CSV file
func WriteFile(path string, d *models.Dataset) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, d); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}

func parseCell(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}
