package linop

import (
	"fmt"
	"math"

	"github.com/james-bowman/sparse"
	"gonum.org/v1/gonum/mat"
)

// CSR is a compressed sparse row matrix. It embeds the james-bowman CSR, so
// it implements mat.Matrix and offers DoNonZero, DoRowNonZero and MulVecTo,
// and adds the row and column selections used to assemble the fit.
type CSR struct {
	*sparse.CSR
}

var _ mat.Matrix = (*CSR)(nil)

// NewCSR builds an r x c matrix from coordinate triplets. Duplicate entries
// are summed.
func NewCSR(r, c int, rows, cols []int, vals []float64) (*CSR, error) {
	if len(rows) != len(cols) || len(rows) != len(vals) {
		return nil, fmt.Errorf("%w: %d rows, %d cols, %d values", ErrDimensions, len(rows), len(cols), len(vals))
	}
	for k := range rows {
		if rows[k] < 0 || rows[k] >= r || cols[k] < 0 || cols[k] >= c {
			return nil, fmt.Errorf("%w: entry (%d, %d) outside %dx%d", ErrDimensions, rows[k], cols[k], r, c)
		}
	}
	if len(rows) == 0 {
		return empty(r, c), nil
	}
	coo := sparse.NewCOO(r, c,
		append([]int(nil), rows...),
		append([]int(nil), cols...),
		append([]float64(nil), vals...))
	return &CSR{coo.ToCSR()}, nil
}

// mustCSR is NewCSR for triplets already known to be in range
func mustCSR(r, c int, rows, cols []int, vals []float64) *CSR {
	m, err := NewCSR(r, c, rows, cols, vals)
	if err != nil {
		panic(err)
	}
	return m
}

// fromParts wraps compressed storage; the slices are not copied
func fromParts(r, c int, indptr, ind []int, data []float64) *CSR {
	return &CSR{sparse.NewCSR(r, c, indptr, ind, data)}
}

func empty(r, c int) *CSR {
	return fromParts(r, c, make([]int, r+1), []int{}, []float64{})
}

// MulVec returns m*x
func (m *CSR) MulVec(x []float64) []float64 {
	r, c := m.Dims()
	if len(x) != c {
		panic(mat.ErrShape)
	}
	y := make([]float64, r)
	if r > 0 && m.NNZ() > 0 {
		m.MulVecTo(y, false, x)
	}
	return y
}

// ScaleRows returns a copy with row i multiplied by w[i]
func (m *CSR) ScaleRows(w []float64) *CSR {
	raw := m.RawMatrix()
	if len(w) != raw.I {
		panic(mat.ErrShape)
	}
	data := make([]float64, len(raw.Data))
	for i := 0; i < raw.I; i++ {
		for k := raw.Indptr[i]; k < raw.Indptr[i+1]; k++ {
			data[k] = raw.Data[k] * w[i]
		}
	}
	return fromParts(raw.I, raw.J,
		append([]int(nil), raw.Indptr...),
		append([]int(nil), raw.Ind...),
		data)
}

// SelectRows returns the matrix made of the given rows, in order
func (m *CSR) SelectRows(rows []int) *CSR {
	raw := m.RawMatrix()
	indptr := make([]int, len(rows)+1)
	ind := []int{}
	data := []float64{}
	for n, i := range rows {
		lo, hi := raw.Indptr[i], raw.Indptr[i+1]
		ind = append(ind, raw.Ind[lo:hi]...)
		data = append(data, raw.Data[lo:hi]...)
		indptr[n+1] = len(ind)
	}
	return fromParts(len(rows), raw.J, indptr, ind, data)
}

// SelectColumns returns the matrix whose column j is column cols[j] of m.
// cols must not repeat.
func (m *CSR) SelectColumns(cols []int) *CSR {
	raw := m.RawMatrix()
	pos := make([]int, raw.J)
	for j := range pos {
		pos[j] = -1
	}
	for n, j := range cols {
		pos[j] = n
	}
	indptr := make([]int, raw.I+1)
	ind := []int{}
	data := []float64{}
	for i := 0; i < raw.I; i++ {
		for k := raw.Indptr[i]; k < raw.Indptr[i+1]; k++ {
			if p := pos[raw.Ind[k]]; p >= 0 {
				ind = append(ind, p)
				data = append(data, raw.Data[k])
			}
		}
		indptr[i+1] = len(ind)
	}
	return fromParts(raw.I, len(cols), indptr, ind, data)
}

// Mul returns the product m*b
func (m *CSR) Mul(b *CSR) *CSR {
	ar, ac := m.Dims()
	br, bc := b.Dims()
	if ac != br {
		panic(mat.ErrShape)
	}
	if ar == 0 || bc == 0 || m.NNZ() == 0 || b.NNZ() == 0 {
		return empty(ar, bc)
	}
	var out sparse.CSR
	out.Mul(m.CSR, b.CSR)
	return &CSR{&out}
}

// RowNorms returns the Euclidean norm of each row
func (m *CSR) RowNorms() []float64 {
	raw := m.RawMatrix()
	out := make([]float64, raw.I)
	for i := range out {
		var s float64
		for k := raw.Indptr[i]; k < raw.Indptr[i+1]; k++ {
			s += raw.Data[k] * raw.Data[k]
		}
		out[i] = math.Sqrt(s)
	}
	return out
}

// Dense copies the matrix into a gonum dense matrix
func (m *CSR) Dense() *mat.Dense {
	r, c := m.Dims()
	if r == 0 || c == 0 {
		return &mat.Dense{}
	}
	return m.ToDense()
}

// VStackCSR stacks matrices with the same column count on top of each other
func VStackCSR(ms ...*CSR) *CSR {
	if len(ms) == 0 {
		return empty(0, 0)
	}
	_, c := ms[0].Dims()
	indptr := []int{0}
	ind := []int{}
	data := []float64{}
	for _, m := range ms {
		raw := m.RawMatrix()
		if raw.J != c {
			panic(mat.ErrShape)
		}
		base := len(ind)
		ind = append(ind, raw.Ind[:raw.Indptr[raw.I]]...)
		data = append(data, raw.Data[:raw.Indptr[raw.I]]...)
		for i := 1; i <= raw.I; i++ {
			indptr = append(indptr, base+raw.Indptr[i])
		}
	}
	return fromParts(len(indptr)-1, c, indptr, ind, data)
}
