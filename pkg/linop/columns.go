package linop

// ActiveColumns is a bijection between a reduced column space and the subset
// of a full column space that takes part in a solve. Excluded columns are
// held at zero.
type ActiveColumns struct {
	n      int
	active []int
	pos    []int
}

// NewActiveColumns keeps every column of [0, n) except those in exclude
func NewActiveColumns(n int, exclude []int) *ActiveColumns {
	drop := make([]bool, n)
	for _, j := range exclude {
		if j >= 0 && j < n {
			drop[j] = true
		}
	}
	a := &ActiveColumns{n: n, pos: make([]int, n)}
	for j := 0; j < n; j++ {
		if drop[j] {
			a.pos[j] = -1
			continue
		}
		a.pos[j] = len(a.active)
		a.active = append(a.active, j)
	}
	return a
}

// Len is the size of the reduced space
func (a *ActiveColumns) Len() int { return len(a.active) }

// Full is the size of the full space
func (a *ActiveColumns) Full() int { return a.n }

// Active returns the full-space index of each reduced column
func (a *ActiveColumns) Active() []int { return append([]int(nil), a.active...) }

// Excluded returns the full-space columns outside the reduced space
func (a *ActiveColumns) Excluded() []int {
	var out []int
	for j, p := range a.pos {
		if p < 0 {
			out = append(out, j)
		}
	}
	return out
}

// IsActive reports whether full-space column j is solved for
func (a *ActiveColumns) IsActive(j int) bool { return j >= 0 && j < a.n && a.pos[j] >= 0 }

// Expand maps a reduced vector into the full space, zero-filling excluded columns
func (a *ActiveColumns) Expand(reduced []float64) []float64 {
	full := make([]float64, a.n)
	for k, j := range a.active {
		full[j] = reduced[k]
	}
	return full
}

// Reduce drops the excluded entries of a full-space vector
func (a *ActiveColumns) Reduce(full []float64) []float64 {
	out := make([]float64, len(a.active))
	for k, j := range a.active {
		out[k] = full[j]
	}
	return out
}

// Restrict drops the excluded columns of a full-space matrix
func (a *ActiveColumns) Restrict(m *CSR) *CSR {
	if _, c := m.Dims(); c != a.n {
		panic(ErrDimensions)
	}
	return m.SelectColumns(a.active)
}

// ExpandRows maps a matrix whose rows index the reduced space onto the full
// space, leaving excluded rows empty
func (a *ActiveColumns) ExpandRows(m *CSR) *CSR {
	raw := m.RawMatrix()
	indptr := make([]int, a.n+1)
	ind := []int{}
	data := []float64{}
	for j := 0; j < a.n; j++ {
		if k := a.pos[j]; k >= 0 {
			lo, hi := raw.Indptr[k], raw.Indptr[k+1]
			ind = append(ind, raw.Ind[lo:hi]...)
			data = append(data, raw.Data[lo:hi]...)
		}
		indptr[j+1] = len(ind)
	}
	return fromParts(a.n, raw.J, indptr, ind, data)
}
