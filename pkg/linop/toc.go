package linop

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrDimensions is returned when operator or matrix shapes disagree
	ErrDimensions = errors.New("linop: dimension mismatch")

	// ErrUnknownGroup is returned by TOC lookups for unregistered groups
	ErrUnknownGroup = errors.New("linop: unknown group")
)

// EqID identifies a group of equations (rows) in an assembled system
type EqID int

const (
	EqNone EqID = iota
	EqData
	EqInterpZ0
	EqInterpDz
	EqDataBias
	EqGrad2Z0
	EqGrad2DzDt
	EqGradDzDt
	EqD2zDt2
	EqBiasConstraint
	EqConstraints
	EqDzDt
	EqDzBar
	EqDzDtBar
	EqRepeat
	EqMask
)

var eqNames = map[EqID]string{
	EqNone:           "none",
	EqData:           "data",
	EqInterpZ0:       "interp_z",
	EqInterpDz:       "interp_dz",
	EqDataBias:       "data_bias",
	EqGrad2Z0:        "grad2_z0",
	EqGrad2DzDt:      "grad2_dzdt",
	EqGradDzDt:       "grad_dzdt",
	EqD2zDt2:         "d2z_dt2",
	EqBiasConstraint: "constraint_data_bias",
	EqConstraints:    "constraints",
	EqDzDt:           "dzdt",
	EqDzBar:          "center_dzbar",
	EqDzDtBar:        "dzdt_bar",
	EqRepeat:         "repeat",
	EqMask:           "mask",
}

func (e EqID) String() string {
	if s, ok := eqNames[e]; ok {
		return s
	}
	return fmt.Sprintf("EqID(%d)", int(e))
}

// DOF identifies a group of degrees of freedom (columns)
type DOF int

const (
	DOFNone DOF = iota
	DOFZ0
	DOFDz
	DOFBias
	DOFTime
	DOFRepeat
)

var dofNames = map[DOF]string{
	DOFNone:   "none",
	DOFZ0:     "z0",
	DOFDz:     "dz",
	DOFBias:   "bias",
	DOFTime:   "t",
	DOFRepeat: "repeat",
}

func (d DOF) String() string {
	if s, ok := dofNames[d]; ok {
		return s
	}
	return fmt.Sprintf("DOF(%d)", int(d))
}

// Range is a half-open index range [Start, End)
type Range struct {
	Start, End int
}

// Len returns the number of indices in the range
func (r Range) Len() int { return r.End - r.Start }

// Indices lists the indices of the range
func (r Range) Indices() []int {
	out := make([]int, 0, r.Len())
	for i := r.Start; i < r.End; i++ {
		out = append(out, i)
	}
	return out
}

// Shift returns the range moved by off
func (r Range) Shift(off int) Range { return Range{r.Start + off, r.End + off} }

// TOC is the table of contents of an assembled system: the row range of each
// equation group and the column range of each degree-of-freedom group
type TOC struct {
	rows map[EqID]Range
	cols map[DOF]Range
}

// NewTOC returns an empty table of contents
func NewTOC() *TOC {
	return &TOC{rows: map[EqID]Range{}, cols: map[DOF]Range{}}
}

// SetRows registers the rows of an equation group
func (t *TOC) SetRows(id EqID, r Range) { t.rows[id] = r }

// SetCols registers the columns of a degree-of-freedom group. Registering a
// group twice keeps the union of the ranges.
func (t *TOC) SetCols(dof DOF, r Range) {
	if old, ok := t.cols[dof]; ok {
		r = Range{min(old.Start, r.Start), max(old.End, r.End)}
	}
	t.cols[dof] = r
}

// RowsFor returns the rows of an equation group
func (t *TOC) RowsFor(id EqID) (Range, error) {
	r, ok := t.rows[id]
	if !ok {
		return Range{}, fmt.Errorf("%w: rows for %s", ErrUnknownGroup, id)
	}
	return r, nil
}

// ColsFor returns the columns of a degree-of-freedom group
func (t *TOC) ColsFor(dof DOF) (Range, error) {
	r, ok := t.cols[dof]
	if !ok {
		return Range{}, fmt.Errorf("%w: columns for %s", ErrUnknownGroup, dof)
	}
	return r, nil
}

// HasRows reports whether an equation group is registered
func (t *TOC) HasRows(id EqID) bool {
	_, ok := t.rows[id]
	return ok
}

// EqIDs lists the registered equation groups in ascending row order, an
// enclosing group before the groups it contains
func (t *TOC) EqIDs() []EqID {
	ids := make([]EqID, 0, len(t.rows))
	for id := range t.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ri, rj := t.rows[ids[i]], t.rows[ids[j]]
		if ri.Start != rj.Start {
			return ri.Start < rj.Start
		}
		if ri.End != rj.End {
			return ri.End > rj.End
		}
		return ids[i] < ids[j]
	})
	return ids
}

// DOFs lists the registered column groups in ascending column order
func (t *TOC) DOFs() []DOF {
	dofs := make([]DOF, 0, len(t.cols))
	for d := range t.cols {
		dofs = append(dofs, d)
	}
	sort.Slice(dofs, func(i, j int) bool {
		ci, cj := t.cols[dofs[i]], t.cols[dofs[j]]
		if ci.Start != cj.Start {
			return ci.Start < cj.Start
		}
		return dofs[i] < dofs[j]
	})
	return dofs
}

// merge copies the entries of o into t with rows shifted by rowOff
func (t *TOC) merge(o *TOC, rowOff int) {
	if o == nil {
		return
	}
	for id, r := range o.rows {
		t.rows[id] = r.Shift(rowOff)
	}
	for d, r := range o.cols {
		t.SetCols(d, r)
	}
}
