package fit

import (
	"fmt"
	"sort"

	"smoothxyt/internal/models"
	"smoothxyt/pkg/robust"
)

// BiasCategory is one group of points that share a systematic offset
type BiasCategory struct {
	ID int

	// Params holds the values of the bias parameters that define the
	// category, in the order of BiasModel.Params
	Params []float64

	// Prior is the expected bias magnitude: the median corrected
	// uncertainty of the category's points
	Prior float64

	// Col is the model column of the category's bias, -1 until assigned
	Col int
}

// BiasModel is the immutable set of bias categories of one fit
type BiasModel struct {
	params []string
	cats   []BiasCategory
}

// Params returns the names of the fields that define the categories
func (m BiasModel) Params() []string { return append([]string(nil), m.params...) }

// Len returns the number of categories
func (m BiasModel) Len() int { return len(m.cats) }

// Categories returns a copy of the categories ordered by id
func (m BiasModel) Categories() []BiasCategory {
	out := make([]BiasCategory, len(m.cats))
	for i, c := range m.cats {
		c.Params = append([]float64(nil), c.Params...)
		out[i] = c
	}
	return out
}

// Priors returns the expected bias of each category, ordered by id
func (m BiasModel) Priors() []float64 {
	out := make([]float64, len(m.cats))
	for i, c := range m.cats {
		out[i] = c.Prior
	}
	return out
}

// WithColumns returns a copy of the model whose category k uses column col0+k
func (m BiasModel) WithColumns(col0 int) BiasModel {
	out := BiasModel{params: m.params, cats: m.Categories()}
	for i := range out.cats {
		out.cats[i].Col = col0 + out.cats[i].ID
	}
	return out
}

// BiasEstimate is the fitted value (or error) of one category's bias
type BiasEstimate struct {
	ID     int
	Params map[string]float64
	Value  float64
}

// Parse reads each category's value out of a model vector, ordered by id
func (m BiasModel) Parse(x []float64) []BiasEstimate {
	out := make([]BiasEstimate, 0, len(m.cats))
	for _, c := range m.cats {
		e := BiasEstimate{ID: c.ID, Params: make(map[string]float64, len(m.params)), Value: x[c.Col]}
		for k, p := range m.params {
			e.Params[p] = c.Params[k]
		}
		out = append(out, e)
	}
	return out
}

// BiasBuilder assigns points to bias categories
type BiasBuilder struct {
	// Params lists the fields whose distinct value combinations define
	// the categories. With no fields every point shares one category.
	Params []string
}

// Assign returns the category id of every point and the model describing
// the categories. Categories are numbered from 0 in lexicographic order of
// their parameter values.
func (b BiasBuilder) Assign(d *models.Dataset) ([]int, BiasModel, error) {
	n := d.Len()
	ids := make([]int, n)
	sigma := d.SigmaCorr()
	model := BiasModel{params: append([]string(nil), b.Params...)}

	if len(b.Params) == 0 {
		model.cats = []BiasCategory{{ID: 0, Prior: robust.NanMedian(sigma), Col: -1}}
		return ids, model, nil
	}

	cols := make([][]float64, len(b.Params))
	for k, p := range b.Params {
		f := d.Field(p)
		if f == nil {
			return nil, BiasModel{}, fmt.Errorf("bias parameter %q: no such field", p)
		}
		cols[k] = f
	}
	tuple := func(i int) []float64 {
		t := make([]float64, len(cols))
		for k := range cols {
			t[k] = cols[k][i]
		}
		return t
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return lessTuple(tuple(order[a]), tuple(order[b]))
	})

	var members []float64
	flush := func() {
		c := &model.cats[len(model.cats)-1]
		c.Prior = robust.NanMedian(members)
		members = members[:0]
	}
	for k, i := range order {
		t := tuple(i)
		if k == 0 || lessTuple(model.cats[len(model.cats)-1].Params, t) {
			if k > 0 {
				flush()
			}
			model.cats = append(model.cats, BiasCategory{ID: len(model.cats), Params: t, Col: -1})
		}
		ids[i] = len(model.cats) - 1
		members = append(members, sigma[i])
	}
	if n > 0 {
		flush()
	}
	return ids, model, nil
}

// lessTuple orders parameter tuples lexicographically
func lessTuple(a, b []float64) bool {
	for k := range a {
		if a[k] != b[k] {
			return a[k] < b[k]
		}
	}
	return false
}
