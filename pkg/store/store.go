// Package store persists point datasets and fit runs in a SQLite database.
package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ctessum/sparse"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"smoothxyt/internal/models"
	"smoothxyt/pkg/fit"
)

// ErrNotFound is returned when a point set or run does not exist
var ErrNotFound = errors.New("store: not found")

// schema.sql creates the point set, point, run and run product tables.
//
//go:embed schema.sql
var schemaSQL string

// Store wraps the database handle
type Store struct {
	*sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db}, nil
}

// nullFloat maps non-finite values to NULL
func nullFloat(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

// floatOrNaN reads NULL back as NaN
func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// SavePoints stores d under name, replacing any set of the same name
func (s *Store) SavePoints(name string, d *models.Dataset) error {
	tx, err := s.Begin()
	if err != nil {
		return fmt.Errorf("begin save points tx: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM point_fields WHERE set_name = ?`,
		`DELETE FROM points WHERE set_name = ?`,
		`DELETE FROM point_sets WHERE name = ?`,
	} {
		if _, err := tx.Exec(q, name); err != nil {
			return fmt.Errorf("clear point set %s: %w", name, err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO point_sets (name, n_points, created_ns) VALUES (?, ?, ?)`,
		name, d.Len(), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("insert point set: %w", err)
	}

	pts, err := tx.Prepare(`INSERT INTO points (set_name, idx, x, y, time, z, sigma) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer pts.Close()
	for i := 0; i < d.Len(); i++ {
		if _, err := pts.Exec(name, i, nullFloat(d.X[i]), nullFloat(d.Y[i]), nullFloat(d.Time[i]),
			nullFloat(d.Z[i]), nullFloat(d.Sigma[i])); err != nil {
			return fmt.Errorf("insert point %d: %w", i, err)
		}
	}

	fs, err := tx.Prepare(`INSERT INTO point_fields (set_name, idx, field, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer fs.Close()
	for _, f := range d.FieldNames() {
		for i, v := range d.Field(f) {
			if _, err := fs.Exec(name, i, f, nullFloat(v)); err != nil {
				return fmt.Errorf("insert field %s of point %d: %w", f, i, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save points tx: %w", err)
	}
	return nil
}

// LoadPoints reads the point set stored under name
func (s *Store) LoadPoints(name string) (*models.Dataset, error) {
	var n int
	err := s.QueryRow(`SELECT n_points FROM point_sets WHERE name = ?`, name).Scan(&n)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: point set %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get point set: %w", err)
	}

	x, y, t := make([]float64, n), make([]float64, n), make([]float64, n)
	z, sigma := make([]float64, n), make([]float64, n)
	rows, err := s.Query(`SELECT idx, x, y, time, z, sigma FROM points WHERE set_name = ? ORDER BY idx`, name)
	if err != nil {
		return nil, fmt.Errorf("query points: %w", err)
	}
	for rows.Next() {
		var i int
		var vx, vy, vt, vz, vs sql.NullFloat64
		if err := rows.Scan(&i, &vx, &vy, &vt, &vz, &vs); err != nil {
			rows.Close()
			return nil, err
		}
		x[i], y[i], t[i], z[i], sigma[i] = floatOrNaN(vx), floatOrNaN(vy), floatOrNaN(vt), floatOrNaN(vz), floatOrNaN(vs)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	d, err := models.NewDataset(x, y, t, z, sigma)
	if err != nil {
		return nil, err
	}

	fields := make(map[string][]float64)
	rows, err = s.Query(`SELECT idx, field, value FROM point_fields WHERE set_name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("query point fields: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var i int
		var f string
		var v sql.NullFloat64
		if err := rows.Scan(&i, &f, &v); err != nil {
			return nil, err
		}
		if fields[f] == nil {
			fields[f] = make([]float64, n)
		}
		fields[f][i] = floatOrNaN(v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for f, vals := range fields {
		if err := d.Assign(f, vals); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// nodeSet is one gridded product with the coordinates of its axes
type nodeSet struct {
	name     string
	val, err *sparse.DenseArray
	axes     [][]float64
}

// series is one vector product
type series struct {
	name     string
	t        []float64
	val, err []float64
}

// midpoints returns (t[k]+t[k+lag])/2
func midpoints(t []float64, lag int) []float64 {
	out := make([]float64, 0, max(len(t)-lag, 0))
	for k := 0; k+lag < len(t); k++ {
		out = append(out, (t[k]+t[k+lag])/2)
	}
	return out
}

func sortedLags[V any](m map[int]V) []int {
	lags := make([]int, 0, len(m))
	for lag := range m {
		lags = append(lags, lag)
	}
	sort.Ints(lags)
	return lags
}

func products(res *fit.Result) ([]nodeSet, []series) {
	if res.M.Z0 == nil || res.Grids.Z0 == nil {
		return nil, nil
	}
	e := res.E
	z0, dz := res.Grids.Z0, res.Grids.Dz
	y, x, t := z0.Ctrs[0], z0.Ctrs[1], dz.Ctrs[2]

	nodes := []nodeSet{
		{name: "z0", val: res.M.Z0, axes: [][]float64{y, x}},
		{name: "dz", val: res.M.Dz, axes: [][]float64{y, x, t}},
	}
	if e != nil {
		nodes[0].err, nodes[1].err = e.Z0, e.Dz
	}
	for _, lag := range sortedLags(res.M.DzDt) {
		n := nodeSet{name: fmt.Sprintf("dzdt_lag%d", lag), val: res.M.DzDt[lag], axes: [][]float64{y, x, midpoints(t, lag)}}
		if e != nil {
			n.err = e.DzDt[lag]
		}
		nodes = append(nodes, n)
	}

	ser := []series{{name: "dz_bar", t: t, val: res.M.DzBar}}
	if e != nil {
		ser[0].err = e.DzBar
	}
	for _, lag := range sortedLags(res.M.DzDtBar) {
		sr := series{name: fmt.Sprintf("dzdt_bar_lag%d", lag), t: midpoints(t, lag), val: res.M.DzDtBar[lag]}
		if e != nil {
			sr.err = e.DzDtBar[lag]
		}
		ser = append(ser, sr)
	}
	if len(res.M.Bias) > 0 {
		sr := series{name: "bias"}
		for k, b := range res.M.Bias {
			sr.val = append(sr.val, b.Value)
			if e != nil && k < len(e.Bias) {
				sr.err = append(sr.err, e.Bias[k].Value)
			}
		}
		ser = append(ser, sr)
	}
	return nodes, ser
}

func at(v []float64, k int) float64 {
	if k < len(v) {
		return v[k]
	}
	return math.NaN()
}

// SaveRun stores a fit result, its products and the configuration it ran
// with, and returns the new run's id
func (s *Store) SaveRun(res *fit.Result, cfgYAML []byte) (uuid.UUID, error) {
	id := uuid.New()
	tx, err := s.Begin()
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin save run tx: %w", err)
	}
	defer tx.Rollback()

	nValid := 0
	for _, v := range res.ValidData {
		if v {
			nValid++
		}
	}
	editOnly := 0
	if res.EditOnly {
		editOnly = 1
	}
	if _, err := tx.Exec(`
		INSERT INTO fit_runs (run_id, created_ns, config_yaml, edit_only, iterations, sigma_hat,
			n_points, n_valid, xmin, xmax, ymin, ymax)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), time.Now().UnixNano(), string(cfgYAML), editOnly, res.Iterations, nullFloat(res.SigmaHat),
		len(res.ValidData), nValid,
		res.Extent[0], res.Extent[1], res.Extent[2], res.Extent[3]); err != nil {
		return uuid.Nil, fmt.Errorf("insert run: %w", err)
	}

	nodes, ser := products(res)
	ns, err := tx.Prepare(`INSERT INTO run_nodes (run_id, field, node, x, y, t, value, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return uuid.Nil, err
	}
	defer ns.Close()
	for _, n := range nodes {
		shape := n.val.Shape
		for i, v := range n.val.Elements {
			sub := unravel(i, shape)
			yy, xx := n.axes[0][sub[0]], n.axes[1][sub[1]]
			tt := math.NaN()
			if len(sub) > 2 {
				tt = n.axes[2][sub[2]]
			}
			ev := math.NaN()
			if n.err != nil {
				ev = n.err.Elements[i]
			}
			if _, err := ns.Exec(id.String(), n.name, i, xx, yy, nullFloat(tt), nullFloat(v), nullFloat(ev)); err != nil {
				return uuid.Nil, fmt.Errorf("insert %s node %d: %w", n.name, i, err)
			}
		}
	}

	ss, err := tx.Prepare(`INSERT INTO run_series (run_id, series, k, t, value, error) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return uuid.Nil, err
	}
	defer ss.Close()
	for _, sr := range ser {
		for k, v := range sr.val {
			if _, err := ss.Exec(id.String(), sr.name, k, nullFloat(at(sr.t, k)), nullFloat(v), nullFloat(at(sr.err, k))); err != nil {
				return uuid.Nil, fmt.Errorf("insert %s[%d]: %w", sr.name, k, err)
			}
		}
	}

	for eq, r := range res.R {
		if _, err := tx.Exec(`INSERT INTO run_residuals (run_id, eq, r, rms) VALUES (?, ?, ?, ?)`,
			id.String(), eq.String(), nullFloat(r), nullFloat(res.RMS[eq])); err != nil {
			return uuid.Nil, fmt.Errorf("insert residual %s: %w", eq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("commit save run tx: %w", err)
	}
	return id, nil
}

// unravel converts a row-major flat index to subscripts
func unravel(i int, shape []int) []int {
	sub := make([]int, len(shape))
	for d := len(shape) - 1; d >= 0; d-- {
		sub[d] = i % shape[d]
		i /= shape[d]
	}
	return sub
}

// RunSummary is the stored description of one fit run
type RunSummary struct {
	ID         uuid.UUID
	Created    time.Time
	Config     string
	EditOnly   bool
	Iterations int
	SigmaHat   float64
	NPoints    int
	NValid     int
	Extent     [4]float64

	// Series maps product name (dz_bar, dzdt_bar_lag1, ...) to its values
	Series map[string][]float64

	// R and RMS are keyed by equation group name
	R   map[string]float64
	RMS map[string]float64
}

// RunSummary reads back the summary of a stored run
func (s *Store) RunSummary(id uuid.UUID) (*RunSummary, error) {
	sum := &RunSummary{
		ID:     id,
		Series: make(map[string][]float64),
		R:      make(map[string]float64),
		RMS:    make(map[string]float64),
	}
	var created int64
	var editOnly int
	var sigma, x0, x1, y0, y1 sql.NullFloat64
	err := s.QueryRow(`
		SELECT created_ns, config_yaml, edit_only, iterations, sigma_hat, n_points, n_valid, xmin, xmax, ymin, ymax
		FROM fit_runs WHERE run_id = ?`, id.String()).Scan(
		&created, &sum.Config, &editOnly, &sum.Iterations, &sigma, &sum.NPoints, &sum.NValid, &x0, &x1, &y0, &y1)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	sum.Created = time.Unix(0, created)
	sum.EditOnly = editOnly != 0
	sum.SigmaHat = floatOrNaN(sigma)
	sum.Extent = [4]float64{floatOrNaN(x0), floatOrNaN(x1), floatOrNaN(y0), floatOrNaN(y1)}

	rows, err := s.Query(`SELECT series, value FROM run_series WHERE run_id = ? ORDER BY series, k`, id.String())
	if err != nil {
		return nil, fmt.Errorf("query series: %w", err)
	}
	for rows.Next() {
		var name string
		var v sql.NullFloat64
		if err := rows.Scan(&name, &v); err != nil {
			rows.Close()
			return nil, err
		}
		sum.Series[name] = append(sum.Series[name], floatOrNaN(v))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.Query(`SELECT eq, r, rms FROM run_residuals WHERE run_id = ?`, id.String())
	if err != nil {
		return nil, fmt.Errorf("query residuals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var eq string
		var r, rms sql.NullFloat64
		if err := rows.Scan(&eq, &r, &rms); err != nil {
			return nil, err
		}
		sum.R[eq] = floatOrNaN(r)
		sum.RMS[eq] = floatOrNaN(rms)
	}
	return sum, rows.Err()
}

// NodeValue is one stored grid node of a product
type NodeValue struct {
	X, Y, T      float64
	Value, Error float64
}

// NodeField returns the nodes of one gridded product of a run, in ravel order
func (s *Store) NodeField(id uuid.UUID, field string) ([]NodeValue, error) {
	rows, err := s.Query(`SELECT x, y, t, value, error FROM run_nodes WHERE run_id = ? AND field = ? ORDER BY node`,
		id.String(), field)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()
	var out []NodeValue
	for rows.Next() {
		var x, y, t, v, e sql.NullFloat64
		if err := rows.Scan(&x, &y, &t, &v, &e); err != nil {
			return nil, err
		}
		out = append(out, NodeValue{X: floatOrNaN(x), Y: floatOrNaN(y), T: floatOrNaN(t), Value: floatOrNaN(v), Error: floatOrNaN(e)})
	}
	return out, rows.Err()
}
