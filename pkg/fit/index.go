package fit

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// point is a horizontal data location that remembers its dataset index
type point struct {
	X, Y  float64
	Index int
}

// Compare implements the kdtree.Comparable interface
func (p point) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(point)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p point) Dims() int { return 2 }

// Distance returns the squared Euclidean distance between two points
func (p point) Distance(c kdtree.Comparable) float64 {
	q := c.(point)
	dx := p.X - q.X
	dy := p.Y - q.Y
	return dx*dx + dy*dy
}

// points is a collection of point that satisfies kdtree.Interface
type points []point

func (p points) Index(i int) kdtree.Comparable         { return p[i] }
func (p points) Len() int                              { return len(p) }
func (p points) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p points) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(plane{points: p, Dim: d}, kdtree.MedianOfMedians(plane{points: p, Dim: d}))
}

// plane implements sort.Interface and kdtree.SortSlicer for points
type plane struct {
	points
	kdtree.Dim
}

func (p plane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.points[i].X < p.points[j].X
	case 1:
		return p.points[i].Y < p.points[j].Y
	default:
		panic("illegal dimension")
	}
}

func (p plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{points: p.points[start:end], Dim: p.Dim}
}

func (p plane) Swap(i, j int) {
	p.points[i], p.points[j] = p.points[j], p.points[i]
}

// pointIndex answers box queries over the horizontal data locations
type pointIndex struct {
	tree *kdtree.Tree
}

// newPointIndex indexes the finite (x, y) locations
func newPointIndex(x, y []float64) *pointIndex {
	pts := make(points, 0, len(x))
	for i := range x {
		if math.IsNaN(x[i]) || math.IsNaN(y[i]) || math.IsInf(x[i], 0) || math.IsInf(y[i], 0) {
			continue
		}
		pts = append(pts, point{X: x[i], Y: y[i], Index: i})
	}
	return &pointIndex{tree: kdtree.New(pts, false)}
}

// inBox returns, in ascending order, the indices of points with
// |x-x0| < hx and |y-y0| < hy
func (p *pointIndex) inBox(x0, y0, hx, hy float64) []int {
	q := point{X: x0, Y: y0}
	keeper := kdtree.NewDistKeeper(hx*hx + hy*hy)
	p.tree.NearestSet(keeper, q)

	var out []int
	for _, c := range keeper.Heap {
		if c.Comparable == nil {
			continue
		}
		pt := c.Comparable.(point)
		if math.Abs(pt.X-x0) < hx && math.Abs(pt.Y-y0) < hy {
			out = append(out, pt.Index)
		}
	}
	sort.Ints(out)
	return out
}
