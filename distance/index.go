package distance

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/recurve-methods/comparison-groups/loadshape"
)

// Neighbor is one pool candidate returned by an index query.
type Neighbor struct {
	PoolID   string
	Distance float64
}

// poolPoint pairs a transformed pool vector with its position in the pool
// ordering. Methods unwrap the argument explicitly: the embedded
// kdtree.Point methods type-assert their argument to Point and would panic
// on the wrapper.
type poolPoint struct {
	point kdtree.Point
	idx   int
}

func (p poolPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.point.Compare(c.(poolPoint).point, d)
}

func (p poolPoint) Dims() int { return len(p.point) }

// Distance returns the squared Euclidean distance, following kdtree.Point.
func (p poolPoint) Distance(c kdtree.Comparable) float64 {
	return p.point.Distance(c.(poolPoint).point)
}

type poolPoints []poolPoint

func (p poolPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p poolPoints) Len() int                      { return len(p) }
func (p poolPoints) Pivot(d kdtree.Dim) int        { return plane{poolPoints: p, Dim: d}.Pivot() }
func (p poolPoints) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}

// plane orders poolPoints along one dimension during tree construction.
type plane struct {
	poolPoints
	kdtree.Dim
}

func (p plane) Less(i, j int) bool {
	return p.poolPoints[i].point[p.Dim] < p.poolPoints[j].point[p.Dim]
}
func (p plane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.poolPoints = p.poolPoints[start:end]
	return p
}
func (p plane) Swap(i, j int) {
	p.poolPoints[i], p.poolPoints[j] = p.poolPoints[j], p.poolPoints[i]
}

// Index is a kd-tree over the transformed pool, built once per run and
// released with it. Queries are read-only and safe for concurrent use.
type Index struct {
	ids    []string
	engine *Engine
	tree   *kdtree.Tree
	size   int
}

// NewIndex builds the spatial index over the pool feature set.
func NewIndex(e *Engine, pool *loadshape.FeatureSet) (*Index, error) {
	if pool.Len() == 0 {
		return nil, fmt.Errorf("pool feature set is empty")
	}
	pts := make(poolPoints, pool.Len())
	for i, row := range pool.Rows() {
		t, err := e.Transform(row)
		if err != nil {
			return nil, fmt.Errorf("pool meter %s: %w", pool.Vectors[i].MeterID, err)
		}
		pts[i] = poolPoint{point: kdtree.Point(t), idx: i}
	}
	return &Index{
		ids:    pool.IDs(),
		engine: e,
		tree:   kdtree.New(pts, false),
		size:   pool.Len(),
	}, nil
}

// Len returns the number of indexed pool meters.
func (ix *Index) Len() int {
	return ix.size
}

// Nearest returns the k nearest pool meters to v under the engine's metric,
// ordered by (distance, pool id). When candidates tie at the cut boundary,
// every tied candidate is considered before the deterministic cut, so the
// result is identical to sorting the exhaustive matrix row.
func (ix *Index) Nearest(v []float64, k int) ([]Neighbor, error) {
	if k < 1 {
		return nil, fmt.Errorf("k must be at least 1, got %d", k)
	}
	if !finite(v) {
		return nil, fmt.Errorf("query vector must be finite")
	}
	tq, err := ix.engine.Transform(v)
	if err != nil {
		return nil, err
	}
	query := poolPoint{point: kdtree.Point(tq), idx: -1}

	if k > ix.size {
		k = ix.size
	}
	keep := kdtree.NewNKeeper(k)
	ix.tree.NearestSet(keep, query)

	type candidate struct {
		sq  float64
		idx int
	}
	cands := make([]candidate, 0, k)
	maxSq := math.Inf(-1)
	for _, cd := range keep.Heap {
		if cd.Comparable == nil {
			// NKeeper's infinite-distance seed survives partial fills.
			continue
		}
		pp := cd.Comparable.(poolPoint)
		cands = append(cands, candidate{sq: cd.Dist, idx: pp.idx})
		if cd.Dist > maxSq {
			maxSq = cd.Dist
		}
	}

	if len(cands) == k && k < ix.size {
		within := kdtree.NewDistKeeper(maxSq)
		ix.tree.NearestSet(within, query)
		cands = cands[:0]
		for _, cd := range within.Heap {
			if cd.Comparable == nil {
				continue
			}
			pp := cd.Comparable.(poolPoint)
			cands = append(cands, candidate{sq: cd.Dist, idx: pp.idx})
		}
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].sq != cands[j].sq {
			return cands[i].sq < cands[j].sq
		}
		return ix.ids[cands[i].idx] < ix.ids[cands[j].idx]
	})
	if len(cands) > k {
		cands = cands[:k]
	}

	out := make([]Neighbor, len(cands))
	for i, c := range cands {
		out[i] = Neighbor{PoolID: ix.ids[c.idx], Distance: math.Sqrt(c.sq)}
	}
	return out, nil
}
