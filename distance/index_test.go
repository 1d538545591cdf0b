package distance

import (
	"fmt"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/recurve-methods/comparison-groups/loadshape"
)

// gridPool lays pool meters on a deterministic 2D lattice.
func gridPool(t *testing.T, n int) *loadshape.FeatureSet {
	ids := make([]string, n)
	rows := make([][]float64, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("p-%03d", i)
		rows[i] = []float64{float64(i % 10), float64(i / 10)}
	}
	return makeSet(t, ids, rows)
}

// matrixTopK sorts one matrix row by (distance, pool id) and cuts. This is
// the reference the index must reproduce exactly.
func matrixTopK(m *Matrix, row, k int) []Neighbor {
	type cand struct {
		d  float64
		id string
	}
	cands := make([]cand, len(m.PoolIDs))
	for j, id := range m.PoolIDs {
		cands[j] = cand{d: m.At(row, j), id: id}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].d != cands[j].d {
			return cands[i].d < cands[j].d
		}
		return cands[i].id < cands[j].id
	})
	if k > len(cands) {
		k = len(cands)
	}
	out := make([]Neighbor, k)
	for i := 0; i < k; i++ {
		out[i] = Neighbor{PoolID: cands[i].id, Distance: cands[i].d}
	}
	return out
}

func TestIndexNearest_MatchesMatrixOrdering(t *testing.T) {
	pool := gridPool(t, 60)
	treatment := makeSet(t,
		[]string{"t-1", "t-2", "t-3"},
		[][]float64{
			{0.2, 0.1},
			{4.6, 3.2},
			{9.9, 5.8},
		})

	for _, metric := range []Metric{Euclidean, WeightedEuclidean} {
		var weights []float64
		if metric == WeightedEuclidean {
			weights = []float64{3, 0.5}
		}
		e, err := NewEngine(metric, weights, pool)
		require.NoError(t, err)

		ix, err := NewIndex(e, pool)
		require.NoError(t, err)
		m, err := NewMatrix(e, treatment, pool, 1)
		require.NoError(t, err)

		for i, row := range treatment.Rows() {
			for _, k := range []int{1, 4, 17} {
				got, err := ix.Nearest(row, k)
				require.NoError(t, err)
				want := matrixTopK(m, i, k)
				require.Equal(t, want, got, "metric=%s treatment=%d k=%d", metric, i, k)
			}
		}
	}
}

func TestIndexNearest_ExactMatchAtDistanceZero(t *testing.T) {
	pool := gridPool(t, 30)
	e, err := NewEngine(Euclidean, nil, pool)
	require.NoError(t, err)
	ix, err := NewIndex(e, pool)
	require.NoError(t, err)

	// Query sits exactly on pool meter p-013 at (3, 1).
	got, err := ix.Nearest([]float64{3, 1}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "p-013", got[0].PoolID)
	require.Equal(t, 0.0, got[0].Distance)
}

func TestIndexNearest_TiesBreakToLowestPoolID(t *testing.T) {
	// Four pool meters all at distance 1 from the origin.
	pool := makeSet(t,
		[]string{"p-d", "p-a", "p-c", "p-b"},
		[][]float64{
			{0, 1},
			{1, 0},
			{0, -1},
			{-1, 0},
		})
	e, err := NewEngine(Euclidean, nil, pool)
	require.NoError(t, err)
	ix, err := NewIndex(e, pool)
	require.NoError(t, err)

	got, err := ix.Nearest([]float64{0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "p-a", got[0].PoolID)
	require.Equal(t, "p-b", got[1].PoolID)
	require.Equal(t, 1.0, got[0].Distance)
	require.Equal(t, 1.0, got[1].Distance)
}

func TestIndexNearest_BoundaryTieGroupConsideredBeforeCut(t *testing.T) {
	// p-z is strictly nearest; p-a, p-b, p-c tie at the k=2 boundary. The
	// cut must keep p-a (lowest id of the tie group), never p-b or p-c by
	// traversal accident.
	pool := makeSet(t,
		[]string{"p-z", "p-c", "p-b", "p-a"},
		[][]float64{
			{0.5, 0},
			{0, 2},
			{2, 0},
			{-2, 0},
		})
	e, err := NewEngine(Euclidean, nil, pool)
	require.NoError(t, err)
	ix, err := NewIndex(e, pool)
	require.NoError(t, err)

	got, err := ix.Nearest([]float64{0, 0}, 2)
	require.NoError(t, err)
	require.Equal(t, []Neighbor{
		{PoolID: "p-z", Distance: 0.5},
		{PoolID: "p-a", Distance: 2},
	}, got)
}

func TestIndexNearest_KLargerThanPool_ReturnsAll(t *testing.T) {
	pool := gridPool(t, 5)
	e, err := NewEngine(Euclidean, nil, pool)
	require.NoError(t, err)
	ix, err := NewIndex(e, pool)
	require.NoError(t, err)

	got, err := ix.Nearest([]float64{0, 0}, 50)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		require.LessOrEqual(t, got[i-1].Distance, got[i].Distance)
	}
}

func TestIndexNearest_InvalidInputs(t *testing.T) {
	pool := gridPool(t, 5)
	e, err := NewEngine(Euclidean, nil, pool)
	require.NoError(t, err)
	ix, err := NewIndex(e, pool)
	require.NoError(t, err)

	if _, err := ix.Nearest([]float64{0, 0}, 0); err == nil {
		t.Error("k=0 should be rejected")
	}
	if _, err := ix.Nearest([]float64{math.NaN(), 0}, 1); err == nil {
		t.Error("non-finite query should be rejected")
	}
	if _, err := ix.Nearest([]float64{0}, 1); err == nil {
		t.Error("wrong dimension should be rejected")
	}
}

func TestNewIndex_EmptyPool_ReturnsError(t *testing.T) {
	empty, err := loadshape.NewFeatureSet([]string{"f0"}, nil)
	require.NoError(t, err)
	pool := gridPool(t, 5)
	e, err := NewEngine(Euclidean, nil, pool)
	require.NoError(t, err)
	if _, err := NewIndex(e, empty); err == nil {
		t.Error("empty pool should be rejected")
	}
}

func TestIndexNearest_MahalanobisAgreesWithMatrix(t *testing.T) {
	pool := mahalanobisPool(t)
	treatment := makeSet(t, []string{"t-1"}, [][]float64{{2.5, 5.0}})
	e, err := NewEngine(Mahalanobis, nil, pool)
	require.NoError(t, err)

	ix, err := NewIndex(e, pool)
	require.NoError(t, err)
	m, err := NewMatrix(e, treatment, pool, 1)
	require.NoError(t, err)

	got, err := ix.Nearest(treatment.Rows()[0], 3)
	require.NoError(t, err)
	require.Equal(t, matrixTopK(m, 0, 3), got)
}
