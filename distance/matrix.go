package distance

import (
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/recurve-methods/comparison-groups/loadshape"
)

// Matrix holds the full treatment-by-pool distance matrix. Undefined pairs
// hold NaN; all defined entries are non-negative. Row and column order follow
// the ascending meter id order of the source feature sets.
type Matrix struct {
	TreatmentIDs []string
	PoolIDs      []string
	rows         [][]float64
}

// NewMatrix computes all pairwise treatment-to-pool distances. Rows are
// computed in parallel across workers; the result layout is deterministic.
func NewMatrix(e *Engine, treatment, pool *loadshape.FeatureSet, workers int) (*Matrix, error) {
	if treatment.Len() == 0 {
		return nil, fmt.Errorf("treatment feature set is empty")
	}
	if pool.Len() == 0 {
		return nil, fmt.Errorf("pool feature set is empty")
	}
	if workers < 1 {
		workers = 1
	}

	poolT := make([][]float64, pool.Len())
	for j, row := range pool.Rows() {
		t, err := e.Transform(row)
		if err != nil {
			return nil, fmt.Errorf("pool meter %s: %w", pool.Vectors[j].MeterID, err)
		}
		poolT[j] = t
	}

	m := &Matrix{
		TreatmentIDs: treatment.IDs(),
		PoolIDs:      pool.IDs(),
		rows:         make([][]float64, treatment.Len()),
	}

	treatmentRows := treatment.Rows()
	g := new(errgroup.Group)
	g.SetLimit(workers)
	for i := range treatmentRows {
		i := i
		g.Go(func() error {
			ti, err := e.Transform(treatmentRows[i])
			if err != nil {
				return fmt.Errorf("treatment meter %s: %w", m.TreatmentIDs[i], err)
			}
			row := make([]float64, len(poolT))
			for j, pj := range poolT {
				row[j] = math.Sqrt(sqDistance(ti, pj))
			}
			m.rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return m, nil
}

// Dims returns the treatment and pool counts.
func (m *Matrix) Dims() (treatments, pools int) {
	return len(m.TreatmentIDs), len(m.PoolIDs)
}

// At returns the distance between treatment row i and pool column j.
func (m *Matrix) At(i, j int) float64 {
	return m.rows[i][j]
}

// Row returns treatment row i. The slice is backing storage; callers must
// not modify it.
func (m *Matrix) Row(i int) []float64 {
	return m.rows[i]
}

// Undefined reports whether the pair (i, j) has no defined distance.
func (m *Matrix) Undefined(i, j int) bool {
	return math.IsNaN(m.rows[i][j])
}
