// Package distance computes distances between meter feature vectors under a
// configurable metric. The engine reduces every metric to plain Euclidean
// distance in a transformed space (identity, per-feature weight scaling, or
// covariance whitening), so the pairwise matrix and the spatial index share
// one code path regardless of metric.
package distance

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/recurve-methods/comparison-groups/loadshape"
)

// Metric selects how far apart two feature vectors are.
type Metric string

const (
	// Euclidean is the plain L2 distance.
	Euclidean Metric = "euclidean"
	// WeightedEuclidean scales each feature by a configured weight before L2.
	WeightedEuclidean Metric = "weighted"
	// Mahalanobis whitens features by the pool covariance before L2, so
	// correlated features do not double-count.
	Mahalanobis Metric = "mahalanobis"
)

var validMetrics = map[Metric]bool{
	Euclidean: true, WeightedEuclidean: true, Mahalanobis: true,
}

// IsValidMetric reports whether m is a recognized metric name.
func IsValidMetric(m Metric) bool {
	return validMetrics[m]
}

// DimensionMismatchError reports an attempt to compare feature vectors of
// different lengths.
type DimensionMismatchError struct {
	Want int
	Got  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("feature vector length %d does not match expected dimension %d", e.Got, e.Want)
}

// Engine computes distances under one metric over one feature space.
// Construct with NewEngine; an engine is immutable and safe for concurrent
// use after construction.
type Engine struct {
	metric Metric
	dim    int

	scale []float64     // weighted: sqrt of each feature weight
	white *mat.TriDense // mahalanobis: inverse Cholesky factor of pool covariance
	chol  *mat.Cholesky // mahalanobis: kept for direct distance checks
}

// ridgeFraction scales the diagonal bump applied when the pool covariance is
// singular on first factorization.
const ridgeFraction = 1e-8

// NewEngine prepares the metric transform. weights are per-feature
// multipliers, required for the weighted metric and rejected otherwise. The
// pool parameterizes the mahalanobis covariance and fixes the engine
// dimension.
func NewEngine(metric Metric, weights []float64, pool *loadshape.FeatureSet) (*Engine, error) {
	if !IsValidMetric(metric) {
		return nil, fmt.Errorf("unknown metric %q; valid: euclidean, weighted, mahalanobis", metric)
	}
	if pool == nil || pool.Dim() == 0 {
		return nil, fmt.Errorf("pool feature set required to size the distance engine")
	}
	e := &Engine{metric: metric, dim: pool.Dim()}

	switch metric {
	case Euclidean:
		if weights != nil {
			return nil, fmt.Errorf("weights are only valid for the weighted metric")
		}
	case WeightedEuclidean:
		if len(weights) != e.dim {
			return nil, fmt.Errorf("weighted metric needs %d feature weights, got %d", e.dim, len(weights))
		}
		scale := make([]float64, e.dim)
		positive := false
		for i, w := range weights {
			if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
				return nil, fmt.Errorf("feature weight %q must be finite and non-negative, got %f", pool.Names[i], w)
			}
			if w > 0 {
				positive = true
			}
			scale[i] = math.Sqrt(w)
		}
		if !positive {
			return nil, fmt.Errorf("at least one feature weight must be positive")
		}
		e.scale = scale
	case Mahalanobis:
		if weights != nil {
			return nil, fmt.Errorf("weights are only valid for the weighted metric")
		}
		if pool.Len() < 2 {
			return nil, fmt.Errorf("mahalanobis metric needs at least 2 pool meters, got %d", pool.Len())
		}
		chol, err := factorizePoolCovariance(pool)
		if err != nil {
			return nil, err
		}
		var l mat.TriDense
		chol.LTo(&l)
		var white mat.TriDense
		if err := white.InverseTri(&l); err != nil {
			return nil, fmt.Errorf("inverting covariance factor: %w", err)
		}
		e.chol = chol
		e.white = &white
	}
	return e, nil
}

// factorizePoolCovariance computes the pool covariance and its Cholesky
// factorization, retrying once with a small ridge when the covariance is
// singular (collinear features or too few pool meters).
func factorizePoolCovariance(pool *loadshape.FeatureSet) (*mat.Cholesky, error) {
	n, d := pool.Len(), pool.Dim()
	data := mat.NewDense(n, d, nil)
	for i, row := range pool.Rows() {
		data.SetRow(i, row)
	}
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, data, nil)

	chol := new(mat.Cholesky)
	if chol.Factorize(&cov) {
		return chol, nil
	}

	ridge := ridgeFraction * mat.Trace(&cov) / float64(d)
	if ridge <= 0 {
		ridge = ridgeFraction
	}
	logrus.Warnf("pool covariance is singular; retrying with ridge %g on the diagonal", ridge)
	for i := 0; i < d; i++ {
		cov.SetSym(i, i, cov.At(i, i)+ridge)
	}
	if chol.Factorize(&cov) {
		return chol, nil
	}
	return nil, fmt.Errorf("pool covariance is singular even after ridge retry; reduce features or use another metric")
}

// Metric returns the engine's configured metric.
func (e *Engine) Metric() Metric {
	return e.metric
}

// Dim returns the feature dimension the engine was built for.
func (e *Engine) Dim() int {
	return e.dim
}

// Transform maps a vector into the space where L2 distance equals the
// configured metric. The input is not modified.
func (e *Engine) Transform(v []float64) ([]float64, error) {
	if len(v) != e.dim {
		return nil, &DimensionMismatchError{Want: e.dim, Got: len(v)}
	}
	out := make([]float64, e.dim)
	switch e.metric {
	case Euclidean:
		copy(out, v)
	case WeightedEuclidean:
		for i := range v {
			out[i] = v[i] * e.scale[i]
		}
	case Mahalanobis:
		in := mat.NewVecDense(e.dim, append([]float64(nil), v...))
		res := mat.NewVecDense(e.dim, out)
		res.MulVec(e.white, in)
	}
	return out, nil
}

// Between returns the metric distance between two vectors. Distances are
// non-negative and Between(x, x) is 0. Vectors holding NaN or Inf yield NaN,
// the undefined-pair sentinel.
func (e *Engine) Between(a, b []float64) (float64, error) {
	if len(a) != e.dim {
		return 0, &DimensionMismatchError{Want: e.dim, Got: len(a)}
	}
	if len(b) != e.dim {
		return 0, &DimensionMismatchError{Want: e.dim, Got: len(b)}
	}
	if !finite(a) || !finite(b) {
		return math.NaN(), nil
	}
	ta, err := e.Transform(a)
	if err != nil {
		return 0, err
	}
	tb, err := e.Transform(b)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(sqDistance(ta, tb)), nil
}

// sqDistance accumulates the squared L2 distance in index order, the same
// accumulation kdtree.Point.Distance uses, so the matrix path and the index
// path agree bit for bit.
func sqDistance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
