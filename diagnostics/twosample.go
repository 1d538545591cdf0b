package diagnostics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// welchTest runs the unequal-variance t test of x against the weighted
// sample y, with degrees of freedom per Welch-Satterthwaite. Returns the t
// statistic and the two-sided p-value.
func welchTest(x, y, yw []float64) (float64, float64) {
	n1 := float64(len(x))
	n2 := floats.Sum(yw)
	if n1 < 2 || n2 <= 1 {
		return math.NaN(), math.NaN()
	}

	m1 := stat.Mean(x, nil)
	m2 := stat.Mean(y, yw)
	v1 := stat.Variance(x, nil)
	v2 := stat.Variance(y, yw)

	se2 := v1/n1 + v2/n2
	if se2 == 0 {
		// Two constant samples: identical means are a perfect match,
		// different means an impossible one.
		if m1 == m2 {
			return 0, 1
		}
		return math.Inf(sign(m1 - m2)), 0
	}

	t := (m1 - m2) / math.Sqrt(se2)
	df := se2 * se2 / ((v1/n1)*(v1/n1)/(n1-1) + (v2/n2)*(v2/n2)/(n2-1))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	p := 2 * dist.CDF(-math.Abs(t))
	return t, p
}

func sign(x float64) int {
	if x < 0 {
		return -1
	}
	return 1
}

// rankSumTest runs the Wilcoxon rank-sum test under the normal approximation
// with tie correction. Returns the z statistic and the two-sided p-value.
func rankSumTest(x, y []float64) (float64, float64) {
	n1 := float64(len(x))
	n2 := float64(len(y))
	n := n1 + n2

	type member struct {
		v     float64
		treat bool
	}
	all := make([]member, 0, len(x)+len(y))
	for _, v := range x {
		all = append(all, member{v: v, treat: true})
	}
	for _, v := range y {
		all = append(all, member{v: v})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].v < all[j].v })

	// Average ranks over tie runs, collecting the tie correction term.
	var w, tieTerm float64
	for i := 0; i < len(all); {
		j := i
		for j < len(all) && all[j].v == all[i].v {
			j++
		}
		runLen := float64(j - i)
		avgRank := (float64(i+1) + float64(j)) / 2
		for k := i; k < j; k++ {
			if all[k].treat {
				w += avgRank
			}
		}
		tieTerm += runLen*runLen*runLen - runLen
		i = j
	}

	mean := n1 * (n + 1) / 2
	variance := n1 * n2 / 12 * ((n + 1) - tieTerm/(n*(n-1)))
	if variance <= 0 {
		// Every value tied: the samples are indistinguishable.
		return 0, 1
	}
	z := (w - mean) / math.Sqrt(variance)
	p := 2 * distuv.Normal{Mu: 0, Sigma: 1}.CDF(-math.Abs(z))
	return z, p
}

// ksTest runs the two-sample Kolmogorov-Smirnov test of x against the
// weighted sample y. Returns the D statistic and the asymptotic p-value.
func ksTest(x, y, yw []float64) (float64, float64) {
	xs := append([]float64(nil), x...)
	sort.Float64s(xs)

	idx := make([]int, len(y))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return y[idx[a]] < y[idx[b]] })
	ys := make([]float64, len(y))
	ws := make([]float64, len(y))
	for i, j := range idx {
		ys[i] = y[j]
		ws[i] = yw[j]
	}

	d := stat.KolmogorovSmirnov(xs, nil, ys, ws)
	n1 := float64(len(x))
	n2 := floats.Sum(ws)
	ne := n1 * n2 / (n1 + n2)
	lambda := (math.Sqrt(ne) + 0.12 + 0.11/math.Sqrt(ne)) * d
	return d, ksProb(lambda)
}

// ksProb is the asymptotic Kolmogorov survival function
// Q(lambda) = 2 sum_{j>=1} (-1)^(j-1) exp(-2 j^2 lambda^2).
func ksProb(lambda float64) float64 {
	if lambda <= 0 {
		return 1
	}
	sum := 0.0
	sign := 1.0
	for j := 1; j <= 100; j++ {
		term := sign * 2 * math.Exp(-2*float64(j)*float64(j)*lambda*lambda)
		sum += term
		if math.Abs(term) < 1e-10 {
			break
		}
		sign = -sign
	}
	if sum < 0 {
		return 0
	}
	if sum > 1 {
		return 1
	}
	return sum
}
