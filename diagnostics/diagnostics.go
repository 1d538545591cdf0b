// Package diagnostics certifies a selected comparison group: per-feature
// bias and dispersion balance plus a configurable two-sample equivalence
// test between the treatment group and the weighted comparison group.
package diagnostics

import (
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/recurve-methods/comparison-groups/loadshape"
)

// Method selects the two-sample equivalence test.
type Method string

const (
	// MethodWelch is the unequal-variance two-sample t test.
	MethodWelch Method = "welch"
	// MethodRankSum is the Wilcoxon rank-sum test under the normal
	// approximation with tie correction.
	MethodRankSum Method = "ranksum"
	// MethodKS is the two-sample Kolmogorov-Smirnov test with the
	// asymptotic p-value.
	MethodKS Method = "ks"
)

var validMethods = map[Method]bool{
	MethodWelch:   true,
	MethodRankSum: true,
	MethodKS:      true,
}

// IsValidMethod reports whether m names a known test method.
func IsValidMethod(m Method) bool {
	return validMethods[m]
}

// Settings holds the balance thresholds a comparison group must meet.
type Settings struct {
	Method Method `yaml:"method"`
	// BiasTolerance bounds the absolute difference between the treatment
	// mean and the weighted comparison mean of each feature.
	BiasTolerance float64 `yaml:"bias_tolerance"`
	// Significance is the p-value below which a feature's distributions
	// are considered different.
	Significance float64 `yaml:"significance"`
	// MaxVarianceRatio, when positive, requires each feature's variance
	// ratio to stay within [1/max, max]. Zero disables the band.
	MaxVarianceRatio float64 `yaml:"max_variance_ratio"`
}

// DefaultSettings returns the standard thresholds: Welch t test, bias within
// 0.1, significance 0.05, no variance band.
func DefaultSettings() Settings {
	return Settings{
		Method:        MethodWelch,
		BiasTolerance: 0.1,
		Significance:  0.05,
	}
}

func (s *Settings) Validate() error {
	if !validMethods[s.Method] {
		return fmt.Errorf("unknown method %q (valid: %q, %q, %q)", s.Method, MethodWelch, MethodRankSum, MethodKS)
	}
	if s.BiasTolerance <= 0 {
		return fmt.Errorf("bias_tolerance must be positive, got %v", s.BiasTolerance)
	}
	if s.Significance <= 0 || s.Significance >= 1 {
		return fmt.Errorf("significance must be inside (0,1), got %v", s.Significance)
	}
	if s.MaxVarianceRatio != 0 && s.MaxVarianceRatio < 1 {
		return fmt.Errorf("max_variance_ratio must be at least 1 (or 0 to disable), got %v", s.MaxVarianceRatio)
	}
	return nil
}

// Verdict is the overall outcome of a diagnostic run.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// FeatureBalance holds the balance measures of one feature.
type FeatureBalance struct {
	Feature        string
	TreatmentMean  float64
	ComparisonMean float64
	// Bias is the treatment mean minus the weighted comparison mean.
	Bias float64
	// VarianceRatio is the treatment variance over the weighted comparison
	// variance.
	VarianceRatio float64
	Statistic     float64
	PValue        float64
	Pass          bool
}

// Report is the immutable outcome of one diagnostic evaluation.
type Report struct {
	Settings Settings
	Features []FeatureBalance
	Verdict  Verdict
	// Failing lists the features that missed a threshold, in feature order.
	Failing []string
	// Reason explains a verdict reached without per-feature evaluation,
	// such as an empty comparison group.
	Reason string

	TreatmentCount  int
	ComparisonCount int
	// EffectiveComparisonSize is the weight total: reused meters count
	// once per use.
	EffectiveComparisonSize float64
}

// Evaluate compares the treatment group against the weighted comparison
// group feature by feature. Weights are reuse counts: a pool meter matched
// twice influences every statistic as two copies. A nil weight map or a
// missing entry defaults to weight 1. An empty comparison group fails the
// report rather than erroring, so callers surface it as a verdict.
func Evaluate(treatment, comparison *loadshape.FeatureSet, weights map[string]float64, st Settings) (*Report, error) {
	if err := st.Validate(); err != nil {
		return nil, err
	}
	if treatment == nil || treatment.Len() == 0 {
		return nil, fmt.Errorf("empty treatment set")
	}
	if comparison == nil || comparison.Len() == 0 {
		logrus.Warnf("diagnostics: empty comparison group, verdict fail")
		return &Report{
			Settings:       st,
			Verdict:        VerdictFail,
			Reason:         "empty comparison group",
			TreatmentCount: treatment.Len(),
		}, nil
	}
	if !equalNames(treatment.Names, comparison.Names) {
		return nil, fmt.Errorf("feature names differ between treatment and comparison sets")
	}

	w := make([]float64, comparison.Len())
	reps := make([]int, comparison.Len())
	for i, id := range comparison.IDs() {
		w[i] = 1
		if weights != nil {
			if v, ok := weights[id]; ok {
				w[i] = v
			}
		}
		if !(w[i] > 0) || math.IsInf(w[i], 0) {
			return nil, fmt.Errorf("invalid weight %v for meter %s", w[i], id)
		}
		// Rank-sum has no weighted form; integer reuse counts replicate.
		reps[i] = int(math.Round(w[i]))
		if reps[i] < 1 {
			reps[i] = 1
		}
	}

	tRows := treatment.Rows()
	cRows := comparison.Rows()
	report := &Report{
		Settings:                st,
		Verdict:                 VerdictPass,
		TreatmentCount:          treatment.Len(),
		ComparisonCount:         comparison.Len(),
		EffectiveComparisonSize: floats.Sum(w),
	}

	for f, name := range treatment.Names {
		tv := column(tRows, f)
		cv := column(cRows, f)

		tMean := stat.Mean(tv, nil)
		cMean := stat.Mean(cv, w)
		tVar := stat.Variance(tv, nil)
		cVar := stat.Variance(cv, w)

		var statistic, p float64
		switch st.Method {
		case MethodWelch:
			statistic, p = welchTest(tv, cv, w)
		case MethodRankSum:
			statistic, p = rankSumTest(tv, replicate(cv, reps))
		case MethodKS:
			statistic, p = ksTest(tv, cv, w)
		}

		b := FeatureBalance{
			Feature:        name,
			TreatmentMean:  tMean,
			ComparisonMean: cMean,
			Bias:           tMean - cMean,
			VarianceRatio:  tVar / cVar,
			Statistic:      statistic,
			PValue:         p,
		}
		b.Pass = math.Abs(b.Bias) <= st.BiasTolerance && p >= st.Significance
		if st.MaxVarianceRatio > 0 {
			b.Pass = b.Pass &&
				b.VarianceRatio >= 1/st.MaxVarianceRatio &&
				b.VarianceRatio <= st.MaxVarianceRatio
		}
		report.Features = append(report.Features, b)
		if !b.Pass {
			report.Failing = append(report.Failing, name)
		}
	}

	if len(report.Failing) > 0 {
		report.Verdict = VerdictFail
		logrus.Warnf("diagnostics verdict fail: unbalanced features %s", strings.Join(report.Failing, ", "))
	} else {
		logrus.Infof("diagnostics verdict pass: %d features balanced (%s)", len(report.Features), st.Method)
	}
	return report, nil
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func column(rows [][]float64, f int) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = r[f]
	}
	return out
}

func replicate(v []float64, reps []int) []float64 {
	n := 0
	for _, r := range reps {
		n += r
	}
	out := make([]float64, 0, n)
	for i, x := range v {
		for r := 0; r < reps[i]; r++ {
			out = append(out, x)
		}
	}
	return out
}
