package selector

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/recurve-methods/comparison-groups/loadshape"
)

// Fallback decides what happens when a stratum's pool cannot cover its quota.
type Fallback string

const (
	// FallbackFail aborts the run with an InsufficientPoolError.
	FallbackFail Fallback = "fail"
	// FallbackBorrow fills the shortfall from the nearest strata in bin
	// space, logging every borrow.
	FallbackBorrow Fallback = "borrow"
)

var validFallbacks = map[Fallback]bool{
	FallbackFail:   true,
	FallbackBorrow: true,
}

// Equivalence selects the statistic used by the automatic bin-count search.
type Equivalence string

const (
	EquivalenceNone      Equivalence = "none"
	EquivalenceKS        Equivalence = "ks"
	EquivalenceChiSquare Equivalence = "chisquare"
)

var validEquivalences = map[Equivalence]bool{
	EquivalenceNone:      true,
	EquivalenceKS:        true,
	EquivalenceChiSquare: true,
}

// StratumColumn defines one stratification dimension.
type StratumColumn struct {
	// Feature names the column in the stratification feature set.
	Feature string `yaml:"feature"`
	// Bins is the bin count for this column. Ignored when an automatic
	// bin-count search is configured.
	Bins int `yaml:"bins"`
	// FixedWidth bins span the treatment value range evenly instead of
	// following treatment quantiles.
	FixedWidth bool `yaml:"fixed_width"`
	// Min and Max, when set, route meters outside the closed range to an
	// outlier stratum that is excluded from sampling.
	Min *float64 `yaml:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty"`
}

// StratifiedSettings configures the stratified sampling policy.
type StratifiedSettings struct {
	Columns []StratumColumn `yaml:"columns"`
	// Ratio is the number of pool meters sampled per treatment meter in
	// each stratum.
	Ratio int `yaml:"ratio"`
	// Fallback applies when a stratum's pool is smaller than its quota.
	Fallback Fallback `yaml:"fallback"`
	// MinTreatmentPerBin suppresses quota for strata holding fewer
	// treatment meters; their treatments are reported unmatched.
	MinTreatmentPerBin int `yaml:"min_treatment_per_bin"`

	// Equivalence enables the automatic bin-count search; "none" uses the
	// per-column Bins directly.
	Equivalence Equivalence `yaml:"equivalence"`
	// MinBins and MaxBins bound the searched bin counts.
	MinBins int `yaml:"min_bins"`
	MaxBins int `yaml:"max_bins"`
	// EquivalenceQuantiles is the number of quantile bins the chisquare
	// statistic is computed over.
	EquivalenceQuantiles int `yaml:"equivalence_quantiles"`
}

// DefaultStratifiedSettings returns the standard sampling configuration:
// four pool meters per treatment meter and no borrowing. Stratification
// columns must be supplied by the caller.
func DefaultStratifiedSettings() StratifiedSettings {
	return StratifiedSettings{
		Ratio:                4,
		Fallback:             FallbackFail,
		MinTreatmentPerBin:   1,
		Equivalence:          EquivalenceNone,
		MinBins:              2,
		MaxBins:              8,
		EquivalenceQuantiles: 25,
	}
}

func (s *StratifiedSettings) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("at least one stratification column required")
	}
	for i, c := range s.Columns {
		if c.Feature == "" {
			return fmt.Errorf("stratification column %d has no feature name", i)
		}
		if s.Equivalence == EquivalenceNone && c.Bins < 1 {
			return fmt.Errorf("stratification column %q needs at least 1 bin, got %d", c.Feature, c.Bins)
		}
		if c.Min != nil && c.Max != nil && *c.Min >= *c.Max {
			return fmt.Errorf("stratification column %q has min %v >= max %v", c.Feature, *c.Min, *c.Max)
		}
	}
	if s.Ratio < 1 {
		return fmt.Errorf("ratio must be at least 1, got %d", s.Ratio)
	}
	if !validFallbacks[s.Fallback] {
		return fmt.Errorf("unknown fallback %q (valid: %q, %q)", s.Fallback, FallbackFail, FallbackBorrow)
	}
	if s.MinTreatmentPerBin < 0 {
		return fmt.Errorf("min_treatment_per_bin must not be negative, got %d", s.MinTreatmentPerBin)
	}
	if !validEquivalences[s.Equivalence] {
		return fmt.Errorf("unknown equivalence %q (valid: %q, %q, %q)",
			s.Equivalence, EquivalenceNone, EquivalenceKS, EquivalenceChiSquare)
	}
	if s.Equivalence != EquivalenceNone {
		if s.MinBins < 1 {
			return fmt.Errorf("min_bins must be at least 1, got %d", s.MinBins)
		}
		if s.MaxBins < s.MinBins {
			return fmt.Errorf("max_bins %d below min_bins %d", s.MaxBins, s.MinBins)
		}
		if s.EquivalenceQuantiles < 2 {
			return fmt.Errorf("equivalence_quantiles must be at least 2, got %d", s.EquivalenceQuantiles)
		}
	}
	return nil
}

// Stratified samples a comparison group by quota within feature strata: bin
// edges come from the treatment distribution, and each stratum contributes
// Ratio sampled pool meters per treatment meter, drawn without replacement
// by the supplied RNG. Match distances are NaN; no metric is involved.
func Stratified(treatment, pool *loadshape.FeatureSet, st StratifiedSettings, rng *rand.Rand) (*ComparisonGroup, error) {
	if err := st.Validate(); err != nil {
		return nil, err
	}
	if st.Equivalence != EquivalenceNone {
		return nil, fmt.Errorf("equivalence %q requires StratifiedAutoBins with equivalence features", st.Equivalence)
	}
	return sampleOnce(treatment, pool, st, 0, rng)
}

// BinScore records one candidate bin count of the automatic search.
type BinScore struct {
	Bins      int
	Statistic float64
	// Failed carries the sampling failure that disqualified this
	// candidate, empty when it produced a score.
	Failed string
}

// BinSearch reports the outcome of the automatic bin-count search.
type BinSearch struct {
	Bins      int
	Statistic float64
	Scores    []BinScore
}

// StratifiedAutoBins searches bin counts in [MinBins, MaxBins], applied
// uniformly across all stratification columns, samples a candidate group for
// each, and keeps the group whose equivalence statistic between the treatment
// and sampled comparison profiles is lowest. equivTreatment and equivPool
// supply the scored profiles, typically the loadshape feature sets.
func StratifiedAutoBins(treatment, pool, equivTreatment, equivPool *loadshape.FeatureSet, st StratifiedSettings, rng *rand.Rand) (*ComparisonGroup, *BinSearch, error) {
	if err := st.Validate(); err != nil {
		return nil, nil, err
	}
	if st.Equivalence == EquivalenceNone {
		return nil, nil, fmt.Errorf("automatic bin search requires an equivalence method")
	}
	if equivTreatment == nil || equivPool == nil {
		return nil, nil, fmt.Errorf("automatic bin search requires treatment and pool equivalence features")
	}
	if equivTreatment.Dim() != equivPool.Dim() {
		return nil, nil, fmt.Errorf("equivalence feature sets differ: %d vs %d features", equivTreatment.Dim(), equivPool.Dim())
	}

	search := &BinSearch{}
	var (
		best     *ComparisonGroup
		bestStat = math.Inf(1)
		bestBins int
		lastErr  error
	)
	for n := st.MinBins; n <= st.MaxBins; n++ {
		// Each candidate draws from its own stream so the winning sample
		// is reproducible regardless of how earlier candidates consumed
		// randomness.
		candRng := rand.New(rand.NewSource(rng.Int63()))
		g, err := sampleOnce(treatment, pool, st, n, candRng)
		if err != nil {
			var ipe *InsufficientPoolError
			if !errors.As(err, &ipe) {
				return nil, nil, err
			}
			search.Scores = append(search.Scores, BinScore{Bins: n, Failed: err.Error()})
			lastErr = err
			continue
		}
		score, err := equivalenceScore(st.Equivalence, st.EquivalenceQuantiles, equivTreatment, equivPool, g)
		if err != nil {
			return nil, nil, err
		}
		search.Scores = append(search.Scores, BinScore{Bins: n, Statistic: score})
		if best == nil || score < bestStat {
			best, bestStat, bestBins = g, score, n
		}
	}
	if best == nil {
		return nil, nil, fmt.Errorf("no bin count in [%d,%d] produced a valid sample: %w", st.MinBins, st.MaxBins, lastErr)
	}
	search.Bins = bestBins
	search.Statistic = bestStat
	logrus.Infof("bin search selected %d bins per column (%s statistic %.4f)", bestBins, st.Equivalence, bestStat)
	return best, search, nil
}

// stratumPlan holds the per-column bin edges derived from the treatment
// distribution.
type stratumPlan struct {
	columns []StratumColumn
	nbins   []int
	edges   [][]float64
}

func planStrata(tCols [][]float64, columns []StratumColumn, override int) (*stratumPlan, error) {
	p := &stratumPlan{
		columns: columns,
		nbins:   make([]int, len(columns)),
		edges:   make([][]float64, len(columns)),
	}
	for c, col := range columns {
		n := col.Bins
		if override > 0 {
			n = override
		}
		p.nbins[c] = n

		inRange := make([]float64, 0, len(tCols[c]))
		for _, v := range tCols[c] {
			if col.Min != nil && v < *col.Min {
				continue
			}
			if col.Max != nil && v > *col.Max {
				continue
			}
			inRange = append(inRange, v)
		}
		if len(inRange) == 0 {
			return nil, fmt.Errorf("no treatment meters inside the allowed range of %q", col.Feature)
		}

		edges := make([]float64, n-1)
		if col.FixedWidth {
			lo, hi := floats.Min(inRange), floats.Max(inRange)
			width := (hi - lo) / float64(n)
			for i := range edges {
				edges[i] = lo + width*float64(i+1)
			}
		} else {
			sort.Float64s(inRange)
			for i := range edges {
				q := float64(i+1) / float64(n)
				edges[i] = stat.Quantile(q, stat.Empirical, inRange, nil)
			}
		}
		p.edges[c] = edges
	}
	return p, nil
}

// locate assigns one meter's column values to a stratum. Bins are closed on
// the right, so a value equal to an edge falls in the lower bin. Values
// outside a column's configured range land in the outlier stratum.
func (p *stratumPlan) locate(v []float64) (lin int, bins []int, outlier string) {
	bins = make([]int, len(p.columns))
	for c, col := range p.columns {
		if col.Min != nil && v[c] < *col.Min {
			return 0, nil, col.Feature
		}
		if col.Max != nil && v[c] > *col.Max {
			return 0, nil, col.Feature
		}
		bins[c] = sort.SearchFloat64s(p.edges[c], v[c])
	}
	lin = bins[0]
	for c := 1; c < len(bins); c++ {
		lin = lin*p.nbins[c] + bins[c]
	}
	return lin, bins, ""
}

func (p *stratumPlan) label(bins []int) string {
	parts := make([]string, len(bins))
	for c, b := range bins {
		parts[c] = fmt.Sprintf("%s:%d", p.columns[c].Feature, b)
	}
	return strings.Join(parts, "/")
}

type stratumData struct {
	lin   int
	bins  []int
	treat []string
	pool  []string
}

func columnValues(fs *loadshape.FeatureSet, columns []StratumColumn, side string) ([][]float64, error) {
	cols := make([][]float64, len(columns))
	for c, col := range columns {
		vals, ok := fs.Column(col.Feature)
		if !ok {
			return nil, fmt.Errorf("stratification feature %q not in %s features", col.Feature, side)
		}
		cols[c] = vals
	}
	return cols, nil
}

func sampleOnce(treatment, pool *loadshape.FeatureSet, st StratifiedSettings, override int, rng *rand.Rand) (*ComparisonGroup, error) {
	if treatment == nil || treatment.Len() == 0 {
		return nil, fmt.Errorf("empty treatment set")
	}
	if pool == nil || pool.Len() == 0 {
		return nil, fmt.Errorf("empty comparison pool")
	}
	if rng == nil {
		return nil, fmt.Errorf("nil rng")
	}

	tCols, err := columnValues(treatment, st.Columns, "treatment")
	if err != nil {
		return nil, err
	}
	pCols, err := columnValues(pool, st.Columns, "pool")
	if err != nil {
		return nil, err
	}
	plan, err := planStrata(tCols, st.Columns, override)
	if err != nil {
		return nil, err
	}

	group := &ComparisonGroup{
		Policy:       PolicyStratified,
		PoolUseCount: make(map[string]int),
	}

	// Bucket both sides by stratum. Meter ids stay in ascending order
	// within each stratum because the feature sets are sorted by id.
	strata := make(map[int]*stratumData)
	stratum := func(lin int, bins []int) *stratumData {
		s, ok := strata[lin]
		if !ok {
			s = &stratumData{lin: lin, bins: bins}
			strata[lin] = s
		}
		return s
	}
	row := make([]float64, len(st.Columns))
	for i, id := range treatment.IDs() {
		for c := range tCols {
			row[c] = tCols[c][i]
		}
		lin, bins, outlier := plan.locate(row)
		if outlier != "" {
			group.Unmatched = append(group.Unmatched, Unmatched{
				TreatmentID: id,
				Reason:      fmt.Sprintf("outside the allowed range of %q", outlier),
			})
			continue
		}
		s := stratum(lin, bins)
		s.treat = append(s.treat, id)
	}
	poolOutliers := 0
	for i, id := range pool.IDs() {
		for c := range pCols {
			row[c] = pCols[c][i]
		}
		lin, bins, outlier := plan.locate(row)
		if outlier != "" {
			poolOutliers++
			continue
		}
		s := stratum(lin, bins)
		s.pool = append(s.pool, id)
	}
	if poolOutliers > 0 {
		logrus.Debugf("excluded %d pool meters outside the allowed stratification ranges", poolOutliers)
	}

	lins := make([]int, 0, len(strata))
	for lin := range strata {
		lins = append(lins, lin)
	}
	sort.Ints(lins)

	used := make(map[string]bool)
	for _, lin := range lins {
		s := strata[lin]
		label := plan.label(s.bins)
		summary := StratumSummary{
			Label:          label,
			Bins:           s.bins,
			TreatmentCount: len(s.treat),
			PoolCount:      len(s.pool),
		}
		if len(s.treat) == 0 {
			group.Strata = append(group.Strata, summary)
			continue
		}
		if len(s.treat) < st.MinTreatmentPerBin {
			for _, id := range s.treat {
				group.Unmatched = append(group.Unmatched, Unmatched{
					TreatmentID: id,
					Reason: fmt.Sprintf("stratum %s holds %d treatment meters, below the minimum %d",
						label, len(s.treat), st.MinTreatmentPerBin),
				})
			}
			group.Strata = append(group.Strata, summary)
			continue
		}

		need := st.Ratio * len(s.treat)
		own := make([]string, 0, len(s.pool))
		for _, id := range s.pool {
			if !used[id] {
				own = append(own, id)
			}
		}
		rng.Shuffle(len(own), func(i, j int) { own[i], own[j] = own[j], own[i] })
		take := need
		if take > len(own) {
			take = len(own)
		}
		picks := make([]string, 0, need)
		picks = append(picks, own[:take]...)

		if take < need {
			if st.Fallback == FallbackFail {
				return nil, &InsufficientPoolError{Stratum: label, Needed: need, Available: len(own)}
			}
			borrowed := borrow(strata, lins, s, used, picks, need)
			if len(borrowed) < need {
				return nil, &InsufficientPoolError{Stratum: label, Needed: need, Available: len(borrowed)}
			}
			summary.BorrowedCount = need - take
			logrus.Warnf("stratum %s borrowed %d pool meters from neighboring strata", label, need-take)
			picks = borrowed
		}
		for _, id := range picks {
			used[id] = true
		}
		summary.SampledCount = len(picks)
		group.Strata = append(group.Strata, summary)

		// Deal the sampled meters to the stratum's treatments in blocks of
		// Ratio, ascending treatment id.
		for ti, tid := range s.treat {
			for r := 0; r < st.Ratio; r++ {
				pid := picks[ti*st.Ratio+r]
				group.Matches = append(group.Matches, Match{TreatmentID: tid, PoolID: pid, Distance: math.NaN()})
				group.PoolUseCount[pid]++
			}
		}
	}

	sort.SliceStable(group.Matches, func(i, j int) bool {
		return group.Matches[i].TreatmentID < group.Matches[j].TreatmentID
	})
	sort.SliceStable(group.Unmatched, func(i, j int) bool {
		return group.Unmatched[i].TreatmentID < group.Unmatched[j].TreatmentID
	})
	logrus.Infof("stratified sampling selected %d pool meters across %d strata (%d treatments unmatched)",
		len(group.PoolUseCount), len(lins), len(group.Unmatched))
	return group, nil
}

// borrow extends picks with unused pool meters from other strata, nearest
// first by Manhattan distance in bin space, ties to the lower linear index.
// Within a donor stratum meters are taken in ascending id order.
func borrow(strata map[int]*stratumData, lins []int, short *stratumData, used map[string]bool, picks []string, need int) []string {
	type donor struct {
		dist int
		lin  int
	}
	donors := make([]donor, 0, len(lins)-1)
	for _, lin := range lins {
		if lin == short.lin {
			continue
		}
		d := 0
		for c, b := range strata[lin].bins {
			d += abs(b - short.bins[c])
		}
		donors = append(donors, donor{dist: d, lin: lin})
	}
	sort.Slice(donors, func(i, j int) bool {
		if donors[i].dist != donors[j].dist {
			return donors[i].dist < donors[j].dist
		}
		return donors[i].lin < donors[j].lin
	})

	taken := make(map[string]bool, len(picks))
	for _, id := range picks {
		taken[id] = true
	}
	out := picks
	for _, d := range donors {
		if len(out) == need {
			break
		}
		for _, id := range strata[d.lin].pool {
			if len(out) == need {
				break
			}
			if used[id] || taken[id] {
				continue
			}
			out = append(out, id)
			taken[id] = true
		}
	}
	return out
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// equivalenceScore measures how well the sampled comparison group reproduces
// the treatment distribution of every equivalence feature, averaged across
// features. Lower is better for both methods.
func equivalenceScore(method Equivalence, quantiles int, equivT, equivP *loadshape.FeatureSet, g *ComparisonGroup) (float64, error) {
	cIDs := g.PoolIDs()
	if len(cIDs) == 0 {
		return 0, fmt.Errorf("empty comparison group cannot be scored")
	}
	comparison := make([][]float64, len(cIDs))
	for i, id := range cIDs {
		vec, ok := equivP.Vector(id)
		if !ok {
			return 0, fmt.Errorf("pool meter %s missing from equivalence features", id)
		}
		comparison[i] = vec
	}
	tRows := equivT.Rows()

	total := 0.0
	dim := equivT.Dim()
	for f := 0; f < dim; f++ {
		tVals := make([]float64, len(tRows))
		for i, r := range tRows {
			tVals[i] = r[f]
		}
		cVals := make([]float64, len(comparison))
		for i, r := range comparison {
			cVals[i] = r[f]
		}
		switch method {
		case EquivalenceKS:
			sort.Float64s(tVals)
			sort.Float64s(cVals)
			total += stat.KolmogorovSmirnov(tVals, nil, cVals, nil)
		case EquivalenceChiSquare:
			total += chiSquareBinned(tVals, cVals, quantiles)
		default:
			return 0, fmt.Errorf("unknown equivalence %q", method)
		}
	}
	return total / float64(dim), nil
}

// chiSquareBinned compares the comparison sample against the treatment
// distribution over treatment quantile bins: expected counts are the
// treatment bin shares scaled to the comparison sample size.
func chiSquareBinned(tVals, cVals []float64, quantiles int) float64 {
	sorted := append([]float64(nil), tVals...)
	sort.Float64s(sorted)
	edges := make([]float64, quantiles-1)
	for i := range edges {
		q := float64(i+1) / float64(quantiles)
		edges[i] = stat.Quantile(q, stat.Empirical, sorted, nil)
	}
	obs := make([]float64, quantiles)
	for _, v := range cVals {
		obs[sort.SearchFloat64s(edges, v)]++
	}
	exp := make([]float64, quantiles)
	scale := float64(len(cVals)) / float64(len(tVals))
	for _, v := range tVals {
		exp[sort.SearchFloat64s(edges, v)] += scale
	}
	return stat.ChiSquare(obs, exp)
}
