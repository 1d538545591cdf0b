package selector

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/recurve-methods/comparison-groups/distance"
	"github.com/recurve-methods/comparison-groups/loadshape"
)

// ExhaustionPolicy decides what happens when a treatment meter cannot obtain
// its full match count without replacement.
type ExhaustionPolicy string

const (
	// ExhaustionReport records the treatment as unmatched and continues.
	ExhaustionReport ExhaustionPolicy = "report"
	// ExhaustionFail aborts the run with an InsufficientPoolError.
	ExhaustionFail ExhaustionPolicy = "fail"
)

var validExhaustionPolicies = map[ExhaustionPolicy]bool{
	ExhaustionReport: true,
	ExhaustionFail:   true,
}

// NearestSettings configures the nearest-neighbor policy.
type NearestSettings struct {
	// MatchesPerTreatment is the number of pool meters matched to each
	// treatment meter.
	MatchesPerTreatment int `yaml:"matches_per_treatment"`
	// WithReplacement allows a pool meter to be matched to several
	// treatment meters; reuse is recorded in ComparisonGroup.PoolUseCount.
	WithReplacement bool `yaml:"with_replacement"`
	// MaxDuplicateCheckRounds bounds how deep past already-used candidates
	// the matcher searches without replacement: a treatment considers at
	// most MatchesPerTreatment * MaxDuplicateCheckRounds candidates.
	MaxDuplicateCheckRounds int `yaml:"max_duplicate_check_rounds"`
	// Exhaustion applies without replacement when the candidate window
	// cannot supply the full match count.
	Exhaustion ExhaustionPolicy `yaml:"exhaustion"`
}

// DefaultNearestSettings returns the standard matching configuration:
// four matches per treatment meter, without replacement, searching ten
// ranks deep before reporting a treatment as unmatched.
func DefaultNearestSettings() NearestSettings {
	return NearestSettings{
		MatchesPerTreatment:     4,
		MaxDuplicateCheckRounds: 10,
		Exhaustion:              ExhaustionReport,
	}
}

func (s *NearestSettings) Validate() error {
	if s.MatchesPerTreatment < 1 {
		return fmt.Errorf("matches_per_treatment must be at least 1, got %d", s.MatchesPerTreatment)
	}
	if s.MaxDuplicateCheckRounds < 1 {
		return fmt.Errorf("max_duplicate_check_rounds must be at least 1, got %d", s.MaxDuplicateCheckRounds)
	}
	if !validExhaustionPolicies[s.Exhaustion] {
		return fmt.Errorf("unknown exhaustion policy %q (valid: %q, %q)", s.Exhaustion, ExhaustionReport, ExhaustionFail)
	}
	return nil
}

// A CandidateSource yields nearest pool candidates for treatment meters.
// Both implementations order candidates by (distance, pool id), so the
// matcher produces the same group whichever backs it.
type CandidateSource interface {
	// TreatmentIDs returns the treatment meter ids in ascending order.
	TreatmentIDs() []string
	// PoolSize returns the number of pool meters available.
	PoolSize() int
	// Candidates returns up to k nearest pool candidates of the i-th
	// treatment meter, ordered by (distance, pool id).
	Candidates(i, k int) ([]distance.Neighbor, error)
}

// MatrixSource serves candidates from a precomputed distance matrix.
type MatrixSource struct {
	m      *distance.Matrix
	sorted [][]distance.Neighbor
}

// NewMatrixSource sorts each matrix row by (distance, pool id) once.
// Undefined pairs are dropped: a pair with no defined distance is never a
// candidate.
func NewMatrixSource(m *distance.Matrix) *MatrixSource {
	nt, np := m.Dims()
	sorted := make([][]distance.Neighbor, nt)
	for i := 0; i < nt; i++ {
		row := make([]distance.Neighbor, 0, np)
		for j := 0; j < np; j++ {
			if m.Undefined(i, j) {
				continue
			}
			row = append(row, distance.Neighbor{PoolID: m.PoolIDs[j], Distance: m.At(i, j)})
		}
		sort.Slice(row, func(a, b int) bool {
			if row[a].Distance != row[b].Distance {
				return row[a].Distance < row[b].Distance
			}
			return row[a].PoolID < row[b].PoolID
		})
		sorted[i] = row
	}
	return &MatrixSource{m: m, sorted: sorted}
}

func (s *MatrixSource) TreatmentIDs() []string { return s.m.TreatmentIDs }

func (s *MatrixSource) PoolSize() int {
	_, np := s.m.Dims()
	return np
}

func (s *MatrixSource) Candidates(i, k int) ([]distance.Neighbor, error) {
	if i < 0 || i >= len(s.sorted) {
		return nil, fmt.Errorf("treatment index %d out of range [0,%d)", i, len(s.sorted))
	}
	row := s.sorted[i]
	if k > len(row) {
		k = len(row)
	}
	return row[:k:k], nil
}

// IndexSource serves candidates from a kd-tree over the pool, avoiding the
// full pairwise matrix for large pools.
type IndexSource struct {
	index *distance.Index
	ids   []string
	rows  [][]float64
}

func NewIndexSource(index *distance.Index, treatment *loadshape.FeatureSet) (*IndexSource, error) {
	if treatment == nil || treatment.Len() == 0 {
		return nil, fmt.Errorf("empty treatment set")
	}
	return &IndexSource{index: index, ids: treatment.IDs(), rows: treatment.Rows()}, nil
}

func (s *IndexSource) TreatmentIDs() []string { return s.ids }

func (s *IndexSource) PoolSize() int { return s.index.Len() }

func (s *IndexSource) Candidates(i, k int) ([]distance.Neighbor, error) {
	if i < 0 || i >= len(s.rows) {
		return nil, fmt.Errorf("treatment index %d out of range [0,%d)", i, len(s.rows))
	}
	return s.index.Nearest(s.rows[i], k)
}

// Nearest matches every treatment meter to its nearest pool meters, visiting
// treatments in ascending id order. Without replacement the policy is greedy
// first-match-wins: an already-used candidate is skipped and the search
// continues deeper, up to the configured candidate window. Ties at equal
// distance break to the lowest pool id through the candidate ordering.
func Nearest(src CandidateSource, st NearestSettings) (*ComparisonGroup, error) {
	if err := st.Validate(); err != nil {
		return nil, err
	}
	ids := src.TreatmentIDs()
	if len(ids) == 0 {
		return nil, fmt.Errorf("empty treatment set")
	}

	group := &ComparisonGroup{
		Policy:       PolicyNearest,
		PoolUseCount: make(map[string]int),
	}
	need := st.MatchesPerTreatment
	window := need
	if !st.WithReplacement {
		window = need * st.MaxDuplicateCheckRounds
	}

	used := make(map[string]bool, src.PoolSize())
	for i, tid := range ids {
		cands, err := src.Candidates(i, window)
		if err != nil {
			return nil, fmt.Errorf("candidates for treatment %s: %w", tid, err)
		}
		got := 0
		for _, c := range cands {
			if got == need {
				break
			}
			if !st.WithReplacement && used[c.PoolID] {
				continue
			}
			group.Matches = append(group.Matches, Match{TreatmentID: tid, PoolID: c.PoolID, Distance: c.Distance})
			group.PoolUseCount[c.PoolID]++
			used[c.PoolID] = true
			got++
		}
		if got < need {
			if st.Exhaustion == ExhaustionFail {
				return nil, &InsufficientPoolError{Needed: need, Available: got}
			}
			reason := fmt.Sprintf("matched %d of %d pool meters before pool exhaustion", got, need)
			group.Unmatched = append(group.Unmatched, Unmatched{TreatmentID: tid, Reason: reason})
			logrus.Debugf("treatment %s: %s", tid, reason)
		}
	}

	reused := 0
	for _, n := range group.PoolUseCount {
		if n > 1 {
			reused++
		}
	}
	if reused > 0 {
		logrus.Warnf("nearest matching reused %d pool meters across treatments", reused)
	}
	logrus.Infof("nearest matching selected %d matches for %d treatments (%d unmatched)",
		len(group.Matches), len(ids), len(group.Unmatched))
	return group, nil
}
