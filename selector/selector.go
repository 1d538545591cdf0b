// Package selector builds comparison groups from treatment and pool meters,
// either by greedy nearest-neighbor matching over a distance source or by
// stratified quota sampling over feature bins.
package selector

import (
	"fmt"
	"sort"
)

// Policy selects the comparison-group construction algorithm.
type Policy string

const (
	// PolicyNearest matches each treatment meter to its nearest pool meters.
	PolicyNearest Policy = "nearest"
	// PolicyStratified samples pool meters per stratum at a fixed ratio.
	PolicyStratified Policy = "stratified"
)

var validPolicies = map[Policy]bool{
	PolicyNearest:    true,
	PolicyStratified: true,
}

// IsValidPolicy reports whether p names a known selection policy.
func IsValidPolicy(p Policy) bool {
	return validPolicies[p]
}

// Match pairs one treatment meter with one selected pool meter. Distance is
// NaN under the stratified policy, where no metric is involved.
type Match struct {
	TreatmentID string
	PoolID      string
	Distance    float64
}

// Unmatched records a treatment meter that received no (or not enough)
// comparison matches, with the reason. Unmatched treatments are result data,
// never silently dropped.
type Unmatched struct {
	TreatmentID string
	Reason      string
}

// StratumSummary describes one stratum of a stratified run.
type StratumSummary struct {
	// Label identifies the stratum as column:bin pairs, e.g. "annual_kwh:2/sqft:0".
	Label          string
	Bins           []int
	TreatmentCount int
	PoolCount      int
	SampledCount   int
	BorrowedCount  int
}

// ComparisonGroup is the selected comparison group. Matches are ordered by
// ascending treatment id, then match rank. PoolUseCount records how many
// times each selected pool meter was matched; entries above 1 appear only
// when replacement is allowed.
type ComparisonGroup struct {
	Policy       Policy
	Matches      []Match
	Unmatched    []Unmatched
	PoolUseCount map[string]int

	// Strata is populated by the stratified policy only.
	Strata []StratumSummary
}

// PoolIDs returns the distinct selected pool meter ids in ascending order.
func (g *ComparisonGroup) PoolIDs() []string {
	ids := make([]string, 0, len(g.PoolUseCount))
	for id := range g.PoolUseCount {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PoolWeights returns the diagnostic weight of each selected pool meter:
// its use count, so a meter matched twice counts as two copies.
func (g *ComparisonGroup) PoolWeights() map[string]float64 {
	w := make(map[string]float64, len(g.PoolUseCount))
	for id, n := range g.PoolUseCount {
		w[id] = float64(n)
	}
	return w
}

// MatchedTreatmentIDs returns the distinct treatment ids that received at
// least one match, in ascending order.
func (g *ComparisonGroup) MatchedTreatmentIDs() []string {
	seen := make(map[string]bool, len(g.Matches))
	ids := make([]string, 0, len(g.Matches))
	for _, m := range g.Matches {
		if !seen[m.TreatmentID] {
			seen[m.TreatmentID] = true
			ids = append(ids, m.TreatmentID)
		}
	}
	sort.Strings(ids)
	return ids
}

// InsufficientPoolError reports that the comparison pool cannot satisfy the
// configured quota. Stratum is empty when the nearest-neighbor policy
// exhausts the pool; for stratified runs it names the short stratum.
type InsufficientPoolError struct {
	Stratum   string
	Needed    int
	Available int
}

func (e *InsufficientPoolError) Error() string {
	if e.Stratum == "" {
		return fmt.Sprintf("comparison pool exhausted: need %d pool meters, only %d available", e.Needed, e.Available)
	}
	return fmt.Sprintf("stratum %s: need %d pool meters, only %d available", e.Stratum, e.Needed, e.Available)
}
