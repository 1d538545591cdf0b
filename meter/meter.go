// Package meter holds the raw usage time-series types fed into comparison
// group selection. It has no dependencies on the rest of the module.
package meter

import (
	"fmt"
	"sort"
	"time"
)

// Group labels which side of a study a meter belongs to.
type Group string

const (
	// Treatment marks a meter that received the intervention under evaluation.
	Treatment Group = "treatment"
	// Pool marks an untreated meter eligible for comparison group membership.
	Pool Group = "pool"
)

var validGroups = map[Group]bool{Treatment: true, Pool: true}

// IsValidGroup reports whether g is a recognized group label.
func IsValidGroup(g Group) bool {
	return validGroups[g]
}

// Reading is one observed usage value at a point in time.
type Reading struct {
	Time  time.Time
	Value float64
}

// Series is one meter's usage history. Readings must be in chronological
// order; duplicate timestamps are allowed (export rollups produce them) and
// the feature builder keeps the first reading at each timestamp.
type Series struct {
	ID       string
	Group    Group
	Readings []Reading
}

// Validate checks that the series carries a meter id, a known group label,
// and chronologically ordered readings.
func (s *Series) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("series has empty meter id")
	}
	if !IsValidGroup(s.Group) {
		return fmt.Errorf("meter %s: unknown group %q; valid: treatment, pool", s.ID, s.Group)
	}
	for i := 1; i < len(s.Readings); i++ {
		if s.Readings[i].Time.Before(s.Readings[i-1].Time) {
			return fmt.Errorf("meter %s: readings out of order at index %d (%s before %s)",
				s.ID, i, s.Readings[i].Time.Format(time.RFC3339), s.Readings[i-1].Time.Format(time.RFC3339))
		}
	}
	return nil
}

// Span returns the time range covered by the series.
// ok is false when the series has no readings.
func (s *Series) Span() (first, last time.Time, ok bool) {
	if len(s.Readings) == 0 {
		return time.Time{}, time.Time{}, false
	}
	return s.Readings[0].Time, s.Readings[len(s.Readings)-1].Time, true
}

// SortByID orders series by ascending meter id, in place.
// All engine iteration follows this ordering.
func SortByID(series []Series) {
	sort.Slice(series, func(i, j int) bool {
		return series[i].ID < series[j].ID
	})
}

// Split partitions series into treatment and pool slices, preserving order.
// Series with an unknown group label are dropped; callers validate first.
func Split(series []Series) (treatment, pool []Series) {
	for _, s := range series {
		switch s.Group {
		case Treatment:
			treatment = append(treatment, s)
		case Pool:
			pool = append(pool, s)
		}
	}
	return treatment, pool
}

// DuplicateIDs returns meter ids that appear more than once, in ascending
// order. The engine requires ids to be unique across both groups.
func DuplicateIDs(series []Series) []string {
	seen := make(map[string]int, len(series))
	for _, s := range series {
		seen[s.ID]++
	}
	var dups []string
	for id, n := range seen {
		if n > 1 {
			dups = append(dups, id)
		}
	}
	sort.Strings(dups)
	return dups
}
