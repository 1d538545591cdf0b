// Package testutil provides shared test infrastructure for the matching
// engine: synthetic meter series generators and float assertion helpers used
// across package tests.
package testutil

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/recurve-methods/comparison-groups/meter"
)

// SeriesStart is the common first reading time for generated series.
var SeriesStart = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// HourlySeries generates a series with one reading per hour for the given
// number of days. value receives the hour index (0-based from start) and
// returns the reading value.
func HourlySeries(id string, group meter.Group, days int, value func(hour int) float64) meter.Series {
	n := days * 24
	readings := make([]meter.Reading, n)
	for i := 0; i < n; i++ {
		readings[i] = meter.Reading{
			Time:  SeriesStart.Add(time.Duration(i) * time.Hour),
			Value: value(i),
		}
	}
	return meter.Series{ID: id, Group: group, Readings: readings}
}

// FlatHourlySeries generates a constant-valued hourly series.
func FlatHourlySeries(id string, group meter.Group, days int, value float64) meter.Series {
	return HourlySeries(id, group, days, func(int) float64 { return value })
}

// SineHourlySeries generates an hourly series with a daily sine profile:
// base + amp*sin(2π*hourOfDay/24). Distinct amp/base values give meters
// distinct loadshapes while keeping every profile smooth.
func SineHourlySeries(id string, group meter.Group, days int, base, amp float64) meter.Series {
	return HourlySeries(id, group, days, func(h int) float64 {
		return base + amp*math.Sin(2*math.Pi*float64(h%24)/24)
	})
}

// MonthlySeries generates one reading per month for a full year, with the
// callback receiving the month index 0..11.
func MonthlySeries(id string, group meter.Group, value func(month int) float64) meter.Series {
	readings := make([]meter.Reading, 12)
	for m := 0; m < 12; m++ {
		readings[m] = meter.Reading{
			Time:  time.Date(2024, time.Month(m+1), 15, 12, 0, 0, 0, time.UTC),
			Value: value(m),
		}
	}
	return meter.Series{ID: id, Group: group, Readings: readings}
}

// PoolIDs returns n pool meter ids p-000..p-(n-1).
func PoolIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("p-%03d", i)
	}
	return ids
}

// TreatmentIDs returns n treatment meter ids t-000..t-(n-1).
func TreatmentIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("t-%03d", i)
	}
	return ids
}

// AssertFloatEqual compares two float64 values with absolute tolerance.
func AssertFloatEqual(t *testing.T, name string, want, got, tol float64) {
	t.Helper()
	if math.IsNaN(want) && math.IsNaN(got) {
		return
	}
	if math.Abs(want-got) > tol {
		t.Errorf("%s: got %v, want %v (diff=%v)", name, got, want, math.Abs(want-got))
	}
}

// AssertFloatsEqual compares two float64 slices element-wise with absolute
// tolerance.
func AssertFloatsEqual(t *testing.T, name string, want, got []float64, tol float64) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("%s: length %d, want %d", name, len(got), len(want))
	}
	for i := range want {
		AssertFloatEqual(t, fmt.Sprintf("%s[%d]", name, i), want[i], got[i], tol)
	}
}
