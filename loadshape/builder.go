package loadshape

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/recurve-methods/comparison-groups/meter"
)

// Builder turns meter series into profile feature vectors.
type Builder struct {
	settings Settings
}

// NewBuilder validates settings and returns a builder.
func NewBuilder(s Settings) (*Builder, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("loadshape settings: %w", err)
	}
	return &Builder{settings: s}, nil
}

// Build constructs one feature vector per series. Meters whose data cannot
// support the profile are excluded with a reason instead of failing the run.
// workers bounds per-meter parallelism; output is deterministic regardless
// of worker count.
func (b *Builder) Build(series []meter.Series, workers int) (*FeatureSet, []Exclusion, error) {
	for i := range series {
		if series[i].ID == "" {
			return nil, nil, fmt.Errorf("series %d has empty meter id", i)
		}
	}
	if workers < 1 {
		workers = 1
	}

	ordered := append([]meter.Series(nil), series...)
	meter.SortByID(ordered)

	values := make([][]float64, len(ordered))
	failures := make([]*InsufficientDataError, len(ordered))

	g := new(errgroup.Group)
	g.SetLimit(workers)
	for i := range ordered {
		i := i
		g.Go(func() error {
			values[i], failures[i] = b.buildOne(&ordered[i])
			return nil
		})
	}
	_ = g.Wait()

	names := b.settings.TimePeriod.FeatureNames()
	var vectors []FeatureVector
	var exclusions []Exclusion
	for i := range ordered {
		if failures[i] != nil {
			logrus.Debugf("meter %s excluded: %v", ordered[i].ID, failures[i])
			exclusions = append(exclusions, Exclusion{MeterID: ordered[i].ID, Reason: failures[i].describe()})
			continue
		}
		vectors = append(vectors, FeatureVector{MeterID: ordered[i].ID, Values: values[i]})
	}

	fs, err := NewFeatureSet(names, vectors)
	if err != nil {
		return nil, nil, fmt.Errorf("assembling feature set: %w", err)
	}
	fs.Normalization = b.settings.Normalization
	return fs, exclusions, nil
}

// buildOne runs the whole per-meter pipeline: dedupe, granularity check,
// bucket, coverage check, aggregate, interpolate, normalize.
func (b *Builder) buildOne(s *meter.Series) ([]float64, *InsufficientDataError) {
	readings, err := cleanReadings(s)
	if err != nil {
		return nil, err
	}

	if gap, ok := minReadingGap(readings); ok {
		if maxGap := maxReadingGap[b.settings.TimePeriod]; gap > maxGap {
			return nil, &InsufficientDataError{
				MeterID: s.ID,
				Reason: fmt.Sprintf("reading interval %s coarser than the %s period allows (%s)",
					gap, b.settings.TimePeriod, maxGap),
			}
		}
	}

	nBins := b.settings.TimePeriod.Bins()
	bins := make([][]float64, nBins)
	for _, r := range readings {
		idx := b.settings.binIndex(r.Time)
		bins[idx] = append(bins[idx], r.Value)
	}

	filled := 0
	for _, bin := range bins {
		if len(bin) > 0 {
			filled++
		}
	}
	coverage := float64(filled) / float64(nBins)
	if coverage < b.settings.MinCoverage {
		return nil, &InsufficientDataError{
			MeterID:     s.ID,
			Coverage:    coverage,
			MinCoverage: b.settings.MinCoverage,
		}
	}
	if !b.settings.Interpolate && filled < nBins {
		return nil, &InsufficientDataError{
			MeterID:     s.ID,
			Coverage:    coverage,
			MinCoverage: b.settings.MinCoverage,
			Reason:      fmt.Sprintf("%d empty profile bins and interpolation disabled", nBins-filled),
		}
	}

	values := make([]float64, nBins)
	for i, bin := range bins {
		if len(bin) == 0 {
			values[i] = math.NaN()
			continue
		}
		values[i] = b.aggregate(bin)
	}
	interpolate(values)

	if derr := b.normalize(s.ID, values); derr != nil {
		return nil, derr
	}
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &InsufficientDataError{MeterID: s.ID, Reason: "non-finite aggregate value"}
		}
	}
	return values, nil
}

// cleanReadings drops non-finite values and duplicate timestamps (first
// reading wins) and rejects out-of-order series.
func cleanReadings(s *meter.Series) ([]meter.Reading, *InsufficientDataError) {
	out := make([]meter.Reading, 0, len(s.Readings))
	for i, r := range s.Readings {
		if i > 0 && r.Time.Before(s.Readings[i-1].Time) {
			return nil, &InsufficientDataError{MeterID: s.ID, Reason: fmt.Sprintf("readings out of order at index %d", i)}
		}
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			continue
		}
		if len(out) > 0 && r.Time.Equal(out[len(out)-1].Time) {
			continue
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, &InsufficientDataError{MeterID: s.ID, Reason: "no usable readings"}
	}
	return out, nil
}

// minReadingGap returns the smallest positive gap between consecutive
// readings. ok is false when fewer than two readings remain.
func minReadingGap(readings []meter.Reading) (time.Duration, bool) {
	if len(readings) < 2 {
		return 0, false
	}
	min := readings[1].Time.Sub(readings[0].Time)
	for i := 2; i < len(readings); i++ {
		if gap := readings[i].Time.Sub(readings[i-1].Time); gap < min {
			min = gap
		}
	}
	return min, true
}

func (b *Builder) aggregate(bin []float64) float64 {
	switch b.settings.Aggregation {
	case AggMean:
		return stat.Mean(bin, nil)
	case AggMedian:
		sorted := append([]float64(nil), bin...)
		sort.Float64s(sorted)
		return stat.Quantile(0.5, stat.LinInterp, sorted, nil)
	case AggSum:
		return floats.Sum(bin)
	}
	return math.NaN()
}

// interpolate fills NaN bins linearly between filled neighbors and extends
// edge gaps from the nearest filled bin, in place.
func interpolate(values []float64) {
	first, last := -1, -1
	for i, v := range values {
		if !math.IsNaN(v) {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return
	}
	for i := 0; i < first; i++ {
		values[i] = values[first]
	}
	for i := last + 1; i < len(values); i++ {
		values[i] = values[last]
	}
	prev := first
	for i := first + 1; i <= last; i++ {
		if math.IsNaN(values[i]) {
			continue
		}
		if i > prev+1 {
			step := (values[i] - values[prev]) / float64(i-prev)
			for k := prev + 1; k < i; k++ {
				values[k] = values[prev] + step*float64(k-prev)
			}
		}
		prev = i
	}
}

func (b *Builder) normalize(meterID string, values []float64) *InsufficientDataError {
	switch b.settings.Normalization {
	case NormNone:
		return nil
	case NormMean:
		m := stat.Mean(values, nil)
		if m == 0 {
			return &InsufficientDataError{MeterID: meterID, Reason: "degenerate profile (zero mean)"}
		}
		floats.Scale(1/m, values)
	case NormMinMax:
		lo, hi := floats.Min(values), floats.Max(values)
		if hi == lo {
			return &InsufficientDataError{MeterID: meterID, Reason: "degenerate profile (flat values)"}
		}
		for i := range values {
			values[i] = (values[i] - lo) / (hi - lo)
		}
	case NormZScore:
		m, sd := stat.MeanStdDev(values, nil)
		if sd == 0 {
			return &InsufficientDataError{MeterID: meterID, Reason: "degenerate profile (zero variance)"}
		}
		for i := range values {
			values[i] = (values[i] - m) / sd
		}
	}
	return nil
}
