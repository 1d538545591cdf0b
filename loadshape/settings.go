// Package loadshape builds fixed-length feature vectors from meter usage
// series: readings are bucketed into a time-period profile, aggregated,
// coverage-checked, optionally interpolated, and normalized. Meters that
// cannot support the configured profile are excluded with a recorded reason
// rather than failing the run.
package loadshape

import (
	"fmt"
	"time"
)

// TimePeriod selects the profile readings are aggregated into.
type TimePeriod string

const (
	PeriodHour            TimePeriod = "hour"
	PeriodDayOfWeek       TimePeriod = "day_of_week"
	PeriodMonth           TimePeriod = "month"
	PeriodWeekdayWeekend  TimePeriod = "weekday_weekend"
	PeriodSeason          TimePeriod = "season"
	PeriodHourlyDayOfWeek TimePeriod = "hourly_day_of_week"
)

// periodBins fixes the profile length per time period.
var periodBins = map[TimePeriod]int{
	PeriodHour:            24,
	PeriodDayOfWeek:       7,
	PeriodMonth:           12,
	PeriodWeekdayWeekend:  2,
	PeriodSeason:          3,
	PeriodHourlyDayOfWeek: 168,
}

// maxReadingGap is the coarsest reading cadence that can still be aggregated
// into each period's bins. Meters whose smallest gap between consecutive
// readings exceeds this are excluded.
var maxReadingGap = map[TimePeriod]time.Duration{
	PeriodHour:            time.Hour,
	PeriodHourlyDayOfWeek: time.Hour,
	PeriodDayOfWeek:       24 * time.Hour,
	PeriodWeekdayWeekend:  24 * time.Hour,
	PeriodMonth:           31 * 24 * time.Hour,
	PeriodSeason:          31 * 24 * time.Hour,
}

// Bins returns the profile length for the period, 0 for unknown periods.
func (p TimePeriod) Bins() int {
	return periodBins[p]
}

// Aggregation folds the readings landing in one profile bin into one value.
type Aggregation string

const (
	AggMean   Aggregation = "mean"
	AggMedian Aggregation = "median"
	AggSum    Aggregation = "sum"
)

// Normalization removes per-meter scale before matching.
type Normalization string

const (
	NormNone   Normalization = "none"
	NormMean   Normalization = "mean"
	NormMinMax Normalization = "minmax"
	NormZScore Normalization = "zscore"
)

// Season labels a block of calendar months.
type Season string

const (
	SeasonWinter   Season = "winter"
	SeasonShoulder Season = "shoulder"
	SeasonSummer   Season = "summer"
)

// seasonIndex fixes profile ordering: winter, shoulder, summer.
var seasonIndex = map[Season]int{
	SeasonWinter:   0,
	SeasonShoulder: 1,
	SeasonSummer:   2,
}

// Valid value registries.
var (
	validPeriods = map[TimePeriod]bool{
		PeriodHour: true, PeriodDayOfWeek: true, PeriodMonth: true,
		PeriodWeekdayWeekend: true, PeriodSeason: true, PeriodHourlyDayOfWeek: true,
	}
	validAggregations = map[Aggregation]bool{
		AggMean: true, AggMedian: true, AggSum: true,
	}
	validNormalizations = map[Normalization]bool{
		NormNone: true, NormMean: true, NormMinMax: true, NormZScore: true,
	}
	validSeasons = map[Season]bool{
		SeasonWinter: true, SeasonShoulder: true, SeasonSummer: true,
	}
)

// DefaultSeasons maps November through March to winter and June through
// September to summer, with April, May, and October as shoulder months.
func DefaultSeasons() map[time.Month]Season {
	return map[time.Month]Season{
		time.January:   SeasonWinter,
		time.February:  SeasonWinter,
		time.March:     SeasonWinter,
		time.April:     SeasonShoulder,
		time.May:       SeasonShoulder,
		time.June:      SeasonSummer,
		time.July:      SeasonSummer,
		time.August:    SeasonSummer,
		time.September: SeasonSummer,
		time.October:   SeasonShoulder,
		time.November:  SeasonWinter,
		time.December:  SeasonWinter,
	}
}

// Settings configures feature construction from usage series.
type Settings struct {
	TimePeriod    TimePeriod    `yaml:"time_period"`
	Aggregation   Aggregation   `yaml:"aggregation"`
	Normalization Normalization `yaml:"normalization"`

	// MinCoverage is the minimum fraction of profile bins that must hold at
	// least one reading. Meters below it are excluded.
	MinCoverage float64 `yaml:"min_coverage"`

	// Interpolate fills empty bins linearly from neighboring filled bins
	// (edges extended) for meters that meet MinCoverage. When false, any
	// empty bin excludes the meter.
	Interpolate bool `yaml:"interpolate"`

	// Seasons overrides the month-to-season mapping used by the season
	// period. Empty means DefaultSeasons.
	Seasons map[time.Month]Season `yaml:"seasons,omitempty"`
}

// DefaultSettings returns the settings used when a config omits the loadshape
// block: monthly mean profile, mean-normalized, 80% coverage, interpolation on.
func DefaultSettings() Settings {
	return Settings{
		TimePeriod:    PeriodMonth,
		Aggregation:   AggMean,
		Normalization: NormMean,
		MinCoverage:   0.8,
		Interpolate:   true,
	}
}

// Validate checks that all settings hold known values.
func (s *Settings) Validate() error {
	if !validPeriods[s.TimePeriod] {
		return fmt.Errorf("unknown time_period %q; valid: hour, day_of_week, month, weekday_weekend, season, hourly_day_of_week", s.TimePeriod)
	}
	if !validAggregations[s.Aggregation] {
		return fmt.Errorf("unknown aggregation %q; valid: mean, median, sum", s.Aggregation)
	}
	if !validNormalizations[s.Normalization] {
		return fmt.Errorf("unknown normalization %q; valid: none, mean, minmax, zscore", s.Normalization)
	}
	if s.MinCoverage <= 0 || s.MinCoverage > 1 {
		return fmt.Errorf("min_coverage must be in (0, 1], got %f", s.MinCoverage)
	}
	if len(s.Seasons) > 0 {
		for m := time.January; m <= time.December; m++ {
			season, ok := s.Seasons[m]
			if !ok {
				return fmt.Errorf("seasons map missing month %d", int(m))
			}
			if !validSeasons[season] {
				return fmt.Errorf("seasons[%d]: unknown season %q; valid: winter, shoulder, summer", int(m), season)
			}
		}
	}
	return nil
}

// seasons returns the effective month-to-season mapping.
func (s *Settings) seasons() map[time.Month]Season {
	if len(s.Seasons) > 0 {
		return s.Seasons
	}
	return DefaultSeasons()
}

var (
	dayNames   = []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}
	monthNames = []string{"jan", "feb", "mar", "apr", "may", "jun", "jul", "aug", "sep", "oct", "nov", "dec"}
)

// FeatureNames returns the ordered profile bin names for the period.
func (p TimePeriod) FeatureNames() []string {
	switch p {
	case PeriodHour:
		names := make([]string, 24)
		for h := 0; h < 24; h++ {
			names[h] = fmt.Sprintf("h%02d", h)
		}
		return names
	case PeriodDayOfWeek:
		return append([]string(nil), dayNames...)
	case PeriodMonth:
		return append([]string(nil), monthNames...)
	case PeriodWeekdayWeekend:
		return []string{"weekday", "weekend"}
	case PeriodSeason:
		return []string{string(SeasonWinter), string(SeasonShoulder), string(SeasonSummer)}
	case PeriodHourlyDayOfWeek:
		names := make([]string, 168)
		for d := 0; d < 7; d++ {
			for h := 0; h < 24; h++ {
				names[d*24+h] = fmt.Sprintf("%s_h%02d", dayNames[d], h)
			}
		}
		return names
	}
	return nil
}

// weekdayIndex maps a time to Monday-first day-of-week indexing.
func weekdayIndex(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// binIndex places a reading time into the period's profile bin.
func (s *Settings) binIndex(t time.Time) int {
	switch s.TimePeriod {
	case PeriodHour:
		return t.Hour()
	case PeriodDayOfWeek:
		return weekdayIndex(t)
	case PeriodMonth:
		return int(t.Month()) - 1
	case PeriodWeekdayWeekend:
		if weekdayIndex(t) >= 5 {
			return 1
		}
		return 0
	case PeriodSeason:
		return seasonIndex[s.seasons()[t.Month()]]
	case PeriodHourlyDayOfWeek:
		return weekdayIndex(t)*24 + t.Hour()
	}
	return 0
}
