package loadshape

import "fmt"

// InsufficientDataError reports a meter whose series cannot support feature
// construction under the configured settings.
type InsufficientDataError struct {
	MeterID     string
	Coverage    float64
	MinCoverage float64
	Reason      string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("meter %s: insufficient data: %s", e.MeterID, e.describe())
}

// describe returns the failure description without the meter prefix, for
// exclusion records already keyed by meter id.
func (e *InsufficientDataError) describe() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("coverage %.3f below required %.3f", e.Coverage, e.MinCoverage)
}

// Exclusion records a meter dropped from a run and why. Exclusions are
// collected and reported alongside results; they do not abort the run.
type Exclusion struct {
	MeterID string
	Reason  string
}
