package diagnostics

import "fmt"

// PeriodUsage holds one reporting period's observed and counterfactual
// (model-predicted) consumption for a group of meters.
type PeriodUsage struct {
	Observed       float64
	Counterfactual float64
}

// CorrectionFactors returns the difference-in-differences correction factor
// of each period: the comparison group's observed consumption divided by its
// counterfactual. A factor away from 1 measures how far the counterfactual
// assumption drifted in that period.
func CorrectionFactors(comparison []PeriodUsage) ([]float64, error) {
	if len(comparison) == 0 {
		return nil, fmt.Errorf("no comparison periods")
	}
	factors := make([]float64, len(comparison))
	for i, p := range comparison {
		if p.Counterfactual == 0 {
			return nil, fmt.Errorf("period %d: zero counterfactual", i)
		}
		factors[i] = p.Observed / p.Counterfactual
	}
	return factors, nil
}

// CorrectTreatment scales each period's treatment counterfactual by the
// comparison group's correction factor for the same period, removing drift
// that affected treatment and comparison alike.
func CorrectTreatment(treatment, comparison []PeriodUsage) ([]float64, error) {
	if len(treatment) != len(comparison) {
		return nil, fmt.Errorf("treatment has %d periods, comparison %d", len(treatment), len(comparison))
	}
	factors, err := CorrectionFactors(comparison)
	if err != nil {
		return nil, err
	}
	corrected := make([]float64, len(treatment))
	for i, p := range treatment {
		corrected[i] = factors[i] * p.Counterfactual
	}
	return corrected, nil
}
