package matching

import (
	"time"

	"github.com/recurve-methods/comparison-groups/diagnostics"
	"github.com/recurve-methods/comparison-groups/loadshape"
	"github.com/recurve-methods/comparison-groups/selector"
)

// Result is the immutable outcome of one completed matching run. It is
// assembled only when the run reaches Complete; a failed run exposes no
// partial state.
type Result struct {
	// RunKey reproduces the run: the same key with identical input and
	// configuration yields a deeply identical Result.
	RunKey RunKey

	// TreatmentFeatures and PoolFeatures are the loadshape profiles the
	// selection operated on, covering every included meter.
	TreatmentFeatures *loadshape.FeatureSet
	PoolFeatures      *loadshape.FeatureSet
	// ExtraFeatures holds the caller-supplied per-meter features, nil when
	// the input carried none.
	ExtraFeatures *loadshape.FeatureSet

	// Group is the selected comparison group.
	Group *selector.ComparisonGroup
	// BinSearch reports the automatic bin-count search of a stratified run,
	// nil otherwise.
	BinSearch *selector.BinSearch

	// Report holds the pre-period balance diagnostics. PostReport holds the
	// post-period diagnostics of the same group, nil when no post-period
	// series were supplied.
	Report     *diagnostics.Report
	PostReport *diagnostics.Report

	// Exclusions lists every meter dropped during feature construction with
	// the reason; PostExclusions covers the post-period build.
	Exclusions     []loadshape.Exclusion
	PostExclusions []loadshape.Exclusion

	Elapsed time.Duration
}
