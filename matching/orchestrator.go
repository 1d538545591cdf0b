// Package matching orchestrates a comparison-group run end to end: profile
// construction, distance computation or stratification, group selection, and
// balance diagnostics, driven by one validated configuration. A run is fully
// deterministic for a given seed, input, and configuration.
package matching

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/recurve-methods/comparison-groups/diagnostics"
	"github.com/recurve-methods/comparison-groups/distance"
	"github.com/recurve-methods/comparison-groups/loadshape"
	"github.com/recurve-methods/comparison-groups/meter"
	"github.com/recurve-methods/comparison-groups/selector"
)

// State tracks the progress of a matching run.
type State string

const (
	StateInitialized   State = "initialized"
	StateFeaturesBuilt State = "features_built"
	StateMatched       State = "matched"
	StateValidated     State = "validated"
	StateComplete      State = "complete"
	StateFailed        State = "failed"
)

// Input carries the meter data of one run. Series are tagged treatment or
// pool; Extra optionally supplies per-meter named features (stratification
// columns may reference them); PostSeries optionally supplies post-period
// usage for post-hoc diagnostics of the selected group.
type Input struct {
	Series     []meter.Series
	Extra      []loadshape.MeterFeatures
	PostSeries []meter.Series
}

// Orchestrator drives one matching run through the state machine
// Initialized -> FeaturesBuilt -> Matched -> Validated -> Complete, or Failed
// from any state. An Orchestrator is single-shot: build a new one per run.
type Orchestrator struct {
	cfg      Config
	rng      *PartitionedRNG
	state    State
	executed bool
}

// New validates the configuration and prepares a run. Configuration errors
// surface here, before any computation.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:   cfg,
		rng:   NewPartitionedRNG(NewRunKey(cfg.Seed)),
		state: StateInitialized,
	}, nil
}

// State returns the run's current state.
func (o *Orchestrator) State() State {
	return o.state
}

func (o *Orchestrator) setState(s State) {
	logrus.Debugf("run state %s -> %s", o.state, s)
	o.state = s
}

// Execute runs the full pipeline and returns the immutable result. On error
// the run moves to Failed and every partial product is discarded. Execute is
// non-reentrant; a second call returns an error.
func (o *Orchestrator) Execute(input *Input) (*Result, error) {
	if o.executed {
		return nil, fmt.Errorf("orchestrator already executed; create a new one per run")
	}
	o.executed = true

	start := time.Now()
	res, err := o.run(input)
	if err != nil {
		o.setState(StateFailed)
		return nil, err
	}
	res.Elapsed = time.Since(start)
	o.setState(StateComplete)
	return res, nil
}

func (o *Orchestrator) run(input *Input) (*Result, error) {
	if input == nil || len(input.Series) == 0 {
		return nil, fmt.Errorf("no meter series supplied")
	}
	for i := range input.Series {
		if err := input.Series[i].Validate(); err != nil {
			return nil, err
		}
	}
	if dups := meter.DuplicateIDs(input.Series); len(dups) > 0 {
		return nil, fmt.Errorf("duplicate meter ids: %s", strings.Join(dups, ", "))
	}
	treatSeries, poolSeries := meter.Split(input.Series)
	if len(treatSeries) == 0 {
		return nil, fmt.Errorf("input has no treatment meters")
	}
	if len(poolSeries) == 0 {
		return nil, fmt.Errorf("input has no pool meters")
	}

	workers := o.cfg.workers()
	builder, err := loadshape.NewBuilder(o.cfg.Loadshape)
	if err != nil {
		return nil, err
	}
	loadT, exT, err := builder.Build(treatSeries, workers)
	if err != nil {
		return nil, err
	}
	loadP, exP, err := builder.Build(poolSeries, workers)
	if err != nil {
		return nil, err
	}
	extra, exExtra, err := loadshape.NewExtraSet(input.Extra)
	if err != nil {
		return nil, err
	}

	exclusions := append(append(exT, exP...), exExtra...)
	if err := o.escalateStrict(exclusions); err != nil {
		return nil, err
	}
	if loadT.Len() == 0 {
		return nil, fmt.Errorf("every treatment meter was excluded during feature construction")
	}
	if loadP.Len() == 0 {
		return nil, fmt.Errorf("every pool meter was excluded during feature construction")
	}
	o.setState(StateFeaturesBuilt)
	logrus.Infof("features built: %d treatment, %d pool meters (%d excluded)",
		loadT.Len(), loadP.Len(), len(exclusions))

	group, search, err := o.selectGroup(loadT, loadP, extra, workers)
	if err != nil {
		return nil, err
	}
	o.setState(StateMatched)

	comparison, err := loadP.Select(group.PoolIDs())
	if err != nil {
		return nil, err
	}
	report, err := diagnostics.Evaluate(loadT, comparison, group.PoolWeights(), o.cfg.Diagnostics)
	if err != nil {
		return nil, err
	}
	o.setState(StateValidated)
	logrus.Infof("balance diagnostics verdict: %s", report.Verdict)

	var postReport *diagnostics.Report
	var postEx []loadshape.Exclusion
	if len(input.PostSeries) > 0 {
		postReport, postEx, err = o.postEvaluate(input.PostSeries, group, builder, workers)
		if err != nil {
			return nil, err
		}
		if err := o.escalateStrict(postEx); err != nil {
			return nil, err
		}
		logrus.Infof("post-period diagnostics verdict: %s", postReport.Verdict)
	}

	return &Result{
		RunKey:            o.rng.Key(),
		TreatmentFeatures: loadT,
		PoolFeatures:      loadP,
		ExtraFeatures:     extra,
		Group:             group,
		BinSearch:         search,
		Report:            report,
		PostReport:        postReport,
		Exclusions:        exclusions,
		PostExclusions:    postEx,
	}, nil
}

// escalateStrict turns the first exclusion into a fatal error in strict mode.
func (o *Orchestrator) escalateStrict(exclusions []loadshape.Exclusion) error {
	if !o.cfg.Strict || len(exclusions) == 0 {
		return nil
	}
	ex := exclusions[0]
	logrus.Warnf("strict mode: failing run on %d excluded meters", len(exclusions))
	return fmt.Errorf("strict mode: %w", &loadshape.InsufficientDataError{MeterID: ex.MeterID, Reason: ex.Reason})
}

// selectGroup dispatches to the configured selection policy.
func (o *Orchestrator) selectGroup(loadT, loadP, extra *loadshape.FeatureSet, workers int) (*selector.ComparisonGroup, *selector.BinSearch, error) {
	switch o.cfg.Selector.Policy {
	case selector.PolicyNearest:
		group, err := o.nearestGroup(loadT, loadP, workers)
		return group, nil, err
	case selector.PolicyStratified:
		return o.stratifiedGroup(loadT, loadP, extra)
	}
	return nil, nil, fmt.Errorf("unknown selector policy %q", o.cfg.Selector.Policy)
}

func (o *Orchestrator) nearestGroup(loadT, loadP *loadshape.FeatureSet, workers int) (*selector.ComparisonGroup, error) {
	engine, err := distance.NewEngine(o.cfg.Distance.Metric, o.cfg.featureWeights(loadP.Names), loadP)
	if err != nil {
		return nil, err
	}

	var src selector.CandidateSource
	if loadP.Len() >= o.cfg.indexThreshold() {
		logrus.Debugf("nearest matching over kd-tree index (%d pool meters)", loadP.Len())
		index, err := distance.NewIndex(engine, loadP)
		if err != nil {
			return nil, err
		}
		src, err = selector.NewIndexSource(index, loadT)
		if err != nil {
			return nil, err
		}
	} else {
		logrus.Debugf("nearest matching over full distance matrix (%d x %d)", loadT.Len(), loadP.Len())
		matrix, err := distance.NewMatrix(engine, loadT, loadP, workers)
		if err != nil {
			return nil, err
		}
		src = selector.NewMatrixSource(matrix)
	}
	return selector.Nearest(src, o.cfg.Selector.Nearest)
}

func (o *Orchestrator) stratifiedGroup(loadT, loadP, extra *loadshape.FeatureSet) (*selector.ComparisonGroup, *selector.BinSearch, error) {
	st := o.cfg.Selector.Stratified
	names := stratColumnNames(st.Columns)
	stratT, err := stratSet(loadT, extra, names)
	if err != nil {
		return nil, nil, fmt.Errorf("treatment stratification features: %w", err)
	}
	stratP, err := stratSet(loadP, extra, names)
	if err != nil {
		return nil, nil, fmt.Errorf("pool stratification features: %w", err)
	}
	if dropped := loadP.Len() - stratP.Len(); dropped > 0 {
		logrus.Debugf("%d pool meters lack stratification features", dropped)
	}

	rng := o.rng.ForSubsystem(SubsystemSampling)
	var group *selector.ComparisonGroup
	var search *selector.BinSearch
	if st.Equivalence == selector.EquivalenceNone {
		group, err = selector.Stratified(stratT, stratP, st, rng)
	} else {
		group, search, err = selector.StratifiedAutoBins(stratT, stratP, loadT, loadP, st, rng)
	}
	if err != nil {
		return nil, nil, err
	}

	// Treatment meters that never reached the sampler still have to be
	// accounted for.
	for _, id := range loadT.IDs() {
		if _, ok := stratT.Vector(id); !ok {
			group.Unmatched = append(group.Unmatched, selector.Unmatched{TreatmentID: id, Reason: "missing stratification features"})
		}
	}
	sort.SliceStable(group.Unmatched, func(i, j int) bool {
		return group.Unmatched[i].TreatmentID < group.Unmatched[j].TreatmentID
	})
	return group, search, nil
}

// stratColumnNames returns the distinct feature names the stratification
// columns reference, in column order.
func stratColumnNames(columns []selector.StratumColumn) []string {
	seen := make(map[string]bool, len(columns))
	names := make([]string, 0, len(columns))
	for _, c := range columns {
		if !seen[c.Feature] {
			seen[c.Feature] = true
			names = append(names, c.Feature)
		}
	}
	return names
}

// stratSet projects the stratification features for one side. Columns naming
// only profile features use the loadshape set directly; otherwise the
// loadshape and extra sets are joined, which restricts the side to meters
// carrying both.
func stratSet(load, extra *loadshape.FeatureSet, names []string) (*loadshape.FeatureSet, error) {
	inProfile := make(map[string]bool, len(load.Names))
	for _, n := range load.Names {
		inProfile[n] = true
	}
	outside := ""
	for _, n := range names {
		if !inProfile[n] {
			outside = n
			break
		}
	}
	if outside == "" {
		return load.Project(names)
	}
	if extra == nil {
		return nil, fmt.Errorf("column %q is not a profile feature and no extra features were supplied", outside)
	}
	joined, err := loadshape.Join(load, extra)
	if err != nil {
		return nil, err
	}
	return joined.Project(names)
}

// postEvaluate re-runs the balance diagnostics over post-period profiles of
// the already-selected group. The selection itself is never re-run.
func (o *Orchestrator) postEvaluate(post []meter.Series, group *selector.ComparisonGroup, builder *loadshape.Builder, workers int) (*diagnostics.Report, []loadshape.Exclusion, error) {
	for i := range post {
		if err := post[i].Validate(); err != nil {
			return nil, nil, fmt.Errorf("post-period input: %w", err)
		}
	}
	if dups := meter.DuplicateIDs(post); len(dups) > 0 {
		return nil, nil, fmt.Errorf("post-period input: duplicate meter ids: %s", strings.Join(dups, ", "))
	}
	postT, postP := meter.Split(post)
	if len(postT) == 0 {
		return nil, nil, fmt.Errorf("post-period input has no treatment meters")
	}

	setT, exT, err := builder.Build(postT, workers)
	if err != nil {
		return nil, nil, err
	}
	exclusions := exT

	var comparison *loadshape.FeatureSet
	if len(postP) > 0 {
		setP, exP, err := builder.Build(postP, workers)
		if err != nil {
			return nil, nil, err
		}
		exclusions = append(exclusions, exP...)

		present := make([]string, 0, len(group.PoolUseCount))
		for _, id := range group.PoolIDs() {
			if _, ok := setP.Vector(id); ok {
				present = append(present, id)
			}
		}
		if missing := len(group.PoolUseCount) - len(present); missing > 0 {
			logrus.Warnf("post-period data missing for %d of %d comparison meters", missing, len(group.PoolUseCount))
		}
		comparison, err = setP.Select(present)
		if err != nil {
			return nil, nil, err
		}
	}

	report, err := diagnostics.Evaluate(setT, comparison, group.PoolWeights(), o.cfg.Diagnostics)
	if err != nil {
		return nil, nil, err
	}
	return report, exclusions, nil
}
