package matching

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recurve-methods/comparison-groups/diagnostics"
	"github.com/recurve-methods/comparison-groups/distance"
	"github.com/recurve-methods/comparison-groups/loadshape"
	"github.com/recurve-methods/comparison-groups/selector"
)

func TestDefaultConfig_Validates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, loadshape.PeriodMonth, cfg.Loadshape.TimePeriod)
	assert.Equal(t, distance.Euclidean, cfg.Distance.Metric)
	assert.Equal(t, DefaultIndexThreshold, cfg.Distance.IndexThreshold)
	assert.Equal(t, selector.PolicyNearest, cfg.Selector.Policy)
	assert.Equal(t, diagnostics.MethodWelch, cfg.Diagnostics.Method)
}

func TestConfig_Validate_Errors(t *testing.T) {
	zeroWeights := make(map[string]float64)
	for _, name := range loadshape.PeriodMonth.FeatureNames() {
		zeroWeights[name] = 0
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{
			name:   "unknown metric",
			mutate: func(c *Config) { c.Distance.Metric = "cosine" },
			field:  "distance.metric",
		},
		{
			name:   "weights with unweighted metric",
			mutate: func(c *Config) { c.Distance.Weights = map[string]float64{"jan": 2} },
			field:  "distance.weights",
		},
		{
			name: "weight for unknown feature",
			mutate: func(c *Config) {
				c.Distance.Metric = distance.WeightedEuclidean
				c.Distance.Weights = map[string]float64{"h00": 1}
			},
			field: "distance.weights",
		},
		{
			name: "negative weight",
			mutate: func(c *Config) {
				c.Distance.Metric = distance.WeightedEuclidean
				c.Distance.Weights = map[string]float64{"jan": -1}
			},
			field: "distance.weights",
		},
		{
			name: "all weights zero",
			mutate: func(c *Config) {
				c.Distance.Metric = distance.WeightedEuclidean
				c.Distance.Weights = zeroWeights
			},
			field: "distance.weights",
		},
		{
			name:   "negative index threshold",
			mutate: func(c *Config) { c.Distance.IndexThreshold = -1 },
			field:  "distance.index_threshold",
		},
		{
			name:   "unknown policy",
			mutate: func(c *Config) { c.Selector.Policy = "optimal" },
			field:  "selector.policy",
		},
		{
			name:   "invalid nearest settings",
			mutate: func(c *Config) { c.Selector.Nearest.MatchesPerTreatment = 0 },
			field:  "selector.nearest",
		},
		{
			name:   "stratified without columns",
			mutate: func(c *Config) { c.Selector.Policy = selector.PolicyStratified },
			field:  "selector.stratified",
		},
		{
			name:   "invalid diagnostics",
			mutate: func(c *Config) { c.Diagnostics.BiasTolerance = 0 },
			field:  "diagnostics",
		},
		{
			name:   "invalid loadshape",
			mutate: func(c *Config) { c.Loadshape.TimePeriod = "weekly" },
			field:  "loadshape",
		},
		{
			name:   "negative workers",
			mutate: func(c *Config) { c.Workers = -2 },
			field:  "workers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			var ce *ConfigurationError
			require.True(t, errors.As(err, &ce), "want ConfigurationError, got %T", err)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestConfig_Validate_IgnoresInactivePolicy(t *testing.T) {
	// GIVEN a nearest-policy config whose stratified block was never filled in
	cfg := DefaultConfig()
	cfg.Selector.Stratified.Columns = nil
	cfg.Selector.Stratified.Ratio = 0

	// THEN validation only inspects the active policy
	assert.NoError(t, cfg.Validate())
}

func TestConfigurationError_Message(t *testing.T) {
	err := &ConfigurationError{Field: "distance.metric", Reason: "unknown metric \"cosine\""}
	assert.Equal(t, `config distance.metric: unknown metric "cosine"`, err.Error())
}

func TestLoadConfig_OverridesKeepDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	doc := `
loadshape:
  time_period: hour
  normalization: zscore
distance:
  metric: weighted
  weights:
    h00: 3
selector:
  policy: stratified
  stratified:
    columns:
      - feature: h00
        bins: 3
    ratio: 2
    fallback: borrow
seed: 7
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	// Overridden keys took effect.
	assert.Equal(t, loadshape.PeriodHour, cfg.Loadshape.TimePeriod)
	assert.Equal(t, loadshape.NormZScore, cfg.Loadshape.Normalization)
	assert.Equal(t, distance.WeightedEuclidean, cfg.Distance.Metric)
	assert.Equal(t, 3.0, cfg.Distance.Weights["h00"])
	assert.Equal(t, selector.PolicyStratified, cfg.Selector.Policy)
	assert.Equal(t, 2, cfg.Selector.Stratified.Ratio)
	assert.Equal(t, selector.FallbackBorrow, cfg.Selector.Stratified.Fallback)
	assert.Equal(t, int64(7), cfg.Seed)

	// Omitted keys kept their defaults.
	assert.Equal(t, loadshape.AggMean, cfg.Loadshape.Aggregation)
	assert.Equal(t, 0.8, cfg.Loadshape.MinCoverage)
	assert.True(t, cfg.Loadshape.Interpolate)
	assert.Equal(t, DefaultIndexThreshold, cfg.Distance.IndexThreshold)
	assert.Equal(t, 4, cfg.Selector.Nearest.MatchesPerTreatment)
	assert.Equal(t, diagnostics.MethodWelch, cfg.Diagnostics.Method)
	assert.False(t, cfg.Strict)
}

func TestLoadConfig_RejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("turbo: true\n"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "turbo")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config")
}

func TestConfig_FeatureWeights(t *testing.T) {
	names := loadshape.PeriodMonth.FeatureNames()

	cfg := DefaultConfig()
	assert.Nil(t, cfg.featureWeights(names), "unweighted metrics resolve to nil")

	cfg.Distance.Metric = distance.WeightedEuclidean
	cfg.Distance.Weights = map[string]float64{"jan": 2.5}
	w := cfg.featureWeights(names)
	require.Len(t, w, len(names))
	assert.Equal(t, 2.5, w[0])
	for i := 1; i < len(w); i++ {
		assert.Equal(t, 1.0, w[i])
	}
}

func TestConfig_EffectiveWorkersAndThreshold(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, runtime.GOMAXPROCS(0), cfg.workers())
	assert.Equal(t, DefaultIndexThreshold, cfg.indexThreshold())

	cfg.Workers = 3
	cfg.Distance.IndexThreshold = 64
	assert.Equal(t, 3, cfg.workers())
	assert.Equal(t, 64, cfg.indexThreshold())
}
