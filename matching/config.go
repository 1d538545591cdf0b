package matching

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/recurve-methods/comparison-groups/diagnostics"
	"github.com/recurve-methods/comparison-groups/distance"
	"github.com/recurve-methods/comparison-groups/loadshape"
	"github.com/recurve-methods/comparison-groups/selector"
)

// ConfigurationError reports an invalid or contradictory run configuration.
// Configuration errors are always raised before any computation begins.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// DefaultIndexThreshold is the pool size at which nearest-neighbor matching
// switches from the full pairwise matrix to the kd-tree index.
const DefaultIndexThreshold = 512

// DistanceConfig selects the metric treatment and pool profiles are compared
// under.
type DistanceConfig struct {
	Metric distance.Metric `yaml:"metric"`
	// Weights maps profile feature names to per-feature weights for the
	// weighted metric. Unnamed features default to weight 1.
	Weights map[string]float64 `yaml:"weights,omitempty"`
	// IndexThreshold is the pool size at which matching switches to the
	// kd-tree index. 0 means DefaultIndexThreshold.
	IndexThreshold int `yaml:"index_threshold"`
}

// SelectorConfig chooses the selection policy. Only the active policy's
// settings are validated; the inactive block is ignored.
type SelectorConfig struct {
	Policy     selector.Policy             `yaml:"policy"`
	Nearest    selector.NearestSettings    `yaml:"nearest"`
	Stratified selector.StratifiedSettings `yaml:"stratified"`
}

// Config is the complete configuration of one matching run.
type Config struct {
	Loadshape   loadshape.Settings   `yaml:"loadshape"`
	Distance    DistanceConfig       `yaml:"distance"`
	Selector    SelectorConfig       `yaml:"selector"`
	Diagnostics diagnostics.Settings `yaml:"diagnostics"`

	// Seed drives every random draw of the run; identical input and
	// configuration reproduce the result exactly.
	Seed int64 `yaml:"seed"`
	// Workers bounds feature-building and distance-matrix parallelism.
	// 0 means GOMAXPROCS.
	Workers int `yaml:"workers"`
	// Strict escalates any per-meter exclusion to a run-fatal error.
	Strict bool `yaml:"strict"`
}

// DefaultConfig returns the standard run configuration: monthly
// mean-normalized profiles, euclidean nearest-neighbor matching at four
// matches per treatment meter, Welch balance diagnostics.
func DefaultConfig() Config {
	return Config{
		Loadshape: loadshape.DefaultSettings(),
		Distance: DistanceConfig{
			Metric:         distance.Euclidean,
			IndexThreshold: DefaultIndexThreshold,
		},
		Selector: SelectorConfig{
			Policy:     selector.PolicyNearest,
			Nearest:    selector.DefaultNearestSettings(),
			Stratified: selector.DefaultStratifiedSettings(),
		},
		Diagnostics: diagnostics.DefaultSettings(),
	}
}

// LoadConfig reads a YAML run configuration. Omitted keys keep their
// DefaultConfig values; unrecognized keys (typos) are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the whole configuration, wrapping the first failure in a
// ConfigurationError naming the offending block.
func (c *Config) Validate() error {
	if err := c.Loadshape.Validate(); err != nil {
		return &ConfigurationError{Field: "loadshape", Reason: err.Error()}
	}
	if err := c.validateDistance(); err != nil {
		return err
	}
	if err := c.validateSelector(); err != nil {
		return err
	}
	if err := c.Diagnostics.Validate(); err != nil {
		return &ConfigurationError{Field: "diagnostics", Reason: err.Error()}
	}
	if c.Workers < 0 {
		return &ConfigurationError{Field: "workers", Reason: fmt.Sprintf("must not be negative, got %d", c.Workers)}
	}
	return nil
}

func (c *Config) validateDistance() error {
	d := &c.Distance
	if !distance.IsValidMetric(d.Metric) {
		return &ConfigurationError{
			Field: "distance.metric",
			Reason: fmt.Sprintf("unknown metric %q; valid: %s, %s, %s",
				d.Metric, distance.Euclidean, distance.WeightedEuclidean, distance.Mahalanobis),
		}
	}
	if d.IndexThreshold < 0 {
		return &ConfigurationError{Field: "distance.index_threshold", Reason: fmt.Sprintf("must not be negative, got %d", d.IndexThreshold)}
	}
	if len(d.Weights) == 0 {
		return nil
	}
	if d.Metric != distance.WeightedEuclidean {
		return &ConfigurationError{
			Field:  "distance.weights",
			Reason: fmt.Sprintf("weights are only valid for the %s metric", distance.WeightedEuclidean),
		}
	}
	names := c.Loadshape.TimePeriod.FeatureNames()
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	// Features absent from the map weigh 1, so only a map covering every
	// profile feature can zero them all out.
	positive := len(d.Weights) < len(names)
	for name, w := range d.Weights {
		if !known[name] {
			return &ConfigurationError{
				Field:  "distance.weights",
				Reason: fmt.Sprintf("feature %q is not in the %s profile", name, c.Loadshape.TimePeriod),
			}
		}
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return &ConfigurationError{
				Field:  "distance.weights",
				Reason: fmt.Sprintf("weight for %q must be finite and non-negative, got %v", name, w),
			}
		}
		if w > 0 {
			positive = true
		}
	}
	if !positive {
		return &ConfigurationError{Field: "distance.weights", Reason: "at least one feature weight must be positive"}
	}
	return nil
}

func (c *Config) validateSelector() error {
	s := &c.Selector
	if !selector.IsValidPolicy(s.Policy) {
		return &ConfigurationError{
			Field:  "selector.policy",
			Reason: fmt.Sprintf("unknown policy %q; valid: %s, %s", s.Policy, selector.PolicyNearest, selector.PolicyStratified),
		}
	}
	switch s.Policy {
	case selector.PolicyNearest:
		if err := s.Nearest.Validate(); err != nil {
			return &ConfigurationError{Field: "selector.nearest", Reason: err.Error()}
		}
	case selector.PolicyStratified:
		if err := s.Stratified.Validate(); err != nil {
			return &ConfigurationError{Field: "selector.stratified", Reason: err.Error()}
		}
	}
	return nil
}

// workers returns the effective worker count.
func (c *Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// indexThreshold returns the effective kd-tree switchover pool size.
func (c *Config) indexThreshold() int {
	if c.Distance.IndexThreshold > 0 {
		return c.Distance.IndexThreshold
	}
	return DefaultIndexThreshold
}

// featureWeights resolves the configured weight map onto the ordered profile
// feature names, defaulting unnamed features to 1. Nil for unweighted
// metrics.
func (c *Config) featureWeights(names []string) []float64 {
	if c.Distance.Metric != distance.WeightedEuclidean {
		return nil
	}
	w := make([]float64, len(names))
	for i, n := range names {
		if v, ok := c.Distance.Weights[n]; ok {
			w[i] = v
		} else {
			w[i] = 1
		}
	}
	return w
}
