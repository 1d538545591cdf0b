package loadshape

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
)

// FeatureVector is one meter's fixed-length numeric summary.
type FeatureVector struct {
	MeterID string
	Values  []float64
}

// FeatureSet is an aligned collection of feature vectors: every vector holds
// one finite value per name, and vectors are ordered by ascending meter id.
// Construct with NewFeatureSet; the zero value is not usable.
type FeatureSet struct {
	Names   []string
	Vectors []FeatureVector

	// Normalization records how the builder scaled values ("" when the set
	// holds caller-supplied features).
	Normalization Normalization

	index map[string]int
}

// NewFeatureSet validates and assembles a feature set. Vectors are sorted by
// meter id; every vector must be the same length as names with finite values,
// and meter ids must be unique.
func NewFeatureSet(names []string, vectors []FeatureVector) (*FeatureSet, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("feature set needs at least one feature name")
	}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if n == "" {
			return nil, fmt.Errorf("empty feature name")
		}
		if seen[n] {
			return nil, fmt.Errorf("duplicate feature name %q", n)
		}
		seen[n] = true
	}
	sorted := append([]FeatureVector(nil), vectors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MeterID < sorted[j].MeterID })

	index := make(map[string]int, len(sorted))
	for i, v := range sorted {
		if v.MeterID == "" {
			return nil, fmt.Errorf("vector %d has empty meter id", i)
		}
		if _, dup := index[v.MeterID]; dup {
			return nil, fmt.Errorf("duplicate meter id %q", v.MeterID)
		}
		if len(v.Values) != len(names) {
			return nil, fmt.Errorf("meter %s: vector length %d does not match %d feature names",
				v.MeterID, len(v.Values), len(names))
		}
		for j, val := range v.Values {
			if math.IsNaN(val) || math.IsInf(val, 0) {
				return nil, fmt.Errorf("meter %s: feature %q is not finite", v.MeterID, names[j])
			}
		}
		index[v.MeterID] = i
	}
	return &FeatureSet{
		Names:   append([]string(nil), names...),
		Vectors: sorted,
		index:   index,
	}, nil
}

// Len returns the number of meters in the set.
func (fs *FeatureSet) Len() int {
	return len(fs.Vectors)
}

// Dim returns the number of features per vector.
func (fs *FeatureSet) Dim() int {
	return len(fs.Names)
}

// IDs returns meter ids in set order (ascending).
func (fs *FeatureSet) IDs() []string {
	ids := make([]string, len(fs.Vectors))
	for i, v := range fs.Vectors {
		ids[i] = v.MeterID
	}
	return ids
}

// Vector returns the values for a meter id.
func (fs *FeatureSet) Vector(id string) ([]float64, bool) {
	i, ok := fs.index[id]
	if !ok {
		return nil, false
	}
	return fs.Vectors[i].Values, true
}

// Column returns one feature's values in set order.
func (fs *FeatureSet) Column(name string) ([]float64, bool) {
	col := -1
	for j, n := range fs.Names {
		if n == name {
			col = j
			break
		}
	}
	if col < 0 {
		return nil, false
	}
	vals := make([]float64, len(fs.Vectors))
	for i, v := range fs.Vectors {
		vals[i] = v.Values[col]
	}
	return vals, true
}

// Rows returns the value slices in set order. The slices are the set's
// backing storage; callers must not modify them.
func (fs *FeatureSet) Rows() [][]float64 {
	rows := make([][]float64, len(fs.Vectors))
	for i, v := range fs.Vectors {
		rows[i] = v.Values
	}
	return rows
}

// Select returns the subset holding the given meter ids (deduplicated).
// Unknown ids are an error.
func (fs *FeatureSet) Select(ids []string) (*FeatureSet, error) {
	uniq := make(map[string]bool, len(ids))
	var vectors []FeatureVector
	for _, id := range ids {
		if uniq[id] {
			continue
		}
		uniq[id] = true
		i, ok := fs.index[id]
		if !ok {
			return nil, fmt.Errorf("meter %s not in feature set", id)
		}
		vectors = append(vectors, fs.Vectors[i])
	}
	sub, err := NewFeatureSet(fs.Names, vectors)
	if err != nil {
		return nil, err
	}
	sub.Normalization = fs.Normalization
	return sub, nil
}

// Project returns the set restricted to the named features, in the given
// order. Unknown names are an error.
func (fs *FeatureSet) Project(names []string) (*FeatureSet, error) {
	cols := make([]int, len(names))
	for k, name := range names {
		col := -1
		for j, n := range fs.Names {
			if n == name {
				col = j
				break
			}
		}
		if col < 0 {
			return nil, fmt.Errorf("feature %q not in feature set", name)
		}
		cols[k] = col
	}
	vectors := make([]FeatureVector, len(fs.Vectors))
	for i, v := range fs.Vectors {
		vals := make([]float64, len(cols))
		for k, c := range cols {
			vals[k] = v.Values[c]
		}
		vectors[i] = FeatureVector{MeterID: v.MeterID, Values: vals}
	}
	sub, err := NewFeatureSet(names, vectors)
	if err != nil {
		return nil, err
	}
	sub.Normalization = fs.Normalization
	return sub, nil
}

// Join combines two sets column-wise over the meters present in both.
// Feature names must be disjoint.
func Join(a, b *FeatureSet) (*FeatureSet, error) {
	names := make([]string, 0, len(a.Names)+len(b.Names))
	names = append(names, a.Names...)
	names = append(names, b.Names...)

	var vectors []FeatureVector
	for _, va := range a.Vectors {
		vb, ok := b.Vector(va.MeterID)
		if !ok {
			continue
		}
		vals := make([]float64, 0, len(names))
		vals = append(vals, va.Values...)
		vals = append(vals, vb...)
		vectors = append(vectors, FeatureVector{MeterID: va.MeterID, Values: vals})
	}
	return NewFeatureSet(names, vectors)
}

// MeterFeatures is one meter's caller-supplied named features (square
// footage, baseline usage, climate zone index and similar).
type MeterFeatures struct {
	MeterID string
	Values  map[string]float64
}

// NewExtraSet assembles caller-supplied features into a FeatureSet. Feature
// names are the union across rows, sorted; meters missing a feature or
// holding a non-finite value are excluded with a reason. Duplicate meter ids
// keep the first row. Returns nil when rows is empty.
func NewExtraSet(rows []MeterFeatures) (*FeatureSet, []Exclusion, error) {
	if len(rows) == 0 {
		return nil, nil, nil
	}
	nameSet := make(map[string]bool)
	for _, r := range rows {
		for name := range r.Values {
			nameSet[name] = true
		}
	}
	names := make([]string, 0, len(nameSet))
	for name := range nameSet {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, nil, fmt.Errorf("feature rows carry no feature values")
	}

	var exclusions []Exclusion
	seen := make(map[string]bool, len(rows))
	var vectors []FeatureVector
	for _, r := range rows {
		if r.MeterID == "" {
			return nil, nil, fmt.Errorf("feature row has empty meter id")
		}
		if seen[r.MeterID] {
			logrus.Debugf("duplicate feature row for meter %s; keeping first", r.MeterID)
			continue
		}
		seen[r.MeterID] = true
		vals := make([]float64, len(names))
		excluded := false
		for j, name := range names {
			v, ok := r.Values[name]
			if !ok {
				exclusions = append(exclusions, Exclusion{MeterID: r.MeterID, Reason: fmt.Sprintf("missing feature %q", name)})
				excluded = true
				break
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				exclusions = append(exclusions, Exclusion{MeterID: r.MeterID, Reason: fmt.Sprintf("non-finite feature %q", name)})
				excluded = true
				break
			}
			vals[j] = v
		}
		if excluded {
			continue
		}
		vectors = append(vectors, FeatureVector{MeterID: r.MeterID, Values: vals})
	}

	fs, err := NewFeatureSet(names, vectors)
	if err != nil {
		return nil, nil, err
	}
	return fs, exclusions, nil
}
