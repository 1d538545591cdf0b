package loadshape

import (
	"math"
	"strings"
	"testing"
)

func twoMeterSet(t *testing.T) *FeatureSet {
	t.Helper()
	fs, err := NewFeatureSet([]string{"a", "b", "c"}, []FeatureVector{
		{MeterID: "m-2", Values: []float64{4, 5, 6}},
		{MeterID: "m-1", Values: []float64{1, 2, 3}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return fs
}

func TestNewFeatureSet_SortsVectorsByMeterID(t *testing.T) {
	fs := twoMeterSet(t)
	ids := fs.IDs()
	if ids[0] != "m-1" || ids[1] != "m-2" {
		t.Errorf("ids = %v, want [m-1 m-2]", ids)
	}
}

func TestNewFeatureSet_RejectsLengthMismatch(t *testing.T) {
	_, err := NewFeatureSet([]string{"a", "b"}, []FeatureVector{
		{MeterID: "m-1", Values: []float64{1}},
	})
	if err == nil {
		t.Fatal("expected error for vector length mismatch")
	}
}

func TestNewFeatureSet_RejectsDuplicateMeterID(t *testing.T) {
	_, err := NewFeatureSet([]string{"a"}, []FeatureVector{
		{MeterID: "m-1", Values: []float64{1}},
		{MeterID: "m-1", Values: []float64{2}},
	})
	if err == nil {
		t.Fatal("expected error for duplicate meter id")
	}
}

func TestNewFeatureSet_RejectsNonFiniteValues(t *testing.T) {
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := NewFeatureSet([]string{"a"}, []FeatureVector{
			{MeterID: "m-1", Values: []float64{bad}},
		})
		if err == nil {
			t.Errorf("expected error for value %v", bad)
		}
	}
}

func TestNewFeatureSet_RejectsDuplicateFeatureName(t *testing.T) {
	_, err := NewFeatureSet([]string{"a", "a"}, nil)
	if err == nil {
		t.Fatal("expected error for duplicate feature name")
	}
}

func TestVector_LooksUpByID(t *testing.T) {
	fs := twoMeterSet(t)
	v, ok := fs.Vector("m-1")
	if !ok || v[0] != 1 {
		t.Errorf("Vector(m-1) = %v, %v", v, ok)
	}
	if _, ok := fs.Vector("m-9"); ok {
		t.Error("Vector(m-9) should not be found")
	}
}

func TestColumn_ReturnsValuesInSetOrder(t *testing.T) {
	fs := twoMeterSet(t)
	col, ok := fs.Column("b")
	if !ok {
		t.Fatal("column b should exist")
	}
	if col[0] != 2 || col[1] != 5 {
		t.Errorf("column b = %v, want [2 5]", col)
	}
	if _, ok := fs.Column("z"); ok {
		t.Error("column z should not exist")
	}
}

func TestSelect_SubsetsAndDeduplicates(t *testing.T) {
	fs := twoMeterSet(t)
	sub, err := fs.Select([]string{"m-2", "m-2"})
	if err != nil {
		t.Fatal(err)
	}
	if sub.Len() != 1 || sub.IDs()[0] != "m-2" {
		t.Errorf("subset ids = %v, want [m-2]", sub.IDs())
	}
	if _, err := fs.Select([]string{"m-9"}); err == nil {
		t.Error("selecting an unknown id should error")
	}
}

func TestProject_RestrictsAndReordersColumns(t *testing.T) {
	fs := twoMeterSet(t)
	sub, err := fs.Project([]string{"c", "a"})
	if err != nil {
		t.Fatal(err)
	}
	v, _ := sub.Vector("m-1")
	if v[0] != 3 || v[1] != 1 {
		t.Errorf("projected m-1 = %v, want [3 1]", v)
	}
	if _, err := fs.Project([]string{"z"}); err == nil {
		t.Error("projecting an unknown feature should error")
	}
}

func TestJoin_IntersectsMetersAndConcatenatesColumns(t *testing.T) {
	left := twoMeterSet(t)
	right, err := NewFeatureSet([]string{"sqft"}, []FeatureVector{
		{MeterID: "m-1", Values: []float64{1500}},
		{MeterID: "m-3", Values: []float64{900}},
	})
	if err != nil {
		t.Fatal(err)
	}
	joined, err := Join(left, right)
	if err != nil {
		t.Fatal(err)
	}
	if joined.Len() != 1 {
		t.Fatalf("joined len = %d, want 1 (intersection)", joined.Len())
	}
	v, _ := joined.Vector("m-1")
	want := []float64{1, 2, 3, 1500}
	for i := range want {
		if v[i] != want[i] {
			t.Errorf("joined m-1 = %v, want %v", v, want)
			break
		}
	}
}

func TestNewExtraSet_SortsNamesAndExcludesBadRows(t *testing.T) {
	rows := []MeterFeatures{
		{MeterID: "m-1", Values: map[string]float64{"sqft": 1500, "baseline_kwh": 900}},
		{MeterID: "m-2", Values: map[string]float64{"sqft": 1200}},
		{MeterID: "m-3", Values: map[string]float64{"sqft": math.NaN(), "baseline_kwh": 700}},
	}
	fs, exclusions, err := NewExtraSet(rows)
	if err != nil {
		t.Fatal(err)
	}
	if len(fs.Names) != 2 || fs.Names[0] != "baseline_kwh" || fs.Names[1] != "sqft" {
		t.Errorf("names = %v, want sorted [baseline_kwh sqft]", fs.Names)
	}
	if fs.Len() != 1 || fs.IDs()[0] != "m-1" {
		t.Errorf("kept ids = %v, want [m-1]", fs.IDs())
	}
	if len(exclusions) != 2 {
		t.Fatalf("exclusions = %d, want 2", len(exclusions))
	}
	for _, e := range exclusions {
		switch e.MeterID {
		case "m-2":
			if !strings.Contains(e.Reason, "missing feature") {
				t.Errorf("m-2 reason = %q", e.Reason)
			}
		case "m-3":
			if !strings.Contains(e.Reason, "non-finite") {
				t.Errorf("m-3 reason = %q", e.Reason)
			}
		default:
			t.Errorf("unexpected exclusion %+v", e)
		}
	}
}

func TestNewExtraSet_EmptyRows_ReturnsNil(t *testing.T) {
	fs, exclusions, err := NewExtraSet(nil)
	if fs != nil || exclusions != nil || err != nil {
		t.Errorf("empty rows should return all nil, got %v %v %v", fs, exclusions, err)
	}
}

func TestNewExtraSet_DuplicateMeterID_KeepsFirstRow(t *testing.T) {
	rows := []MeterFeatures{
		{MeterID: "m-1", Values: map[string]float64{"sqft": 1500}},
		{MeterID: "m-1", Values: map[string]float64{"sqft": 9999}},
	}
	fs, _, err := NewExtraSet(rows)
	if err != nil {
		t.Fatal(err)
	}
	v, _ := fs.Vector("m-1")
	if v[0] != 1500 {
		t.Errorf("kept value = %v, want first row's 1500", v[0])
	}
}
