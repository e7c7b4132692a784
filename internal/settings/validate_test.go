package settings

import (
	"errors"
	"testing"
)

func TestCheckFormulaCyclesDirect(t *testing.T) {
	formulas := []Formula{
		{Name: "a", DerivedDependencies: []string{"b"}},
		{Name: "b", DerivedDependencies: []string{"a"}},
	}
	if err := CheckFormulaCycles(formulas); !errors.Is(err, ErrFormulaCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestCheckFormulaCyclesTransitive(t *testing.T) {
	formulas := []Formula{
		{Name: "a", DerivedDependencies: []string{"b"}},
		{Name: "b", DerivedDependencies: []string{"c"}},
		{Name: "c", DerivedDependencies: []string{"a"}},
	}
	if err := CheckFormulaCycles(formulas); !errors.Is(err, ErrFormulaCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestCheckFormulaCyclesSelfReference(t *testing.T) {
	formulas := []Formula{{Name: "Rate", DerivedDependencies: []string{"rate"}}}
	if err := CheckFormulaCycles(formulas); !errors.Is(err, ErrFormulaCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestCheckFormulaCyclesAcceptsDAG(t *testing.T) {
	formulas := []Formula{
		{Name: "a", Dependencies: []string{"raw_peg_1"}},
		{Name: "b", DerivedDependencies: []string{"a"}},
		{Name: "c", DerivedDependencies: []string{"a", "b"}},
	}
	if err := CheckFormulaCycles(formulas); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckFormulaCyclesIgnoresRawPegNames(t *testing.T) {
	// A dependency that is not a formula name is a database PEG and never
	// participates in cycle detection.
	formulas := []Formula{{Name: "a", Dependencies: []string{"a_raw", "b_raw"}}}
	if err := CheckFormulaCycles(formulas); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRanges(t *testing.T) {
	doc := Defaults("u1")
	doc.Preferences.Dashboard.AutoRefreshInterval = -1
	doc.Preferences.Dashboard.DefaultHours = 0
	doc.Preferences.Charts.DecimalPlaces = 9
	doc.Metadata.Version = 0

	issues := Validate(doc, nil)
	wantPaths := map[string]bool{
		"preferences.dashboard.autoRefreshInterval": true,
		"preferences.dashboard.defaultHours":        true,
		"preferences.charts.decimalPlaces":          true,
		"metadata.version":                          true,
	}
	for _, issue := range issues {
		delete(wantPaths, issue.Path)
	}
	if len(wantPaths) != 0 {
		t.Fatalf("missing issues for paths %v, got %v", wantPaths, issues)
	}
}

func TestValidateEnums(t *testing.T) {
	doc := Defaults("u1")
	doc.Preferences.Dashboard.ChartStyle = "holographic"
	issues := Validate(doc, nil)
	found := false
	for _, issue := range issues {
		if issue.Path == "preferences.dashboard.chartStyle" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected chartStyle issue, got %v", issues)
	}

	// Empty enum values are allowed; they mean "use the default".
	doc = Defaults("u1")
	doc.Preferences.Dashboard.ChartStyle = ""
	if issues := Validate(doc, nil); len(issues) != 0 {
		t.Fatalf("empty chartStyle should validate, got %v", issues)
	}
}

func TestValidateSelectedPegs(t *testing.T) {
	doc := Defaults("u1")
	doc.Preferences.Dashboard.SelectedPegs = []string{"known_peg", "derived_ok", "derived_off", "missing"}
	doc.DerivedPegSettings.Formulas = []Formula{
		{Name: "derived_ok", Active: true},
		{Name: "derived_off", Active: false},
	}

	issues := Validate(doc, []string{"known_peg"})
	byPath := map[string]string{}
	for _, issue := range issues {
		byPath[issue.Path] = issue.Message
	}
	if _, ok := byPath["preferences.dashboard.selectedPegs[2]"]; !ok {
		t.Fatalf("inactive derived PEG not flagged: %v", issues)
	}
	if _, ok := byPath["preferences.dashboard.selectedPegs[3]"]; !ok {
		t.Fatalf("unknown PEG not flagged: %v", issues)
	}
	if len(issues) != 2 {
		t.Fatalf("expected exactly 2 issues, got %v", issues)
	}
}

func TestValidateSelectedPegsSkipsMembershipWithoutKnownSet(t *testing.T) {
	doc := Defaults("u1")
	doc.Preferences.Dashboard.SelectedPegs = []string{"anything"}
	if issues := Validate(doc, nil); len(issues) != 0 {
		t.Fatalf("membership check should be disabled without knownPegs, got %v", issues)
	}
}
