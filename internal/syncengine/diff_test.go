package syncengine

import (
	"testing"

	"github.com/Ranponim/kpi-frontend-sub001/internal/settings"
)

func TestDiffIdenticalDocuments(t *testing.T) {
	local := settings.Defaults("u1")
	server := local.Clone()
	if diffs := Diff(local, server); len(diffs) != 0 {
		t.Fatalf("expected no diffs, got %v", diffs)
	}
}

func TestDiffIgnoresVolatileMetadata(t *testing.T) {
	local := settings.Defaults("u1")
	server := local.Clone()
	server.Metadata.LastModified = "2030-01-01T00:00:00Z"
	server.Metadata.Checksum = "deadbeef"
	if diffs := Diff(local, server); len(diffs) != 0 {
		t.Fatalf("lastModified/checksum should not diff, got %v", diffs)
	}
}

func TestDiffValueMismatch(t *testing.T) {
	local := settings.Defaults("u1")
	server := local.Clone()
	server.Preferences.Dashboard.Theme = settings.ThemeDark

	diffs := Diff(local, server)
	if len(diffs) != 1 {
		t.Fatalf("expected 1 diff, got %v", diffs)
	}
	d := diffs[0]
	if d.Path != "preferences.dashboard.theme" || d.Type != DiffValueMismatch {
		t.Fatalf("unexpected diff %+v", d)
	}
	if d.Severity != DiffSeverityLow {
		t.Fatalf("theme severity = %s, want low", d.Severity)
	}
	if d.LocalValue != "system" || d.ServerValue != "dark" {
		t.Fatalf("values not captured: %+v", d)
	}
}

func TestDiffSeverityTable(t *testing.T) {
	cases := map[string]DiffSeverity{
		"preferences.dashboard.selectedPegs[0]": DiffSeverityHigh,
		"preferences.dashboard.theme":           DiffSeverityLow,
		"databaseSettings.host":                 DiffSeverityHigh,
		"pegConfigurations[2].name":             DiffSeverityHigh,
		"statisticsSettings.decimalPlaces":      DiffSeverityMedium,
		"preferences.filters.timezone":          DiffSeverityLow,
		"somethingUnmapped":                     DiffSeverityMedium,
	}
	for path, want := range cases {
		if got := SeverityForPath(path); got != want {
			t.Errorf("SeverityForPath(%q) = %s, want %s", path, got, want)
		}
	}
}

func TestDiffArrayLengthAndExtras(t *testing.T) {
	local := settings.Defaults("u1")
	server := local.Clone()
	local.Preferences.Dashboard.SelectedPegs = []string{"a", "b", "c"}
	server.Preferences.Dashboard.SelectedPegs = []string{"a"}

	diffs := Diff(local, server)
	byType := map[DiffType]int{}
	for _, d := range diffs {
		byType[d.Type]++
	}
	if byType[DiffArrayLengthMismatch] != 1 {
		t.Fatalf("expected one array_length_mismatch, got %v", diffs)
	}
	if byType[DiffExtraLocalElement] != 2 {
		t.Fatalf("expected two extra_local_element, got %v", diffs)
	}
}

func TestDiffConfigurationSetsAreOrderFree(t *testing.T) {
	local := settings.Defaults("u1")
	server := local.Clone()
	local.PegConfigurations = []settings.NamedConfiguration{
		{ID: "b", Name: "second"},
		{ID: "a", Name: "first"},
	}
	server.PegConfigurations = []settings.NamedConfiguration{
		{ID: "a", Name: "first"},
		{ID: "b", Name: "second"},
	}
	if diffs := Diff(local, server); len(diffs) != 0 {
		t.Fatalf("permuted configuration sets should compare equal, got %v", diffs)
	}
}

func TestDiffTypeMismatchIsHighSeverity(t *testing.T) {
	local := settings.Defaults("u1")
	local.GeneralSettings = map[string]any{"pageSize": 25}
	server := settings.Defaults("u1")
	server.GeneralSettings = map[string]any{"pageSize": "25"}

	diffs := Diff(local, server)
	if len(diffs) != 1 || diffs[0].Type != DiffTypeMismatch {
		t.Fatalf("expected one type_mismatch, got %v", diffs)
	}
	if diffs[0].Severity.Rank() < DiffSeverityHigh.Rank() {
		t.Fatalf("type mismatch severity = %s, want >= high", diffs[0].Severity)
	}
}

func TestDiffMissingSides(t *testing.T) {
	local := settings.Defaults("u1")
	local.NotificationSettings = map[string]any{"email": true}
	server := settings.Defaults("u1")
	server.GeneralSettings = map[string]any{"pageSize": float64(25)}

	diffs := Diff(local, server)
	types := map[string]DiffType{}
	for _, d := range diffs {
		types[d.Path] = d.Type
	}
	if types["notificationSettings"] != DiffMissingServer {
		t.Fatalf("notificationSettings diff = %v", types)
	}
	if types["generalSettings"] != DiffMissingLocal {
		t.Fatalf("generalSettings diff = %v", types)
	}
}

func TestDiffNilLocal(t *testing.T) {
	server := settings.Defaults("u1")
	diffs := Diff(nil, server)
	if len(diffs) != 1 || diffs[0].Type != DiffMissingLocal {
		t.Fatalf("expected one missing_local at root, got %v", diffs)
	}
}
