package settings

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultsAreValid(t *testing.T) {
	doc := Defaults("operator")
	if issues := Validate(doc, nil); len(issues) != 0 {
		t.Fatalf("defaults should validate cleanly, got %v", issues)
	}
	if doc.Preferences.Dashboard.DefaultHours != 24 {
		t.Fatalf("defaultHours = %d, want 24", doc.Preferences.Dashboard.DefaultHours)
	}
	if doc.Metadata.Version != 1 {
		t.Fatalf("metadata.version = %d, want 1", doc.Metadata.Version)
	}
}

func TestCloneIsDeep(t *testing.T) {
	doc := Defaults("u1")
	doc.Preferences.Dashboard.SelectedPegs = []string{"peg_a"}
	clone := doc.Clone()
	clone.Preferences.Dashboard.SelectedPegs[0] = "peg_b"
	clone.DatabaseSettings.Host = "elsewhere"

	if doc.Preferences.Dashboard.SelectedPegs[0] != "peg_a" {
		t.Fatal("clone shares selectedPegs backing array")
	}
	if doc.DatabaseSettings.Host != "localhost" {
		t.Fatal("clone shares databaseSettings")
	}
}

func TestApplyPartialMergesSection(t *testing.T) {
	doc := Defaults("u1")
	err := ApplyPartial(doc, Partial{
		"dashboard": map[string]any{"theme": "dark", "defaultHours": 48},
	})
	if err != nil {
		t.Fatal(err)
	}
	dash := doc.Preferences.Dashboard
	if dash.Theme != ThemeDark {
		t.Fatalf("theme = %q, want dark", dash.Theme)
	}
	if dash.DefaultHours != 48 {
		t.Fatalf("defaultHours = %d, want 48", dash.DefaultHours)
	}
	// Untouched fields in the same section survive the merge.
	if dash.ChartStyle != ChartStyleLine {
		t.Fatalf("chartStyle = %q, want line", dash.ChartStyle)
	}
}

func TestApplyPartialRejectsUnknownSection(t *testing.T) {
	doc := Defaults("u1")
	if err := ApplyPartial(doc, Partial{"bogus": map[string]any{}}); err == nil {
		t.Fatal("expected error for unknown section")
	}
}

func TestApplyPartialReplacesArrays(t *testing.T) {
	doc := Defaults("u1")
	doc.Preferences.Dashboard.SelectedPegs = []string{"a", "b", "c"}
	err := ApplyPartial(doc, Partial{
		"dashboard": map[string]any{"selectedPegs": []string{"z"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"z"}, doc.Preferences.Dashboard.SelectedPegs); diff != "" {
		t.Fatalf("selectedPegs mismatch (-want +got):\n%s", diff)
	}
}

func TestResetSectionsRestoresDefaults(t *testing.T) {
	doc := Defaults("u1")
	doc.Preferences.Dashboard.Theme = ThemeDark
	doc.DatabaseSettings.Host = "db.example.net"
	doc.Metadata.Version = 7

	if err := ResetSections(doc, SectionPreferences); err != nil {
		t.Fatal(err)
	}
	if doc.Preferences.Dashboard.Theme != ThemeSystem {
		t.Fatalf("theme = %q, want system after reset", doc.Preferences.Dashboard.Theme)
	}
	// Only the named section resets.
	if doc.DatabaseSettings.Host != "db.example.net" {
		t.Fatal("databaseSettings reset unexpectedly")
	}
	// Metadata and userId are preserved.
	if doc.Metadata.Version != 7 || doc.UserID != "u1" {
		t.Fatal("reset touched metadata or userId")
	}
}

func TestResetAllSections(t *testing.T) {
	doc := Defaults("u1")
	doc.NotificationSettings = map[string]any{"email": true}
	doc.PegConfigurations = []NamedConfiguration{{ID: "c1", Name: "saved"}}

	if err := ResetSections(doc); err != nil {
		t.Fatal(err)
	}
	if doc.NotificationSettings != nil {
		t.Fatal("notificationSettings should reset to nil")
	}
	if doc.PegConfigurations != nil {
		t.Fatal("pegConfigurations should reset to nil")
	}
}

func TestUnknownTopLevelKeysSurviveRoundTrip(t *testing.T) {
	raw := []byte(`{
		"userId": "u1",
		"preferences": {},
		"metadata": {"version": 2},
		"futureSection": {"flag": true}
	}`)
	var doc UserSettings
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	if _, ok := doc.Extra["futureSection"]; !ok {
		t.Fatal("unknown key not captured in Extra")
	}

	out, err := json.Marshal(&doc)
	if err != nil {
		t.Fatal(err)
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(out, &generic); err != nil {
		t.Fatal(err)
	}
	if _, ok := generic["futureSection"]; !ok {
		t.Fatal("unknown key dropped on marshal")
	}
}

func TestSectionReturnsCopy(t *testing.T) {
	doc := Defaults("u1")
	value, err := Section(doc, SectionDatabaseSettings)
	if err != nil {
		t.Fatal(err)
	}
	db, ok := value.(*DatabaseSettings)
	if !ok {
		t.Fatalf("section value type %T", value)
	}
	db.Host = "mutated"
	if doc.DatabaseSettings.Host != "localhost" {
		t.Fatal("Section returned a live pointer into the document")
	}
}

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"  RACH_Success  ": "rach_success",
		"peg":              "peg",
		"":                 "",
	}
	for in, want := range cases {
		if got := NormalizeName(in); got != want {
			t.Errorf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}
