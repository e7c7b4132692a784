package settings

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestToWireGroupsDashboardAndCharts(t *testing.T) {
	doc := Defaults("u1")
	doc.Preferences.Dashboard.Theme = ThemeDark
	doc.Preferences.Dashboard.SelectedPegs = []string{"p1"}
	doc.Preferences.Charts.ChartType = ChartTypeScatter
	doc.Preferences.Filters.Language = "ko"

	wire := ToWire(doc)
	if wire.Theme != ThemeDark {
		t.Fatalf("theme not hoisted: %q", wire.Theme)
	}
	if wire.Language != "ko" {
		t.Fatalf("language not hoisted: %q", wire.Language)
	}
	if wire.DashboardSettings.ChartType != ChartTypeScatter {
		t.Fatal("chart preferences not merged into dashboardSettings")
	}
	if diff := cmp.Diff([]string{"p1"}, wire.DashboardSettings.SelectedPegs); diff != "" {
		t.Fatalf("selectedPegs mismatch (-want +got):\n%s", diff)
	}
}

func TestToWireNilDocument(t *testing.T) {
	wire := ToWire(nil)
	if wire.DashboardSettings.DefaultHours != 24 {
		t.Fatalf("nil doc should map to defaults, got defaultHours=%d", wire.DashboardSettings.DefaultHours)
	}
}

func TestFromWireRoundTripPreservesContent(t *testing.T) {
	doc := Defaults("u1")
	doc.Preferences.Dashboard.Theme = ThemeDark
	doc.Preferences.Dashboard.SelectedPegs = []string{"p1", "p2"}
	doc.Preferences.Charts.DecimalPlaces = 3
	doc.Preferences.Filters.Timezone = "Asia/Seoul"
	doc.DatabaseSettings.Host = "db.internal"
	doc.StatisticsSettings.SelectedHosts = []string{"host-1"}
	doc.DerivedPegSettings.Formulas = []Formula{{ID: "f1", Name: "rate", Formula: "a/b", Active: true}}

	back := FromWire(ToWire(doc))
	if diff := cmp.Diff(doc.Preferences, back.Preferences); diff != "" {
		t.Fatalf("preferences mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(doc.DatabaseSettings, back.DatabaseSettings); diff != "" {
		t.Fatalf("databaseSettings mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(doc.DerivedPegSettings, back.DerivedPegSettings); diff != "" {
		t.Fatalf("derivedPegSettings mismatch (-want +got):\n%s", diff)
	}
}

func TestFromWireIsTotal(t *testing.T) {
	// A zero wire value maps to usable defaults rather than a broken doc.
	doc := FromWire(WirePreference{UserID: "u9"})
	if doc.UserID != "u9" {
		t.Fatalf("userId = %q", doc.UserID)
	}
	if doc.Preferences.Dashboard.DefaultHours != 24 {
		t.Fatal("missing wire fields should fall back to defaults")
	}
	if doc.Metadata.Version != 1 {
		t.Fatalf("version = %d, want 1", doc.Metadata.Version)
	}
}

func TestFromWireRejectsOutOfRangeDecimalPlaces(t *testing.T) {
	wire := ToWire(Defaults("u1"))
	wire.DashboardSettings.DecimalPlaces = 42
	doc := FromWire(wire)
	if doc.Preferences.Charts.DecimalPlaces != 2 {
		t.Fatalf("decimalPlaces = %d, want default 2", doc.Preferences.Charts.DecimalPlaces)
	}
}

func TestCompareTimestamps(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"2026-01-02T10:00:00Z", "2026-01-02T09:00:00Z", 1},
		{"2026-01-02T09:00:00Z", "2026-01-02T10:00:00Z", -1},
		{"2026-01-02T10:00:00Z", "2026-01-02T10:00:00Z", 0},
		{"", "2026-01-02T10:00:00Z", -1},
		{"2026-01-02T10:00:00Z", "", 1},
		{"", "", 0},
		{"garbage", "2026-01-02T10:00:00Z", -1},
		{"2026-01-02", "2026-01-01T00:00:00Z", 1},
	}
	for _, tc := range cases {
		if got := CompareTimestamps(tc.a, tc.b); got != tc.want {
			t.Errorf("CompareTimestamps(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}
