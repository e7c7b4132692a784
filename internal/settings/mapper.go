package settings

import (
	"time"
)

// WireDashboard carries the dashboard and chart preferences as the server
// groups them.
type WireDashboard struct {
	SelectedPegs        []string `json:"selectedPegs"`
	DefaultNE           string   `json:"defaultNe"`
	DefaultCellID       string   `json:"defaultCellId"`
	AutoRefreshInterval int      `json:"autoRefreshInterval"`
	ChartStyle          string   `json:"chartStyle"`
	ChartLayout         string   `json:"chartLayout"`
	ShowLegend          bool     `json:"showLegend"`
	ShowGrid            bool     `json:"showGrid"`
	DefaultHours        int      `json:"defaultHours"`
	DefaultDateRange    int      `json:"defaultDateRange"`
	ComparisonEnabled   bool     `json:"comparisonEnabled"`
	ShowDelta           bool     `json:"showDelta"`
	ShowRSD             bool     `json:"showRsd"`
	ChartType           string   `json:"chartType"`
	DecimalPlaces       int      `json:"decimalPlaces"`
}

type WireStatistics struct {
	SelectedHosts    []string `json:"selectedHosts"`
	SelectedNEs      []string `json:"selectedNEs"`
	SelectedCellIDs  []string `json:"selectedCellIds"`
	DefaultDateRange int      `json:"defaultDateRange"`
	DecimalPlaces    int      `json:"decimalPlaces"`
	ShowDelta        bool     `json:"showDelta"`
	ShowRSD          bool     `json:"showRsd"`
}

type WireAnalysisFilter struct {
	DateFormat   string             `json:"dateFormat"`
	NumberFormat string             `json:"numberFormat"`
	Timezone     string             `json:"timezone"`
	DerivedPegs  DerivedPegSettings `json:"derivedPegs"`
}

// WirePreference is the server-side shape of a user preference. The server
// groups fields differently from the local document and hoists theme and
// language to the top level.
type WirePreference struct {
	UserID                   string               `json:"userId"`
	Theme                    string               `json:"theme"`
	Language                 string               `json:"language"`
	DashboardSettings        WireDashboard        `json:"dashboardSettings"`
	StatisticsSettings       WireStatistics       `json:"statisticsSettings"`
	AnalysisFilterSettings   WireAnalysisFilter   `json:"analysisFilterSettings"`
	DatabaseSettings         DatabaseSettings     `json:"databaseSettings"`
	NotificationSettings     map[string]any       `json:"notificationSettings,omitempty"`
	GeneralSettings          map[string]any       `json:"generalSettings,omitempty"`
	PegConfigurations        []NamedConfiguration `json:"pegConfigurations,omitempty"`
	StatisticsConfigurations []NamedConfiguration `json:"statisticsConfigurations,omitempty"`
	Version                  int                  `json:"version,omitempty"`
	CreatedAt                string               `json:"createdAt,omitempty"`
	LastModified             string               `json:"lastModified,omitempty"`
}

// ToWire maps the local document to the server wire shape. The mapping is
// total: a nil document maps to the wire form of the defaults.
func ToWire(doc *UserSettings) WirePreference {
	if doc == nil {
		doc = Defaults("")
	}
	dash := doc.Preferences.Dashboard
	charts := doc.Preferences.Charts
	filters := doc.Preferences.Filters
	return WirePreference{
		UserID:   doc.UserID,
		Theme:    dash.Theme,
		Language: filters.Language,
		DashboardSettings: WireDashboard{
			SelectedPegs:        copyStrings(dash.SelectedPegs),
			DefaultNE:           dash.DefaultNE,
			DefaultCellID:       dash.DefaultCellID,
			AutoRefreshInterval: dash.AutoRefreshInterval,
			ChartStyle:          dash.ChartStyle,
			ChartLayout:         dash.ChartLayout,
			ShowLegend:          dash.ShowLegend,
			ShowGrid:            dash.ShowGrid,
			DefaultHours:        dash.DefaultHours,
			DefaultDateRange:    charts.DefaultDateRange,
			ComparisonEnabled:   charts.ComparisonEnabled,
			ShowDelta:           charts.ShowDelta,
			ShowRSD:             charts.ShowRSD,
			ChartType:           charts.ChartType,
			DecimalPlaces:       charts.DecimalPlaces,
		},
		StatisticsSettings: WireStatistics{
			SelectedHosts:    copyStrings(doc.StatisticsSettings.SelectedHosts),
			SelectedNEs:      copyStrings(doc.StatisticsSettings.SelectedNEs),
			SelectedCellIDs:  copyStrings(doc.StatisticsSettings.SelectedCellIDs),
			DefaultDateRange: doc.StatisticsSettings.DefaultDateRange,
			DecimalPlaces:    doc.StatisticsSettings.DecimalPlaces,
			ShowDelta:        doc.StatisticsSettings.ShowDelta,
			ShowRSD:          doc.StatisticsSettings.ShowRSD,
		},
		AnalysisFilterSettings: WireAnalysisFilter{
			DateFormat:   filters.DateFormat,
			NumberFormat: filters.NumberFormat,
			Timezone:     filters.Timezone,
			DerivedPegs:  *cloneDerived(&doc.DerivedPegSettings),
		},
		DatabaseSettings:         doc.DatabaseSettings,
		NotificationSettings:     doc.NotificationSettings,
		GeneralSettings:          doc.GeneralSettings,
		PegConfigurations:        doc.PegConfigurations,
		StatisticsConfigurations: doc.StatisticsConfigurations,
		Version:                  doc.Metadata.Version,
		CreatedAt:                doc.Metadata.CreatedAt,
		LastModified:             doc.Metadata.LastModified,
	}
}

// FromWire maps a server wire preference back to the local document. Safe
// defaults fill any missing field; the function never fails.
func FromWire(wire WirePreference) *UserSettings {
	doc := Defaults(wire.UserID)
	dash := wire.DashboardSettings
	if dash.SelectedPegs != nil {
		doc.Preferences.Dashboard.SelectedPegs = copyStrings(dash.SelectedPegs)
	}
	setIfNonZero(&doc.Preferences.Dashboard.DefaultNE, dash.DefaultNE)
	setIfNonZero(&doc.Preferences.Dashboard.DefaultCellID, dash.DefaultCellID)
	if dash.AutoRefreshInterval > 0 {
		doc.Preferences.Dashboard.AutoRefreshInterval = dash.AutoRefreshInterval
	}
	setIfNonZero(&doc.Preferences.Dashboard.ChartStyle, dash.ChartStyle)
	setIfNonZero(&doc.Preferences.Dashboard.ChartLayout, dash.ChartLayout)
	doc.Preferences.Dashboard.ShowLegend = dash.ShowLegend
	doc.Preferences.Dashboard.ShowGrid = dash.ShowGrid
	setIfNonZero(&doc.Preferences.Dashboard.Theme, wire.Theme)
	if dash.DefaultHours > 0 {
		doc.Preferences.Dashboard.DefaultHours = dash.DefaultHours
	}
	if dash.DefaultDateRange > 0 {
		doc.Preferences.Charts.DefaultDateRange = dash.DefaultDateRange
	}
	doc.Preferences.Charts.ComparisonEnabled = dash.ComparisonEnabled
	doc.Preferences.Charts.ShowDelta = dash.ShowDelta
	doc.Preferences.Charts.ShowRSD = dash.ShowRSD
	setIfNonZero(&doc.Preferences.Charts.ChartType, dash.ChartType)
	if dash.DecimalPlaces >= 0 && dash.DecimalPlaces <= 6 {
		doc.Preferences.Charts.DecimalPlaces = dash.DecimalPlaces
	}

	filter := wire.AnalysisFilterSettings
	setIfNonZero(&doc.Preferences.Filters.DateFormat, filter.DateFormat)
	setIfNonZero(&doc.Preferences.Filters.NumberFormat, filter.NumberFormat)
	setIfNonZero(&doc.Preferences.Filters.Language, wire.Language)
	setIfNonZero(&doc.Preferences.Filters.Timezone, filter.Timezone)
	if filter.DerivedPegs.Formulas != nil {
		doc.DerivedPegSettings = *cloneDerived(&filter.DerivedPegs)
	}

	stats := wire.StatisticsSettings
	if stats.SelectedHosts != nil {
		doc.StatisticsSettings.SelectedHosts = copyStrings(stats.SelectedHosts)
	}
	if stats.SelectedNEs != nil {
		doc.StatisticsSettings.SelectedNEs = copyStrings(stats.SelectedNEs)
	}
	if stats.SelectedCellIDs != nil {
		doc.StatisticsSettings.SelectedCellIDs = copyStrings(stats.SelectedCellIDs)
	}
	if stats.DefaultDateRange > 0 {
		doc.StatisticsSettings.DefaultDateRange = stats.DefaultDateRange
	}
	if stats.DecimalPlaces >= 0 && stats.DecimalPlaces <= 6 {
		doc.StatisticsSettings.DecimalPlaces = stats.DecimalPlaces
	}
	doc.StatisticsSettings.ShowDelta = stats.ShowDelta
	doc.StatisticsSettings.ShowRSD = stats.ShowRSD

	if wire.DatabaseSettings != (DatabaseSettings{}) {
		doc.DatabaseSettings = wire.DatabaseSettings
	}
	doc.NotificationSettings = wire.NotificationSettings
	doc.GeneralSettings = wire.GeneralSettings
	doc.PegConfigurations = wire.PegConfigurations
	doc.StatisticsConfigurations = wire.StatisticsConfigurations

	if wire.Version >= 1 {
		doc.Metadata.Version = wire.Version
	}
	setIfNonZero(&doc.Metadata.CreatedAt, wire.CreatedAt)
	setIfNonZero(&doc.Metadata.LastModified, wire.LastModified)
	return doc
}

// CompareTimestamps orders two RFC-3339 timestamps, returning -1, 0, or 1.
// Missing or unparseable timestamps sort older than valid ones.
func CompareTimestamps(a, b string) int {
	ta, okA := parseTimestamp(a)
	tb, okB := parseTimestamp(b)
	switch {
	case !okA && !okB:
		return 0
	case !okA:
		return -1
	case !okB:
		return 1
	case ta.Before(tb):
		return -1
	case ta.After(tb):
		return 1
	}
	return 0
}

func parseTimestamp(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneDerived(in *DerivedPegSettings) *DerivedPegSettings {
	out := DerivedPegSettings{Settings: in.Settings}
	if in.Formulas != nil {
		out.Formulas = make([]Formula, len(in.Formulas))
		copy(out.Formulas, in.Formulas)
		for i := range out.Formulas {
			out.Formulas[i].Dependencies = copyStrings(in.Formulas[i].Dependencies)
			out.Formulas[i].DerivedDependencies = copyStrings(in.Formulas[i].DerivedDependencies)
		}
	}
	return &out
}

func setIfNonZero(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
