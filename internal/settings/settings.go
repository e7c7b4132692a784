// Package settings defines the user-settings document that the preference
// store persists and synchronizes, together with its defaults, validation
// rules, and the server wire mapping.
package settings

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	ChartStyleLine = "line"
	ChartStyleBar  = "bar"
	ChartStyleArea = "area"

	ChartLayoutByPeg    = "byPeg"
	ChartLayoutByEntity = "byEntity"

	ThemeLight  = "light"
	ThemeDark   = "dark"
	ThemeSystem = "system"

	ChartTypeBar     = "bar"
	ChartTypeLine    = "line"
	ChartTypeScatter = "scatter"
)

// SectionKey names a top-level section of UserSettings. Sections are the
// unit of partial update, reset, and import/export selection.
type SectionKey string

const (
	SectionPreferences              SectionKey = "preferences"
	SectionDatabaseSettings         SectionKey = "databaseSettings"
	SectionStatisticsSettings       SectionKey = "statisticsSettings"
	SectionDerivedPegSettings       SectionKey = "derivedPegSettings"
	SectionNotificationSettings     SectionKey = "notificationSettings"
	SectionGeneralSettings          SectionKey = "generalSettings"
	SectionPegConfigurations        SectionKey = "pegConfigurations"
	SectionStatisticsConfigurations SectionKey = "statisticsConfigurations"
)

// AllSections lists every addressable section in document order.
func AllSections() []SectionKey {
	return []SectionKey{
		SectionPreferences,
		SectionDatabaseSettings,
		SectionStatisticsSettings,
		SectionDerivedPegSettings,
		SectionNotificationSettings,
		SectionGeneralSettings,
		SectionPegConfigurations,
		SectionStatisticsConfigurations,
	}
}

type DashboardPreferences struct {
	SelectedPegs        []string `json:"selectedPegs"`
	DefaultNE           string   `json:"defaultNe"`
	DefaultCellID       string   `json:"defaultCellId"`
	AutoRefreshInterval int      `json:"autoRefreshInterval"`
	ChartStyle          string   `json:"chartStyle"`
	ChartLayout         string   `json:"chartLayout"`
	ShowLegend          bool     `json:"showLegend"`
	ShowGrid            bool     `json:"showGrid"`
	Theme               string   `json:"theme"`
	DefaultHours        int      `json:"defaultHours"`
}

type ChartPreferences struct {
	DefaultDateRange  int    `json:"defaultDateRange"`
	ComparisonEnabled bool   `json:"comparisonEnabled"`
	ShowDelta         bool   `json:"showDelta"`
	ShowRSD           bool   `json:"showRsd"`
	ChartType         string `json:"chartType"`
	DecimalPlaces     int    `json:"decimalPlaces"`
}

type FilterPreferences struct {
	DateFormat   string `json:"dateFormat"`
	NumberFormat string `json:"numberFormat"`
	Language     string `json:"language"`
	Timezone     string `json:"timezone"`
}

type Preferences struct {
	Dashboard DashboardPreferences `json:"dashboard"`
	Charts    ChartPreferences     `json:"charts"`
	Filters   FilterPreferences    `json:"filters"`
}

// DatabaseSettings is the KPI database connection record. The store treats
// it as opaque; the diff engine classifies every field high-severity.
type DatabaseSettings struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	Table    string `json:"table"`
}

type StatisticsSettings struct {
	SelectedHosts    []string `json:"selectedHosts"`
	SelectedNEs      []string `json:"selectedNEs"`
	SelectedCellIDs  []string `json:"selectedCellIds"`
	DefaultDateRange int      `json:"defaultDateRange"`
	DecimalPlaces    int      `json:"decimalPlaces"`
	ShowDelta        bool     `json:"showDelta"`
	ShowRSD          bool     `json:"showRsd"`
}

// Formula is a derived-PEG definition. Dependencies reference PEG names or
// other formula names in normalized form.
type Formula struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Formula             string   `json:"formula"`
	Description         string   `json:"description,omitempty"`
	Category            string   `json:"category,omitempty"`
	Unit                string   `json:"unit,omitempty"`
	Active              bool     `json:"active"`
	Dependencies        []string `json:"dependencies,omitempty"`
	DerivedDependencies []string `json:"derivedDependencies,omitempty"`
	CreatedAt           string   `json:"createdAt,omitempty"`
	UpdatedAt           string   `json:"updatedAt,omitempty"`
}

type DerivedPegOptions struct {
	AutoValidate        bool `json:"autoValidate"`
	ShowInDashboard     bool `json:"showInDashboard"`
	ShowInStatistics    bool `json:"showInStatistics"`
	EvaluationPrecision int  `json:"evaluationPrecision"`
}

type DerivedPegSettings struct {
	Formulas []Formula         `json:"formulas"`
	Settings DerivedPegOptions `json:"settings"`
}

// NamedConfiguration is a saved configuration keyed by a stable ID. Two
// configuration sets with the same members in any order compare equal.
type NamedConfiguration struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Config    map[string]any `json:"config,omitempty"`
	CreatedAt string         `json:"createdAt,omitempty"`
	UpdatedAt string         `json:"updatedAt,omitempty"`
}

type Metadata struct {
	Version      int    `json:"version"`
	CreatedAt    string `json:"createdAt"`
	LastModified string `json:"lastModified"`
	Checksum     string `json:"checksum,omitempty"`
}

// UserSettings is the root document. Unknown top-level keys encountered
// during decoding are preserved in Extra so newer-schema documents survive
// a round trip through an older client.
type UserSettings struct {
	UserID                   string               `json:"userId"`
	Preferences              Preferences          `json:"preferences"`
	DatabaseSettings         DatabaseSettings     `json:"databaseSettings"`
	StatisticsSettings       StatisticsSettings   `json:"statisticsSettings"`
	DerivedPegSettings       DerivedPegSettings   `json:"derivedPegSettings"`
	NotificationSettings     map[string]any       `json:"notificationSettings,omitempty"`
	GeneralSettings          map[string]any       `json:"generalSettings,omitempty"`
	PegConfigurations        []NamedConfiguration `json:"pegConfigurations,omitempty"`
	StatisticsConfigurations []NamedConfiguration `json:"statisticsConfigurations,omitempty"`
	Metadata                 Metadata             `json:"metadata"`

	Extra map[string]json.RawMessage `json:"-"`
}

var knownTopLevelKeys = map[string]bool{
	"userId":                   true,
	"preferences":              true,
	"databaseSettings":         true,
	"statisticsSettings":       true,
	"derivedPegSettings":       true,
	"notificationSettings":     true,
	"generalSettings":          true,
	"pegConfigurations":        true,
	"statisticsConfigurations": true,
	"metadata":                 true,
}

type userSettingsAlias UserSettings

func (s *UserSettings) UnmarshalJSON(data []byte) error {
	var alias userSettingsAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range raw {
		if knownTopLevelKeys[key] {
			delete(raw, key)
		}
	}
	*s = UserSettings(alias)
	if len(raw) > 0 {
		s.Extra = raw
	}
	return nil
}

func (s UserSettings) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(userSettingsAlias(s))
	if err != nil {
		return nil, err
	}
	if len(s.Extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for key, value := range s.Extra {
		if _, exists := merged[key]; !exists {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

// Defaults returns a fresh document for the given user with every section
// populated with safe defaults.
func Defaults(userID string) *UserSettings {
	now := time.Now().UTC().Format(time.RFC3339)
	return &UserSettings{
		UserID: userID,
		Preferences: Preferences{
			Dashboard: DashboardPreferences{
				SelectedPegs:        []string{},
				AutoRefreshInterval: 60,
				ChartStyle:          ChartStyleLine,
				ChartLayout:         ChartLayoutByPeg,
				ShowLegend:          true,
				ShowGrid:            true,
				Theme:               ThemeSystem,
				DefaultHours:        24,
			},
			Charts: ChartPreferences{
				DefaultDateRange: 7,
				ShowDelta:        true,
				ChartType:        ChartTypeLine,
				DecimalPlaces:    2,
			},
			Filters: FilterPreferences{
				DateFormat:   "YYYY-MM-DD",
				NumberFormat: "comma",
				Language:     "en",
				Timezone:     "UTC",
			},
		},
		DatabaseSettings: DatabaseSettings{
			Host:   "localhost",
			Port:   5432,
			DBName: "kpi",
			Table:  "kpi_data",
		},
		StatisticsSettings: StatisticsSettings{
			SelectedHosts:    []string{},
			SelectedNEs:      []string{},
			SelectedCellIDs:  []string{},
			DefaultDateRange: 14,
			DecimalPlaces:    2,
			ShowDelta:        true,
		},
		DerivedPegSettings: DerivedPegSettings{
			Formulas: []Formula{},
			Settings: DerivedPegOptions{
				AutoValidate:        true,
				ShowInDashboard:     true,
				ShowInStatistics:    true,
				EvaluationPrecision: 4,
			},
		},
		Metadata: Metadata{
			Version:      1,
			CreatedAt:    now,
			LastModified: now,
		},
	}
}

// Clone returns a deep copy via a JSON round trip.
func (s *UserSettings) Clone() *UserSettings {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return Defaults(s.UserID)
	}
	var out UserSettings
	if err := json.Unmarshal(data, &out); err != nil {
		return Defaults(s.UserID)
	}
	return &out
}

// Partial is a section-keyed partial update. Values may be section structs
// or nested maps; object fields merge, arrays and scalars replace. The
// shorthand keys "dashboard", "charts", and "filters" address the matching
// subsection of preferences.
type Partial map[SectionKey]any

// ApplyPartial merges the partial into the document section by section.
// Unknown section keys are rejected.
func ApplyPartial(doc *UserSettings, partial Partial) error {
	if doc == nil {
		return fmt.Errorf("nil document")
	}
	for key, value := range partial {
		target, err := sectionTarget(doc, key)
		if err != nil {
			return err
		}
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("section %s: %w", key, err)
		}
		if err := json.Unmarshal(data, target); err != nil {
			return fmt.Errorf("section %s: %w", key, err)
		}
	}
	return nil
}

func sectionTarget(doc *UserSettings, key SectionKey) (any, error) {
	switch key {
	case SectionPreferences:
		return &doc.Preferences, nil
	case "dashboard":
		return &doc.Preferences.Dashboard, nil
	case "charts":
		return &doc.Preferences.Charts, nil
	case "filters":
		return &doc.Preferences.Filters, nil
	case SectionDatabaseSettings:
		return &doc.DatabaseSettings, nil
	case SectionStatisticsSettings:
		return &doc.StatisticsSettings, nil
	case SectionDerivedPegSettings:
		return &doc.DerivedPegSettings, nil
	case SectionNotificationSettings:
		return &doc.NotificationSettings, nil
	case SectionGeneralSettings:
		return &doc.GeneralSettings, nil
	case SectionPegConfigurations:
		return &doc.PegConfigurations, nil
	case SectionStatisticsConfigurations:
		return &doc.StatisticsConfigurations, nil
	}
	return nil, fmt.Errorf("unknown section %q", key)
}

// Section returns a deep copy of one section as a generic value, suitable
// for handing to subscribers and scoped views.
func Section(doc *UserSettings, key SectionKey) (any, error) {
	target, err := sectionTarget(doc.Clone(), key)
	if err != nil {
		return nil, err
	}
	return target, nil
}

// ResetSections restores the named sections (or all sections when none are
// named) to their default values. Metadata and userId are preserved.
func ResetSections(doc *UserSettings, keys ...SectionKey) error {
	if doc == nil {
		return fmt.Errorf("nil document")
	}
	if len(keys) == 0 {
		keys = AllSections()
	}
	defaults := Defaults(doc.UserID)
	for _, key := range keys {
		src, err := sectionTarget(defaults, key)
		if err != nil {
			return err
		}
		dst, err := sectionTarget(doc, key)
		if err != nil {
			return err
		}
		data, err := json.Marshal(src)
		if err != nil {
			return err
		}
		if err := resetValue(dst); err != nil {
			return err
		}
		if err := json.Unmarshal(data, dst); err != nil {
			return err
		}
	}
	return nil
}

// resetValue zeroes the target before defaults are unmarshaled on top,
// so stale slice elements and map keys do not survive a reset.
func resetValue(target any) error {
	switch v := target.(type) {
	case *Preferences:
		*v = Preferences{}
	case *DashboardPreferences:
		*v = DashboardPreferences{}
	case *ChartPreferences:
		*v = ChartPreferences{}
	case *FilterPreferences:
		*v = FilterPreferences{}
	case *DatabaseSettings:
		*v = DatabaseSettings{}
	case *StatisticsSettings:
		*v = StatisticsSettings{}
	case *DerivedPegSettings:
		*v = DerivedPegSettings{}
	case *map[string]any:
		*v = nil
	case *[]NamedConfiguration:
		*v = nil
	}
	return nil
}

// NormalizeName lowercases and trims a PEG or formula name for comparisons.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
