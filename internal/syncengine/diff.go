package syncengine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/Ranponim/kpi-frontend-sub001/internal/settings"
)

// DiffType labels a single structural difference between the local and
// server copies of a document.
type DiffType string

const (
	DiffMissingLocal        DiffType = "missing_local"
	DiffMissingServer       DiffType = "missing_server"
	DiffTypeMismatch        DiffType = "type_mismatch"
	DiffValueMismatch       DiffType = "value_mismatch"
	DiffArrayLengthMismatch DiffType = "array_length_mismatch"
	DiffExtraLocalElement   DiffType = "extra_local_element"
	DiffExtraServerElement  DiffType = "extra_server_element"
	DiffComparisonError     DiffType = "comparison_error"
)

type DiffSeverity string

const (
	DiffSeverityNone     DiffSeverity = "none"
	DiffSeverityLow      DiffSeverity = "low"
	DiffSeverityMedium   DiffSeverity = "medium"
	DiffSeverityHigh     DiffSeverity = "high"
	DiffSeverityCritical DiffSeverity = "critical"
)

// Rank orders severities for weighting and comparisons.
func (s DiffSeverity) Rank() int {
	switch s {
	case DiffSeverityNone:
		return 0
	case DiffSeverityLow:
		return 1
	case DiffSeverityMedium:
		return 2
	case DiffSeverityHigh:
		return 3
	case DiffSeverityCritical:
		return 4
	}
	return 2
}

// FieldDiff is one typed, path-qualified difference.
type FieldDiff struct {
	Path        string       `json:"path"`
	Type        DiffType     `json:"type"`
	LocalValue  any          `json:"localValue,omitempty"`
	ServerValue any          `json:"serverValue,omitempty"`
	Severity    DiffSeverity `json:"severity"`
}

// severityTable maps path prefixes to importance. Longest matching prefix
// wins; anything unmatched is medium.
var severityTable = []struct {
	prefix   string
	severity DiffSeverity
}{
	{"preferences.dashboard.selectedPegs", DiffSeverityHigh},
	{"preferences.dashboard.theme", DiffSeverityLow},
	{"preferences.dashboard.chartStyle", DiffSeverityLow},
	{"preferences.dashboard.defaultNe", DiffSeverityMedium},
	{"preferences.dashboard.defaultCellId", DiffSeverityMedium},
	{"preferences.charts", DiffSeverityMedium},
	{"preferences.filters.language", DiffSeverityLow},
	{"preferences.filters.timezone", DiffSeverityLow},
	{"databaseSettings", DiffSeverityHigh},
	{"pegConfigurations", DiffSeverityHigh},
	{"statisticsConfigurations", DiffSeverityHigh},
	{"notificationSettings", DiffSeverityMedium},
}

// SeverityForPath resolves the Field Importance Table for a dotted path.
func SeverityForPath(path string) DiffSeverity {
	best := DiffSeverityMedium
	bestLen := -1
	for _, entry := range severityTable {
		if strings.HasPrefix(path, entry.prefix) && len(entry.prefix) > bestLen {
			best = entry.severity
			bestLen = len(entry.prefix)
		}
	}
	return best
}

// Diff walks the two documents in parallel and reports every field-level
// difference. Configuration sets keyed by id are compared order-free. A
// panic while comparing a subtree yields one comparison_error diff for that
// subtree and descent stops there.
func Diff(local, server *settings.UserSettings) []FieldDiff {
	localMap, err := toComparableMap(local)
	if err != nil {
		return []FieldDiff{{Path: "", Type: DiffComparisonError, Severity: DiffSeverityCritical, LocalValue: err.Error()}}
	}
	serverMap, err := toComparableMap(server)
	if err != nil {
		return []FieldDiff{{Path: "", Type: DiffComparisonError, Severity: DiffSeverityCritical, ServerValue: err.Error()}}
	}
	var diffs []FieldDiff
	compareValues("", localMap, serverMap, &diffs)
	return diffs
}

// toComparableMap converts the document to its canonical map form with the
// id-keyed configuration sets sorted so permutations compare equal. The
// volatile metadata fields are dropped; timestamps are the resolver's
// concern, not the diff engine's.
func toComparableMap(doc *settings.UserSettings) (map[string]any, error) {
	if doc == nil {
		return nil, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if meta, ok := out["metadata"].(map[string]any); ok {
		delete(meta, "lastModified")
		delete(meta, "checksum")
	}
	sortConfigurationSet(out, "pegConfigurations")
	sortConfigurationSet(out, "statisticsConfigurations")
	return out, nil
}

func sortConfigurationSet(doc map[string]any, key string) {
	items, ok := doc[key].([]any)
	if !ok {
		return
	}
	sort.SliceStable(items, func(i, j int) bool {
		return configurationID(items[i]) < configurationID(items[j])
	})
}

func configurationID(item any) string {
	m, ok := item.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := m["id"].(string)
	return id
}

func compareValues(path string, local, server any, diffs *[]FieldDiff) {
	defer func() {
		if r := recover(); r != nil {
			*diffs = append(*diffs, FieldDiff{
				Path:       path,
				Type:       DiffComparisonError,
				Severity:   DiffSeverityCritical,
				LocalValue: fmt.Sprintf("comparison panic: %v", r),
			})
		}
	}()

	if local == nil && server == nil {
		return
	}
	if local == nil {
		*diffs = append(*diffs, FieldDiff{
			Path: path, Type: DiffMissingLocal, ServerValue: server,
			Severity: SeverityForPath(path),
		})
		return
	}
	if server == nil {
		*diffs = append(*diffs, FieldDiff{
			Path: path, Type: DiffMissingServer, LocalValue: local,
			Severity: SeverityForPath(path),
		})
		return
	}

	localKind := jsonKind(local)
	serverKind := jsonKind(server)
	if localKind != serverKind {
		severity := SeverityForPath(path)
		if severity.Rank() < DiffSeverityHigh.Rank() {
			severity = DiffSeverityHigh
		}
		*diffs = append(*diffs, FieldDiff{
			Path: path, Type: DiffTypeMismatch,
			LocalValue: local, ServerValue: server, Severity: severity,
		})
		return
	}

	switch localValue := local.(type) {
	case map[string]any:
		serverValue := server.(map[string]any)
		keys := unionKeys(localValue, serverValue)
		for _, key := range keys {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			lv, lok := localValue[key]
			sv, sok := serverValue[key]
			switch {
			case lok && sok:
				compareValues(childPath, lv, sv, diffs)
			case sok:
				compareValues(childPath, nil, sv, diffs)
			default:
				compareValues(childPath, lv, nil, diffs)
			}
		}
	case []any:
		serverValue := server.([]any)
		compareArrays(path, localValue, serverValue, diffs)
	default:
		if !reflect.DeepEqual(local, server) {
			*diffs = append(*diffs, FieldDiff{
				Path: path, Type: DiffValueMismatch,
				LocalValue: local, ServerValue: server,
				Severity: SeverityForPath(path),
			})
		}
	}
}

func compareArrays(path string, local, server []any, diffs *[]FieldDiff) {
	if len(local) != len(server) {
		*diffs = append(*diffs, FieldDiff{
			Path: path, Type: DiffArrayLengthMismatch,
			LocalValue: len(local), ServerValue: len(server),
			Severity: SeverityForPath(path),
		})
	}
	shared := len(local)
	if len(server) < shared {
		shared = len(server)
	}
	for i := 0; i < shared; i++ {
		compareValues(fmt.Sprintf("%s[%d]", path, i), local[i], server[i], diffs)
	}
	for i := shared; i < len(local); i++ {
		*diffs = append(*diffs, FieldDiff{
			Path: fmt.Sprintf("%s[%d]", path, i), Type: DiffExtraLocalElement,
			LocalValue: local[i], Severity: SeverityForPath(path),
		})
	}
	for i := shared; i < len(server); i++ {
		*diffs = append(*diffs, FieldDiff{
			Path: fmt.Sprintf("%s[%d]", path, i), Type: DiffExtraServerElement,
			ServerValue: server[i], Severity: SeverityForPath(path),
		})
	}
}

func jsonKind(value any) string {
	switch value.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	}
	return "unknown"
}

func unionKeys(a, b map[string]any) []string {
	seen := make(map[string]bool, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for key := range a {
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	for key := range b {
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
