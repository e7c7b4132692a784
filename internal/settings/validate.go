package settings

import (
	"errors"
	"fmt"
)

var ErrFormulaCycle = errors.New("formula dependency cycle")

// Issue is a single validation finding. Issues are advisory: the store
// surfaces them without reverting the mutation that produced them, except
// for formula cycles which are rejected outright.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return i.Path + ": " + i.Message
}

// CheckFormulaCycles verifies that no formula transitively depends on
// itself, including through derived dependencies. Names are compared in
// normalized form.
func CheckFormulaCycles(formulas []Formula) error {
	graph := make(map[string][]string, len(formulas))
	for _, f := range formulas {
		name := NormalizeName(f.Name)
		if name == "" {
			continue
		}
		deps := make([]string, 0, len(f.Dependencies)+len(f.DerivedDependencies))
		for _, dep := range f.Dependencies {
			deps = append(deps, NormalizeName(dep))
		}
		for _, dep := range f.DerivedDependencies {
			deps = append(deps, NormalizeName(dep))
		}
		graph[name] = deps
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(graph))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("%w: %s", ErrFormulaCycle, name)
		case done:
			return nil
		}
		state[name] = visiting
		for _, dep := range graph[name] {
			if _, isFormula := graph[dep]; !isFormula {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for name := range graph {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the document invariants and returns advisory issues.
// knownPegs is the set of PEG names reported by the KPI database; an empty
// set disables the selected-PEG membership check.
func Validate(doc *UserSettings, knownPegs []string) []Issue {
	if doc == nil {
		return []Issue{{Path: "", Message: "document is nil"}}
	}
	var issues []Issue

	if doc.UserID == "" {
		issues = append(issues, Issue{Path: "userId", Message: "required"})
	}
	if doc.Metadata.Version < 1 {
		issues = append(issues, Issue{Path: "metadata.version", Message: "must be >= 1"})
	}

	dash := doc.Preferences.Dashboard
	if dash.AutoRefreshInterval < 0 {
		issues = append(issues, Issue{Path: "preferences.dashboard.autoRefreshInterval", Message: "must be >= 0"})
	}
	if dash.DefaultHours < 1 {
		issues = append(issues, Issue{Path: "preferences.dashboard.defaultHours", Message: "must be >= 1"})
	}
	if !oneOf(dash.ChartStyle, ChartStyleLine, ChartStyleBar, ChartStyleArea) {
		issues = append(issues, Issue{Path: "preferences.dashboard.chartStyle", Message: "unknown chart style " + dash.ChartStyle})
	}
	if !oneOf(dash.ChartLayout, ChartLayoutByPeg, ChartLayoutByEntity) {
		issues = append(issues, Issue{Path: "preferences.dashboard.chartLayout", Message: "unknown chart layout " + dash.ChartLayout})
	}
	if !oneOf(dash.Theme, ThemeLight, ThemeDark, ThemeSystem) {
		issues = append(issues, Issue{Path: "preferences.dashboard.theme", Message: "unknown theme " + dash.Theme})
	}
	charts := doc.Preferences.Charts
	if charts.DecimalPlaces < 0 || charts.DecimalPlaces > 6 {
		issues = append(issues, Issue{Path: "preferences.charts.decimalPlaces", Message: "must be in 0..6"})
	}
	if !oneOf(charts.ChartType, ChartTypeBar, ChartTypeLine, ChartTypeScatter) {
		issues = append(issues, Issue{Path: "preferences.charts.chartType", Message: "unknown chart type " + charts.ChartType})
	}
	precision := doc.DerivedPegSettings.Settings.EvaluationPrecision
	if precision < 0 || precision > 6 {
		issues = append(issues, Issue{Path: "derivedPegSettings.settings.evaluationPrecision", Message: "must be in 0..6"})
	}

	issues = append(issues, validateSelectedPegs(doc, knownPegs)...)
	return issues
}

// validateSelectedPegs enforces invariants 3 and 4: every selected PEG must
// be a known database PEG or an active derived formula.
func validateSelectedPegs(doc *UserSettings, knownPegs []string) []Issue {
	known := make(map[string]bool, len(knownPegs))
	for _, peg := range knownPegs {
		known[NormalizeName(peg)] = true
	}
	active := make(map[string]bool)
	declared := make(map[string]bool)
	for _, f := range doc.DerivedPegSettings.Formulas {
		name := NormalizeName(f.Name)
		declared[name] = true
		if f.Active {
			active[name] = true
		}
	}

	var issues []Issue
	for i, peg := range doc.Preferences.Dashboard.SelectedPegs {
		name := NormalizeName(peg)
		path := fmt.Sprintf("preferences.dashboard.selectedPegs[%d]", i)
		if declared[name] {
			if !active[name] {
				issues = append(issues, Issue{Path: path, Message: "derived PEG " + peg + " is not active"})
			}
			continue
		}
		if len(knownPegs) > 0 && !known[name] {
			issues = append(issues, Issue{Path: path, Message: "unknown PEG " + peg})
		}
	}
	return issues
}

func oneOf(value string, allowed ...string) bool {
	if value == "" {
		return true
	}
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}
