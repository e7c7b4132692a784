package syncengine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Ranponim/kpi-frontend-sub001/internal/settings"
)

// Strategy selects a member of the last-write-wins resolution family.
type Strategy string

const (
	StrategyStrictTimestamp    Strategy = "STRICT_TIMESTAMP"
	StrategyFieldLevelLWW      Strategy = "FIELD_LEVEL_LWW"
	StrategySmartMerge         Strategy = "SMART_MERGE"
	StrategyHybridMetadata     Strategy = "HYBRID_METADATA"
	StrategyConfidenceWeighted Strategy = "CONFIDENCE_WEIGHTED"
	StrategySafeFallback       Strategy = "safe_fallback"
)

type Action string

const (
	ActionApplyLocal           Action = "apply_local"
	ActionApplyServer          Action = "apply_server"
	ActionApplyMerge           Action = "apply_merge"
	ActionApplyMergeWithReview Action = "apply_merge_with_review"
	ActionMaintainCurrent      Action = "maintain_current"
	ActionUseDefaults          Action = "use_defaults"
	ActionManualReview         Action = "manual_review"
)

type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerServer Winner = "server"
	WinnerNone   Winner = ""
)

// The fixed confidence scale.
const (
	ConfidenceVeryLow  = 0.25
	ConfidenceLow      = 0.45
	ConfidenceMedium   = 0.65
	ConfidenceHigh     = 0.85
	ConfidenceVeryHigh = 0.95
)

// FieldOutcome records the per-field verdict of field-level LWW.
type FieldOutcome struct {
	Path       string       `json:"path"`
	Winner     Winner       `json:"winner"`
	Confidence float64      `json:"confidence"`
	Manual     bool         `json:"manual"`
	Severity   DiffSeverity `json:"severity"`
	Reason     string       `json:"reason"`
}

// Resolution is the resolver's verdict.
type Resolution struct {
	Strategy       Strategy                `json:"strategy"`
	Action         Action                  `json:"action"`
	Winner         Winner                  `json:"winner"`
	Confidence     float64                 `json:"confidence"`
	MergedSettings *settings.UserSettings  `json:"mergedSettings,omitempty"`
	Reasoning      string                  `json:"reasoning"`
	RequiresReview bool                    `json:"requiresReview"`
	Fields         []FieldOutcome          `json:"fields,omitempty"`
	AuditLog       []string                `json:"auditLog,omitempty"`
}

// maxAuditEntries caps the SMART_MERGE decision log.
const maxAuditEntries = 10

// ResolveInput carries everything the resolver consumes. Diffs should come
// from Diff on the same pair of documents.
type ResolveInput struct {
	Local    *settings.UserSettings
	Server   *settings.UserSettings
	Diffs    []FieldDiff
	Strategy Strategy
}

// Resolve picks a resolution for the local/server pair using the preferred
// strategy. Edge rules run first: missing inputs and detected corruption
// short-circuit every strategy.
func Resolve(in ResolveInput) Resolution {
	if in.Strategy == "" {
		in.Strategy = StrategyHybridMetadata
	}

	if in.Local == nil && in.Server == nil {
		return Resolution{
			Strategy:   in.Strategy,
			Action:     ActionUseDefaults,
			Confidence: ConfidenceVeryHigh,
			Reasoning:  "both local and server copies are missing",
		}
	}
	if in.Local == nil {
		return Resolution{
			Strategy:   in.Strategy,
			Action:     ActionApplyServer,
			Winner:     WinnerServer,
			Confidence: ConfidenceHigh,
			Reasoning:  "no local copy; server copy applied",
		}
	}
	if in.Server == nil {
		return Resolution{
			Strategy:   in.Strategy,
			Action:     ActionApplyLocal,
			Winner:     WinnerLocal,
			Confidence: ConfidenceHigh,
			Reasoning:  "no server copy; local copy applied",
		}
	}
	if corrupted(in.Diffs) {
		return Resolution{
			Strategy:   StrategySafeFallback,
			Action:     ActionUseDefaults,
			Confidence: ConfidenceVeryLow,
			Reasoning:  "corruption or version mismatch detected during comparison",
		}
	}

	switch in.Strategy {
	case StrategyStrictTimestamp:
		return resolveStrictTimestamp(in)
	case StrategyFieldLevelLWW:
		return resolveFieldLevelLWW(in)
	case StrategySmartMerge:
		return resolveSmartMerge(in)
	case StrategyConfidenceWeighted:
		return resolveHybrid(in, true)
	default:
		return resolveHybrid(in, false)
	}
}

func corrupted(diffs []FieldDiff) bool {
	for _, d := range diffs {
		if d.Type == DiffComparisonError {
			return true
		}
		if d.Path == "metadata.version" {
			return true
		}
	}
	return false
}

// timestampVerdict compares the two lastModified stamps. Confidence grows
// with the size of the gap.
func timestampVerdict(local, server *settings.UserSettings) (Winner, float64, time.Duration) {
	cmp := settings.CompareTimestamps(local.Metadata.LastModified, server.Metadata.LastModified)
	if cmp == 0 {
		return WinnerNone, ConfidenceVeryLow, 0
	}
	lt, _ := time.Parse(time.RFC3339, local.Metadata.LastModified)
	st, _ := time.Parse(time.RFC3339, server.Metadata.LastModified)
	gap := lt.Sub(st)
	if gap < 0 {
		gap = -gap
	}
	confidence := ConfidenceHigh
	switch {
	case gap >= 24*time.Hour:
		confidence = ConfidenceVeryHigh
	case gap < 5*time.Minute:
		confidence = ConfidenceMedium
	}
	winner := WinnerLocal
	if cmp < 0 {
		winner = WinnerServer
	}
	return winner, confidence, gap
}

func resolveStrictTimestamp(in ResolveInput) Resolution {
	winner, confidence, gap := timestampVerdict(in.Local, in.Server)
	if winner == WinnerNone {
		return Resolution{
			Strategy:       StrategyStrictTimestamp,
			Action:         ActionManualReview,
			Winner:         WinnerNone,
			Confidence:     ConfidenceVeryLow,
			RequiresReview: true,
			Reasoning:      "timestamps are equal; cannot pick a side",
		}
	}
	action := ActionApplyLocal
	if winner == WinnerServer {
		action = ActionApplyServer
	}
	return Resolution{
		Strategy:   StrategyStrictTimestamp,
		Action:     action,
		Winner:     winner,
		Confidence: confidence,
		Reasoning:  fmt.Sprintf("%s copy is newer by %s", winner, gap),
	}
}

// fieldOutcomes runs the per-field last-write-wins logic over the diffs.
func fieldOutcomes(in ResolveInput) []FieldOutcome {
	tsWinner, tsConfidence, _ := timestampVerdict(in.Local, in.Server)
	outcomes := make([]FieldOutcome, 0, len(in.Diffs))
	for _, d := range in.Diffs {
		outcome := FieldOutcome{Path: d.Path, Severity: d.Severity}
		switch d.Type {
		case DiffMissingLocal, DiffExtraServerElement:
			outcome.Winner = WinnerServer
			outcome.Confidence = ConfidenceHigh
			outcome.Reason = "field only present on server"
		case DiffMissingServer, DiffExtraLocalElement:
			outcome.Winner = WinnerLocal
			outcome.Confidence = ConfidenceHigh
			outcome.Reason = "field only present locally"
		case DiffTypeMismatch:
			outcome.Manual = true
			outcome.Confidence = ConfidenceVeryLow
			outcome.Reason = "type mismatch requires manual review"
		case DiffValueMismatch, DiffArrayLengthMismatch:
			if tsWinner == WinnerNone {
				if d.Severity.Rank() >= DiffSeverityHigh.Rank() {
					outcome.Manual = true
					outcome.Confidence = ConfidenceVeryLow
					outcome.Reason = "timestamp tie on high-severity field"
				} else {
					outcome.Winner = WinnerLocal
					outcome.Confidence = ConfidenceLow
					outcome.Reason = "timestamp tie; defaulting to local"
				}
			} else {
				outcome.Winner = tsWinner
				outcome.Confidence = tsConfidence
				outcome.Reason = fmt.Sprintf("%s copy is newer", tsWinner)
			}
		default:
			outcome.Manual = true
			outcome.Confidence = ConfidenceVeryLow
			outcome.Reason = "unrecognized diff type"
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func resolveFieldLevelLWW(in ResolveInput) Resolution {
	if len(in.Diffs) == 0 {
		return Resolution{
			Strategy:   StrategyFieldLevelLWW,
			Action:     ActionMaintainCurrent,
			Confidence: ConfidenceVeryHigh,
			Reasoning:  "no differences detected",
		}
	}
	outcomes := fieldOutcomes(in)
	return aggregateOutcomes(StrategyFieldLevelLWW, outcomes, minConfidence(outcomes))
}

func aggregateOutcomes(strategy Strategy, outcomes []FieldOutcome, confidence float64) Resolution {
	localWins, serverWins, manual := 0, 0, 0
	for _, o := range outcomes {
		switch {
		case o.Manual:
			manual++
		case o.Winner == WinnerLocal:
			localWins++
		case o.Winner == WinnerServer:
			serverWins++
		}
	}
	res := Resolution{
		Strategy:   strategy,
		Confidence: confidence,
		Fields:     outcomes,
		Reasoning: fmt.Sprintf("%d local, %d server, %d manual of %d fields",
			localWins, serverWins, manual, len(outcomes)),
	}
	switch {
	case manual > 0:
		res.Action = ActionApplyMergeWithReview
		res.Winner = WinnerNone
		res.RequiresReview = true
	case localWins > 0 && serverWins == 0:
		res.Action = ActionApplyLocal
		res.Winner = WinnerLocal
	case serverWins > 0 && localWins == 0:
		res.Action = ActionApplyServer
		res.Winner = WinnerServer
	default:
		res.Action = ActionApplyMerge
		res.Winner = WinnerNone
	}
	return res
}

func minConfidence(outcomes []FieldOutcome) float64 {
	confidence := ConfidenceVeryHigh
	for _, o := range outcomes {
		if o.Confidence < confidence {
			confidence = o.Confidence
		}
	}
	return confidence
}

// weightedConfidence weights each field's confidence by its severity rank.
func weightedConfidence(outcomes []FieldOutcome) float64 {
	var sum, weightSum float64
	for _, o := range outcomes {
		weight := float64(o.Severity.Rank())
		if weight < 1 {
			weight = 1
		}
		sum += o.Confidence * weight
		weightSum += weight
	}
	if weightSum == 0 {
		return ConfidenceVeryHigh
	}
	return sum / weightSum
}

// resolveSmartMerge starts from the server copy and folds in every local
// value that field-level LWW awarded to local with at least medium
// confidence. Fields needing manual review keep the local value so the
// merge never silently discards a high-severity difference. The audit log
// keeps the first ten decisions.
func resolveSmartMerge(in ResolveInput) Resolution {
	if len(in.Diffs) == 0 {
		return Resolution{
			Strategy:       StrategySmartMerge,
			Action:         ActionMaintainCurrent,
			Confidence:     ConfidenceVeryHigh,
			MergedSettings: in.Server.Clone(),
			Reasoning:      "no differences detected",
		}
	}
	outcomes := fieldOutcomes(in)

	localMap, err := documentMap(in.Local)
	if err != nil {
		return Resolution{
			Strategy:   StrategySafeFallback,
			Action:     ActionUseDefaults,
			Confidence: ConfidenceVeryLow,
			Reasoning:  "local copy failed to serialize: " + err.Error(),
		}
	}
	mergedMap, err := documentMap(in.Server)
	if err != nil {
		return Resolution{
			Strategy:   StrategySafeFallback,
			Action:     ActionUseDefaults,
			Confidence: ConfidenceVeryLow,
			Reasoning:  "server copy failed to serialize: " + err.Error(),
		}
	}

	var audit []string
	unresolved := 0
	for _, o := range outcomes {
		if o.Manual {
			unresolved++
			if value, ok := getPath(localMap, o.Path); ok {
				setPath(mergedMap, o.Path, value)
			}
			if len(audit) < maxAuditEntries {
				audit = append(audit, fmt.Sprintf("%s: kept local pending review", o.Path))
			}
			continue
		}
		if o.Winner == WinnerLocal && o.Confidence >= ConfidenceMedium {
			value, ok := getPath(localMap, o.Path)
			if ok && setPath(mergedMap, o.Path, value) && len(audit) < maxAuditEntries {
				audit = append(audit, fmt.Sprintf("%s: kept local (confidence %.2f)", o.Path, o.Confidence))
			}
		} else if len(audit) < maxAuditEntries {
			audit = append(audit, fmt.Sprintf("%s: kept server (confidence %.2f)", o.Path, o.Confidence))
		}
	}

	merged, err := mapDocument(mergedMap)
	if err != nil {
		return Resolution{
			Strategy:   StrategySafeFallback,
			Action:     ActionUseDefaults,
			Confidence: ConfidenceVeryLow,
			Reasoning:  "merged copy failed to deserialize: " + err.Error(),
		}
	}

	res := Resolution{
		Strategy:       StrategySmartMerge,
		Action:         ActionApplyMerge,
		Confidence:     minConfidence(outcomes),
		MergedSettings: merged,
		Fields:         outcomes,
		AuditLog:       audit,
		Reasoning:      fmt.Sprintf("merged %d fields on top of the server copy", len(outcomes)),
	}
	if unresolved > 0 {
		res.Action = ActionApplyMergeWithReview
		res.RequiresReview = true
		res.Reasoning = fmt.Sprintf("%s; %d fields need review", res.Reasoning, unresolved)
	}
	return res
}

// resolveHybrid tries the strict timestamp first and falls back to
// field-level LWW when its confidence is below high. The final confidence
// is the minimum of the two stages; the weighted variant substitutes a
// severity-weighted aggregate for the plain minimum.
func resolveHybrid(in ResolveInput, weighted bool) Resolution {
	strategy := StrategyHybridMetadata
	if weighted {
		strategy = StrategyConfidenceWeighted
	}
	strict := resolveStrictTimestamp(in)
	if strict.Confidence >= ConfidenceHigh {
		strict.Strategy = strategy
		return strict
	}

	if len(in.Diffs) == 0 {
		return Resolution{
			Strategy:   strategy,
			Action:     ActionMaintainCurrent,
			Confidence: ConfidenceVeryHigh,
			Reasoning:  "no differences detected",
		}
	}
	outcomes := fieldOutcomes(in)
	confidence := minConfidence(outcomes)
	if weighted {
		confidence = weightedConfidence(outcomes)
	}
	if strict.Confidence < confidence {
		confidence = strict.Confidence
	}
	res := aggregateOutcomes(strategy, outcomes, confidence)
	res.Reasoning = "timestamp verdict inconclusive; " + res.Reasoning
	return res
}

func documentMap(doc *settings.UserSettings) (map[string]any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func mapDocument(m map[string]any) (*settings.UserSettings, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out settings.UserSettings
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// pathSegments splits "a.b[2].c" into {"a", "b", "[2]", "c"}.
func pathSegments(path string) []string {
	var segments []string
	for _, part := range strings.Split(path, ".") {
		for {
			idx := strings.IndexByte(part, '[')
			if idx < 0 {
				if part != "" {
					segments = append(segments, part)
				}
				break
			}
			if idx > 0 {
				segments = append(segments, part[:idx])
			}
			end := strings.IndexByte(part, ']')
			if end < idx {
				break
			}
			segments = append(segments, part[idx:end+1])
			part = part[end+1:]
		}
	}
	return segments
}

func getPath(root map[string]any, path string) (any, bool) {
	var current any = root
	for _, segment := range pathSegments(path) {
		if strings.HasPrefix(segment, "[") {
			index, err := strconv.Atoi(strings.Trim(segment, "[]"))
			if err != nil {
				return nil, false
			}
			arr, ok := current.([]any)
			if !ok || index < 0 || index >= len(arr) {
				return nil, false
			}
			current = arr[index]
			continue
		}
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func setPath(root map[string]any, path string, value any) bool {
	segments := pathSegments(path)
	if len(segments) == 0 {
		return false
	}
	var current any = root
	for i := 0; i < len(segments)-1; i++ {
		segment := segments[i]
		if strings.HasPrefix(segment, "[") {
			index, err := strconv.Atoi(strings.Trim(segment, "[]"))
			if err != nil {
				return false
			}
			arr, ok := current.([]any)
			if !ok || index < 0 || index >= len(arr) {
				return false
			}
			current = arr[index]
			continue
		}
		obj, ok := current.(map[string]any)
		if !ok {
			return false
		}
		next, exists := obj[segment]
		if !exists || next == nil {
			next = map[string]any{}
			obj[segment] = next
		}
		current = next
	}

	last := segments[len(segments)-1]
	if strings.HasPrefix(last, "[") {
		index, err := strconv.Atoi(strings.Trim(last, "[]"))
		if err != nil {
			return false
		}
		arr, ok := current.([]any)
		if !ok || index < 0 {
			return false
		}
		if index >= len(arr) {
			// Extending the parent array requires re-linking it into its
			// container; extras beyond the server length are appended by the
			// array's own diff entries instead.
			return false
		}
		arr[index] = value
		return true
	}
	obj, ok := current.(map[string]any)
	if !ok {
		return false
	}
	obj[last] = value
	return true
}
