package syncengine

import (
	"time"
)

// The edge-case planners turn failure situations into scripted plans the
// store core executes. They are pure: no I/O, no clock reads beyond the
// inputs handed to them.

// BackgroundRetrySchedule is the delay ladder used when a usable local
// copy lets the initial sync retry in the background.
var BackgroundRetrySchedule = []time.Duration{30 * time.Second, 2 * time.Minute, 5 * time.Minute}

// InitialSyncPlan scripts the response to a failed first server fetch.
type InitialSyncPlan struct {
	UseLocal          bool
	UseDefaults       bool
	Background        bool
	RetryDelays       []time.Duration
	RequireUserAction bool
	Message           string
}

// PlanInitialSyncFailure decides how to boot when the first server fetch
// fails. With a local document the store installs it and retries in the
// background; without one it retries immediately and then falls back to
// defaults with a user-action request.
func PlanInitialSyncFailure(hasLocal bool, err error) InitialSyncPlan {
	kind := Classify(err)
	if hasLocal {
		return InitialSyncPlan{
			UseLocal:    true,
			Background:  true,
			RetryDelays: BackgroundRetrySchedule,
			Message:     "server unavailable; using the local copy while retrying in the background",
		}
	}
	retry := DefaultRetryPolicy()
	delays := make([]time.Duration, 0, retry.MaxAttempts)
	if kind.Retryable() {
		for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
			delays = append(delays, retry.Delay(attempt))
		}
	}
	return InitialSyncPlan{
		UseDefaults:       true,
		RetryDelays:       delays,
		RequireUserAction: true,
		Message:           "server unavailable and no local copy; starting from defaults",
	}
}

// OfflineRisk classifies how dangerous an automatic reconciliation is
// after an offline stretch.
type OfflineRisk string

const (
	RiskLow    OfflineRisk = "low"
	RiskMedium OfflineRisk = "medium"
	RiskHigh   OfflineRisk = "high"
)

// OfflineRecoveryPlan scripts the reconnect path.
type OfflineRecoveryPlan struct {
	Risk          OfflineRisk
	AutoSync      bool
	MinConfidence float64
	Strategy      Strategy
	ManualReview  bool
	Message       string
}

// ClassifyOfflineRisk rates an offline stretch by duration and number of
// buffered changes.
func ClassifyOfflineRisk(offline time.Duration, changeCount int) OfflineRisk {
	switch {
	case offline > 24*time.Hour || changeCount > 20:
		return RiskHigh
	case offline < time.Hour && changeCount < 5:
		return RiskLow
	}
	return RiskMedium
}

// PlanOfflineRecovery decides whether queued offline changes sync
// automatically. Low risk syncs via HYBRID_METADATA; medium risk syncs only
// when the resolver reaches medium confidence; high risk always goes to
// manual review.
func PlanOfflineRecovery(offline time.Duration, changeCount int) OfflineRecoveryPlan {
	risk := ClassifyOfflineRisk(offline, changeCount)
	switch risk {
	case RiskLow:
		return OfflineRecoveryPlan{
			Risk:     RiskLow,
			AutoSync: true,
			Strategy: StrategyHybridMetadata,
			Message:  "short offline window; syncing automatically",
		}
	case RiskHigh:
		return OfflineRecoveryPlan{
			Risk:         RiskHigh,
			ManualReview: true,
			Strategy:     StrategyHybridMetadata,
			Message:      "long offline window or many changes; manual review required",
		}
	}
	return OfflineRecoveryPlan{
		Risk:          RiskMedium,
		AutoSync:      true,
		MinConfidence: ConfidenceMedium,
		Strategy:      StrategyHybridMetadata,
		Message:       "moderate offline window; syncing only with sufficient confidence",
	}
}

// SiblingDecision is the verdict on a change broadcast by a sibling tab.
type SiblingDecision string

const (
	SiblingAccept SiblingDecision = "accept"
	SiblingPrompt SiblingDecision = "prompt"
	SiblingIgnore SiblingDecision = "ignore"
)

// SiblingConflictPlan scripts the multi-tab path: very recent sibling
// writes win softly with an undo offer, somewhat recent ones prompt, and
// stale ones are dropped.
type SiblingConflictPlan struct {
	Decision  SiblingDecision
	OfferUndo bool
	Broadcast bool
	Message   string
}

// PlanSiblingConflict decides what to do with a sibling-tab change of the
// given age.
func PlanSiblingConflict(age time.Duration) SiblingConflictPlan {
	switch {
	case age < 5*time.Second:
		return SiblingConflictPlan{
			Decision:  SiblingAccept,
			OfferUndo: true,
			Broadcast: true,
			Message:   "sibling tab change applied; undo available",
		}
	case age < 30*time.Second:
		return SiblingConflictPlan{
			Decision:  SiblingPrompt,
			Broadcast: true,
			Message:   "sibling tab changed settings; choose which copy to keep",
		}
	}
	return SiblingConflictPlan{
		Decision: SiblingIgnore,
		Message:  "stale sibling tab change ignored",
	}
}

// CorruptedLocalPlan scripts recovery from an unreadable local envelope.
type CorruptedLocalPlan struct {
	ResetToDefaults bool
	ClearLocal      bool
	RefetchServer   bool
	WarnUser        bool
	Message         string
}

// PlanCorruptedLocal resets to defaults, warns, and schedules a server
// refetch.
func PlanCorruptedLocal() CorruptedLocalPlan {
	return CorruptedLocalPlan{
		ResetToDefaults: true,
		ClearLocal:      true,
		RefetchServer:   true,
		WarnUser:        true,
		Message:         "stored settings were corrupted and have been reset",
	}
}
