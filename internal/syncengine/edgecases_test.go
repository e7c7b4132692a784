package syncengine

import (
	"errors"
	"testing"
	"time"
)

func TestPlanInitialSyncFailureWithLocalCopy(t *testing.T) {
	plan := PlanInitialSyncFailure(true, errors.New("connection refused"))
	if !plan.UseLocal || plan.UseDefaults {
		t.Fatalf("local copy should be installed: %+v", plan)
	}
	if !plan.Background {
		t.Fatal("retries should move to the background")
	}
	if len(plan.RetryDelays) != len(BackgroundRetrySchedule) {
		t.Fatalf("retry delays = %v", plan.RetryDelays)
	}
	if plan.RequireUserAction {
		t.Fatal("a usable local copy needs no user action")
	}
}

func TestPlanInitialSyncFailureWithoutLocalCopy(t *testing.T) {
	plan := PlanInitialSyncFailure(false, &HTTPError{StatusCode: 503})
	if !plan.UseDefaults || plan.UseLocal {
		t.Fatalf("no local copy should fall back to defaults: %+v", plan)
	}
	if !plan.RequireUserAction {
		t.Fatal("defaults fallback must surface a user action")
	}
	if len(plan.RetryDelays) == 0 {
		t.Fatal("a retryable failure should schedule foreground retries")
	}
}

func TestPlanInitialSyncFailureNonRetryable(t *testing.T) {
	plan := PlanInitialSyncFailure(false, &HTTPError{StatusCode: 403})
	if len(plan.RetryDelays) != 0 {
		t.Fatalf("non-retryable failures should not schedule retries: %v", plan.RetryDelays)
	}
}

func TestClassifyOfflineRisk(t *testing.T) {
	cases := []struct {
		name    string
		offline time.Duration
		changes int
		want    OfflineRisk
	}{
		{"short_few", 10 * time.Minute, 2, RiskLow},
		{"short_many", 10 * time.Minute, 6, RiskMedium},
		{"hours", 3 * time.Hour, 2, RiskMedium},
		{"day_plus", 25 * time.Hour, 0, RiskHigh},
		{"change_flood", 30 * time.Minute, 21, RiskHigh},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyOfflineRisk(tc.offline, tc.changes); got != tc.want {
				t.Fatalf("risk = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestPlanOfflineRecovery(t *testing.T) {
	low := PlanOfflineRecovery(10*time.Minute, 1)
	if !low.AutoSync || low.MinConfidence != 0 || low.ManualReview {
		t.Fatalf("low risk plan: %+v", low)
	}

	medium := PlanOfflineRecovery(3*time.Hour, 1)
	if !medium.AutoSync || medium.MinConfidence != ConfidenceMedium {
		t.Fatalf("medium risk plan: %+v", medium)
	}

	high := PlanOfflineRecovery(48*time.Hour, 1)
	if high.AutoSync || !high.ManualReview {
		t.Fatalf("high risk plan: %+v", high)
	}
	for _, plan := range []OfflineRecoveryPlan{low, medium, high} {
		if plan.Strategy != StrategyHybridMetadata {
			t.Fatalf("strategy = %s", plan.Strategy)
		}
	}
}

func TestPlanSiblingConflict(t *testing.T) {
	fresh := PlanSiblingConflict(2 * time.Second)
	if fresh.Decision != SiblingAccept || !fresh.OfferUndo || !fresh.Broadcast {
		t.Fatalf("fresh sibling change: %+v", fresh)
	}

	recent := PlanSiblingConflict(15 * time.Second)
	if recent.Decision != SiblingPrompt || recent.OfferUndo || !recent.Broadcast {
		t.Fatalf("recent sibling change: %+v", recent)
	}

	stale := PlanSiblingConflict(2 * time.Minute)
	if stale.Decision != SiblingIgnore || stale.Broadcast {
		t.Fatalf("stale sibling change: %+v", stale)
	}
}

func TestPlanCorruptedLocal(t *testing.T) {
	plan := PlanCorruptedLocal()
	if !plan.ResetToDefaults || !plan.ClearLocal || !plan.RefetchServer || !plan.WarnUser {
		t.Fatalf("corrupted local plan: %+v", plan)
	}
}
