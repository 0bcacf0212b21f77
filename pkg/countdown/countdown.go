// Package countdown derives the remaining/total walltime pair shown for a
// running session. Derive is pure: it holds no state and recomputes from the
// wall clock on every call, so a suspended or late caller gets a correct
// value the moment it resumes.
package countdown

import (
	"time"

	"github.com/drejom/rbiocverse/internal/model"
)

// Derive computes the countdown for the snapshot at the given wall-clock
// time. It returns false for sessions that have no countdown (anything not
// RUNNING, or a running record without usable time fields).
//
// Remaining is clamped to [0, Total]: it never goes negative, and a clock
// skew that puts now before the start time pins remaining at the total.
func Derive(snap *model.SessionSnapshot, now time.Time) (model.Countdown, bool) {
	if snap == nil || snap.Status != model.StatusRunning {
		return model.Countdown{}, false
	}

	// Preferred anchor: job start time plus walltime limit.
	if snap.StartTime != nil && snap.TimeLimitSeconds > 0 {
		total := time.Duration(snap.TimeLimitSeconds) * time.Second
		elapsed := now.Sub(*snap.StartTime)
		return model.Countdown{Remaining: clamp(total-elapsed, total), Total: total}, true
	}

	// Fallback anchor: a reported time-left baseline, aged from the moment
	// it was observed.
	if snap.TimeLeftSeconds > 0 {
		baseline := time.Duration(snap.TimeLeftSeconds) * time.Second
		total := baseline
		if snap.TimeLimitSeconds > 0 {
			total = time.Duration(snap.TimeLimitSeconds) * time.Second
		}
		elapsed := now.Sub(snap.ObservedAt)
		return model.Countdown{Remaining: clamp(baseline-elapsed, total), Total: total}, true
	}

	return model.Countdown{}, false
}

func clamp(d, total time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > total {
		return total
	}
	return d
}
