package audit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// writeFailureTracker counts swallowed audit write failures in a sliding
// window. Audit writes never block a review, so repeated failures are the
// only signal an operator gets that the trail has gaps.
type writeFailureTracker struct {
	mu        sync.Mutex
	failures  []time.Time
	alerted   bool
	threshold int
	window    time.Duration
}

// newWriteFailureTracker creates a tracker. threshold <= 0 defaults to 5;
// window <= 0 defaults to 5 minutes.
func newWriteFailureTracker(threshold int, window time.Duration) *writeFailureTracker {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &writeFailureTracker{threshold: threshold, window: window}
}

// record notes one failed audit write. Crossing the threshold within the
// window logs an operator alert once per episode; the flag resets when the
// window slides back under the threshold. Returns true when the alert fires.
func (t *writeFailureTracker) record(caseNumber, errMsg string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-t.window)
	kept := t.failures[:0]
	for _, f := range t.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	t.failures = append(kept, now)

	if len(t.failures) >= t.threshold && !t.alerted {
		t.alerted = true
		log.Warn().
			Str("case_number", caseNumber).
			Str("last_error", errMsg).
			Int("failure_count", len(t.failures)).
			Dur("window", t.window).
			Msg("audit_write_failure_threshold_exceeded: audit trail has gaps, storage needs attention")
		return true
	}
	if len(t.failures) < t.threshold {
		t.alerted = false
	}
	return false
}

// count returns the failures still inside the window.
func (t *writeFailureTracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-t.window)
	n := 0
	for _, f := range t.failures {
		if f.After(cutoff) {
			n++
		}
	}
	return n
}
