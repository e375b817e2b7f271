package agent

// escalationThreshold is the consecutive failing rounds after which the
// controller asks clarifying questions instead of another fix attempt.
const escalationThreshold = 4

// FailureTracker counts consecutive failing rounds for one chat.
type FailureTracker struct {
	consecutive int
}

// Record folds one round into the counter and returns the new value.
// A round fails when it has more failures than successes.
func (t *FailureTracker) Record(succeeded, failed int) int {
	if failed > succeeded {
		if t.consecutive < escalationThreshold {
			t.consecutive++
		}
	} else {
		t.consecutive = 0
	}
	return t.consecutive
}

// Escalated reports whether the next round must ask for clarification.
func (t *FailureTracker) Escalated() bool {
	return t.consecutive >= escalationThreshold
}

// Count returns the current counter.
func (t *FailureTracker) Count() int {
	return t.consecutive
}

// Reset clears the counter.
func (t *FailureTracker) Reset() {
	t.consecutive = 0
}
