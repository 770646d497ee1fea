// Package retry holds the pure retry decision applied after every handler
// execution. It is deliberately free of backoff: a failed item is eligible
// again on the next batch pass, and pacing happens at the runner level.
package retry

import "vaxflow/internal/domain"

// Decision is the next state of an item plus the attempt count to persist.
type Decision struct {
	Status       domain.Status
	AttemptCount int
}

// Decide maps an execution result onto the item's next status. Failures
// increment the attempt count; once it reaches maxAttempts the failure is
// terminal. The branch depends on nothing but its arguments.
func Decide(attemptCount, maxAttempts int, failed bool) Decision {
	if !failed {
		return Decision{Status: domain.StatusSuccess, AttemptCount: attemptCount}
	}
	next := attemptCount + 1
	if next >= maxAttempts {
		return Decision{Status: domain.StatusFailed, AttemptCount: next}
	}
	return Decision{Status: domain.StatusFailedRetry, AttemptCount: next}
}
