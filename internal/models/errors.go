package models

import "errors"

// Error taxonomy for store and job failures. Callers classify with errors.Is;
// wrapping sites use fmt.Errorf("...: %w", err) so the class survives.
var (
	// ErrTransientStore marks a store failure that is safe to retry.
	ErrTransientStore = errors.New("transient store error")

	// ErrPermanentStore marks a store failure that must not be retried.
	ErrPermanentStore = errors.New("permanent store error")

	// ErrJobTimeout is recorded when a job exceeds its wall-clock budget.
	ErrJobTimeout = errors.New("job timed out")

	// ErrJobHandler marks an application-level failure inside a job handler.
	ErrJobHandler = errors.New("job handler error")

	// ErrCircuitOpen is returned when a store call is short-circuited by the breaker.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrReconciliation is returned when replaying a fallback entry against the
	// primary store fails.
	ErrReconciliation = errors.New("reconciliation failed")

	// ErrReducedCapability is returned for queries the fallback mirror cannot
	// serve (graph traversal, similarity search).
	ErrReducedCapability = errors.New("query requires full store capability")
)
