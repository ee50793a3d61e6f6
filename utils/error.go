package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// Engine error taxonomy. Callers classify with errors.Is.
var (
	// ErrInvalidCadence: bad template configuration (interval <= 0 or
	// unknown frequency). Fatal to that template only.
	ErrInvalidCadence = errors.New("invalid cadence")

	// ErrBalanceDrift: stored balance disagrees with the recomputed one.
	// Fatal; posting to the account halts until reconciled.
	ErrBalanceDrift = errors.New("balance drift detected")

	// ErrDuplicatePosting: idempotency hit for an already-posted occurrence.
	// Recovered locally as a no-op.
	ErrDuplicatePosting = errors.New("duplicate posting")

	// ErrLockTimeout: a bounded lock acquisition expired. Retryable.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrAuditWriteFailure: the audit row could not be written. Fatal to the
	// enclosing atomic unit; nothing commits without its audit entry.
	ErrAuditWriteFailure = errors.New("audit write failure")

	// ErrVisibilityDenied: the record exists but is neither owned by the
	// caller nor global.
	ErrVisibilityDenied = errors.New("record not visible to owner")
)
