// Package ctlerr defines the closed set of error kinds the control plane
// surfaces to callers. Transient classes are recovered locally by
// callers; the rest are surfaced alongside a SystemEvent audit record.
// Kinds are plain wrapped errors, checked with errors.Is — there is no
// panic-driven control flow for expected failure modes.
package ctlerr

import "errors"

// Sentinel kinds. Wrap with fmt.Errorf("...: %w", Kind) to attach context
// while keeping errors.Is(err, ctlerr.Kind) working.
var (
	// OptimisticConflict: the version presented by a role-changing write
	// did not match. Never retried automatically; the caller re-reads
	// state and decides.
	OptimisticConflict = errors.New("optimistic conflict")

	// DuplicateRequest: a request with the same requestId is still
	// executing. No state change; HTTP-equivalent 409.
	DuplicateRequest = errors.New("duplicate request in flight")

	// IdempotentReplay: the same requestId already completed. The prior
	// response should be returned as-is.
	IdempotentReplay = errors.New("request already completed")

	// InvariantViolation: a write would produce two primaries, both
	// policy toggles on, or a negative count. Never auto-corrected.
	InvariantViolation = errors.New("invariant violation")

	// TransientStorage: connection or deadlock. Retried with backoff,
	// bounded attempts.
	TransientStorage = errors.New("transient storage error")

	// DeadlineExceeded: an emergency procedure could not complete within
	// its deadline.
	DeadlineExceeded = errors.New("emergency deadline exceeded")

	// ExternalUnavailable: the cloud provider API failed. The specific
	// operation fails; a job resumes on its next scheduled run.
	ExternalUnavailable = errors.New("external provider unavailable")

	// NotFound: the referenced entity does not exist.
	NotFound = errors.New("not found")
)

// Is reports whether err is (or wraps) one of the given kinds.
func Is(err error, kinds ...error) bool {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}
