package core

import "errors"

// Error taxonomy for the pipeline. Callers classify with errors.Is; wrapped
// errors carry session, chunk, and stage context.
var (
	// ErrThrottled indicates the external synthesis capability returned a
	// rate-limit signal. Retried with capped exponential backoff.
	ErrThrottled = errors.New("synthesis rate limit hit")
	// ErrTransient indicates a network or timeout failure. Retried with
	// the same backoff policy as ErrThrottled.
	ErrTransient = errors.New("transient synthesis failure")
	// ErrNonRetryable indicates a malformed request. Fails immediately and
	// is logged; it never blocks other candidate slots.
	ErrNonRetryable = errors.New("non-retryable synthesis failure")
	// ErrIncompletePicks indicates assembly was attempted before every
	// chunk had an active pick. Fatal for the assembly attempt only.
	ErrIncompletePicks = errors.New("incomplete picks")
	// ErrQAGateFailure indicates the assembled artifact failed an
	// automated quality gate. The artifact is retained for diagnosis.
	ErrQAGateFailure = errors.New("qa gate failure")
	// ErrIntegrityViolation indicates an attempt to overwrite an existing
	// candidate version or rewrite an append-only record. Always fatal.
	ErrIntegrityViolation = errors.New("vault integrity violation")
	// ErrRunInProgress indicates a second generation run was requested
	// while one is already active system-wide.
	ErrRunInProgress = errors.New("generation run already in progress")
)
