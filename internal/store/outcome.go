/**
 * @description
 * Explicit tier-call outcomes. Every tier call returns a TierResult that the
 * orchestrator's policy logic consumes explicitly, so a degraded read is a
 * visible state rather than a swallowed error.
 */

package store

// TierStatus classifies the outcome of a single tier call.
type TierStatus string

const (
	// TierOK means the tier answered with a usable value.
	TierOK TierStatus = "ok"
	// TierNotFound means the tier answered and has no such record.
	TierNotFound TierStatus = "not_found"
	// TierDegraded means the tier was unreachable or timed out; the caller
	// should fall back to the next tier and mark the record for later sync.
	TierDegraded TierStatus = "degraded"
	// TierFailed means the tier rejected the call outright (bad request,
	// revert, auth failure). Not retryable as-is.
	TierFailed TierStatus = "failed"
)

// TierResult carries the status of a tier call plus its underlying error,
// if any.
type TierResult struct {
	Status TierStatus
	Err    error
}

// OK reports whether the call produced a usable value.
func (r TierResult) OK() bool { return r.Status == TierOK }

// Degraded reports whether the tier should be retried by reconciliation.
func (r TierResult) Degraded() bool { return r.Status == TierDegraded }

// ResultOK is the zero-cost success result.
func ResultOK() TierResult { return TierResult{Status: TierOK} }

// ResultNotFound marks a clean miss.
func ResultNotFound() TierResult { return TierResult{Status: TierNotFound, Err: ErrGroupNotFound} }

// ResultDegraded wraps a transport-level failure.
func ResultDegraded(err error) TierResult { return TierResult{Status: TierDegraded, Err: err} }

// ResultFailed wraps a definitive rejection.
func ResultFailed(err error) TierResult { return TierResult{Status: TierFailed, Err: err} }
