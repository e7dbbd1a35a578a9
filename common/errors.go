package common

import "errors"

// Every failed precondition aborts the whole operation and surfaces one of
// these, unwrapped or wrapped with %w so errors.Is keeps working.

// ErrNotAuthorized is returned when the caller lacks the role the operation needs.
var ErrNotAuthorized = errors.New("not authorized")

// ErrContractPaused is returned by every mutating operation while paused.
var ErrContractPaused = errors.New("paused")

// ErrWindowViolation is returned when an operation runs in the wrong time
// window, or when no open period accepts it.
var ErrWindowViolation = errors.New("outside of the allowed time window")

// ErrPeriodAlreadyActive is returned when opening a period while another one
// is still open or awaiting decryption.
var ErrPeriodAlreadyActive = errors.New("a period is already active")

// ErrDuplicateContribution is returned on a second submission by the same
// participant within one period.
var ErrDuplicateContribution = errors.New("participant already contributed to this period")

// ErrInvalidAmount is returned when the posted stake is below the minimum.
var ErrInvalidAmount = errors.New("invalid stake amount")

// ErrNoDataCollected is returned when aggregation is requested for a period
// that is not open.
var ErrNoDataCollected = errors.New("no open period to aggregate")

// ErrInsufficientParticipants is returned when fewer than the minimum number
// of participants contributed.
var ErrInsufficientParticipants = errors.New("not enough participants")

// ErrAlreadyClosed is returned when recovering a period that already reached
// a final state.
var ErrAlreadyClosed = errors.New("period already closed")

// ErrTimeoutNotYetElapsed is returned when recovering a request before its
// deadline.
var ErrTimeoutNotYetElapsed = errors.New("request deadline has not elapsed")

// ErrRefundUnavailable is returned when the period does not allow refunds
// (yet), or the caller has nothing to claim.
var ErrRefundUnavailable = errors.New("refund unavailable")

// ErrRefundAlreadyProcessed is returned when the stake was already paid back.
var ErrRefundAlreadyProcessed = errors.New("refund already processed")

// ErrMaxPeriodsReached is returned when the period counter hit its ceiling.
var ErrMaxPeriodsReached = errors.New("maximum number of periods reached")

// ErrZeroAddress is returned when a role would be granted to the zero identity.
var ErrZeroAddress = errors.New("zero identity")

// ErrReentrancyDetected is returned when a payout re-enters the service.
var ErrReentrancyDetected = errors.New("reentrant call")

// ErrPeriodNotFound is returned when querying an unknown period.
var ErrPeriodNotFound = errors.New("period not found")

// ErrNotFinalized is returned when reading results of a period that has not
// been closed.
var ErrNotFinalized = errors.New("period not finalized")

var sentinels = []error{
	ErrNotAuthorized, ErrContractPaused, ErrWindowViolation, ErrPeriodAlreadyActive,
	ErrDuplicateContribution, ErrInvalidAmount, ErrNoDataCollected, ErrInsufficientParticipants,
	ErrAlreadyClosed, ErrTimeoutNotYetElapsed, ErrRefundUnavailable, ErrRefundAlreadyProcessed,
	ErrMaxPeriodsReached, ErrZeroAddress, ErrReentrancyDetected, ErrPeriodNotFound, ErrNotFinalized,
}

// ErrorLabel returns the message of the sentinel err wraps, or "internal".
func ErrorLabel(err error) string {
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal"
}

// FromLabel is the inverse of ErrorLabel. Unknown labels map to nil.
func FromLabel(label string) error {
	for _, s := range sentinels {
		if s.Error() == label {
			return s
		}
	}
	return nil
}
