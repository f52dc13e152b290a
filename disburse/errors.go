package disburse

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration covers unusable chain records: unreachable endpoints,
	// missing custody keys, custody that does not own the program account.
	ErrConfiguration = errors.New("disburse: configuration error")
	// ErrFeeTooHigh indicates the network fee exceeds the chain's ceiling.
	ErrFeeTooHigh = errors.New("disburse: network fee exceeds ceiling")
	// ErrEstimationFailed indicates the operation could not be estimated.
	ErrEstimationFailed = errors.New("disburse: estimation failed")
	// ErrUnsupportedBatch indicates a multi-recipient request on a backend
	// that pays one recipient per call.
	ErrUnsupportedBatch = errors.New("disburse: batch not supported by backend")
	// ErrLockUnavailable indicates the resource lock is held elsewhere.
	ErrLockUnavailable = errors.New("disburse: resource lock unavailable")
	// ErrProgramUninitialized indicates the custody program account is
	// absent or uninitialized.
	ErrProgramUninitialized = errors.New("disburse: program lock account uninitialized")
	// ErrTransferFailed indicates that a transfer did not yield a usable
	// identifier after funds were released. See PartialPayoutError.
	ErrTransferFailed = errors.New("disburse: transfer failed")
	// ErrSubmissionFailed indicates a send was attempted and its outcome is
	// unknown. Funds may have moved.
	ErrSubmissionFailed = errors.New("disburse: submission failed")
	// ErrPaymentRejected indicates the backend refused a submission outright.
	// No funds moved.
	ErrPaymentRejected = errors.New("disburse: payment rejected by backend")
	// ErrQuotaExceeded indicates the request does not fit the quota window.
	ErrQuotaExceeded = errors.New("disburse: quota exceeded")
	// ErrInvalidRequest indicates a malformed request.
	ErrInvalidRequest = errors.New("disburse: invalid request")
	// ErrPaused indicates the coordinator refuses new work.
	ErrPaused = errors.New("disburse: coordinator paused")
	// ErrUnknownBackend indicates no backend is registered for the chain kind.
	ErrUnknownBackend = errors.New("disburse: no backend for chain kind")
	// ErrDuplicateTransaction indicates a backend identifier was seen before.
	ErrDuplicateTransaction = errors.New("disburse: duplicate transaction id")
	// ErrEntryNotFound indicates the ledger has no record of the identifier.
	ErrEntryNotFound = errors.New("disburse: ledger entry not found")
	// ErrInvalidTransition indicates a ledger state change the lifecycle forbids.
	ErrInvalidTransition = errors.New("disburse: invalid state transition")
)

// PartialPayoutError reports a multi-recipient payout that stopped midway.
// Paid recipients have usable signatures; Uncertain recipients were in a
// batch whose send returned an error; Unpaid recipients were never attempted.
// Nothing is retried automatically.
type PartialPayoutError struct {
	Paid       []Recipient
	Uncertain  []Recipient
	Unpaid     []Recipient
	Signatures []string
	Cause      error
}

func (e *PartialPayoutError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "disburse: partial payout: %d paid, %d uncertain, %d unpaid",
		len(e.Paid), len(e.Uncertain), len(e.Unpaid))
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Is matches ErrTransferFailed.
func (e *PartialPayoutError) Is(target error) bool {
	return target == ErrTransferFailed
}

func (e *PartialPayoutError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// FundsMayHaveMoved reports whether err leaves the payout outcome unknown.
// Such failures are escalated, never retried.
func FundsMayHaveMoved(err error) bool {
	return errors.Is(err, ErrSubmissionFailed) || errors.Is(err, ErrTransferFailed)
}

// errorReason labels err for metrics and logs. Outcome-unknown failures are
// matched first since their causes may wrap pre-submit sentinels.
func errorReason(err error) string {
	switch {
	case errors.Is(err, ErrTransferFailed):
		return "transfer"
	case errors.Is(err, ErrSubmissionFailed):
		return "submission"
	case errors.Is(err, ErrPaused):
		return "paused"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrFeeTooHigh):
		return "fee_too_high"
	case errors.Is(err, ErrEstimationFailed):
		return "estimation"
	case errors.Is(err, ErrUnsupportedBatch):
		return "unsupported_batch"
	case errors.Is(err, ErrLockUnavailable):
		return "lock"
	case errors.Is(err, ErrProgramUninitialized):
		return "program_uninitialized"
	case errors.Is(err, ErrPaymentRejected):
		return "rejected"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrUnknownBackend):
		return "unknown_backend"
	case errors.Is(err, ErrDuplicateTransaction):
		return "duplicate"
	default:
		return "other"
	}
}
