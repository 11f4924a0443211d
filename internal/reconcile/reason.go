package reconcile

import (
	"errors"
	"fmt"
)

// Reason is the machine-readable outcome classification shared by all
// reconcilers. It is attached at the point of origin; callers never match
// on error message text.
type Reason string

const (
	ReasonDealNotFound         Reason = "deal_not_found"
	ReasonMissingAddresses     Reason = "missing_addresses"
	ReasonConcurrentProcessing Reason = "concurrent_processing"
	ReasonAlreadyConfirmed     Reason = "already_confirmed"
	ReasonAlreadyReleased      Reason = "already_released"
	ReasonAlreadyRefunded      Reason = "already_refunded"
	ReasonInvalidStatus        Reason = "invalid_status"
	ReasonPaymentNotReceived   Reason = "payment_not_received"
	ReasonNoReleaseNeeded      Reason = "no_release_needed"
	ReasonNoRefundNeeded       Reason = "no_refund_needed"
	ReasonNetworkError         Reason = "network_error"
	ReasonRateLimitExceeded    Reason = "rate_limit_exceeded"
	ReasonUnknown              Reason = "unknown_error"
)

// Benign reasons are expected states of the world, not failures: the
// candidate is skipped and picked up again next cycle.
func (r Reason) Benign() bool {
	switch r {
	case ReasonConcurrentProcessing, ReasonAlreadyConfirmed, ReasonAlreadyReleased,
		ReasonAlreadyRefunded, ReasonInvalidStatus, ReasonPaymentNotReceived,
		ReasonNoReleaseNeeded, ReasonNoRefundNeeded:
		return true
	}
	return false
}

// Failure carries a Reason alongside an optional cause.
type Failure struct {
	Reason Reason
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Reason, f.Err)
	}
	return string(f.Reason)
}

func (f *Failure) Unwrap() error { return f.Err }

func Fail(reason Reason, err error) error {
	return &Failure{Reason: reason, Err: err}
}

func Failf(reason Reason, format string, args ...any) error {
	return &Failure{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// ReasonOf extracts the classification from err, defaulting to unknown.
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return ReasonUnknown
}
