package models

import "testing"

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from     string
		to       string
		expected bool
	}{
		// Happy path to release
		{DealStatusPending, DealStatusNegotiating, true},
		{DealStatusPending, DealStatusPaymentPending, true},
		{DealStatusNegotiating, DealStatusPaymentPending, true},
		{DealStatusPaymentPending, DealStatusPaid, true},
		{DealStatusPaymentPending, DealStatusScheduled, true},
		{DealStatusPaid, DealStatusCreativeSubmitted, true},
		{DealStatusCreativeSubmitted, DealStatusCreativeApproved, true},
		{DealStatusCreativeApproved, DealStatusScheduled, true},
		{DealStatusCreativeApproved, DealStatusPosted, true},
		{DealStatusPaid, DealStatusPosted, true},
		{DealStatusScheduled, DealStatusPosted, true},
		{DealStatusPosted, DealStatusVerified, true},
		{DealStatusVerified, DealStatusCompleted, true},

		// Failure / refund path
		{DealStatusPosted, DealStatusDeclined, true},
		{DealStatusPaid, DealStatusDeclined, true},
		{DealStatusCreativeSubmitted, DealStatusDeclined, true},
		{DealStatusScheduled, DealStatusDeclined, true},
		{DealStatusDeclined, DealStatusRefunded, true},

		// Cancellation only before funds arrive
		{DealStatusPending, DealStatusCancelled, true},
		{DealStatusNegotiating, DealStatusCancelled, true},
		{DealStatusPaymentPending, DealStatusCancelled, true},
		{DealStatusPaid, DealStatusCancelled, false},
		{DealStatusPosted, DealStatusCancelled, false},
		{DealStatusVerified, DealStatusCancelled, false},

		// No skipping, no moving backwards
		{DealStatusPending, DealStatusPaid, false},
		{DealStatusPending, DealStatusPosted, false},
		{DealStatusPaymentPending, DealStatusPosted, false},
		{DealStatusPaid, DealStatusPaymentPending, false},
		{DealStatusPosted, DealStatusRefunded, false},
		{DealStatusVerified, DealStatusRefunded, false},
		{DealStatusCompleted, DealStatusRefunded, false},
		{DealStatusRefunded, DealStatusCompleted, false},
		{DealStatusCancelled, DealStatusPending, false},
		{"nonexistent", DealStatusPending, false},
		{DealStatusPending, "nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			result := IsValidTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestAllStatusesHaveTransitionEntry(t *testing.T) {
	allStatuses := []string{
		DealStatusPending, DealStatusNegotiating, DealStatusPaymentPending,
		DealStatusPaid, DealStatusCreativeSubmitted, DealStatusCreativeApproved,
		DealStatusScheduled, DealStatusPosted, DealStatusVerified,
		DealStatusCompleted, DealStatusCancelled, DealStatusRefunded, DealStatusDeclined,
	}

	for _, status := range allStatuses {
		if _, ok := ValidDealTransitions[status]; !ok {
			t.Errorf("status %q missing from ValidDealTransitions map", status)
		}
	}
}

func TestTerminalStatusesHaveNoTransitions(t *testing.T) {
	terminal := []string{DealStatusCompleted, DealStatusCancelled, DealStatusRefunded}
	for _, status := range terminal {
		transitions := ValidDealTransitions[status]
		if len(transitions) != 0 {
			t.Errorf("terminal status %q should have no transitions, got %v", status, transitions)
		}
	}
}

func TestFundedStatusesReachRefundOnly(t *testing.T) {
	// Any status holding escrowed funds must be able to reach declined
	// (the refund entry point) and must not be cancellable.
	for status := range ValidDealTransitions {
		if !IsFundedStatus(status) || status == DealStatusVerified {
			continue
		}
		if !IsValidTransition(status, DealStatusDeclined) {
			t.Errorf("funded status %q cannot reach declined", status)
		}
		if IsValidTransition(status, DealStatusCancelled) {
			t.Errorf("funded status %q must not be cancellable", status)
		}
	}
}
