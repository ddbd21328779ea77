// Package models defines the throttle types and results shared across the
// ratelimit module.
package models

import (
	"fmt"
	"time"
)

// ThrottleType names one sensitive, retry-prone action. Each type owns an
// independent counter per subject: the same subject can be at the limit for
// one type and untouched for another, because max/window configs differ.
type ThrottleType string

const (
	// ThrottleIdvOTPSubmission bounds phone confirmation code submissions
	// during identity verification.
	ThrottleIdvOTPSubmission ThrottleType = "idv_otp_submission"
	// ThrottleRegConfirmedEmail bounds confirmation sends to an address that
	// already belongs to a confirmed account.
	ThrottleRegConfirmedEmail ThrottleType = "reg_confirmed_email"
	// ThrottleRegUnconfirmedEmail bounds confirmation sends to an address
	// still awaiting its first confirmation.
	ThrottleRegUnconfirmedEmail ThrottleType = "reg_unconfirmed_email"
	// ThrottleEnrollmentCodeResend bounds re-requests of the in-person
	// enrollment code from the vendor.
	ThrottleEnrollmentCodeResend ThrottleType = "enrollment_code_resend"
)

// IsValid checks if the throttle type is one of the supported enum values.
func (t ThrottleType) IsValid() bool {
	switch t {
	case ThrottleIdvOTPSubmission, ThrottleRegConfirmedEmail,
		ThrottleRegUnconfirmedEmail, ThrottleEnrollmentCodeResend:
		return true
	}
	return false
}

func (t ThrottleType) String() string { return string(t) }

// Limit is the attempt budget for one throttle type.
type Limit struct {
	MaxAttempts int
	Window      time.Duration
}

// Result reports the state of a counter after an attempt was recorded.
// Limited means the attempt just recorded exceeded the budget and the caller
// must refuse the action.
type Result struct {
	Count   int
	Limited bool
	ResetAt time.Time
}

// Key builds the store key for a (subject, type) counter.
func Key(subject string, t ThrottleType) string {
	return fmt.Sprintf("throttle:%s:%s", t, subject)
}
