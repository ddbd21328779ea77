// Package events carries security and operational events out of domain logic.
// Keep the model transport-agnostic so sinks can fan out.
package events

import (
	"context"
	"time"
)

// Event is emitted from domain logic to capture key actions.
type Event struct {
	Action    string
	Timestamp time.Time
	UserID    string
	RequestID string
	Reason    string
	Extra     map[string]string
}

const (
	// Throttle events
	EventRateLimitTriggered = "rate_limit_triggered"

	// Enrollment events
	EventEnrollmentCreated      = "ipp_enrollment_created"
	EventEnrollmentPending      = "ipp_enrollment_pending"
	EventEnrollmentPassed       = "ipp_enrollment_passed"
	EventEnrollmentFailed       = "ipp_enrollment_failed"
	EventEnrollmentExpired      = "ipp_enrollment_expired"
	EventEnrollmentCanceled     = "ipp_enrollment_canceled"
	EventEnrollmentCheckFailed  = "ipp_enrollment_status_check_failed"
	EventEnrollmentCodeRefetch  = "ipp_enrollment_code_refetched"
	EventPersonalKeyIssued      = "personal_key_issued"
	EventPersonalKeyConfirmed   = "personal_key_confirmed"
	EventPhoneOTPConfirmed      = "phone_otp_confirmed"
	EventPhoneOTPLockout        = "phone_otp_lockout"
)

// Publisher emits events for security-relevant operations. Implementations
// must tolerate being called from request paths: Emit should be fast and an
// emission failure must never fail the calling operation.
type Publisher interface {
	Emit(ctx context.Context, event Event) error
}

// Noop discards events; the default for tests and unconfigured deployments.
type Noop struct{}

func (Noop) Emit(context.Context, Event) error { return nil }
