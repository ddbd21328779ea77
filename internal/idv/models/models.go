// Package models defines the identity-proofing workflow state carried across
// step handlers.
package models

import (
	"errors"
	"strings"
	"time"
)

// Mechanism is the user's selected address-verification channel.
type Mechanism string

const (
	MechanismPhone    Mechanism = "phone"
	MechanismMail     Mechanism = "mail"
	MechanismInPerson Mechanism = "in_person"
)

func (m Mechanism) IsValid() bool {
	switch m {
	case MechanismPhone, MechanismMail, MechanismInPerson:
		return true
	}
	return false
}

// StepID names one stage of the proofing flow.
type StepID string

const (
	StepAddressVerification StepID = "address_verification"
	StepOTPDelivery         StepID = "otp_delivery_method"
	StepOTPVerification     StepID = "otp_verification"
	StepReview              StepID = "review"
	StepPersonalKey         StepID = "personal_key"
	StepInPersonReady       StepID = "in_person_ready_to_verify"
	StepComeBackLater       StepID = "come_back_later"
	StepCompletion          StepID = "completion"
	// StepAccount is the default post-authentication destination once the
	// flow no longer claims the user.
	StepAccount StepID = "account"
	// StepLockout is the terminal view shown when OTP submission is over
	// budget.
	StepLockout StepID = "lockout"
)

// DecisionKind says whether the caller should render the step or send the
// user elsewhere.
type DecisionKind int

const (
	Render DecisionKind = iota
	Redirect
)

// Decision is the engine's answer for a step request. Preconditions that do
// not hold produce a Redirect to the step that satisfies them; they are never
// surfaced as errors.
type Decision struct {
	Kind DecisionKind
	Step StepID
	// Retry marks a rendered step that should show a try-again error, e.g.
	// an OTP mismatch that is not yet over budget.
	Retry bool
}

func RenderStep(step StepID) Decision { return Decision{Kind: Render, Step: step} }
func RedirectTo(step StepID) Decision { return Decision{Kind: Redirect, Step: step} }
func RetryStep(step StepID) Decision { return Decision{Kind: Render, Step: step, Retry: true} }

// ProofingSessionState is the per-user, session-durable workflow record. All
// mutation goes through engine methods; handlers treat it as opaque.
type ProofingSessionState struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Mechanism Mechanism `json:"mechanism,omitempty"`

	Phone          string     `json:"phone,omitempty"`
	OTPCode        string     `json:"otp_code,omitempty"`
	OTPSentAt      *time.Time `json:"otp_sent_at,omitempty"`
	PhoneConfirmed bool       `json:"phone_confirmed,omitempty"`

	ProfileID      string `json:"profile_id,omitempty"`
	ProfilePending bool   `json:"profile_pending,omitempty"`

	// SPSessionActive records whether a service-provider session initiated
	// this flow; it picks the completion destination after the personal key.
	SPSessionActive bool `json:"sp_session_active,omitempty"`

	PersonalKey                  string `json:"personal_key,omitempty"`
	NeedsPersonalKeyConfirmation bool   `json:"needs_personal_key_confirmation,omitempty"`
	EncryptedRecoveryPII         []byte `json:"encrypted_recovery_pii,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession starts an empty flow for the user.
func NewSession(sessionID, userID string) *ProofingSessionState {
	now := time.Now()
	return &ProofingSessionState{
		SessionID: sessionID,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// OTPIssued reports whether a code has been generated and sent for this
// session.
func (s *ProofingSessionState) OTPIssued() bool {
	return s.OTPCode != "" && s.OTPSentAt != nil
}

// OTPMatches compares the submitted code against the stored one. The compare
// is case-sensitive after trimming surrounding whitespace.
func (s *ProofingSessionState) OTPMatches(submitted string) bool {
	if !s.OTPIssued() {
		return false
	}
	return strings.TrimSpace(submitted) == s.OTPCode
}

// ClearOTP drops the pending code after a successful confirmation.
func (s *ProofingSessionState) ClearOTP() {
	s.OTPCode = ""
	s.OTPSentAt = nil
}

// ProofingComponent marks which verification checks a user has completed.
// Upserted, never duplicated, per user.
type ProofingComponent struct {
	UserID              string
	DocumentCheckVendor string
	VerifiedAt          time.Time
	CreatedAt           time.Time
}

// ErrSessionNotFound is returned by session stores for unknown session IDs.
var ErrSessionNotFound = errors.New("proofing session not found")

// ErrInvalidMechanism rejects an unsupported address-verification channel.
var ErrInvalidMechanism = errors.New("invalid address verification mechanism")
