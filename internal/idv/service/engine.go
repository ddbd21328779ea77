// Package service owns the identity-proofing step flow: which step a session
// may see, how OTP confirmation and the personal key behave, and how a flow
// hands off to in-person enrollment.
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	enrollmodels "idproof/internal/enrollment/models"
	"idproof/internal/enrollment/usps"
	idvcrypto "idproof/internal/idv/crypto"
	"idproof/internal/idv/metrics"
	"idproof/internal/idv/models"
	"idproof/internal/platform/config"
	"idproof/internal/platform/events"
	"idproof/internal/platform/logger"
	rlmodels "idproof/internal/ratelimit/models"
)

// documentCheckVendor is recorded on the proofing component when the personal
// key step marks verification complete.
const documentCheckVendor = "usps"

var (
	// ErrNoProfile is returned by operations that need a created profile
	// before they can run.
	ErrNoProfile = errors.New("proofing session has no profile")

	// ErrNoActiveEnrollment is returned when an enrollment operation finds
	// nothing establishing or pending for the user.
	ErrNoActiveEnrollment = errors.New("no active in-person enrollment")

	// ErrPhoneNotConfirmed gates review completion on the phone mechanism.
	ErrPhoneNotConfirmed = errors.New("phone is not confirmed")
)

// SessionStore persists workflow state between step requests.
type SessionStore interface {
	Save(ctx context.Context, state *models.ProofingSessionState) error
	Find(ctx context.Context, sessionID string) (*models.ProofingSessionState, error)
	Delete(ctx context.Context, sessionID string) error
}

// EnrollmentStore is the slice of the enrollment store the flow needs.
type EnrollmentStore interface {
	Create(ctx context.Context, e *enrollmodels.Enrollment) error
	FindActiveByUserID(ctx context.Context, userID string) (*enrollmodels.Enrollment, error)
	UpdateStatus(ctx context.Context, id string, to enrollmodels.Status, now time.Time) error
	SetEnrollmentCode(ctx context.Context, id, code string) error
}

// EnrollmentVendor is the enroll surface of the proofing vendor.
type EnrollmentVendor interface {
	RequestEnroll(ctx context.Context, applicant usps.Applicant) (*usps.EnrollResponse, error)
	RequestEnrollmentCode(ctx context.Context, uniqueID string) (*usps.EnrollmentCodeResponse, error)
}

// Limiter is the attempt-budget surface the flow consults for OTP submissions
// and enrollment-code resends.
type Limiter interface {
	Attempt(ctx context.Context, subject string, throttle rlmodels.ThrottleType) (*rlmodels.Result, error)
	Enforce(ctx context.Context, subject string, throttle rlmodels.ThrottleType) error
	IsLimited(ctx context.Context, subject string, throttle rlmodels.ThrottleType) (bool, error)
	Reset(ctx context.Context, subject string, throttle rlmodels.ThrottleType) error
}

// OTPDeliverer hands a freshly issued confirmation code to the telephony
// collaborator. The code never travels back to the requester.
type OTPDeliverer interface {
	Deliver(ctx context.Context, phone, code string) error
}

// NoopDeliverer discards codes. It stands in where no telephony provider is
// configured, such as local runs.
type NoopDeliverer struct{}

func (NoopDeliverer) Deliver(context.Context, string, string) error { return nil }

// PIICache fetches the session's proofed PII for recovery encryption. The
// cache itself lives outside this subsystem.
type PIICache interface {
	Fetch(ctx context.Context, sessionID string) ([]byte, error)
}

// ComponentStore upserts the user's proofing component record.
type ComponentStore interface {
	UpsertVerified(ctx context.Context, userID, vendor string, now time.Time) (*models.ProofingComponent, error)
}

// Engine gates step access and applies step results. One instance serves all
// sessions; per-session state lives in the session store.
type Engine struct {
	sessions    SessionStore
	enrollments EnrollmentStore
	vendor      EnrollmentVendor
	limiter     Limiter
	deliverer   OTPDeliverer
	pii         PIICache
	components  ComponentStore
	cfg         config.OTP
	logger      *slog.Logger
	publisher   events.Publisher
	metrics     *metrics.Metrics
	now         func() time.Time
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithPublisher(publisher events.Publisher) Option {
	return func(e *Engine) { e.publisher = publisher }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func New(
	sessions SessionStore,
	enrollments EnrollmentStore,
	vendor EnrollmentVendor,
	limiter Limiter,
	deliverer OTPDeliverer,
	pii PIICache,
	components ComponentStore,
	cfg config.OTP,
	opts ...Option,
) (*Engine, error) {
	if sessions == nil {
		return nil, errors.New("session store is required")
	}
	if enrollments == nil {
		return nil, errors.New("enrollment store is required")
	}
	if vendor == nil {
		return nil, errors.New("enrollment vendor is required")
	}
	if limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	if deliverer == nil {
		return nil, errors.New("otp deliverer is required")
	}
	if pii == nil {
		return nil, errors.New("pii cache is required")
	}
	if components == nil {
		return nil, errors.New("component store is required")
	}

	e := &Engine{
		sessions:    sessions,
		enrollments: enrollments,
		vendor:      vendor,
		limiter:     limiter,
		deliverer:   deliverer,
		pii:         pii,
		components:  components,
		cfg:         cfg,
		logger:      slog.Default(),
		publisher:   events.Noop{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Session finds the session or starts an empty flow for the user.
func (e *Engine) Session(ctx context.Context, sessionID, userID string) (*models.ProofingSessionState, error) {
	state, err := e.sessions.Find(ctx, sessionID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, models.ErrSessionNotFound) {
		return nil, err
	}

	state = models.NewSession(sessionID, userID)
	if err := e.save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// CurrentStep resolves the step the session may see right now. A step whose
// preconditions do not hold produces a redirect to the earliest unsatisfied
// step; missing session data is never an error.
func (e *Engine) CurrentStep(ctx context.Context, state *models.ProofingSessionState) models.Decision {
	if state.Mechanism == "" {
		return models.RenderStep(models.StepAddressVerification)
	}

	if state.Mechanism == models.MechanismPhone && !state.PhoneConfirmed {
		if e.otpLockedOut(ctx, state.UserID) {
			return e.redirect(models.StepLockout)
		}
		if !state.OTPIssued() {
			return e.redirect(models.StepOTPDelivery)
		}
		return models.RenderStep(models.StepOTPVerification)
	}

	if state.ProfileID == "" {
		return models.RenderStep(models.StepReview)
	}

	if state.NeedsPersonalKeyConfirmation || len(state.EncryptedRecoveryPII) == 0 {
		return models.RenderStep(models.StepPersonalKey)
	}

	return e.redirect(e.destinationAfterPersonalKey(ctx, state))
}

// SelectMechanism records the address-verification channel and returns the
// decision for the next step.
func (e *Engine) SelectMechanism(ctx context.Context, state *models.ProofingSessionState, mech models.Mechanism) (models.Decision, error) {
	if !mech.IsValid() {
		return models.Decision{}, fmt.Errorf("%w: %q", models.ErrInvalidMechanism, mech)
	}

	state.Mechanism = mech
	if err := e.save(ctx, state); err != nil {
		return models.Decision{}, err
	}

	if mech == models.MechanismPhone {
		return models.RedirectTo(models.StepOTPDelivery), nil
	}
	return models.RedirectTo(models.StepReview), nil
}

// SendOTP issues a fresh phone confirmation code and hands it to the
// deliverer. Reissuing replaces any pending code.
func (e *Engine) SendOTP(ctx context.Context, state *models.ProofingSessionState, phone string) error {
	if state.Mechanism != models.MechanismPhone {
		return fmt.Errorf("%w: mechanism is %q", models.ErrInvalidMechanism, state.Mechanism)
	}

	code, err := generateOTP(e.cfg.CodeLength)
	if err != nil {
		return err
	}

	now := e.now()
	state.Phone = phone
	state.OTPCode = code
	state.OTPSentAt = &now
	if err := e.save(ctx, state); err != nil {
		return err
	}

	if err := e.deliverer.Deliver(ctx, phone, code); err != nil {
		return fmt.Errorf("deliver otp: %w", err)
	}

	if e.metrics != nil {
		e.metrics.IncrementOTPsSent()
	}
	e.logger.Info("phone confirmation code issued", "session_id", state.SessionID)
	return nil
}

// SubmitOTP applies one code submission. A locked-out user is refused before
// any comparison, even with the right code. No issued or expired code
// redirects to the delivery step; a match confirms the phone, clears the
// pending code and advances to review; a mismatch consumes attempt budget and
// either redisplays the form or ends in lockout.
func (e *Engine) SubmitOTP(ctx context.Context, state *models.ProofingSessionState, submitted string) (models.Decision, error) {
	if e.otpLockedOut(ctx, state.UserID) {
		if e.metrics != nil {
			e.metrics.IncrementOTPSubmissions("lockout")
		}
		return e.redirect(models.StepLockout), nil
	}

	if !state.OTPIssued() {
		return e.redirect(models.StepOTPDelivery), nil
	}

	now := e.now()
	if now.After(state.OTPSentAt.Add(e.cfg.CodeValidFor)) {
		state.ClearOTP()
		if err := e.save(ctx, state); err != nil {
			return models.Decision{}, err
		}
		return e.redirect(models.StepOTPDelivery), nil
	}

	if state.OTPMatches(submitted) {
		state.ClearOTP()
		state.PhoneConfirmed = true
		if err := e.save(ctx, state); err != nil {
			return models.Decision{}, err
		}
		if err := e.limiter.Reset(ctx, state.UserID, rlmodels.ThrottleIdvOTPSubmission); err != nil {
			e.logger.Error("reset otp throttle", "session_id", state.SessionID, logger.Err(err))
		}
		if e.metrics != nil {
			e.metrics.IncrementOTPSubmissions("confirmed")
		}
		_ = e.publisher.Emit(ctx, events.Event{
			Action: events.EventPhoneOTPConfirmed,
			UserID: state.UserID,
		})
		return models.RedirectTo(models.StepReview), nil
	}

	res, err := e.limiter.Attempt(ctx, state.UserID, rlmodels.ThrottleIdvOTPSubmission)
	if err != nil {
		return models.Decision{}, fmt.Errorf("record otp attempt: %w", err)
	}
	if res.Limited {
		if e.metrics != nil {
			e.metrics.IncrementOTPSubmissions("lockout")
		}
		_ = e.publisher.Emit(ctx, events.Event{
			Action: events.EventPhoneOTPLockout,
			UserID: state.UserID,
		})
		return e.redirect(models.StepLockout), nil
	}

	if e.metrics != nil {
		e.metrics.IncrementOTPSubmissions("mismatch")
	}
	return models.RetryStep(models.StepOTPVerification), nil
}

// CompleteReview creates the proofing profile from the reviewed data. The
// profile starts pending unless the phone mechanism already verified the
// address.
func (e *Engine) CompleteReview(ctx context.Context, state *models.ProofingSessionState, profileID string) (models.Decision, error) {
	if state.Mechanism == "" {
		return e.redirect(models.StepAddressVerification), nil
	}
	if state.Mechanism == models.MechanismPhone && !state.PhoneConfirmed {
		return models.Decision{}, ErrPhoneNotConfirmed
	}

	state.ProfileID = profileID
	state.ProfilePending = state.Mechanism != models.MechanismPhone
	if err := e.save(ctx, state); err != nil {
		return models.Decision{}, err
	}
	return models.RedirectTo(models.StepPersonalKey), nil
}

// IssuePersonalKey returns the session's personal key, generating it on first
// call and reusing it afterwards. Generation marks the proofing component
// verified before any key material exists, then encrypts the cached PII under
// the new key.
func (e *Engine) IssuePersonalKey(ctx context.Context, state *models.ProofingSessionState) (string, error) {
	if state.ProfileID == "" {
		return "", ErrNoProfile
	}
	if state.PersonalKey != "" {
		return state.PersonalKey, nil
	}

	if _, err := e.components.UpsertVerified(ctx, state.UserID, documentCheckVendor, e.now()); err != nil {
		return "", fmt.Errorf("mark proofing component verified: %w", err)
	}

	pii, err := e.pii.Fetch(ctx, state.SessionID)
	if err != nil {
		return "", fmt.Errorf("fetch cached pii: %w", err)
	}

	key, err := idvcrypto.NewPersonalKey()
	if err != nil {
		return "", err
	}
	blob, err := idvcrypto.EncryptRecoveryPII(pii, key)
	if err != nil {
		return "", fmt.Errorf("encrypt recovery pii: %w", err)
	}

	state.PersonalKey = key
	state.EncryptedRecoveryPII = blob
	state.NeedsPersonalKeyConfirmation = true
	if err := e.save(ctx, state); err != nil {
		return "", err
	}

	if e.metrics != nil {
		e.metrics.IncrementPersonalKeysIssued()
	}
	_ = e.publisher.Emit(ctx, events.Event{
		Action: events.EventPersonalKeyIssued,
		UserID: state.UserID,
	})
	return key, nil
}

// ConfirmPersonalKey acknowledges the user recorded the key. The key is
// dropped from the session after display; only the encrypted recovery blob
// remains.
func (e *Engine) ConfirmPersonalKey(ctx context.Context, state *models.ProofingSessionState) (models.Decision, error) {
	if state.PersonalKey == "" && len(state.EncryptedRecoveryPII) == 0 {
		return models.RenderStep(models.StepPersonalKey), nil
	}

	state.PersonalKey = ""
	state.NeedsPersonalKeyConfirmation = false
	if err := e.save(ctx, state); err != nil {
		return models.Decision{}, err
	}

	_ = e.publisher.Emit(ctx, events.Event{
		Action: events.EventPersonalKeyConfirmed,
		UserID: state.UserID,
	})
	return e.redirect(e.destinationAfterPersonalKey(ctx, state)), nil
}

// destinationAfterPersonalKey is the priority-ordered routing decision that
// follows the personal key display.
func (e *Engine) destinationAfterPersonalKey(ctx context.Context, state *models.ProofingSessionState) models.StepID {
	if _, err := e.enrollments.FindActiveByUserID(ctx, state.UserID); err == nil {
		return models.StepInPersonReady
	} else if !errors.Is(err, enrollmodels.ErrNotFound) {
		e.logger.Error("look up active enrollment", "user_id", state.UserID, logger.Err(err))
	}

	if state.SPSessionActive && !state.ProfilePending {
		return models.StepCompletion
	}
	if state.ProfilePending && state.Mechanism == models.MechanismMail {
		return models.StepComeBackLater
	}
	return models.StepAccount
}

// StartInPersonEnrollment establishes an enrollment and opts the applicant in
// with the vendor. A vendor failure leaves the enrollment establishing; the
// next attempt reuses it. Returns the pending enrollment with its code on
// success.
func (e *Engine) StartInPersonEnrollment(ctx context.Context, state *models.ProofingSessionState, applicant usps.Applicant) (*enrollmodels.Enrollment, error) {
	if state.ProfileID == "" {
		return nil, ErrNoProfile
	}

	enr, err := e.enrollments.FindActiveByUserID(ctx, state.UserID)
	switch {
	case err == nil:
		if enr.Status == enrollmodels.StatusPending {
			return enr, nil
		}
	case errors.Is(err, enrollmodels.ErrNotFound):
		enr, err = enrollmodels.NewEnrollment(state.UserID, enrollmodels.ProfileRef{
			ID:     state.ProfileID,
			UserID: state.UserID,
		})
		if err != nil {
			return nil, err
		}
		if err := e.enrollments.Create(ctx, enr); err != nil {
			return nil, fmt.Errorf("create enrollment: %w", err)
		}
		_ = e.publisher.Emit(ctx, events.Event{
			Action: events.EventEnrollmentCreated,
			UserID: state.UserID,
		})
	default:
		return nil, fmt.Errorf("find active enrollment: %w", err)
	}

	applicant.UniqueID = enr.UniqueID
	resp, err := e.vendor.RequestEnroll(ctx, applicant)
	if err != nil {
		return nil, fmt.Errorf("vendor enrollment: %w", err)
	}

	now := e.now()
	if err := e.enrollments.UpdateStatus(ctx, enr.ID, enrollmodels.StatusPending, now); err != nil {
		return nil, fmt.Errorf("mark enrollment pending: %w", err)
	}
	if err := e.enrollments.SetEnrollmentCode(ctx, enr.ID, resp.EnrollmentCode); err != nil {
		return nil, fmt.Errorf("store enrollment code: %w", err)
	}

	enr.Status = enrollmodels.StatusPending
	enr.StatusUpdatedAt = now
	enr.EnrollmentCode = resp.EnrollmentCode

	e.logger.Info("in-person enrollment established", "enrollment_id", enr.ID)
	_ = e.publisher.Emit(ctx, events.Event{
		Action: events.EventEnrollmentPending,
		UserID: state.UserID,
	})
	return enr, nil
}

// ResendEnrollmentCode refetches the user's enrollment code from the vendor.
// Throttled per user; the vendor reuses a still-valid code.
func (e *Engine) ResendEnrollmentCode(ctx context.Context, userID string) error {
	if err := e.limiter.Enforce(ctx, userID, rlmodels.ThrottleEnrollmentCodeResend); err != nil {
		return err
	}

	enr, err := e.enrollments.FindActiveByUserID(ctx, userID)
	if errors.Is(err, enrollmodels.ErrNotFound) {
		return ErrNoActiveEnrollment
	}
	if err != nil {
		return fmt.Errorf("find active enrollment: %w", err)
	}
	if enr.Status != enrollmodels.StatusPending {
		return ErrNoActiveEnrollment
	}

	resp, err := e.vendor.RequestEnrollmentCode(ctx, enr.UniqueID)
	if err != nil {
		return fmt.Errorf("refetch enrollment code: %w", err)
	}
	if err := e.enrollments.SetEnrollmentCode(ctx, enr.ID, resp.EnrollmentCode); err != nil {
		return fmt.Errorf("store enrollment code: %w", err)
	}

	_ = e.publisher.Emit(ctx, events.Event{
		Action: events.EventEnrollmentCodeRefetch,
		UserID: userID,
	})
	return nil
}

// CancelEnrollment closes the user's active enrollment via the transition
// table.
func (e *Engine) CancelEnrollment(ctx context.Context, userID string) error {
	enr, err := e.enrollments.FindActiveByUserID(ctx, userID)
	if errors.Is(err, enrollmodels.ErrNotFound) {
		return ErrNoActiveEnrollment
	}
	if err != nil {
		return fmt.Errorf("find active enrollment: %w", err)
	}

	if err := e.enrollments.UpdateStatus(ctx, enr.ID, enrollmodels.StatusCanceled, e.now()); err != nil {
		return fmt.Errorf("cancel enrollment: %w", err)
	}
	_ = e.publisher.Emit(ctx, events.Event{
		Action: events.EventEnrollmentCanceled,
		UserID: userID,
	})
	return nil
}

// CompleteFlow drops the session once the flow no longer claims the user.
func (e *Engine) CompleteFlow(ctx context.Context, state *models.ProofingSessionState) error {
	return e.sessions.Delete(ctx, state.SessionID)
}

func (e *Engine) save(ctx context.Context, state *models.ProofingSessionState) error {
	state.UpdatedAt = e.now()
	if err := e.sessions.Save(ctx, state); err != nil {
		return fmt.Errorf("save proofing session: %w", err)
	}
	return nil
}

func (e *Engine) redirect(to models.StepID) models.Decision {
	if e.metrics != nil {
		e.metrics.IncrementStepRedirects(string(to))
	}
	return models.RedirectTo(to)
}

// otpLockedOut checks the submission budget without consuming an attempt. A
// failed read is logged and treated as not limited; the Attempt on the
// mismatch path still refuses over-budget submissions.
func (e *Engine) otpLockedOut(ctx context.Context, userID string) bool {
	limited, err := e.limiter.IsLimited(ctx, userID, rlmodels.ThrottleIdvOTPSubmission)
	if err != nil {
		e.logger.Error("check otp throttle", "user_id", userID, logger.Err(err))
		return false
	}
	return limited
}

func generateOTP(length int) (string, error) {
	const digits = "0123456789"
	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate otp: %w", err)
		}
		for _, b := range buf {
			// 250..255 would fold onto 0..5 and skew the draw; redraw them.
			if b >= 250 {
				continue
			}
			out = append(out, digits[b%10])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}
