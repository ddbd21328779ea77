package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	enrollmemory "idproof/internal/enrollment/store/memory"
	"idproof/internal/enrollment/usps"
	idvmemory "idproof/internal/idv/store/memory"
	"idproof/internal/idv/service"
	"idproof/internal/platform/config"
	rlmodels "idproof/internal/ratelimit/models"
	rlservice "idproof/internal/ratelimit/service"
	rlmemory "idproof/internal/ratelimit/store/memory"
)

type fakeVendor struct {
	mu         sync.Mutex
	facilities []usps.PostOffice
	code       string
}

func (f *fakeVendor) RequestFacilities(context.Context, usps.Location) ([]usps.PostOffice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.facilities, nil
}

func (f *fakeVendor) RequestEnroll(context.Context, usps.Applicant) (*usps.EnrollResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &usps.EnrollResponse{EnrollmentCode: f.code}, nil
}

func (f *fakeVendor) RequestEnrollmentCode(context.Context, string) (*usps.EnrollmentCodeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &usps.EnrollmentCodeResponse{EnrollmentCode: f.code}, nil
}

type staticPIICache struct{}

func (staticPIICache) Fetch(context.Context, string) ([]byte, error) {
	return []byte(`{"first_name":"Jane"}`), nil
}

// HandlerSuite wires the router against real in-memory components; only the
// external vendor is faked.
type HandlerSuite struct {
	suite.Suite
	router   http.Handler
	sessions *idvmemory.SessionStore
	vendor   *fakeVendor
}

func (s *HandlerSuite) SetupTest() {
	limiter, err := rlservice.New(rlmemory.New(), map[rlmodels.ThrottleType]rlmodels.Limit{
		rlmodels.ThrottleIdvOTPSubmission:     {MaxAttempts: 3, Window: time.Minute},
		rlmodels.ThrottleEnrollmentCodeResend: {MaxAttempts: 1, Window: time.Hour},
	})
	require.NoError(s.T(), err)

	s.sessions = idvmemory.NewSessionStore()
	s.vendor = &fakeVendor{code: "1234567890123456"}

	engine, err := service.New(
		s.sessions,
		enrollmemory.New(),
		s.vendor,
		limiter,
		service.NoopDeliverer{},
		staticPIICache{},
		idvmemory.NewComponentStore(),
		config.OTP{CodeLength: 6, MaxAttempts: 3, AttemptTTL: time.Minute, CodeValidFor: 10 * time.Minute},
	)
	require.NoError(s.T(), err)

	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	s.router = NewRouter(NewHandler(engine, s.vendor, log))
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.T(), json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerSessionID, "sess-1")
	req.Header.Set(headerUserID, "user-1")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// otpCode reads the pending code straight from the session store; the wire
// never carries it.
func (s *HandlerSuite) otpCode() string {
	state, err := s.sessions.Find(context.Background(), "sess-1")
	require.NoError(s.T(), err)
	require.NotEmpty(s.T(), state.OTPCode)
	return state.OTPCode
}

func (s *HandlerSuite) confirmPhone() {
	rec := s.do(http.MethodPost, "/idv/mechanism", map[string]string{"mechanism": "phone"})
	require.Equal(s.T(), http.StatusFound, rec.Code)
	rec = s.do(http.MethodPost, "/idv/otp/send", map[string]string{"phone": "+12025551234"})
	require.Equal(s.T(), http.StatusFound, rec.Code)
	rec = s.do(http.MethodPost, "/idv/otp/verify", map[string]string{"code": s.otpCode()})
	require.Equal(s.T(), http.StatusFound, rec.Code)
}

func (s *HandlerSuite) completeReview() {
	s.confirmPhone()
	rec := s.do(http.MethodPost, "/idv/review", map[string]string{"profile_id": "profile-1"})
	require.Equal(s.T(), http.StatusFound, rec.Code)
}

func (s *HandlerSuite) TestCurrentStep_MissingIdentity() {
	req := httptest.NewRequest(http.MethodGet, "/idv/step", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(s.T(), http.StatusBadRequest, rec.Code)
}

func (s *HandlerSuite) TestCurrentStep_NewSession() {
	rec := s.do(http.MethodGet, "/idv/step", nil)

	assert.Equal(s.T(), http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(s.T(), "address_verification", body["step"])
}

func (s *HandlerSuite) TestSelectMechanism_InvalidJSON() {
	req := httptest.NewRequest(http.MethodPost, "/idv/mechanism", bytes.NewReader([]byte("not json")))
	req.Header.Set(headerSessionID, "sess-1")
	req.Header.Set(headerUserID, "user-1")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(s.T(), http.StatusBadRequest, rec.Code)
}

func (s *HandlerSuite) TestSelectMechanism_Unknown() {
	rec := s.do(http.MethodPost, "/idv/mechanism", map[string]string{"mechanism": "carrier_pigeon"})
	assert.Equal(s.T(), http.StatusBadRequest, rec.Code)
}

func (s *HandlerSuite) TestSelectMechanism_PhoneRedirectsToDelivery() {
	rec := s.do(http.MethodPost, "/idv/mechanism", map[string]string{"mechanism": "phone"})

	assert.Equal(s.T(), http.StatusFound, rec.Code)
	assert.Equal(s.T(), "/idv/steps/otp_delivery_method", rec.Header().Get("Location"))
}

func (s *HandlerSuite) TestVerifyOTP_WithoutIssuedCode() {
	rec := s.do(http.MethodPost, "/idv/mechanism", map[string]string{"mechanism": "phone"})
	require.Equal(s.T(), http.StatusFound, rec.Code)

	rec = s.do(http.MethodPost, "/idv/otp/verify", map[string]string{"code": "123456"})
	assert.Equal(s.T(), http.StatusFound, rec.Code)
	assert.Equal(s.T(), "/idv/steps/otp_delivery_method", rec.Header().Get("Location"))
}

func (s *HandlerSuite) TestVerifyOTP_Mismatch() {
	rec := s.do(http.MethodPost, "/idv/mechanism", map[string]string{"mechanism": "phone"})
	require.Equal(s.T(), http.StatusFound, rec.Code)
	rec = s.do(http.MethodPost, "/idv/otp/send", map[string]string{"phone": "+12025551234"})
	require.Equal(s.T(), http.StatusFound, rec.Code)

	rec = s.do(http.MethodPost, "/idv/otp/verify", map[string]string{"code": "wrong!"})
	assert.Equal(s.T(), http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(s.T(), "otp_verification", body["step"])
	assert.Equal(s.T(), true, body["retry"])
}

func (s *HandlerSuite) TestVerifyOTP_Lockout() {
	rec := s.do(http.MethodPost, "/idv/mechanism", map[string]string{"mechanism": "phone"})
	require.Equal(s.T(), http.StatusFound, rec.Code)
	rec = s.do(http.MethodPost, "/idv/otp/send", map[string]string{"phone": "+12025551234"})
	require.Equal(s.T(), http.StatusFound, rec.Code)

	for i := 0; i < 3; i++ {
		rec = s.do(http.MethodPost, "/idv/otp/verify", map[string]string{"code": "wrong!"})
		require.Equal(s.T(), http.StatusOK, rec.Code)
	}

	rec = s.do(http.MethodPost, "/idv/otp/verify", map[string]string{"code": "wrong!"})
	assert.Equal(s.T(), http.StatusFound, rec.Code)
	assert.Equal(s.T(), "/idv/steps/lockout", rec.Header().Get("Location"))

	// Locked out means locked out: the step view and further submissions,
	// even with the pending code, land on the lockout page.
	rec = s.do(http.MethodGet, "/idv/step", nil)
	assert.Equal(s.T(), http.StatusFound, rec.Code)
	assert.Equal(s.T(), "/idv/steps/lockout", rec.Header().Get("Location"))

	rec = s.do(http.MethodPost, "/idv/otp/verify", map[string]string{"code": s.otpCode()})
	assert.Equal(s.T(), http.StatusFound, rec.Code)
	assert.Equal(s.T(), "/idv/steps/lockout", rec.Header().Get("Location"))

	state, err := s.sessions.Find(context.Background(), "sess-1")
	require.NoError(s.T(), err)
	assert.False(s.T(), state.PhoneConfirmed)
}

func (s *HandlerSuite) TestVerifyOTP_MatchAdvancesToReview() {
	s.confirmPhone()

	rec := s.do(http.MethodGet, "/idv/step", nil)
	assert.Equal(s.T(), http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(s.T(), "review", body["step"])
}

func (s *HandlerSuite) TestPersonalKey_IssueAndConfirm() {
	s.completeReview()

	rec := s.do(http.MethodPost, "/idv/personal-key", nil)
	require.Equal(s.T(), http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Regexp(s.T(), `^[0-9A-Z]{4}(-[0-9A-Z]{4}){3}$`, body["personal_key"])

	// Issuing again returns the same key.
	rec = s.do(http.MethodPost, "/idv/personal-key", nil)
	require.Equal(s.T(), http.StatusOK, rec.Code)
	var again map[string]string
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &again))
	assert.Equal(s.T(), body["personal_key"], again["personal_key"])

	rec = s.do(http.MethodPost, "/idv/personal-key/confirm", nil)
	assert.Equal(s.T(), http.StatusFound, rec.Code)
	assert.Equal(s.T(), "/idv/steps/account", rec.Header().Get("Location"))
}

func (s *HandlerSuite) TestPersonalKey_WithoutProfile() {
	rec := s.do(http.MethodPost, "/idv/personal-key", nil)
	assert.Equal(s.T(), http.StatusNotFound, rec.Code)
}

func (s *HandlerSuite) TestFacilitySearch() {
	s.vendor.facilities = []usps.PostOffice{{Name: "BAYSIDE", City: "Bayside", State: "NY"}}

	rec := s.do(http.MethodGet, "/idv/in-person/facilities?city=Bayside&state=NY&zip=11360", nil)
	assert.Equal(s.T(), http.StatusOK, rec.Code)
	var body struct {
		Facilities []usps.PostOffice `json:"facilities"`
	}
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(s.T(), body.Facilities, 1)
	assert.Equal(s.T(), "BAYSIDE", body.Facilities[0].Name)
}

func (s *HandlerSuite) TestStartEnrollment() {
	s.completeReview()

	rec := s.do(http.MethodPost, "/idv/in-person", map[string]string{
		"first_name": "Jane", "last_name": "Doe", "email": "jane@example.com",
	})
	require.Equal(s.T(), http.StatusCreated, rec.Code)
	var body map[string]string
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(s.T(), "pending", body["status"])
	assert.Equal(s.T(), "1234567890123456", body["enrollment_code"])
	assert.NotEmpty(s.T(), body["enrollment_id"])
}

func (s *HandlerSuite) TestResendEnrollmentCode_Throttled() {
	s.completeReview()
	rec := s.do(http.MethodPost, "/idv/in-person", map[string]string{"first_name": "Jane"})
	require.Equal(s.T(), http.StatusCreated, rec.Code)

	rec = s.do(http.MethodPost, "/idv/in-person/code-resend", nil)
	assert.Equal(s.T(), http.StatusAccepted, rec.Code)

	rec = s.do(http.MethodPost, "/idv/in-person/code-resend", nil)
	assert.Equal(s.T(), http.StatusTooManyRequests, rec.Code)
}

func (s *HandlerSuite) TestCancelEnrollment() {
	s.completeReview()
	rec := s.do(http.MethodPost, "/idv/in-person", map[string]string{"first_name": "Jane"})
	require.Equal(s.T(), http.StatusCreated, rec.Code)

	rec = s.do(http.MethodPost, "/idv/in-person/cancel", nil)
	assert.Equal(s.T(), http.StatusOK, rec.Code)

	rec = s.do(http.MethodPost, "/idv/in-person/cancel", nil)
	assert.Equal(s.T(), http.StatusNotFound, rec.Code)
}

func (s *HandlerSuite) TestHealth() {
	rec := s.do(http.MethodGet, "/healthz", nil)
	assert.Equal(s.T(), http.StatusOK, rec.Code)
}
