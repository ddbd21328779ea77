package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	enrollmodels "idproof/internal/enrollment/models"
	"idproof/internal/enrollment/usps"
	"idproof/internal/idv/models"
	"idproof/internal/idv/service"
	"idproof/internal/platform/logger"
	rlservice "idproof/internal/ratelimit/service"
)

// Session identity comes from the fronting auth layer; this service trusts
// the headers it is handed.
const (
	headerSessionID = "X-Session-ID"
	headerUserID    = "X-User-ID"
)

// FacilityFinder is the facility-search surface of the proofing vendor.
type FacilityFinder interface {
	RequestFacilities(ctx context.Context, loc usps.Location) ([]usps.PostOffice, error)
}

type Handler struct {
	engine     *service.Engine
	facilities FacilityFinder
	logger     *slog.Logger
}

func NewHandler(engine *service.Engine, facilities FacilityFinder, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{engine: engine, facilities: facilities, logger: log}
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleCurrentStep(w http.ResponseWriter, r *http.Request) {
	state, ok := h.session(w, r)
	if !ok {
		return
	}
	h.writeDecision(w, h.engine.CurrentStep(r.Context(), state))
}

func (h *Handler) handleSelectMechanism(w http.ResponseWriter, r *http.Request) {
	state, ok := h.session(w, r)
	if !ok {
		return
	}

	var req struct {
		Mechanism string `json:"mechanism"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	dec, err := h.engine.SelectMechanism(r.Context(), state, models.Mechanism(req.Mechanism))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeDecision(w, dec)
}

func (h *Handler) handleSendOTP(w http.ResponseWriter, r *http.Request) {
	state, ok := h.session(w, r)
	if !ok {
		return
	}

	var req struct {
		Phone string `json:"phone"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	// The code goes to the deliverer, never into the response.
	if err := h.engine.SendOTP(r.Context(), state, req.Phone); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeDecision(w, models.RedirectTo(models.StepOTPVerification))
}

func (h *Handler) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	state, ok := h.session(w, r)
	if !ok {
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	dec, err := h.engine.SubmitOTP(r.Context(), state, req.Code)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeDecision(w, dec)
}

func (h *Handler) handleCompleteReview(w http.ResponseWriter, r *http.Request) {
	state, ok := h.session(w, r)
	if !ok {
		return
	}

	var req struct {
		ProfileID string `json:"profile_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProfileID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "profile_id is required"})
		return
	}

	dec, err := h.engine.CompleteReview(r.Context(), state, req.ProfileID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeDecision(w, dec)
}

func (h *Handler) handleIssuePersonalKey(w http.ResponseWriter, r *http.Request) {
	state, ok := h.session(w, r)
	if !ok {
		return
	}

	key, err := h.engine.IssuePersonalKey(r.Context(), state)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"personal_key": key})
}

func (h *Handler) handleConfirmPersonalKey(w http.ResponseWriter, r *http.Request) {
	state, ok := h.session(w, r)
	if !ok {
		return
	}

	dec, err := h.engine.ConfirmPersonalKey(r.Context(), state)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeDecision(w, dec)
}

func (h *Handler) handleFacilitySearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	loc := usps.Location{
		Address: q.Get("address"),
		City:    q.Get("city"),
		State:   q.Get("state"),
		ZipCode: q.Get("zip"),
	}

	facilities, err := h.facilities.RequestFacilities(r.Context(), loc)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"facilities": facilities})
}

func (h *Handler) handleStartEnrollment(w http.ResponseWriter, r *http.Request) {
	state, ok := h.session(w, r)
	if !ok {
		return
	}

	var req struct {
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Address   string `json:"address"`
		City      string `json:"city"`
		State     string `json:"state"`
		Zip       string `json:"zip"`
		Email     string `json:"email"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	enr, err := h.engine.StartInPersonEnrollment(r.Context(), state, usps.Applicant{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Address:   req.Address,
		City:      req.City,
		State:     req.State,
		ZipCode:   req.Zip,
		Email:     req.Email,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"enrollment_id":   enr.ID,
		"status":          enr.Status.String(),
		"enrollment_code": enr.EnrollmentCode,
	})
}

func (h *Handler) handleResendEnrollmentCode(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(headerUserID)
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing user identity"})
		return
	}

	if err := h.engine.ResendEnrollmentCode(r.Context(), userID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "code_resent"})
}

func (h *Handler) handleCancelEnrollment(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(headerUserID)
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing user identity"})
		return
	}

	if err := h.engine.CancelEnrollment(r.Context(), userID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

// session resolves the caller's proofing session, writing the error response
// itself when identity headers are missing.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*models.ProofingSessionState, bool) {
	sessionID := r.Header.Get(headerSessionID)
	userID := r.Header.Get(headerUserID)
	if sessionID == "" || userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing session identity"})
		return nil, false
	}

	state, err := h.engine.Session(r.Context(), sessionID, userID)
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	return state, true
}

// writeDecision maps an engine decision onto the wire: redirects become 302s
// to the step path, rendered steps come back as JSON.
func (h *Handler) writeDecision(w http.ResponseWriter, dec models.Decision) {
	if dec.Kind == models.Redirect {
		w.Header().Set("Location", stepPath(dec.Step))
		w.WriteHeader(http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"step":  string(dec.Step),
		"retry": dec.Retry,
	})
}

func stepPath(step models.StepID) string {
	return "/idv/steps/" + string(step)
}

// writeError translates domain errors to HTTP statuses in one place so every
// handler answers consistently.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var bizErr *usps.BusinessError

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, rlservice.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, models.ErrInvalidMechanism),
		errors.Is(err, service.ErrPhoneNotConfirmed),
		errors.Is(err, enrollmodels.ErrProfileUserMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNoProfile),
		errors.Is(err, service.ErrNoActiveEnrollment),
		errors.Is(err, models.ErrSessionNotFound),
		errors.Is(err, enrollmodels.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, enrollmodels.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.As(err, &bizErr):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, usps.ErrVendorUnavailable):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", logger.Err(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}
