// Package httptransport is the thin HTTP layer. Handlers delegate to domain
// services without embedding business logic so transport concerns remain
// isolated.
package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the public endpoints. Step handlers return redirects or
// minimal JSON; rendering lives outside this service.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/idv", func(r chi.Router) {
		r.Get("/step", h.handleCurrentStep)
		r.Post("/mechanism", h.handleSelectMechanism)
		r.Post("/otp/send", h.handleSendOTP)
		r.Post("/otp/verify", h.handleVerifyOTP)
		r.Post("/review", h.handleCompleteReview)
		r.Post("/personal-key", h.handleIssuePersonalKey)
		r.Post("/personal-key/confirm", h.handleConfirmPersonalKey)

		r.Get("/in-person/facilities", h.handleFacilitySearch)
		r.Post("/in-person", h.handleStartEnrollment)
		r.Post("/in-person/code-resend", h.handleResendEnrollmentCode)
		r.Post("/in-person/cancel", h.handleCancelEnrollment)
	})

	return r
}
