// Package reconciler polls the proofing vendor for pending enrollments and
// applies the resulting status transitions.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"idproof/internal/enrollment/metrics"
	"idproof/internal/enrollment/models"
	"idproof/internal/enrollment/usps"
	"idproof/internal/platform/config"
	"idproof/internal/platform/events"
	"idproof/internal/platform/logger"
)

// Vendor status strings on a 2xx proofing-results response.
const (
	vendorStatusPassed = "In-person passed"
	vendorStatusFailed = "In-person failed"
)

// An enrollment code that aged out comes back as a business 4xx with this
// phrase in the reason.
const expiredReasonFragment = "Enrollment code expired"

// Store is the slice of the enrollment store the reconciler needs.
type Store interface {
	DueForStatusCheck(ctx context.Context, cutoff time.Time, limit int) ([]*models.Enrollment, error)
	TouchStatusCheckAttempted(ctx context.Context, id string, now time.Time) error
	UpdateStatus(ctx context.Context, id string, to models.Status, now time.Time) error
}

// VendorClient is the status-poll surface of the proofing vendor.
type VendorClient interface {
	RequestProofingResults(ctx context.Context, uniqueID, enrollmentCode string) (*usps.ProofingResults, error)
}

// Reconciler drives one reconciliation pass at a time. Fleet-wide mutual
// exclusion is the job runner's concern; Run assumes it is the only active
// pass for its key.
type Reconciler struct {
	store     Store
	vendor    VendorClient
	cfg       config.Reconciler
	logger    *slog.Logger
	publisher events.Publisher
	metrics   *metrics.Metrics
	now       func() time.Time
}

type Option func(*Reconciler)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

func WithPublisher(publisher events.Publisher) Option {
	return func(r *Reconciler) { r.publisher = publisher }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func New(store Store, vendor VendorClient, cfg config.Reconciler, opts ...Option) (*Reconciler, error) {
	if store == nil {
		return nil, errors.New("enrollment store is required")
	}
	if vendor == nil {
		return nil, errors.New("vendor client is required")
	}

	r := &Reconciler{
		store:     store,
		vendor:    vendor,
		cfg:       cfg,
		logger:    slog.Default(),
		publisher: events.Noop{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run executes one reconciliation pass: select due enrollments, then poll each
// one. A failing enrollment is logged and skipped; it never aborts the batch.
func (r *Reconciler) Run(ctx context.Context) error {
	started := r.now()
	cutoff := started.Add(-r.cfg.MinRecheckAge)

	due, err := r.store.DueForStatusCheck(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	r.logger.Info("reconciliation pass started", "due", len(due))

	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		r.check(ctx, e)
	}

	if r.metrics != nil {
		r.metrics.ObserveReconcilerPass(len(due), r.now().Sub(started).Seconds())
	}
	return nil
}

// check polls one enrollment. The attempt stamp is written before the vendor
// call so a persistently failing enrollment still rotates to the back of the
// queue instead of being retried every pass.
func (r *Reconciler) check(ctx context.Context, e *models.Enrollment) {
	now := r.now()
	if err := r.store.TouchStatusCheckAttempted(ctx, e.ID, now); err != nil {
		r.logger.Error("stamp status check attempt", "enrollment_id", e.ID, logger.Err(err))
		return
	}

	results, err := r.vendor.RequestProofingResults(ctx, e.UniqueID, e.EnrollmentCode)
	if err != nil {
		r.handlePollError(ctx, e, err)
		return
	}

	switch results.Status {
	case vendorStatusPassed:
		r.transition(ctx, e, models.StatusPassed, events.EventEnrollmentPassed)
		r.count("passed")
	case vendorStatusFailed:
		r.transition(ctx, e, models.StatusFailed, events.EventEnrollmentFailed)
		r.count("failed")
	default:
		r.logger.Error("unexpected vendor proofing status",
			"enrollment_id", e.ID,
			"vendor_status", results.Status,
		)
		r.count("error")
	}
}

func (r *Reconciler) handlePollError(ctx context.Context, e *models.Enrollment, err error) {
	var bizErr *usps.BusinessError
	if errors.As(err, &bizErr) {
		if strings.Contains(bizErr.Reason, expiredReasonFragment) {
			r.transition(ctx, e, models.StatusExpired, events.EventEnrollmentExpired)
			r.count("expired")
			return
		}
		// Applicant has not visited a facility yet; nothing to update.
		r.count("pending")
		return
	}

	r.logger.Error("vendor status check failed", "enrollment_id", e.ID, logger.Err(err))
	r.count("error")
	_ = r.publisher.Emit(ctx, events.Event{
		Action: events.EventEnrollmentCheckFailed,
		UserID: e.UserID,
		Reason: err.Error(),
	})
}

func (r *Reconciler) transition(ctx context.Context, e *models.Enrollment, to models.Status, action string) {
	if err := r.store.UpdateStatus(ctx, e.ID, to, r.now()); err != nil {
		r.logger.Error("apply enrollment transition",
			"enrollment_id", e.ID,
			"to", to.String(),
			logger.Err(err),
		)
		return
	}

	r.logger.Info("enrollment status updated",
		"enrollment_id", e.ID,
		"from", e.Status.String(),
		"to", to.String(),
	)
	if r.metrics != nil {
		r.metrics.IncrementStatusTransitions(to.String())
	}
	_ = r.publisher.Emit(ctx, events.Event{
		Action: action,
		UserID: e.UserID,
	})
}

func (r *Reconciler) count(outcome string) {
	if r.metrics != nil {
		r.metrics.IncrementStatusChecks(outcome)
	}
}
