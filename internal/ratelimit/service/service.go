// Package service owns the attempt budget decisions for sensitive actions.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"idproof/internal/platform/events"
	"idproof/internal/ratelimit/metrics"
	"idproof/internal/ratelimit/models"
)

// ErrRateLimited is returned by Enforce when the subject has exhausted its
// attempt budget. Callers surface it as a distinct lockout state, not a
// generic failure.
var ErrRateLimited = errors.New("rate limited")

// CounterStore is the atomic counter primitive behind the limiter. Increment
// must be a single conditional update: two concurrent attempts for the same
// key must never both observe the pre-limit count.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int, resetAt time.Time, err error)
	Count(ctx context.Context, key string) (int, error)
	Reset(ctx context.Context, key string) error
}

// Service applies per-(subject, throttle type) attempt budgets.
type Service struct {
	store     CounterStore
	limits    map[models.ThrottleType]models.Limit
	logger    *slog.Logger
	publisher events.Publisher
	metrics   *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithPublisher(publisher events.Publisher) Option {
	return func(s *Service) { s.publisher = publisher }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(store CounterStore, limits map[models.ThrottleType]models.Limit, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("counter store is required")
	}
	if len(limits) == 0 {
		return nil, errors.New("at least one throttle limit is required")
	}

	svc := &Service{
		store:     store,
		limits:    limits,
		logger:    slog.Default(),
		publisher: events.Noop{},
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Attempt records one attempt for (subject, throttle) and reports whether the
// subject is now over budget. The attempt that crosses the budget and every
// attempt after it within the window report Limited. The crossing attempt is
// published as a rate_limit_triggered event exactly once per window.
func (s *Service) Attempt(ctx context.Context, subject string, throttle models.ThrottleType) (*models.Result, error) {
	limit, ok := s.limits[throttle]
	if !ok {
		return nil, fmt.Errorf("no limit configured for throttle %q", throttle)
	}

	count, resetAt, err := s.store.Increment(ctx, models.Key(subject, throttle), limit.Window)
	if err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}

	if s.metrics != nil {
		s.metrics.IncrementAttempts(throttle.String())
	}

	limited := count > limit.MaxAttempts
	if limited && count == limit.MaxAttempts+1 {
		s.logger.Warn("rate limit triggered",
			"throttle", throttle,
			"count", count,
			"max_attempts", limit.MaxAttempts,
		)
		if s.metrics != nil {
			s.metrics.IncrementLimitsTriggered(throttle.String())
		}
		_ = s.publisher.Emit(ctx, events.Event{
			Action: events.EventRateLimitTriggered,
			UserID: subject,
			Reason: throttle.String(),
			Extra:  map[string]string{"count": fmt.Sprint(count)},
		})
	}

	return &models.Result{Count: count, Limited: limited, ResetAt: resetAt}, nil
}

// Enforce is Attempt for callers that want a refusal as an error.
func (s *Service) Enforce(ctx context.Context, subject string, throttle models.ThrottleType) error {
	res, err := s.Attempt(ctx, subject, throttle)
	if err != nil {
		return err
	}
	if res.Limited {
		return fmt.Errorf("%w: %s until %s", ErrRateLimited, throttle, res.ResetAt.Format(time.RFC3339))
	}
	return nil
}

// IsLimited reports whether the subject is currently over budget without
// consuming an attempt.
func (s *Service) IsLimited(ctx context.Context, subject string, throttle models.ThrottleType) (bool, error) {
	limit, ok := s.limits[throttle]
	if !ok {
		return false, fmt.Errorf("no limit configured for throttle %q", throttle)
	}
	count, err := s.store.Count(ctx, models.Key(subject, throttle))
	if err != nil {
		return false, fmt.Errorf("read attempt count: %w", err)
	}
	return count > limit.MaxAttempts, nil
}

// Reset clears the counter for (subject, throttle), e.g. after a successful
// OTP confirmation.
func (s *Service) Reset(ctx context.Context, subject string, throttle models.ThrottleType) error {
	if err := s.store.Reset(ctx, models.Key(subject, throttle)); err != nil {
		return fmt.Errorf("reset throttle: %w", err)
	}
	return nil
}
