// Package memory implements the enrollment store in process memory.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"idproof/internal/enrollment/models"
)

type Store struct {
	mu          sync.Mutex
	enrollments map[string]*models.Enrollment
}

func New() *Store {
	return &Store{enrollments: make(map[string]*models.Enrollment)}
}

func clone(e *models.Enrollment) *models.Enrollment {
	out := *e
	if e.StatusCheckAttemptedAt != nil {
		at := *e.StatusCheckAttemptedAt
		out.StatusCheckAttemptedAt = &at
	}
	return &out
}

func (s *Store) Create(_ context.Context, e *models.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrollments[e.ID] = clone(e)
	return nil
}

func (s *Store) FindByID(_ context.Context, id string) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return clone(e), nil
}

// FindActiveByUserID returns the user's establishing or pending enrollment,
// or ErrNotFound when none gates the flow.
func (s *Store) FindActiveByUserID(_ context.Context, userID string) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.enrollments {
		if e.UserID == userID && e.Active() {
			return clone(e), nil
		}
	}
	return nil, models.ErrNotFound
}

// DueForStatusCheck selects pending enrollments never polled or last polled
// before cutoff, oldest attempt first with never-polled enrollments leading,
// capped at limit.
func (s *Store) DueForStatusCheck(_ context.Context, cutoff time.Time, limit int) ([]*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.Enrollment
	for _, e := range s.enrollments {
		if e.NeedsStatusCheck(cutoff) {
			due = append(due, clone(e))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].StatusCheckAttemptedAt, due[j].StatusCheckAttemptedAt
		switch {
		case a == nil && b == nil:
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		case a == nil:
			return true
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// UpdateStatus applies a status change, stamping StatusUpdatedAt, only when
// the transition table allows it from the enrollment's current status.
func (s *Store) UpdateStatus(_ context.Context, id string, to models.Status, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.enrollments[id]
	if !ok {
		return models.ErrNotFound
	}
	if !models.CanTransition(e.Status, to) {
		return models.ErrInvalidTransition
	}
	e.Status = to
	e.StatusUpdatedAt = now
	return nil
}

// TouchStatusCheckAttempted stamps the poll attempt time unconditionally.
func (s *Store) TouchStatusCheckAttempted(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.enrollments[id]
	if !ok {
		return models.ErrNotFound
	}
	at := now
	e.StatusCheckAttemptedAt = &at
	return nil
}

// SetEnrollmentCode stores the vendor-assigned code.
func (s *Store) SetEnrollmentCode(_ context.Context, id, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.enrollments[id]
	if !ok {
		return models.ErrNotFound
	}
	e.EnrollmentCode = code
	return nil
}
