// Package postgres persists in-person enrollments.
//
// Expected schema:
//
//	CREATE TABLE in_person_enrollments (
//		id                        UUID PRIMARY KEY,
//		user_id                   TEXT NOT NULL,
//		profile_id                TEXT NOT NULL,
//		status                    INT NOT NULL,
//		status_updated_at         TIMESTAMPTZ NOT NULL,
//		status_check_attempted_at TIMESTAMPTZ,
//		unique_id                 TEXT NOT NULL,
//		enrollment_code           TEXT NOT NULL DEFAULT '',
//		created_at                TIMESTAMPTZ NOT NULL
//	);
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"idproof/internal/enrollment/models"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const enrollmentColumns = `id, user_id, profile_id, status, status_updated_at,
	status_check_attempted_at, unique_id, enrollment_code, created_at`

func scanEnrollment(row pgx.Row) (*models.Enrollment, error) {
	var e models.Enrollment
	err := row.Scan(
		&e.ID, &e.UserID, &e.ProfileID, &e.Status, &e.StatusUpdatedAt,
		&e.StatusCheckAttemptedAt, &e.UniqueID, &e.EnrollmentCode, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) Create(ctx context.Context, e *models.Enrollment) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO in_person_enrollments
			(id, user_id, profile_id, status, status_updated_at,
			 status_check_attempted_at, unique_id, enrollment_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.UserID, e.ProfileID, e.Status, e.StatusUpdatedAt,
		e.StatusCheckAttemptedAt, e.UniqueID, e.EnrollmentCode, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	e, err := scanEnrollment(s.pool.QueryRow(ctx,
		`SELECT `+enrollmentColumns+` FROM in_person_enrollments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find enrollment: %w", err)
	}
	return e, nil
}

// FindActiveByUserID returns the user's establishing or pending enrollment.
func (s *Store) FindActiveByUserID(ctx context.Context, userID string) (*models.Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	e, err := scanEnrollment(s.pool.QueryRow(ctx, `
		SELECT `+enrollmentColumns+`
		FROM in_person_enrollments
		WHERE user_id = $1 AND status IN ($2, $3)
		ORDER BY created_at DESC
		LIMIT 1`,
		userID, models.StatusEstablishing, models.StatusPending))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active enrollment: %w", err)
	}
	return e, nil
}

// DueForStatusCheck selects pending enrollments whose last poll is absent or
// older than cutoff, oldest attempt first with NULLs leading so a fresh
// enrollment is never starved by repeatedly re-polled ones.
func (s *Store) DueForStatusCheck(ctx context.Context, cutoff time.Time, limit int) ([]*models.Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT `+enrollmentColumns+`
		FROM in_person_enrollments
		WHERE status = $1
		  AND (status_check_attempted_at IS NULL OR status_check_attempted_at < $2)
		ORDER BY status_check_attempted_at ASC NULLS FIRST
		LIMIT $3`,
		models.StatusPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select due enrollments: %w", err)
	}
	defer rows.Close()

	var due []*models.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		due = append(due, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due enrollments: %w", err)
	}
	return due, nil
}

// UpdateStatus applies a status change in one conditional write: the row is
// touched only when its current status may legally transition to `to`, and
// status_updated_at is stamped in the same statement. A concurrent transition
// loses the race cleanly instead of overwriting.
func (s *Store) UpdateStatus(ctx context.Context, id string, to models.Status, now time.Time) error {
	sources := models.TransitionSources(to)
	if len(sources) == 0 {
		return models.ErrInvalidTransition
	}
	from := make([]int, len(sources))
	for i, src := range sources {
		from[i] = int(src)
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE in_person_enrollments
		SET status = $2, status_updated_at = $3
		WHERE id = $1 AND status = ANY($4)`,
		id, to, now, from)
	if err != nil {
		return fmt.Errorf("update enrollment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, findErr := s.FindByID(ctx, id); findErr != nil {
			return findErr
		}
		return models.ErrInvalidTransition
	}
	return nil
}

// TouchStatusCheckAttempted stamps the poll attempt time unconditionally.
func (s *Store) TouchStatusCheckAttempted(ctx context.Context, id string, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE in_person_enrollments
		SET status_check_attempted_at = $2
		WHERE id = $1`,
		id, now)
	if err != nil {
		return fmt.Errorf("touch status check attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SetEnrollmentCode stores the vendor-assigned code.
func (s *Store) SetEnrollmentCode(ctx context.Context, id, code string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE in_person_enrollments
		SET enrollment_code = $2
		WHERE id = $1`,
		id, code)
	if err != nil {
		return fmt.Errorf("set enrollment code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
