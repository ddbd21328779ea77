// Package postgres persists throttle counters so limits hold across processes.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is pure I/O; budget decisions belong in the service layer.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Increment records one attempt atomically. The UPSERT restarts the window
// when the stored one has expired, otherwise increments in place, and returns
// the post-increment count in the same round trip. Two concurrent attempts
// therefore serialize on the row and can never both observe the pre-limit count.
func (s *Store) Increment(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	now := time.Now()

	query := `
		INSERT INTO rate_limit_counters (rl_key, count, window_start, expires_at)
		VALUES ($1, 1, $2, $3)
		ON CONFLICT (rl_key) DO UPDATE SET
			count = CASE
				WHEN rate_limit_counters.expires_at <= $2 THEN 1
				ELSE rate_limit_counters.count + 1
			END,
			window_start = CASE
				WHEN rate_limit_counters.expires_at <= $2 THEN $2
				ELSE rate_limit_counters.window_start
			END,
			expires_at = CASE
				WHEN rate_limit_counters.expires_at <= $2 THEN $3
				ELSE rate_limit_counters.expires_at
			END
		RETURNING count, expires_at`

	var (
		count   int
		resetAt time.Time
	)
	if err := s.pool.QueryRow(ctx, query, key, now, now.Add(window)).Scan(&count, &resetAt); err != nil {
		return 0, time.Time{}, fmt.Errorf("increment rate limit counter: %w", err)
	}
	return count, resetAt, nil
}

// Count returns the live attempt count for key. Expired windows read as zero;
// the row is left for the next Increment to recycle.
func (s *Store) Count(ctx context.Context, key string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	query := `
		SELECT count
		FROM rate_limit_counters
		WHERE rl_key = $1 AND expires_at > now()`

	var count int
	err := s.pool.QueryRow(ctx, query, key).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get rate limit counter: %w", err)
	}
	return count, nil
}

// Reset clears the counter for a key.
func (s *Store) Reset(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if _, err := s.pool.Exec(ctx, `DELETE FROM rate_limit_counters WHERE rl_key = $1`, key); err != nil {
		return fmt.Errorf("reset rate limit counter: %w", err)
	}
	return nil
}

// CleanupExpired removes counters whose window ended, for maintenance jobs.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM rate_limit_counters WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup rate limit counters: %w", err)
	}
	return tag.RowsAffected(), nil
}
