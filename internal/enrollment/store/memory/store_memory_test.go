package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idproof/internal/enrollment/models"
)

func mustCreate(t *testing.T, s *Store, userID string, status models.Status) *models.Enrollment {
	t.Helper()
	e, err := models.NewEnrollment(userID, models.ProfileRef{ID: "profile-" + userID, UserID: userID})
	require.NoError(t, err)
	e.Status = status
	require.NoError(t, s.Create(context.Background(), e))
	return e
}

func TestStore_FindActiveByUserID(t *testing.T) {
	ctx := context.Background()
	store := New()

	t.Run("no enrollment", func(t *testing.T) {
		_, err := store.FindActiveByUserID(ctx, "user-1")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("pending enrollment is active", func(t *testing.T) {
		created := mustCreate(t, store, "user-1", models.StatusPending)
		got, err := store.FindActiveByUserID(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
	})

	t.Run("terminal enrollment is not active", func(t *testing.T) {
		mustCreate(t, store, "user-2", models.StatusPassed)
		_, err := store.FindActiveByUserID(ctx, "user-2")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestStore_DueForStatusCheck(t *testing.T) {
	ctx := context.Background()
	store := New()
	cutoff := time.Now().Add(-time.Hour)

	neverPolled := mustCreate(t, store, "user-1", models.StatusPending)
	stale := mustCreate(t, store, "user-2", models.StatusPending)
	require.NoError(t, store.TouchStatusCheckAttempted(ctx, stale.ID, time.Now().Add(-2*time.Hour)))
	fresh := mustCreate(t, store, "user-3", models.StatusPending)
	require.NoError(t, store.TouchStatusCheckAttempted(ctx, fresh.ID, time.Now()))
	mustCreate(t, store, "user-4", models.StatusEstablishing)
	mustCreate(t, store, "user-5", models.StatusPassed)

	due, err := store.DueForStatusCheck(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)

	// Never-polled enrollments lead, then oldest attempt first.
	assert.Equal(t, neverPolled.ID, due[0].ID)
	assert.Equal(t, stale.ID, due[1].ID)

	t.Run("limit caps the batch", func(t *testing.T) {
		capped, err := store.DueForStatusCheck(ctx, cutoff, 1)
		require.NoError(t, err)
		assert.Len(t, capped, 1)
	})
}

func TestStore_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	store := New()

	t.Run("valid transition stamps status_updated_at", func(t *testing.T) {
		e := mustCreate(t, store, "user-1", models.StatusEstablishing)
		before := e.StatusUpdatedAt
		now := before.Add(time.Minute)

		require.NoError(t, store.UpdateStatus(ctx, e.ID, models.StatusPending, now))

		got, err := store.FindByID(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.True(t, got.StatusUpdatedAt.After(before))
	})

	t.Run("transition table violation rejected", func(t *testing.T) {
		e := mustCreate(t, store, "user-2", models.StatusPassed)
		err := store.UpdateStatus(ctx, e.ID, models.StatusPending, time.Now())
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	})

	t.Run("unknown enrollment", func(t *testing.T) {
		err := store.UpdateStatus(ctx, "nope", models.StatusPending, time.Now())
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestStore_TouchStatusCheckAttempted(t *testing.T) {
	ctx := context.Background()
	store := New()
	e := mustCreate(t, store, "user-1", models.StatusPending)

	first := time.Now().Add(-time.Hour)
	require.NoError(t, store.TouchStatusCheckAttempted(ctx, e.ID, first))
	second := time.Now()
	require.NoError(t, store.TouchStatusCheckAttempted(ctx, e.ID, second))

	got, err := store.FindByID(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StatusCheckAttemptedAt)
	assert.True(t, got.StatusCheckAttemptedAt.After(first), "attempt stamp strictly increases")

	// Touching never moves the status or its update stamp.
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestStore_SetEnrollmentCode(t *testing.T) {
	ctx := context.Background()
	store := New()
	e := mustCreate(t, store, "user-1", models.StatusEstablishing)

	require.NoError(t, store.SetEnrollmentCode(ctx, e.ID, "1234567890123456"))
	got, err := store.FindByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "1234567890123456", got.EnrollmentCode)
}
