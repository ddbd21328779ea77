package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnrollment(t *testing.T) {
	t.Run("valid profile ownership", func(t *testing.T) {
		e, err := NewEnrollment("user-1", ProfileRef{ID: "profile-1", UserID: "user-1"})
		require.NoError(t, err)
		assert.Equal(t, StatusEstablishing, e.Status)
		assert.Equal(t, "user-1", e.UserID)
		assert.Equal(t, "profile-1", e.ProfileID)
		assert.NotEmpty(t, e.ID)
		assert.Nil(t, e.StatusCheckAttemptedAt)
		assert.False(t, e.StatusUpdatedAt.IsZero())
	})

	t.Run("profile of another user rejected at creation", func(t *testing.T) {
		_, err := NewEnrollment("user-1", ProfileRef{ID: "profile-2", UserID: "user-2"})
		assert.ErrorIs(t, err, ErrProfileUserMismatch)
	})
}

func TestUniqueID(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, UniqueID("user-1"), UniqueID("user-1"))
	})

	t.Run("capped at vendor length", func(t *testing.T) {
		id := UniqueID("b1e92a2e-12f4-4a23-9f41-1111aaaa2222")
		assert.Len(t, id, 18)
		assert.NotContains(t, id, "-")
	})

	t.Run("short ids pass through", func(t *testing.T) {
		assert.Equal(t, "42", UniqueID("42"))
	})
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusEstablishing, StatusPending, true},
		{StatusEstablishing, StatusCanceled, true},
		{StatusEstablishing, StatusPassed, false},
		{StatusPending, StatusPassed, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusExpired, true},
		{StatusPending, StatusCanceled, true},
		{StatusPassed, StatusPending, false},
		{StatusPassed, StatusFailed, false},
		{StatusCanceled, StatusPending, false},
		{StatusExpired, StatusPassed, false},
	}
	for _, tc := range cases {
		t.Run(tc.from.String()+"_to_"+tc.to.String(), func(t *testing.T) {
			assert.Equal(t, tc.allowed, CanTransition(tc.from, tc.to))
		})
	}
}

func TestTransitionSources(t *testing.T) {
	assert.ElementsMatch(t, []Status{StatusPending}, TransitionSources(StatusPassed))
	assert.ElementsMatch(t, []Status{StatusEstablishing}, TransitionSources(StatusPending))
	assert.ElementsMatch(t, []Status{StatusEstablishing, StatusPending}, TransitionSources(StatusCanceled))
}

func TestNeedsStatusCheck(t *testing.T) {
	cutoff := time.Now().Add(-time.Hour)
	older := time.Now().Add(-2 * time.Hour)
	newer := time.Now().Add(-time.Minute)

	t.Run("pending never polled", func(t *testing.T) {
		e := &Enrollment{Status: StatusPending}
		assert.True(t, e.NeedsStatusCheck(cutoff))
	})

	t.Run("pending polled before cutoff", func(t *testing.T) {
		e := &Enrollment{Status: StatusPending, StatusCheckAttemptedAt: &older}
		assert.True(t, e.NeedsStatusCheck(cutoff))
	})

	t.Run("pending polled recently", func(t *testing.T) {
		e := &Enrollment{Status: StatusPending, StatusCheckAttemptedAt: &newer}
		assert.False(t, e.NeedsStatusCheck(cutoff))
	})

	t.Run("non-pending excluded regardless of poll age", func(t *testing.T) {
		for _, s := range []Status{StatusEstablishing, StatusPassed, StatusFailed, StatusExpired, StatusCanceled} {
			e := &Enrollment{Status: s}
			assert.False(t, e.NeedsStatusCheck(cutoff), s.String())
		}
	})
}
