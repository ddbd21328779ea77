// Package models defines the in-person enrollment entity and its status
// lifecycle.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the closed set of enrollment states. All writes to an
// enrollment's status go through the transition table below; arbitrary status
// flips are rejected at the store layer.
type Status int

const (
	StatusEstablishing Status = iota
	StatusPending
	StatusPassed
	StatusFailed
	StatusExpired
	StatusCanceled
)

var statusNames = map[Status]string{
	StatusEstablishing: "establishing",
	StatusPending:      "pending",
	StatusPassed:       "passed",
	StatusFailed:       "failed",
	StatusExpired:      "expired",
	StatusCanceled:     "canceled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// IsValid checks if the status is one of the supported enum values.
func (s Status) IsValid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether no further transitions leave this status.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// transitions lists the allowed next states per current state. Passed,
// Failed, Expired and Canceled are terminal: enrollments are retained for
// audit, never recycled.
var transitions = map[Status][]Status{
	StatusEstablishing: {StatusPending, StatusFailed, StatusCanceled},
	StatusPending:      {StatusPassed, StatusFailed, StatusExpired, StatusCanceled},
}

// CanTransition reports whether from -> to is an allowed status change.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionSources returns every status from which `to` is reachable. Stores
// use this to express conditional status updates in a single atomic write.
func TransitionSources(to Status) []Status {
	var from []Status
	for src, nexts := range transitions {
		for _, next := range nexts {
			if next == to {
				from = append(from, src)
			}
		}
	}
	return from
}

// ErrInvalidTransition is returned when a status write violates the
// transition table.
var ErrInvalidTransition = errors.New("invalid enrollment status transition")

// ErrNotFound is returned by stores when no enrollment matches the lookup.
var ErrNotFound = errors.New("enrollment not found")

// ErrProfileUserMismatch is the creation-time validation error for an
// enrollment whose profile belongs to a different user.
var ErrProfileUserMismatch = errors.New("enrollment profile does not belong to user")

// uniqueIDMaxLen is the vendor's cap on applicant unique IDs.
const uniqueIDMaxLen = 18

// UniqueID derives the vendor applicant ID deterministically from the user
// identifier, truncated to the vendor's length cap.
func UniqueID(userID string) string {
	id := strings.ReplaceAll(userID, "-", "")
	if len(id) > uniqueIDMaxLen {
		id = id[:uniqueIDMaxLen]
	}
	return id
}

// Enrollment is one user's attempt to complete identity proofing at a
// physical vendor location.
type Enrollment struct {
	ID        string
	UserID    string
	ProfileID string
	Status    Status
	// StatusUpdatedAt is stamped exactly when Status changes, not on every save.
	StatusUpdatedAt time.Time
	// StatusCheckAttemptedAt is stamped whenever a status poll is attempted,
	// regardless of outcome. Nil until the first poll.
	StatusCheckAttemptedAt *time.Time
	// UniqueID is the vendor-facing applicant ID derived from UserID.
	UniqueID string
	// EnrollmentCode is assigned by the vendor once enrollment succeeds.
	EnrollmentCode string
	CreatedAt      time.Time
}

// ProfileRef is the slice of a proofing profile an enrollment needs for its
// ownership check.
type ProfileRef struct {
	ID     string
	UserID string
}

// NewEnrollment builds an Establishing enrollment for the user and profile,
// enforcing at creation time that the profile belongs to the user.
func NewEnrollment(userID string, profile ProfileRef) (*Enrollment, error) {
	if profile.UserID != userID {
		return nil, fmt.Errorf("%w: profile %s owned by %s, want %s",
			ErrProfileUserMismatch, profile.ID, profile.UserID, userID)
	}
	now := time.Now()
	return &Enrollment{
		ID:              uuid.NewString(),
		UserID:          userID,
		ProfileID:       profile.ID,
		Status:          StatusEstablishing,
		StatusUpdatedAt: now,
		UniqueID:        UniqueID(userID),
		CreatedAt:       now,
	}, nil
}

// Active reports whether the enrollment still gates the user's proofing flow.
func (e *Enrollment) Active() bool {
	return e.Status == StatusEstablishing || e.Status == StatusPending
}

// NeedsStatusCheck reports whether the enrollment qualifies for a vendor
// status poll: pending, and either never polled or last polled before cutoff.
func (e *Enrollment) NeedsStatusCheck(cutoff time.Time) bool {
	if e.Status != StatusPending {
		return false
	}
	return e.StatusCheckAttemptedAt == nil || e.StatusCheckAttemptedAt.Before(cutoff)
}
