// Package memory keeps proofing sessions and components in process memory.
package memory

import (
	"context"
	"sync"
	"time"

	"idproof/internal/idv/models"
)

type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.ProofingSessionState
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*models.ProofingSessionState)}
}

func cloneSession(s *models.ProofingSessionState) *models.ProofingSessionState {
	out := *s
	if s.OTPSentAt != nil {
		at := *s.OTPSentAt
		out.OTPSentAt = &at
	}
	if s.EncryptedRecoveryPII != nil {
		out.EncryptedRecoveryPII = append([]byte(nil), s.EncryptedRecoveryPII...)
	}
	return &out
}

func (s *SessionStore) Save(_ context.Context, state *models.ProofingSessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[state.SessionID] = cloneSession(state)
	return nil
}

func (s *SessionStore) Find(_ context.Context, sessionID string) (*models.ProofingSessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.sessions[sessionID]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return cloneSession(state), nil
}

// Delete clears a session at flow completion. Deleting an unknown session is
// a no-op.
func (s *SessionStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// ComponentStore records which verification checks a user has completed.
type ComponentStore struct {
	mu         sync.Mutex
	components map[string]*models.ProofingComponent
}

func NewComponentStore() *ComponentStore {
	return &ComponentStore{components: make(map[string]*models.ProofingComponent)}
}

// UpsertVerified finds or creates the user's component record and
// unconditionally refreshes its verified timestamp. Idempotent: calling it
// again only moves VerifiedAt forward.
func (s *ComponentStore) UpsertVerified(_ context.Context, userID, vendor string, now time.Time) (*models.ProofingComponent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.components[userID]
	if !ok {
		c = &models.ProofingComponent{
			UserID:    userID,
			CreatedAt: now,
		}
		s.components[userID] = c
	}
	c.DocumentCheckVendor = vendor
	c.VerifiedAt = now

	out := *c
	return &out, nil
}

func (s *ComponentStore) Find(_ context.Context, userID string) (*models.ProofingComponent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.components[userID]
	if !ok {
		return nil, false
	}
	out := *c
	return &out, true
}

// PIICache holds session-keyed proofed PII between the document step and the
// personal-key step. Upstream proofing fills it; the engine only reads.
type PIICache struct {
	mu   sync.Mutex
	blob map[string][]byte
}

func NewPIICache() *PIICache {
	return &PIICache{blob: make(map[string][]byte)}
}

func (c *PIICache) Put(_ context.Context, sessionID string, pii []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blob[sessionID] = append([]byte(nil), pii...)
	return nil
}

func (c *PIICache) Fetch(_ context.Context, sessionID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pii, ok := c.blob[sessionID]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return append([]byte(nil), pii...), nil
}
