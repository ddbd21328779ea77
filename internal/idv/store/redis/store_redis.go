// Package redis persists proofing sessions as JSON blobs with a TTL, so
// abandoned flows expire without a sweeper.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"idproof/internal/idv/models"
)

const keyPrefix = "idv:session:"

// Client is the slice of the go-redis API the store needs; *redis.Client
// satisfies it.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type SessionStore struct {
	client Client
	ttl    time.Duration
}

// NewSessionStore builds the store. Every save refreshes the TTL, so a
// session lives ttl past its last mutation.
func NewSessionStore(client Client, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, ttl: ttl}
}

func sessionKey(sessionID string) string {
	return keyPrefix + sessionID
}

func (s *SessionStore) Save(ctx context.Context, state *models.ProofingSessionState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode proofing session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(state.SessionID), blob, s.ttl).Err(); err != nil {
		return fmt.Errorf("save proofing session: %w", err)
	}
	return nil
}

func (s *SessionStore) Find(ctx context.Context, sessionID string) (*models.ProofingSessionState, error) {
	blob, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load proofing session: %w", err)
	}

	var state models.ProofingSessionState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("decode proofing session: %w", err)
	}
	return &state, nil
}

func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete proofing session: %w", err)
	}
	return nil
}
