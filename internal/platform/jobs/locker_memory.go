package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryLease struct {
	token   string
	expires time.Time
}

// MemoryLocker guards job keys within a single process. Suitable for tests
// and single-node deployments; use RedisLocker when running a fleet.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLease
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]memoryLease)}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, lease time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if cur, held := l.leases[key]; held && cur.expires.After(now) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.leases[key] = memoryLease{token: token, expires: now.Add(lease)}
	return token, true, nil
}

// Release frees the key only while the claim identified by token still owns
// it. A lease that expired and was reclaimed by someone else stays put.
func (l *MemoryLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, held := l.leases[key]; held && cur.token == token {
		delete(l.leases, key)
	}
	return nil
}
