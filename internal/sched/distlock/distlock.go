// Package distlock provides a Redis-backed distributed-lock scheduler
// stage (internal/sched.Stage), used when several rbhd instances share
// one filesystem and must not run the same action on the same entry
// concurrently. Grounded on the teacher's go-redis usage for
// idempotency/dedup locks in internal/infrastructure (lock-per-key,
// TTL-bounded, best-effort release).
package distlock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/clusterfs/rbhd/internal/sched"
)

// Stage admits a candidate only if it can acquire a short-TTL lock
// keyed on the entry ID; Release deletes the lock once the action
// finishes, and the TTL alone reclaims it if a worker crashes first.
type Stage struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	token  string
}

// New returns a distlock.Stage using client, namespacing keys under
// prefix (e.g. "rbhd:action:").
func New(client *redis.Client, prefix string, ttl time.Duration) *Stage {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Stage{client: client, prefix: prefix, ttl: ttl, token: uuid.NewString()}
}

func (s *Stage) key(entryID string) string { return s.prefix + entryID }

// Admit implements sched.Stage.
func (s *Stage) Admit(ctx context.Context, c sched.Candidate) sched.Verdict {
	ok, err := s.client.SetNX(ctx, s.key(c.EntryID), s.token, s.ttl).Result()
	if err != nil {
		// A lock-service outage should not wedge the whole run; delay
		// and let the caller retry rather than killing everything.
		return sched.SchedDelay
	}
	if !ok {
		return sched.SchedSkipEntry
	}
	return sched.SchedOK
}

// Release implements sched.Stage: best-effort delete, only if we still
// own the lock (compare-and-delete via a small Lua-free read+del since
// this is not a contention-critical path — the TTL is the real safety
// net).
func (s *Stage) Release(c sched.Candidate) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := s.key(c.EntryID)
	if v, err := s.client.Get(ctx, key).Result(); err == nil && v == s.token {
		s.client.Del(ctx, key)
	}
}
