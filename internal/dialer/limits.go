package dialer

import (
	"context"
	"sync"
	"time"

	"voiceagent-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// RedisClaimer claims idempotency keys via SET NX.
type RedisClaimer struct {
	Rdb *redis.Client
}

func (c RedisClaimer) Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return utils.ClaimIdempotencyKey(ctx, c.Rdb, key, owner, ttl)
}

// RedisLimiter enforces the per-org dial cap with the shared Lua counter.
type RedisLimiter struct {
	Rdb   *redis.Client
	Limit int
	// TTL bounds a leaked slot after a crash.
	TTL time.Duration
}

func (l RedisLimiter) Acquire(ctx context.Context, orgID string) (func(), bool, error) {
	if l.Limit <= 0 {
		return func() {}, true, nil
	}
	ttl := l.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	key := "va:dialcap:" + orgID
	ok, err := utils.AcquireConcurrencyCap(ctx, l.Rdb, key, l.Limit, ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		_ = utils.ReleaseConcurrencyCap(context.Background(), l.Rdb, key)
	}, true, nil
}

// MemoryClaimer and MemoryLimiter back the in-process mode and tests.
type MemoryClaimer struct {
	mu     sync.Mutex
	claims map[string]time.Time
	clock  func() time.Time
}

func NewMemoryClaimer() *MemoryClaimer {
	return &MemoryClaimer{claims: make(map[string]time.Time), clock: time.Now}
}

func (c *MemoryClaimer) SetClock(clock func() time.Time) { c.clock = clock }

func (c *MemoryClaimer) Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	if expiry, ok := c.claims[key]; ok && expiry.After(now) {
		return false, nil
	}
	c.claims[key] = now.Add(ttl)
	return true, nil
}

type MemoryLimiter struct {
	Limit int

	mu     sync.Mutex
	counts map[string]int
}

func (l *MemoryLimiter) Acquire(ctx context.Context, orgID string) (func(), bool, error) {
	if l.Limit <= 0 {
		return func() {}, true, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = make(map[string]int)
	}
	if l.counts[orgID] >= l.Limit {
		return nil, false, nil
	}
	l.counts[orgID]++
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.counts[orgID] > 0 {
			l.counts[orgID]--
		}
	}, true, nil
}
