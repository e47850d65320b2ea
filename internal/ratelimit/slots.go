package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Slots caps how many concurrent holders one key may have, e.g. open signal
// streams per user.
type Slots interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// MemorySlots counts holders in process.
type MemorySlots struct {
	limit int

	mu   sync.Mutex
	held map[string]int
}

func NewMemorySlots(limit int) *MemorySlots {
	return &MemorySlots{limit: limit, held: make(map[string]int)}
}

func (s *MemorySlots) Acquire(_ context.Context, key string) (bool, error) {
	if s.limit <= 0 {
		return true, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[key] >= s.limit {
		return false, nil
	}
	s.held[key]++
	return true, nil
}

func (s *MemorySlots) Release(_ context.Context, key string) error {
	if s.limit <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[key] <= 1 {
		delete(s.held, key)
		return nil
	}
	s.held[key]--
	return nil
}

var slotAcquireScript = redis.NewScript(`
-- KEYS[1] = counter key
-- ARGV[1] = limit (int)
-- ARGV[2] = ttl_ms (int)
--
-- Returns:
--  1 if acquired
--  0 if rejected (limit reached)
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
else
  if redis.call('PTTL', KEYS[1]) < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
  end
end

if current > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return 0
end
return 1
`)

var slotReleaseScript = redis.NewScript(`
-- KEYS[1] = counter key
-- Decrement, and delete if <= 0
local current = redis.call('DECR', KEYS[1])
if current <= 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// RedisSlots shares the count across API replicas. The TTL bounds how long a
// crashed replica can keep slots taken.
type RedisSlots struct {
	rdb    *redis.Client
	prefix string
	limit  int
	ttl    time.Duration
}

func NewRedisSlots(rdb *redis.Client, prefix string, limit int, ttl time.Duration) *RedisSlots {
	return &RedisSlots{rdb: rdb, prefix: prefix, limit: limit, ttl: ttl}
}

func (s *RedisSlots) Acquire(ctx context.Context, key string) (bool, error) {
	if err := s.check(key); err != nil {
		return false, err
	}
	if s.limit <= 0 {
		return true, nil
	}
	res, err := slotAcquireScript.Run(ctx, s.rdb, []string{s.prefix + key}, s.limit, s.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *RedisSlots) Release(ctx context.Context, key string) error {
	if err := s.check(key); err != nil {
		return err
	}
	if s.limit <= 0 {
		return nil
	}
	_, err := slotReleaseScript.Run(ctx, s.rdb, []string{s.prefix + key}).Result()
	return err
}

func (s *RedisSlots) check(key string) error {
	if s.rdb == nil {
		return fmt.Errorf("redis client is nil")
	}
	if key == "" {
		return fmt.Errorf("key is required")
	}
	if s.limit > 0 && s.ttl <= 0 {
		return fmt.Errorf("ttl must be > 0")
	}
	return nil
}
