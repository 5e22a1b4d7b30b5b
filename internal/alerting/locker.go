// Package alerting consolidates high-risk assessments into deduplicated
// security alerts.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockContended indicates the lock could not be acquired in time.
var ErrLockContended = errors.New("alerting: lock contended")

// Locker serializes the find-or-create-or-merge decision per subject.
// Implementations must be safe across processes when ingestion is
// horizontally scaled.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// LocalLocker is an in-process locker for single-node deployments and tests.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*sync.Mutex)}
}

// WithLock runs fn while holding the per-key mutex.
func (l *LocalLocker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}

// RedisLockerConfig holds configuration for the distributed locker.
type RedisLockerConfig struct {
	// TTL bounds how long a crashed holder can block other writers.
	TTL time.Duration `yaml:"ttl"`

	// AcquireTimeout bounds the total wait for the lock.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// RetryDelay is the pause between acquisition attempts.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// DefaultRedisLockerConfig returns the default locker configuration.
func DefaultRedisLockerConfig() RedisLockerConfig {
	return RedisLockerConfig{
		TTL:            10 * time.Second,
		AcquireTimeout: 5 * time.Second,
		RetryDelay:     25 * time.Millisecond,
	}
}

// RedisLocker serializes critical sections across processes with a
// SET NX + TTL lock per key. Release is guarded by the lock token so an
// expired lock is never released out from under a new holder.
type RedisLocker struct {
	client *redis.Client
	cfg    RedisLockerConfig
}

// releaseScript deletes the lock only when the stored token still matches.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisLocker creates a distributed locker on the given client.
func NewRedisLocker(client *redis.Client, cfg RedisLockerConfig) *RedisLocker {
	return &RedisLocker{client: client, cfg: cfg}
}

// WithLock acquires the lock, runs fn, and releases the lock.
func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	lockKey := "lock:" + key
	token := uuid.NewString()

	deadline := time.Now().Add(l.cfg.AcquireTimeout)
	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.cfg.TTL).Result()
		if err != nil {
			return fmt.Errorf("alerting: lock acquire: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrLockContended, key)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.RetryDelay):
		}
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		// An unreleased lock expires via TTL.
		releaseScript.Run(releaseCtx, l.client, []string{lockKey}, token)
	}()

	return fn(ctx)
}
