// Package lock provides the single-holder mutex used to serialize live
// creation per match. Acquisition never waits: a held key fails fast.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrUnavailable is returned when the key is already held.
	ErrUnavailable = errors.New("lock unavailable")
	// ErrNotHeld is returned by Extend once the key expired or was released.
	ErrNotHeld = errors.New("lock no longer held")
)

// Lock is a held key. Release is safe to call more than once.
type Lock interface {
	Key() string
	// Extend pushes the expiry to ttl from now while the key is still ours.
	Extend(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker acquires keys with a TTL and zero retry.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// releaseScript deletes the key only while it still carries our token, so
// an expired holder can never free a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	Client redis.UniversalClient
}

// NewRedis parses a redis:// URL and returns a locker over a new client.
func NewRedis(ctx context.Context, rawURL string) (*RedisLocker, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisLocker{Client: client}, nil
}

// Acquire sets key to a fresh token if absent. Transport failures are
// returned as-is and do not wrap ErrUnavailable.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	token := uuid.NewString()
	ok, err := l.Client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrUnavailable)
	}
	return &redisLock{client: l.Client, key: key, token: token}, nil
}

// Close closes the underlying client.
func (l *RedisLocker) Close() error { return l.Client.Close() }

type redisLock struct {
	client   redis.UniversalClient
	key      string
	token    string
	released atomic.Bool
}

func (l *redisLock) Key() string { return l.key }

func (l *redisLock) Extend(ctx context.Context, ttl time.Duration) error {
	if l.released.Load() {
		return fmt.Errorf("%s: %w", l.key, ErrNotHeld)
	}
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", l.key, ErrNotHeld)
	}
	return nil
}

func (l *redisLock) Release(ctx context.Context) error {
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}

// LocalLocker is an in-process Locker for single-instance deployments and
// tests.
type LocalLocker struct {
	Now func() time.Time

	mu   sync.Mutex
	held map[string]localEntry
}

type localEntry struct {
	token   string
	expires time.Time
}

// NewLocal returns an empty LocalLocker.
func NewLocal() *LocalLocker { return &LocalLocker{held: map[string]localEntry{}} }

func (l *LocalLocker) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Acquire holds key until released or ttl elapses.
func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]localEntry{}
	}
	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, fmt.Errorf("%s: %w", key, ErrUnavailable)
	}
	token := uuid.NewString()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLock{owner: l, key: key, token: token}, nil
}

// Held reports whether key is currently held.
func (l *LocalLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.held[key]
	return ok && l.now().Before(e.expires)
}

type localLock struct {
	owner    *LocalLocker
	key      string
	token    string
	released atomic.Bool
}

func (l *localLock) Key() string { return l.key }

func (l *localLock) Extend(_ context.Context, ttl time.Duration) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	now := l.owner.now()
	e, ok := l.owner.held[l.key]
	if l.released.Load() || !ok || e.token != l.token || !now.Before(e.expires) {
		return fmt.Errorf("%s: %w", l.key, ErrNotHeld)
	}
	e.expires = now.Add(ttl)
	l.owner.held[l.key] = e
	return nil
}

func (l *localLock) Release(context.Context) error {
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if e, ok := l.owner.held[l.key]; ok && e.token == l.token {
		delete(l.owner.held, l.key)
	}
	return nil
}
