package scheduler

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bryan-buckman/showtracker/internal/logx"
)

// Locker serializes work on one target, so a scheduled cycle and an
// immediate check never evaluate the same target at once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// MemoryLocker is a keyed mutex for a single process.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLocker creates a MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: map[string]*keyLock{}}
}

// Lock blocks until key is free or ctx is done.
func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.release(key, kl)
		})
	}, nil
}

func (l *MemoryLocker) release(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// releaseScript deletes the lock only if it still carries our token, so an
// expired lock taken over by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a lock shared by every process using the same Redis.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
	log    logx.Logger
}

// RedisLockerOptions configures a RedisLocker.
type RedisLockerOptions struct {
	URL    string        // redis:// or rediss:// URL
	Prefix string        // key prefix; default "showtracker:lock:"
	TTL    time.Duration // lock expiry; default 10m
	Retry  time.Duration // poll interval while waiting; default 200ms
	Log    logx.Logger
}

// NewRedisLocker connects to Redis and verifies it is reachable.
func NewRedisLocker(ctx context.Context, opts RedisLockerOptions) (*RedisLocker, error) {
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ropts.DialTimeout = 5 * time.Second
	ropts.ReadTimeout = 2 * time.Second
	ropts.WriteTimeout = 2 * time.Second
	ropts.MaxRetries = 3
	if ropts.TLSConfig == nil && strings.HasPrefix(opts.URL, "rediss://") {
		ropts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(ropts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	l := &RedisLocker{rdb: rdb, prefix: opts.Prefix, ttl: opts.TTL, retry: opts.Retry, log: opts.Log}
	if l.log.IsZero() {
		l.log = logx.Nop()
	}
	if l.prefix == "" {
		l.prefix = "showtracker:lock:"
	}
	if l.ttl <= 0 {
		l.ttl = 10 * time.Minute
	}
	if l.retry <= 0 {
		l.retry = 200 * time.Millisecond
	}
	return l, nil
}

// Lock polls SET NX until the key is acquired or ctx is done. The lock
// expires after the TTL if its holder dies.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	k := l.prefix + key
	token := uuid.NewString()
	for {
		ok, err := l.rdb.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", k, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.rdb, []string{k}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				l.log.Warn("release lock; it expires after its ttl", logx.String("key", k), logx.Err(err))
			}
		})
	}, nil
}

// Close closes the Redis client.
func (l *RedisLocker) Close() error {
	return l.rdb.Close()
}
