package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redbco/redb-modules/pkg/logger"
	"github.com/redis/go-redis/v9"
)

var ErrLockTimeout = errors.New("timed out waiting for lock")

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// extendScript resets the TTL only if this holder still owns the key.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisLocker is a cross-process Locker using SET NX with a TTL. The TTL
// bounds how long a crashed holder blocks others; a live holder keeps
// extending it until release.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
	logger *logger.Logger
}

func NewRedisLocker(client *redis.Client, ttl time.Duration, logger *logger.Logger) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: "redb:modules:lock:",
		ttl:    ttl,
		retry:  50 * time.Millisecond,
		logger: logger,
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (Release, error) {
	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate lock token: %w", err)
	}
	redisKey := r.prefix + key

	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(key, redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{redisKey}, token).Err(); err != nil {
				r.logger.Warnf("Failed to release lock %s: %v", key, err)
			}
		})
	}, nil
}

// RenewInterval is how often a held lock's TTL is extended.
func RenewInterval(ttl time.Duration) time.Duration {
	if d := ttl / 3; d > 10*time.Millisecond {
		return d
	}
	return 10 * time.Millisecond
}

func (r *RedisLocker) keepAlive(key, redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(RenewInterval(r.ttl))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), RenewInterval(r.ttl))
		n, err := extendScript.Run(ctx, r.client, []string{redisKey}, token, r.ttl.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			r.logger.Warnf("Failed to extend lock %s: %v", key, err)
		case n == 0:
			r.logger.Errorf("Lock %s expired while held", key)
			return
		}
	}
}
