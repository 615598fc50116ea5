package lock

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redbco/redb-modules/pkg/logger"
)

// AdvisoryLocker is a cross-process Locker on PostgreSQL session advisory
// locks. The lock lives as long as the pooled connection holding it, so it
// has no TTL to outrun, and a crashed holder releases it with its session.
type AdvisoryLocker struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

func NewAdvisoryLocker(pool *pgxpool.Pool, logger *logger.Logger) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool, logger: logger}
}

// AdvisoryKey maps a lock key to the bigint advisory lock id.
func AdvisoryKey(key string) int64 {
	sum := sha256.Sum256([]byte("redb:modules:lock:" + key))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

func (a *AdvisoryLocker) Lock(ctx context.Context, key string) (Release, error) {
	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for lock %s: %w", key, err)
	}
	id := AdvisoryKey(key)
	// pgx cancels the blocked query when ctx ends
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, id); err != nil {
		conn.Release()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
		}
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			var unlocked bool
			err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, id).Scan(&unlocked)
			if err == nil && unlocked {
				conn.Release()
				return
			}
			a.logger.Warnf("Failed to release advisory lock %s (unlocked=%v): %v, closing its session", key, unlocked, err)
			// closing the session drops every advisory lock it holds
			raw := conn.Hijack()
			_ = raw.Close(ctx)
		})
	}, nil
}
