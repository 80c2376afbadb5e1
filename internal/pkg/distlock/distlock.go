// Package distlock provides time-bounded mutual-exclusion leases keyed by
// string, used to guarantee at most one in-flight dispatch loop per campaign.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is a time-bounded exclusive marker. A Lease value belongs to a single
// goroutine; concurrent holders need separate instances.
type Lease interface {
	// Acquire tries to take the lease. Returns false without error when the
	// lease is already held elsewhere.
	Acquire(ctx context.Context) (bool, error)
	// Extend pushes the expiry out by the lease TTL. Long-running holders
	// call this between units of work so a live holder never expires.
	Extend(ctx context.Context) error
	// Release gives the lease up if this instance still owns it.
	Release(ctx context.Context) error
}

// New creates a lease using the best available backend. A non-nil redis
// client is preferred (TTL-expiring SET NX, works across hosts); otherwise a
// PostgreSQL advisory lock is used, which releases on connection loss.
func New(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) Lease {
	if redisClient != nil {
		return NewRedisLease(redisClient, key, ttl)
	}
	return NewPGAdvisoryLease(db, key)
}

// PGAdvisoryLease implements Lease with pg_try_advisory_lock. The lock is
// session-scoped, so the lease pins one connection from the pool for its
// whole lifetime; unlocking through the pool could land on a different
// session and leak the lock. A crashed process drops its connection and the
// lock with it, so no explicit TTL is needed and Extend is a no-op.
type PGAdvisoryLease struct {
	db     *sql.DB
	conn   *sql.Conn
	lockID int64
}

// NewPGAdvisoryLease derives a deterministic advisory lock id from key.
func NewPGAdvisoryLease(db *sql.DB, key string) *PGAdvisoryLease {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLease{db: db, lockID: int64(h.Sum64())}
}

// Acquire pins a connection and tries to take the advisory lock on it
// without blocking. The connection is returned to the pool unless the lock
// was won.
func (l *PGAdvisoryLease) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, err
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, err
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Extend is a no-op; advisory locks live as long as the session.
func (l *PGAdvisoryLease) Extend(ctx context.Context) error { return nil }

// Release unlocks on the pinned connection and returns it to the pool.
func (l *PGAdvisoryLease) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	if cerr := l.conn.Close(); err == nil {
		err = cerr
	}
	l.conn = nil
	return err
}
