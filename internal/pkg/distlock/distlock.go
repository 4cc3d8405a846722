// Package distlock provides the leadership lock the worker process takes
// before starting its claim loop, so only one scheduler claims enrollments
// at a time.
package distlock

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is a distributed mutual-exclusion lock. A single goroutine
// owns an instance; share state across processes, not across goroutines.
type DistLock interface {
	// Acquire tries to take the lock without blocking. Returns true when
	// this instance now holds it.
	Acquire(ctx context.Context) (bool, error)
	// Extend refreshes the lock lifetime while held.
	Extend(ctx context.Context) error
	// Release gives the lock up if this instance still owns it.
	Release(ctx context.Context) error
}

// NewLock picks the backend: Redis when a client is available, otherwise
// a Postgres advisory lock on the store's connection pool.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// RedisLock holds the lock as a SET NX key with a TTL. A random owner
// token plus Lua release/extend prevents one process from dropping a
// lock another process took over after expiry.
type RedisLock struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	b := make([]byte, 16)
	rand.Read(b)
	return &RedisLock{
		client: client,
		key:    "lock:" + key,
		owner:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}
	// Re-acquire by the current owner refreshes the TTL instead.
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	return n == 1, nil
}

func (l *RedisLock) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("extend lock %s: no longer held", l.key)
	}
	return nil
}

func (l *RedisLock) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Result()
	return err
}

// PGAdvisoryLock implements DistLock on pg_try_advisory_lock. The lock is
// session-scoped, so a crashed process releases it when its connection
// drops; Extend is therefore a no-op.
type PGAdvisoryLock struct {
	conn   *sql.Conn
	db     *sql.DB
	lockID int64
}

func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

// Acquire pins a dedicated connection so the session holding the advisory
// lock is the one we release on.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	if l.conn == nil {
		conn, err := l.db.Conn(ctx)
		if err != nil {
			return false, err
		}
		l.conn = conn
	}
	var acquired bool
	if err := l.conn.QueryRowContext(ctx,
		"SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		return false, err
	}
	return acquired, nil
}

func (l *PGAdvisoryLock) Extend(ctx context.Context) error {
	return nil
}

func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	l.conn.Close()
	l.conn = nil
	return err
}
