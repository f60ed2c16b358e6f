package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// AdvisoryLocker holds a session-level Postgres advisory lock per key on a
// connection from the lock pool, so request serialisation holds across
// gateway and orchestrator processes. Lock connections are never shared
// with queries: an execution keeps its lock for the whole run and must not
// starve the statements it issues. It satisfies locks.Locker and
// locks.TryLocker.
type AdvisoryLocker struct {
	DB *DB
}

var unlockTimeout = 5 * time.Second

func (l AdvisoryLocker) pool() (*sql.DB, error) {
	if l.DB == nil || l.DB.raw == nil {
		return nil, errors.New("db not initialized")
	}
	return l.DB.lockPool(), nil
}

func (l AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	pool, err := l.pool()
	if err != nil {
		return nil, err
	}
	conn, err := pool.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("advisory lock conn: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("advisory lock %s: %w", key, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() { release(conn, key) })
	}, nil
}

// TryLock reports ok=false when another session holds key.
func (l AdvisoryLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	pool, err := l.pool()
	if err != nil {
		return nil, false, err
	}
	conn, err := pool.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("advisory lock conn: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("advisory try lock %s: %w", key, err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, false, nil
	}
	var once sync.Once
	return func() {
		once.Do(func() { release(conn, key) })
	}, true, nil
}

func release(conn *sql.Conn, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
		// Closing the session releases the lock anyway; make sure the
		// connection is not returned to the pool still holding it.
		slog.Warn("advisory unlock failed", "key", key, "error", err)
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	_ = conn.Close()
}
