package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type rowScanner interface {
	Scan(dest ...any) error
}

type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
}

type sqlDBWrapper struct {
	DB *sql.DB
}

func (w sqlDBWrapper) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return w.DB.ExecContext(ctx, query, args...)
}

func (w sqlDBWrapper) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return w.DB.QueryRowContext(ctx, query, args...)
}

type sqlTxWrapper struct {
	Tx *sql.Tx
}

func (w sqlTxWrapper) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return w.Tx.ExecContext(ctx, query, args...)
}

func (w sqlTxWrapper) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return w.Tx.QueryRowContext(ctx, query, args...)
}

type DB struct {
	conn  dbConn
	raw   *sql.DB
	locks *sql.DB
}

// PoolConfig holds database connection pool settings. LockConns sizes the
// separate pool that holds advisory locks.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LockConns       int
}

// DefaultPoolConfig returns sensible defaults for the connection pool.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		LockConns:       32,
	}
}

var openDB = sql.Open

func NewDB(dsn string) (*DB, error) {
	return NewDBWithPool(dsn, DefaultPoolConfig())
}

func NewDBWithPool(dsn string, pool PoolConfig) (*DB, error) {
	conn, err := openDB("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if pool.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	d := &DB{conn: sqlDBWrapper{DB: conn}, raw: conn}
	if pool.LockConns > 0 {
		lockConn, err := openDB("postgres", dsn)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("open lock pool: %w", err)
		}
		lockConn.SetMaxOpenConns(pool.LockConns)
		lockConn.SetMaxIdleConns(min(pool.LockConns, max(pool.MaxIdleConns, 2)))
		d.locks = lockConn
	}
	return d, nil
}

// lockPool falls back to the query pool when no lock pool was configured.
func (d *DB) lockPool() *sql.DB {
	if d.locks != nil {
		return d.locks
	}
	return d.raw
}

func (d *DB) Close() error {
	if d == nil || d.raw == nil {
		return nil
	}
	if d.locks != nil {
		_ = d.locks.Close()
	}
	return d.raw.Close()
}

func (d *DB) Conn() *sql.DB {
	if d == nil {
		return nil
	}
	return d.raw
}

// withTx runs fn inside a database transaction. If fn returns an error the
// transaction is rolled back; otherwise it is committed. When the underlying
// connection does not support transactions (e.g. in tests using a fake driver)
// fn is called directly against the current connection.
func (d *DB) withTx(ctx context.Context, fn func(conn dbConn) error) error {
	if d.raw == nil {
		// No raw *sql.DB (test stub): run without a transaction.
		return fn(d.conn)
	}
	tx, err := d.raw.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(sqlTxWrapper{Tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.raw == nil {
		return errors.New("db not initialized")
	}
	return d.raw.PingContext(ctx)
}
