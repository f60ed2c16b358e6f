package db

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"changegate/internal/locks"
)

func TestAdvisoryLockerRequiresDB(t *testing.T) {
	if _, err := (AdvisoryLocker{}).Lock(context.Background(), "request:req_1"); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := (AdvisoryLocker{DB: &DB{conn: &fakeConn{}}}).Lock(context.Background(), "request:req_1"); err == nil {
		t.Fatalf("expected error without raw connection")
	}
}

func TestAdvisoryLockerLockUnlock(t *testing.T) {
	openStub(t)
	raw, err := sql.Open(stubDriverName, "dsn")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer raw.Close()
	l := AdvisoryLocker{DB: &DB{conn: sqlDBWrapper{DB: raw}, raw: raw}}
	unlock, err := l.Lock(context.Background(), "request:req_1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	unlock()
	unlock()
	if got := raw.Stats().InUse; got != 0 {
		t.Fatalf("connections in use after unlock: %d", got)
	}
}

func TestExecutionLocksDoNotStarveQueries(t *testing.T) {
	openStub(t)
	d, err := NewDBWithPool("dsn", PoolConfig{MaxOpenConns: 3, LockConns: 5})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()
	locker := locks.Chain{locks.NewKeyedMutex(), AdvisoryLocker{DB: d}}
	for i := 1; i <= 3; i++ {
		unlock, err := locker.Lock(context.Background(), locks.ExecutionKey(fmt.Sprintf("p%d", i)))
		if err != nil {
			t.Fatalf("execution lock %d: %v", i, err)
		}
		defer unlock()
	}
	if got := d.Conn().Stats().InUse; got != 0 {
		t.Fatalf("query pool connections held by locks: %d", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	unlock, err := locker.Lock(ctx, locks.RequestKey("r1"))
	if err != nil {
		t.Fatalf("request lock: %v", err)
	}
	defer unlock()
	if err := d.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestAdvisoryLockerTryLock(t *testing.T) {
	openStub(t)
	d, err := NewDBWithPool("dsn", PoolConfig{LockConns: 2})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()
	l := AdvisoryLocker{DB: d}
	if _, ok, err := l.TryLock(context.Background(), busyKey); ok || err != nil {
		t.Fatalf("busy key: %v %v", ok, err)
	}
	if got := d.locks.Stats().InUse; got != 0 {
		t.Fatalf("connection kept after a refused try: %d", got)
	}
	unlock, ok, err := l.TryLock(context.Background(), "execution:free")
	if !ok || err != nil {
		t.Fatalf("free key: %v %v", ok, err)
	}
	if got := d.locks.Stats().InUse; got != 1 {
		t.Fatalf("lock connection not held: %d", got)
	}
	unlock()
	if got := d.locks.Stats().InUse; got != 0 {
		t.Fatalf("connection kept after unlock: %d", got)
	}
	if _, _, err := (AdvisoryLocker{}).TryLock(context.Background(), "k"); err == nil {
		t.Fatalf("expected error without a database")
	}
}
