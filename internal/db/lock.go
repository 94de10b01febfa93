package db

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// LockKey derives a stable advisory lock key from a snapshot id (64-bit
// FNV-1a, reinterpreted as a signed bigint).
func LockKey(snapshotID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(snapshotID))
	return int64(h.Sum64()) //nolint:gosec // wraparound is intended
}

// Locker runs fn while holding an exclusive lock on key. If the lock is
// held elsewhere it returns acquired=false without running fn or waiting.
type Locker interface {
	TryWithLock(ctx context.Context, key int64, fn func(ctx context.Context) error) (acquired bool, err error)
}

// AdvisoryLocker implements Locker with Postgres session advisory locks on a
// single leased connection. A lock held by a process that dies is released
// when its connection closes.
type AdvisoryLocker struct {
	m *Manager
}

// NewAdvisoryLocker returns a Locker backed by m.
func NewAdvisoryLocker(m *Manager) *AdvisoryLocker {
	return &AdvisoryLocker{m: m}
}

// TryWithLock implements Locker.
func (l *AdvisoryLocker) TryWithLock(ctx context.Context, key int64, fn func(ctx context.Context) error) (bool, error) {
	acquired := false
	var runErr error
	err := l.m.WithConn(ctx, func(ctx context.Context, conn Conn) error {
		if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
			return eris.Wrap(err, "db: try advisory lock")
		}
		if !acquired {
			return nil
		}

		runErr = fn(ctx)

		// Unlock even when ctx is done; the session outlives the request.
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discardTimeout)
		defer cancel()
		if _, err := conn.Exec(uctx, "SELECT pg_advisory_unlock($1)", key); err != nil {
			zap.L().Warn("db: advisory unlock failed, discarding connection", zap.Int64("key", key), zap.Error(err))
			// Closing the session is the only other way to drop the lock.
			return errDiscard
		}
		return runErr
	})
	if errors.Is(err, errDiscard) {
		return acquired, runErr
	}
	return acquired, err
}

// LocalLocker implements Locker in process memory. It only excludes callers
// sharing the same LocalLocker.
type LocalLocker struct {
	mu   sync.Mutex
	held map[int64]bool
}

// NewLocalLocker returns an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[int64]bool)}
}

// TryWithLock implements Locker.
func (l *LocalLocker) TryWithLock(ctx context.Context, key int64, fn func(ctx context.Context) error) (bool, error) {
	l.mu.Lock()
	if l.held[key] {
		l.mu.Unlock()
		return false, nil
	}
	l.held[key] = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()
	return true, fn(ctx)
}
