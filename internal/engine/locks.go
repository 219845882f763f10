package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/convo/pkg/schema"
)

const defaultAcquireTimeout = 30 * time.Second

// SessionLocks serializes work per session within this process. Every
// inbound message for a session runs under its lock, so two messages for
// the same contact can never interleave mid-cycle. Locks for different
// sessions are independent. Entries are refcounted and evicted once the
// last holder or waiter leaves, so the table stays proportional to the
// sessions currently in flight rather than every session ever seen.
type SessionLocks struct {
	mu             sync.Mutex
	locks          map[string]*sessionLock
	acquireTimeout time.Duration
}

// sessionLock is one table entry. refs counts holders plus waiters; the
// entry is removed when refs drops to zero.
type sessionLock struct {
	ch   chan struct{}
	refs int
}

// NewSessionLocks creates the lock table. A non-positive timeout falls
// back to the default.
func NewSessionLocks(acquireTimeout time.Duration) *SessionLocks {
	if acquireTimeout <= 0 {
		acquireTimeout = defaultAcquireTimeout
	}
	return &SessionLocks{
		locks:          make(map[string]*sessionLock),
		acquireTimeout: acquireTimeout,
	}
}

// WithLock runs fn while holding the session's lock. Acquisition is bounded:
// if the lock is still held after the configured timeout (a stuck provider
// or tool call on the other holder), a LOCK_TIMEOUT error is returned and
// fn never runs.
func (l *SessionLocks) WithLock(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error {
	release, err := l.acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

func (l *SessionLocks) acquire(ctx context.Context, sessionID string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[sessionID]
	if !ok {
		entry = &sessionLock{ch: make(chan struct{}, 1)}
		l.locks[sessionID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.acquireTimeout)
	defer timer.Stop()

	select {
	case entry.ch <- struct{}{}:
		return func() {
			<-entry.ch
			l.unref(sessionID, entry)
		}, nil
	case <-ctx.Done():
		l.unref(sessionID, entry)
		return nil, schema.NewError(schema.ErrCodeLockTimeout, "session lock wait cancelled").
			WithDetails(map[string]any{"session_id": sessionID}).
			WithCause(ctx.Err())
	case <-timer.C:
		l.unref(sessionID, entry)
		return nil, schema.NewErrorf(schema.ErrCodeLockTimeout,
			"session %s lock not acquired within %s", sessionID, l.acquireTimeout).
			WithDetails(map[string]any{"session_id": sessionID})
	}
}

// unref drops one holder/waiter reference and evicts the entry when it was
// the last. refs reaching zero implies the channel is free: the holder
// drains it before calling unref, and waiters never occupied it.
func (l *SessionLocks) unref(sessionID string, entry *sessionLock) {
	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, sessionID)
	}
	l.mu.Unlock()
}
