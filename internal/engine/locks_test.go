package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/convo/pkg/schema"
)

func TestWithLockSerializesSameSession(t *testing.T) {
	locks := NewSessionLocks(time.Second)

	var mu sync.Mutex
	var order []int
	var inside int

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := locks.WithLock(context.Background(), "s1", func(ctx context.Context) error {
				mu.Lock()
				inside++
				assert.Equal(t, 1, inside, "two holders inside the same session lock")
				order = append(order, n)
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, order, 10)
}

func TestWithLockIndependentSessions(t *testing.T) {
	locks := NewSessionLocks(50 * time.Millisecond)

	blocked := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = locks.WithLock(context.Background(), "s1", func(ctx context.Context) error {
			close(blocked)
			<-release
			return nil
		})
	}()
	<-blocked
	defer close(release)

	// A different session is not affected by s1's holder.
	err := locks.WithLock(context.Background(), "s2", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
}

func TestWithLockTimeout(t *testing.T) {
	locks := NewSessionLocks(30 * time.Millisecond)

	blocked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = locks.WithLock(context.Background(), "s1", func(ctx context.Context) error {
			close(blocked)
			<-release
			return nil
		})
	}()
	<-blocked
	defer close(release)

	ran := false
	err := locks.WithLock(context.Background(), "s1", func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeLockTimeout))
	assert.False(t, ran)
}

func TestWithLockContextCancelled(t *testing.T) {
	locks := NewSessionLocks(time.Minute)

	blocked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = locks.WithLock(context.Background(), "s1", func(ctx context.Context) error {
			close(blocked)
			<-release
			return nil
		})
	}()
	<-blocked
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := locks.WithLock(ctx, "s1", func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeLockTimeout))
}

func lockTableSize(l *SessionLocks) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func TestLockTableEvictsReleasedEntries(t *testing.T) {
	locks := NewSessionLocks(time.Second)

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("s%d", i)
		require.NoError(t, locks.WithLock(context.Background(), id, func(ctx context.Context) error {
			return nil
		}))
	}
	assert.Equal(t, 0, lockTableSize(locks))
}

func TestLockTableEvictsAfterWaiterTimeout(t *testing.T) {
	locks := NewSessionLocks(20 * time.Millisecond)

	blocked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = locks.WithLock(context.Background(), "s1", func(ctx context.Context) error {
			close(blocked)
			<-release
			return nil
		})
	}()
	<-blocked

	err := locks.WithLock(context.Background(), "s1", func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeLockTimeout))

	// The timed-out waiter dropped its reference; only the holder remains.
	assert.Equal(t, 1, lockTableSize(locks))

	close(release)
	<-done
	assert.Equal(t, 0, lockTableSize(locks))
}
