package status

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockAcquireRelease(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	lock := store.Lock("tokens")

	assert.False(t, lock.Locked())
	require.NoError(t, lock.Acquire("run-1"))
	assert.True(t, lock.Locked())

	owner, err := lock.Owner()
	require.NoError(t, err)
	assert.Equal(t, "run-1", owner.RunID)
	assert.NotZero(t, owner.PID)

	require.NoError(t, lock.Release())
	assert.False(t, lock.Locked())
	assert.ErrorIs(t, lock.Release(), ErrNotHeld)
}

// TestLockExcludesSecondStore 兩個 Store 模擬兩個行程
func TestLockExcludesSecondStore(t *testing.T) {
	root := t.TempDir()
	first := NewStore(root, nil)
	second := NewStore(root, nil)

	require.NoError(t, first.Lock("tokens").Acquire("a"))
	defer first.Lock("tokens").Release()

	err := second.Lock("tokens").Acquire("b")
	assert.ErrorIs(t, err, ErrModuleLocked)
}

func TestLockStale(t *testing.T) {
	root := t.TempDir()
	owner := NewStore(root, nil).Lock("tokens")
	observer := NewStore(root, nil).Lock("tokens")

	stale, err := observer.Stale()
	require.NoError(t, err)
	assert.False(t, stale, "no lock file means nothing stale")

	require.NoError(t, owner.Acquire("a"))
	stale, err = observer.Stale()
	require.NoError(t, err)
	assert.False(t, stale, "live owner holds the flock")

	owner.Abandon()
	assert.True(t, observer.Locked())
	stale, err = observer.Stale()
	require.NoError(t, err)
	assert.True(t, stale)

	require.NoError(t, observer.Unlock())
	assert.False(t, observer.Locked())
}

func TestWithLockSuccessRemovesFile(t *testing.T) {
	lock := NewStore(t.TempDir(), nil).Lock("tokens")

	called := false
	err := lock.WithLock("r", func() error {
		called = true
		assert.True(t, lock.Locked())
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.False(t, lock.Locked())
}

func TestWithLockFailureKeepsFile(t *testing.T) {
	lock := NewStore(t.TempDir(), nil).Lock("tokens")
	boom := errors.New("boom")

	err := lock.WithLock("r", func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.True(t, lock.Locked())

	stale, err := lock.Stale()
	require.NoError(t, err)
	assert.True(t, stale, "flock must be dropped even on failure")
}

func TestWithLockPanicDropsFlock(t *testing.T) {
	lock := NewStore(t.TempDir(), nil).Lock("tokens")

	assert.Panics(t, func() {
		_ = lock.WithLock("r", func() error { panic("boom") })
	})
	stale, err := lock.Stale()
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestWithLockRefusesWhenLocked(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, NewStore(root, nil).Lock("tokens").Acquire("a"))

	called := false
	err := NewStore(root, nil).Lock("tokens").WithLock("b", func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrModuleLocked)
	assert.False(t, called)
}
