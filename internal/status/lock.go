package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// LockFileName marks an execution in progress inside the module directory.
const LockFileName = ".execution_lock"

var (
	ErrModuleLocked = errors.New("module is locked by another execution")
	ErrNotHeld      = errors.New("module lock is not held by this process")
)

// LockOwner is written into the lock file for diagnostics.
type LockOwner struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	RunID      string    `json:"run_id,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// ModuleLock is the cross-process mutual exclusion for one module.
//
// Presence of the lock file means "an execution started and has not finished
// cleanly". While the owning process runs it also holds an advisory flock on
// the file, which is what tells a live owner apart from a dead one.
type ModuleLock struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

func newModuleLock(path string) *ModuleLock {
	return &ModuleLock{path: path}
}

// Path returns the lock file location.
func (l *ModuleLock) Path() string {
	return l.path
}

// Acquire creates the lock file exclusively and takes the flock.
func (l *ModuleLock) Acquire(runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f != nil {
		return fmt.Errorf("%w: already held by this handle", ErrModuleLocked)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create module dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		if os.IsExist(err) {
			return ErrModuleLocked
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		os.Remove(l.path)
		return fmt.Errorf("failed to flock %s: %w", l.path, err)
	}

	host, _ := os.Hostname()
	owner := LockOwner{PID: os.Getpid(), Host: host, RunID: runID, AcquiredAt: time.Now().UTC()}
	if err := json.NewEncoder(f).Encode(owner); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		os.Remove(l.path)
		return fmt.Errorf("failed to write lock owner: %w", err)
	}
	if err := f.Sync(); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		os.Remove(l.path)
		return fmt.Errorf("failed to sync lock file: %w", err)
	}

	l.f = f
	return nil
}

// Release drops the flock and removes the lock file.
func (l *ModuleLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return ErrNotHeld
	}
	l.dropLocked()
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// Abandon drops the flock but leaves the lock file in place, so the failed
// execution stays visible until an operator unlocks or recovers the module.
func (l *ModuleLock) Abandon() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		l.dropLocked()
	}
}

func (l *ModuleLock) dropLocked() {
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
	l.f = nil
}

// WithLock runs fn while holding the lock. The flock is dropped on every exit
// path, panics included. The lock file is removed only when fn succeeds.
func (l *ModuleLock) WithLock(runID string, fn func() error) (err error) {
	if err := l.Acquire(runID); err != nil {
		return err
	}
	released := false
	defer func() {
		if !released {
			l.Abandon()
		}
	}()

	if err = fn(); err != nil {
		return err
	}
	released = true
	return l.Release()
}

// Locked reports whether the lock file exists.
func (l *ModuleLock) Locked() bool {
	_, err := os.Stat(l.path)
	return err == nil
}

// Stale reports whether the lock file exists but no process holds its flock.
func (l *ModuleLock) Stale() (bool, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("failed to probe lock: %w", err)
	}
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return true, nil
}

// HeldError is returned when a lock that is about to be removed is still
// held by a live process.
type HeldError struct {
	Path   string
	Holder string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock %s is held by %s", e.Path, e.Holder)
}

// CheckStale returns a *HeldError unless the lock is missing or stale.
func (l *ModuleLock) CheckStale() error {
	stale, err := l.Stale()
	if err != nil {
		return err
	}
	if stale || !l.Locked() {
		return nil
	}
	holder := "a running process"
	if owner, err := l.Owner(); err == nil {
		holder = fmt.Sprintf("pid %d on %s", owner.PID, owner.Host)
	}
	return &HeldError{Path: l.path, Holder: holder}
}

// Owner reads the owner record from the lock file.
func (l *ModuleLock) Owner() (*LockOwner, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var owner LockOwner
	if err := json.Unmarshal(data, &owner); err != nil {
		return nil, fmt.Errorf("failed to parse lock owner: %w", err)
	}
	return &owner, nil
}

// Unlock force-removes the lock file. Used by the operator and by recovery,
// both of which assume the owning process is gone.
func (l *ModuleLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		l.dropLocked()
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}
