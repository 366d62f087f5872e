// Package lockfile provides named cross-process exclusive locks over the
// mirror root. Every convomirror instance sharing a root coordinates through
// two locks: the state lock serializing state read-modify-write, and the
// leader lock electing the single instance that runs the periodic loop.
//
// Locks are advisory flocks; the OS releases them automatically when the
// holding process exits, which is what makes leader failover work without a
// coordination service.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/convomirror/convomirror/internal/debug"
)

var (
	// ErrLockBusy indicates the lock is held by another process.
	ErrLockBusy = errors.New("lock held by another process")

	// ErrUnsupported indicates the filesystem cannot provide advisory locks.
	// Callers must fail closed on this instead of running unsynchronized.
	ErrUnsupported = errors.New("file locking not supported on this filesystem")
)

const (
	lockDirName  = "locks"
	pollInterval = 50 * time.Millisecond
)

// Lock is a named exclusive lock scoped to a mirror root.
type Lock struct {
	flock *flock.Flock
	name  string
}

// New creates a lock named name under <root>/locks/. The lock file is created
// lazily on first acquisition.
func New(root, name string) (*Lock, error) {
	dir := filepath.Join(root, lockDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	return &Lock{
		flock: flock.New(filepath.Join(dir, name+".lock")),
		name:  name,
	}, nil
}

// TryExclusive attempts to acquire the lock without blocking. Returns false
// when another process holds it.
func (l *Lock) TryExclusive() (bool, error) {
	locked, err := l.flock.TryLock()
	if err != nil {
		return false, classifyLockErr(l.name, err)
	}
	if locked {
		debug.Logf("acquired exclusive lock %s: %s\n", l.name, l.flock.Path())
	}
	return locked, nil
}

// AcquireExclusive acquires the lock, polling until it is free or the timeout
// elapses. A zero timeout means a single non-blocking attempt.
func (l *Lock) AcquireExclusive(ctx context.Context, timeout time.Duration) error {
	start := time.Now()

	if timeout == 0 {
		locked, err := l.TryExclusive()
		if err != nil {
			return err
		}
		if !locked {
			return fmt.Errorf("%s lock: %w", l.name, ErrLockBusy)
		}
		return nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		locked, err := l.TryExclusive()
		if err != nil {
			return err
		}
		if locked {
			debug.Logf("acquired %s lock after %v\n", l.name, time.Since(start))
			return nil
		}

		select {
		case <-timeoutCtx.Done():
			return fmt.Errorf("timeout waiting for %s lock after %v (another instance may be syncing): %w",
				l.name, time.Since(start), ErrLockBusy)
		case <-time.After(pollInterval):
		}
	}
}

// Release releases the lock. Safe to call multiple times.
func (l *Lock) Release() error {
	if l.flock == nil {
		return nil
	}
	debug.Logf("releasing lock %s\n", l.name)
	return l.flock.Unlock()
}

// WithExclusive runs fn while holding the named lock, releasing it when fn
// returns. Acquisition blocks (bounded by timeout); fn's error is propagated.
func WithExclusive(ctx context.Context, root, name string, timeout time.Duration, fn func() error) error {
	lock, err := New(root, name)
	if err != nil {
		return err
	}
	if err := lock.AcquireExclusive(ctx, timeout); err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	return fn()
}

// TryBecomeLeader attempts to take the named lock without blocking. When the
// lock is held elsewhere it returns (false, nil) immediately. Otherwise it
// holds the lock for the whole duration of fn (expected to run indefinitely)
// and returns (true, fn's error) once fn finishes.
func TryBecomeLeader(root, name string, fn func() error) (bool, error) {
	lock, err := New(root, name)
	if err != nil {
		return false, err
	}
	locked, err := lock.TryExclusive()
	if err != nil {
		return false, err
	}
	if !locked {
		return false, nil
	}
	defer func() { _ = lock.Release() }()

	return true, fn()
}

// Supported probes whether the root's filesystem provides advisory locks.
// Network filesystems sometimes reject flock; callers use this to report a
// configuration error up front instead of running multi-writer cycles.
func Supported(root string) error {
	lock, err := New(root, "probe")
	if err != nil {
		return err
	}
	locked, err := lock.TryExclusive()
	if err != nil {
		return err
	}
	if locked {
		_ = lock.Release()
	}
	return nil
}

// classifyLockErr maps filesystem "operation not supported" failures to
// ErrUnsupported so callers can branch on it.
func classifyLockErr(name string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not supported") || strings.Contains(msg, "not implemented") {
		return fmt.Errorf("%s lock: %w", name, ErrUnsupported)
	}
	return fmt.Errorf("acquiring %s lock: %w", name, err)
}
