package engine

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/convomirror/convomirror/internal/lockfile"
)

// LoopOptions tunes the leader loop.
type LoopOptions struct {
	// Interval returns the delay between cycles. Consulted before every
	// sleep, so configuration changes apply on the next tick.
	Interval func() time.Duration

	// StandbyPoll is how often a standby instance retries leadership.
	// Zero means 10s.
	StandbyPoll time.Duration

	// ConfigPath, when set, is watched; a change re-reads the interval (via
	// Reload) and wakes a pending sleep so the new value applies promptly.
	ConfigPath string

	// Reload is invoked on a config change before waking the loop.
	Reload func()
}

// Loop elects a leader among instances sharing a mirror root and runs the
// periodic cycle on whichever instance holds the leader lock. Non-leaders
// poll for leadership and take over when the leader's process dies.
type Loop struct {
	engine *Engine
	root   string
	opts   LoopOptions
	log    *slog.Logger

	stopped atomic.Bool
	wake    chan struct{}
}

// NewLoop builds a leader loop for the engine. A nil logger falls back to
// slog's default.
func NewLoop(engine *Engine, root string, opts LoopOptions, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	if opts.StandbyPoll <= 0 {
		opts.StandbyPoll = 10 * time.Second
	}
	if opts.Interval == nil {
		opts.Interval = func() time.Duration { return 5 * time.Minute }
	}
	return &Loop{engine: engine, root: root, opts: opts, log: log, wake: make(chan struct{}, 1)}
}

// Stop requests loop exit. The flag is checked at each loop head and any
// pending sleep is woken; a mid-flight cycle still finishes inside its own
// lock section.
func (l *Loop) Stop() {
	l.stopped.Store(true)
	l.poke()
}

// Wake interrupts a pending sleep without stopping the loop.
func (l *Loop) Wake() { l.poke() }

// Run drives leadership until Stop or ctx cancellation. A standby instance
// reports "another instance is active" and keeps polling; a fail-closed lock
// error (unsupported filesystem) is returned immediately.
func (l *Loop) Run(ctx context.Context) error {
	if l.opts.ConfigPath != "" {
		closeWatch, err := l.watchConfig(l.opts.ConfigPath)
		if err != nil {
			l.log.Warn("config watch unavailable, interval changes need a restart", "error", err)
		} else {
			defer closeWatch()
		}
	}

	for !l.stopped.Load() && ctx.Err() == nil {
		won, err := lockfile.TryBecomeLeader(l.root, LeaderLockName, func() error {
			return l.lead(ctx)
		})
		if err != nil && errors.Is(err, lockfile.ErrUnsupported) {
			l.engine.SetRole(RoleUnknown, err.Error())
			return err
		}
		if won {
			// Leadership ended: stop requested, context done, or lock lost.
			if err != nil {
				l.log.Error("leader loop ended with error", "error", err)
			}
			continue
		}

		l.engine.SetRole(RoleStandby, "Another instance is active")
		l.sleep(ctx, l.opts.StandbyPoll)
	}

	l.engine.SetRole(RoleUnknown, "Sync loop stopped")
	return nil
}

// lead runs cycles while holding the leader lock: one immediately, then one
// per interval. Cycle errors are published to observers by the engine and do
// not end leadership.
func (l *Loop) lead(ctx context.Context) error {
	l.engine.SetRole(RoleLeader, "This instance is the active syncer")
	l.log.Info("acquired sync leadership", "instance", l.engine.InstanceID())

	for !l.stopped.Load() && ctx.Err() == nil {
		_ = l.engine.RunCycle(ctx, false)

		interval := l.opts.Interval()
		l.engine.SetNextRun(time.Now().Add(interval))
		l.sleep(ctx, interval)
	}
	l.log.Info("releasing sync leadership", "instance", l.engine.InstanceID())
	return nil
}

// sleep waits for d, a wake, or ctx cancellation, whichever comes first.
func (l *Loop) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-l.wake:
	case <-ctx.Done():
	}
}

func (l *Loop) poke() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// watchConfig wakes the loop when the config file changes. The parent
// directory is watched because editors and config set replace the file.
func (l *Loop) watchConfig(path string) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	target := filepath.Clean(path)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				l.log.Debug("config change detected", "file", ev.Name)
				if l.opts.Reload != nil {
					l.opts.Reload()
				}
				l.poke()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.log.Warn("config watch error", "error", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
