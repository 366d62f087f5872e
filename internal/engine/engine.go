// Package engine ties the sync components into full cycles: change detection,
// concurrent fetching, persistence, and watermark advancement, all inside the
// cross-process state lock. The leader loop in this package decides which
// instance runs those cycles.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convomirror/convomirror/internal/api"
	"github.com/convomirror/convomirror/internal/fetcher"
	"github.com/convomirror/convomirror/internal/localfs"
	"github.com/convomirror/convomirror/internal/lockfile"
	"github.com/convomirror/convomirror/internal/scanner"
	"github.com/convomirror/convomirror/internal/state"
	"github.com/convomirror/convomirror/internal/telemetry"
	"github.com/convomirror/convomirror/internal/types"
	"github.com/convomirror/convomirror/internal/writer"
)

// Lock names under <root>/locks/.
const (
	StateLockName  = "state"
	LeaderLockName = "leader"
)

// Status is the cycle state machine's externally visible state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusChecking Status = "checking"
	StatusSaving   Status = "saving"
	StatusError    Status = "error"
	StatusDisabled Status = "disabled"
)

// Role is this instance's leadership state.
type Role string

const (
	RoleUnknown Role = "unknown"
	RoleLeader  Role = "leader"
	RoleStandby Role = "standby"
)

// Notification is one state-change event on the observer stream.
type Notification struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message"`
	LastRun   time.Time `json:"last_run,omitzero"`
	NextRun   time.Time `json:"next_run,omitzero"`
	Role      Role      `json:"role"`
	LastError string    `json:"last_error,omitempty"`
	Instance  string    `json:"instance"`
}

// Observer receives every state change. Callbacks run synchronously on the
// engine's goroutine and must not block.
type Observer func(Notification)

// Source is the remote API surface one cycle consumes: listings for the
// scanner, conversation bodies for the fetch pool, attachment bytes for the
// writer.
type Source interface {
	scanner.Lister
	fetcher.ConversationFetcher
	writer.Resolver
}

// Config carries the engine's tuning knobs.
type Config struct {
	Root          string
	PageSize      int
	Concurrency   int
	RetryAttempts int
	RetryBase     time.Duration
	LockTimeout   time.Duration
	// Retryable classifies fetch errors; nil uses api.IsRetryable.
	Retryable func(error) bool
}

// Engine runs sync cycles. One engine per process; safe for concurrent use.
type Engine struct {
	cfg     Config
	source  Source
	creds   api.CredentialProvider
	scan    *scanner.Scanner
	write   *writer.Writer
	log     *slog.Logger
	metrics *telemetry.SyncMetrics

	instanceID string

	mu        sync.Mutex
	running   bool
	cancelled bool
	note      Notification
	observers []Observer
}

// New builds an engine over the given remote source and credentials. A nil
// logger falls back to slog's default; metrics may be nil.
func New(source Source, creds api.CredentialProvider, cfg Config, log *slog.Logger, metrics *telemetry.SyncMetrics) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Retryable == nil {
		cfg.Retryable = api.IsRetryable
	}
	id := uuid.NewString()
	return &Engine{
		cfg:        cfg,
		source:     source,
		creds:      creds,
		scan:       scanner.New(source, log),
		write:      writer.New(source, log),
		log:        log,
		metrics:    metrics,
		instanceID: id,
		note:       Notification{Status: StatusIdle, Role: RoleUnknown, Instance: id},
	}
}

// InstanceID returns this engine's per-process identifier.
func (e *Engine) InstanceID() string { return e.instanceID }

// Subscribe registers an observer. The observer immediately receives the
// current state.
func (e *Engine) Subscribe(fn Observer) {
	e.mu.Lock()
	e.observers = append(e.observers, fn)
	note := e.note
	e.mu.Unlock()
	fn(note)
}

// Snapshot returns the current notification state.
func (e *Engine) Snapshot() Notification {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.note
}

// RequestCancel asks a running cycle to stop at its next task boundary.
// In-flight network calls are not aborted.
func (e *Engine) RequestCancel() {
	e.mu.Lock()
	e.cancelled = true
	e.mu.Unlock()
}

// SetRole publishes a leadership transition to observers.
func (e *Engine) SetRole(role Role, message string) {
	e.mutate(func(n *Notification) {
		n.Role = role
		if message != "" {
			n.Message = message
		}
	})
}

// SetNextRun publishes when the leader will run the next cycle.
func (e *Engine) SetNextRun(at time.Time) {
	e.mutate(func(n *Notification) { n.NextRun = at })
}

// RunCycle executes one full sync pass: checking, then saving when anything
// is stale, then back to idle. A trigger while a cycle is already running is
// a no-op. Errors are reported to observers but are not sticky; the next
// trigger starts from checking again.
func (e *Engine) RunCycle(ctx context.Context, fullScan bool) error {
	if !e.begin() {
		e.log.Debug("cycle trigger ignored, cycle already running")
		return nil
	}
	defer e.end()

	start := time.Now()
	err := e.runCycle(ctx, fullScan, start)
	e.metrics.RecordCycle(ctx, time.Since(start), err)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, fetcher.ErrCancelled):
		e.mutate(func(n *Notification) {
			n.Status = StatusIdle
			n.Message = "Sync cancelled"
		})
		return nil
	case errors.Is(err, lockfile.ErrUnsupported), errors.Is(err, localfs.ErrNoRoot):
		e.mutate(func(n *Notification) {
			n.Status = StatusDisabled
			n.Message = err.Error()
			n.LastError = err.Error()
		})
		return err
	default:
		e.log.Error("sync cycle failed", "error", err)
		e.mutate(func(n *Notification) {
			n.Status = StatusError
			n.Message = "Sync failed: " + err.Error()
			n.LastError = err.Error()
		})
		return err
	}
}

func (e *Engine) runCycle(ctx context.Context, fullScan bool, start time.Time) error {
	e.mutate(func(n *Notification) {
		n.Status = StatusChecking
		n.Message = "Checking for updates"
		n.LastError = ""
	})

	// Configuration problems fail before any network or state I/O.
	if e.cfg.Root == "" {
		return localfs.ErrNoRoot
	}
	root, err := localfs.OpenRoot(e.cfg.Root)
	if err != nil {
		return err
	}
	if err := root.VerifyWritable(); err != nil {
		return err
	}
	if err := lockfile.Supported(e.cfg.Root); err != nil {
		return err
	}

	if err := e.creds.EnsureReady(ctx); err != nil {
		return fmt.Errorf("resolving credentials: %w", err)
	}
	identity, err := e.creds.Identity()
	if err != nil {
		return err
	}

	// The whole checking+saving span holds the state lock: two racing
	// instances can never interleave their read-modify-write sequences.
	return lockfile.WithExclusive(ctx, e.cfg.Root, StateLockName, e.lockTimeout(), func() error {
		return e.lockedCycle(ctx, root, identity, fullScan, start)
	})
}

func (e *Engine) lockedCycle(ctx context.Context, root *localfs.Dir, identity types.Identity, fullScan bool, start time.Time) error {
	store, err := state.NewStore(root, identity)
	if err != nil {
		return err
	}
	doc, err := store.Load()
	if err != nil {
		return err
	}

	scan, err := e.scan.Scan(ctx, identity, doc, scanner.Options{
		PageSize: e.cfg.PageSize,
		FullScan: fullScan,
	})
	if err != nil {
		return err
	}

	if len(scan.Tasks) == 0 {
		if err := e.touchScopes(store, scan.Scopes, start); err != nil {
			return err
		}
		e.mutate(func(n *Notification) {
			n.Status = StatusIdle
			n.Message = "No updates"
			n.LastRun = start
		})
		return nil
	}

	e.mutate(func(n *Notification) {
		n.Status = StatusSaving
		n.Message = fmt.Sprintf("Saving %d conversations", len(scan.Tasks))
	})

	convs, err := fetcher.FetchAll(ctx, e.source, scan.Tasks, fetcher.Options{
		Concurrency:   e.cfg.Concurrency,
		RetryAttempts: e.cfg.RetryAttempts,
		RetryBase:     e.cfg.RetryBase,
		Retryable:     e.cfg.Retryable,
		Cancelled:     e.cancelRequested,
		Progress: func(percent int, text string) {
			e.mutate(func(n *Notification) {
				n.Message = fmt.Sprintf("%s (%d%%)", text, percent)
			})
		},
	})
	if err != nil {
		return err
	}

	identityDir, err := root.EnsureFolder(identity.Label)
	if err != nil {
		return err
	}

	now := time.Now()
	saved := 0
	for i, conv := range convs {
		if e.cancelRequested() {
			return fetcher.ErrCancelled
		}
		task := scan.Tasks[i]

		meta, err := e.write.Write(ctx, identityDir, task.ScopeName, task.Category, conv, now)
		if err != nil {
			return fmt.Errorf("persisting conversation %s: %w", conv.ID, err)
		}

		// Watermark moves only after the write above returned success.
		watermark := conv.UpdatedAt
		if watermark.IsZero() {
			watermark = task.UpdatedAt
		}
		scope := types.Scope{ID: task.ScopeID, Name: task.ScopeName, ProjectID: task.ProjectID}
		if err := store.UpdateConversation(conv.ID, watermark, now, scope); err != nil {
			return err
		}

		saved++
		var bytes int64
		for _, att := range meta.Attachments {
			bytes += att.Size
		}
		e.metrics.RecordAttachmentBytes(ctx, bytes)
	}
	e.metrics.RecordFetched(ctx, saved)

	if err := e.touchScopes(store, scan.Scopes, start); err != nil {
		return err
	}

	e.mutate(func(n *Notification) {
		n.Status = StatusIdle
		n.Message = fmt.Sprintf("Synced %d conversations", saved)
		n.LastRun = start
	})
	return nil
}

func (e *Engine) touchScopes(store *state.Store, scopes []types.Scope, checkedAt time.Time) error {
	for _, scope := range scopes {
		if err := store.TouchScope(scope, checkedAt); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) lockTimeout() time.Duration {
	if e.cfg.LockTimeout > 0 {
		return e.cfg.LockTimeout
	}
	return 30 * time.Second
}

// begin marks a cycle as running; a false return means one is already active.
func (e *Engine) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return false
	}
	e.running = true
	e.cancelled = false
	return true
}

func (e *Engine) end() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

func (e *Engine) cancelRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// mutate applies fn to the notification state and fans the result out to
// observers outside the lock.
func (e *Engine) mutate(fn func(*Notification)) {
	e.mu.Lock()
	fn(&e.note)
	note := e.note
	observers := make([]Observer, len(e.observers))
	copy(observers, e.observers)
	e.mu.Unlock()

	for _, obs := range observers {
		obs(note)
	}
}
