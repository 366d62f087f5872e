// Package fetcher is the bounded-concurrency scheduler that downloads full
// conversation bodies for the stale set. Workers claim task indexes from a
// shared atomic counter, each task retries independently with exponential
// backoff, and the first task to exhaust its retries fails the whole batch:
// a systemic failure (expired credentials, outage) would doom the remaining
// tasks anyway, and the next cycle retries the entire pass.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/convomirror/convomirror/internal/debug"
	"github.com/convomirror/convomirror/internal/types"
)

// ErrCancelled is returned when the cooperative cancellation flag stopped the
// batch before all tasks were claimed.
var ErrCancelled = errors.New("fetch batch cancelled")

// ConversationFetcher fetches one full conversation body.
type ConversationFetcher interface {
	FetchConversation(ctx context.Context, id, projectID string) (*types.Conversation, error)
}

// Options tunes one FetchAll batch.
type Options struct {
	// Concurrency caps the worker count; the effective pool size is
	// min(Concurrency, len(tasks)). Zero means 1.
	Concurrency int

	// RetryAttempts is the number of additional attempts per task after the
	// first failure.
	RetryAttempts int

	// RetryBase is the first backoff delay; it doubles per attempt.
	RetryBase time.Duration

	// Retryable classifies errors; non-retryable errors fail the task
	// immediately. Nil treats every error as retryable.
	Retryable func(error) bool

	// Progress, when set, is invoked after each successful task with a
	// percent in [ProgressOffset, ProgressOffset+ProgressWeight] and a short
	// human-readable text, letting the caller allocate this batch a sub-range
	// of an overall progress bar.
	Progress       func(percent int, text string)
	ProgressWeight int // defaults to 100
	ProgressOffset int

	// Cancelled is a cooperative stop flag checked before each claim.
	// Already-started fetches are never forcibly aborted.
	Cancelled func() bool
}

// FetchAll fetches every task's conversation, returning results in the same
// order as tasks. On failure the partial results are discarded by the caller;
// watermarks for unfetched conversations were never advanced, so nothing is
// lost by retrying the whole pass later.
func FetchAll(ctx context.Context, source ConversationFetcher, tasks []types.Task, opts Options) ([]*types.Conversation, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	workers := opts.Concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(tasks) {
		workers = len(tasks)
	}
	weight := opts.ProgressWeight
	if weight == 0 {
		weight = 100
	}

	results := make([]*types.Conversation, len(tasks))

	var next atomic.Int64      // shared claim counter
	var completed atomic.Int64 // successful tasks, for progress
	var failed atomic.Bool     // fail-fast: stop claiming once set
	var cancelled atomic.Bool

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				if failed.Load() {
					return nil
				}
				if ctx.Err() != nil || (opts.Cancelled != nil && opts.Cancelled()) {
					cancelled.Store(true)
					return nil
				}

				idx := int(next.Add(1)) - 1
				if idx >= len(tasks) {
					return nil
				}

				task := tasks[idx]
				conv, err := fetchWithRetry(ctx, source, task, opts)
				if err != nil {
					failed.Store(true)
					return fmt.Errorf("conversation %s: %w", task.ConversationID, err)
				}
				results[idx] = conv

				done := completed.Add(1)
				if opts.Progress != nil {
					percent := opts.ProgressOffset + int(math.Round(float64(done)/float64(len(tasks))*float64(weight)))
					opts.Progress(percent, fmt.Sprintf("Fetched %d/%d conversations", done, len(tasks)))
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if cancelled.Load() {
		return nil, ErrCancelled
	}
	return results, nil
}

// fetchWithRetry runs one task with per-task exponential backoff. Attempt
// counts and delays are independent across tasks.
func fetchWithRetry(ctx context.Context, source ConversationFetcher, task types.Task, opts Options) (*types.Conversation, error) {
	base := opts.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}

	// BackOff implementations are stateful; always build a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	var conv *types.Conversation
	attempt := 0
	op := func() error {
		attempt++
		var err error
		conv, err = source.FetchConversation(ctx, task.ConversationID, task.ProjectID)
		if err == nil {
			return nil
		}
		if opts.Retryable != nil && !opts.Retryable(err) {
			return backoff.Permanent(err)
		}
		debug.Logf("fetch attempt %d for %s failed: %v\n", attempt, task.ConversationID, err)
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(opts.RetryAttempts)), ctx))
	if err != nil {
		return nil, err
	}
	return conv, nil
}
