// Package runner drives one batch pass over the work queue: claim a bounded
// set of items, execute each through its registered handler, and record the
// outcome. A pass is synchronous and single-threaded; concurrency comes from
// running independent kind partitions in separate passes.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"vaxflow/internal/domain"
	"vaxflow/internal/queue"
	"vaxflow/internal/registry"
)

// DefaultTimeout caps a single handler execution when the kind's registry
// entry does not set its own.
const DefaultTimeout = 2 * time.Minute

// Summary reports one pass. Succeeded counts items that reached terminal
// success in this pass, not items attempted.
type Summary struct {
	Attempted int
	Succeeded int
	Failed    int
	Elapsed   time.Duration
}

type Runner struct {
	store          queue.Store
	reg            *registry.Registry
	defaultTimeout time.Duration
	log            zerolog.Logger
}

func New(store queue.Store, reg *registry.Registry, defaultTimeout time.Duration, log zerolog.Logger) *Runner {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Runner{store: store, reg: reg, defaultTimeout: defaultTimeout, log: log}
}

// RunOnce claims up to batchSize items and processes them in claim order.
// kind "" processes across all kinds. A handler failure is local to its item;
// only registry misses and storage failures abort the pass, releasing any
// still-claimed items so the next pass can retry them.
func (r *Runner) RunOnce(ctx context.Context, kind string, batchSize int) (Summary, error) {
	start := time.Now()
	var sum Summary

	var entry registry.Entry
	var freshness time.Duration
	if kind != "" {
		// Resolve before claiming so an unknown kind fails fast without
		// flipping any item to in_progress.
		var err error
		entry, err = r.reg.Resolve(kind)
		if err != nil {
			return sum, err
		}
		freshness = entry.Freshness
	}

	items, err := r.store.ClaimBatch(ctx, kind, batchSize, freshness)
	if err != nil {
		return sum, fmt.Errorf("claim batch: %w", err)
	}
	if len(items) == 0 {
		sum.Elapsed = time.Since(start)
		return sum, nil
	}

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			r.releaseFrom(items, i)
			sum.Elapsed = time.Since(start)
			return sum, err
		}

		e := entry
		if kind == "" {
			e, err = r.reg.Resolve(item.Kind)
			if err != nil {
				r.releaseFrom(items, i)
				sum.Elapsed = time.Since(start)
				return sum, err
			}
		}

		// Staleness is a property of the kind, not of the pass. A kind-filtered
		// claim already excludes stale items; an any-kind claim cannot, so they
		// are put back untouched here.
		if e.Freshness > 0 && time.Since(item.CreatedAt) > e.Freshness {
			if err := r.store.Release(ctx, []string{item.ID}); err != nil {
				r.releaseFrom(items, i+1)
				sum.Elapsed = time.Since(start)
				return sum, fmt.Errorf("release stale item %s: %w", item.ID, err)
			}
			r.log.Debug().Str("id", item.ID).Str("kind", item.Kind).Msg("skipping stale work item")
			continue
		}

		sum.Attempted++
		outcome := r.executeOne(ctx, e, item)

		if err := r.store.RecordOutcome(ctx, item.ID, outcome); err != nil {
			r.releaseFrom(items, i)
			sum.Elapsed = time.Since(start)
			return sum, fmt.Errorf("record outcome for %s: %w", item.ID, err)
		}

		if outcome.Failed {
			sum.Failed++
			r.log.Warn().
				Str("id", item.ID).
				Str("kind", item.Kind).
				Int("attempt", item.AttemptCount+1).
				Int("max_attempts", item.MaxAttempts).
				Err(outcome.Err).
				Msg("work item failed")
		} else {
			sum.Succeeded++
		}

		if e.Pace > 0 && i < len(items)-1 {
			select {
			case <-ctx.Done():
			case <-time.After(e.Pace):
			}
		}
	}

	sum.Elapsed = time.Since(start)
	rate := float64(sum.Attempted) / max(sum.Elapsed.Seconds(), 0.001)
	r.log.Info().
		Str("kind", kind).
		Int("attempted", sum.Attempted).
		Int("succeeded", sum.Succeeded).
		Int("failed", sum.Failed).
		Dur("elapsed", sum.Elapsed).
		Float64("items_per_sec", rate).
		Msg("batch pass finished")
	return sum, nil
}

// executeOne runs a single handler under its timeout, converting errors and
// panics into outcomes so one bad item never aborts the batch.
func (r *Runner) executeOne(ctx context.Context, e registry.Entry, item domain.WorkItem) (out domain.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			out = domain.RetryableFailure(fmt.Errorf("panic in handler: %v", rec))
		}
	}()

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := e.Handler.Execute(execCtx, item.SubjectRef); err != nil {
		if errors.Is(err, domain.ErrPermanent) {
			return domain.PermanentFailure(err)
		}
		return domain.RetryableFailure(err)
	}
	return domain.Succeeded()
}

// releaseFrom returns the unprocessed tail of the batch, items[i:], to the
// claimable pool. Uses a fresh context so release still happens when the
// pass context is the thing that failed.
func (r *Runner) releaseFrom(items []domain.WorkItem, i int) {
	ids := make([]string, 0, len(items)-i)
	for _, it := range items[i:] {
		ids = append(ids, it.ID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.Release(ctx, ids); err != nil {
		r.log.Error().Err(err).Strs("ids", ids).Msg("failed to release claimed items")
	}
}
