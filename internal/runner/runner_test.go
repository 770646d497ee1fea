package runner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"vaxflow/internal/domain"
	"vaxflow/internal/queue"
	"vaxflow/internal/registry"
)

func newTestStore(t *testing.T) queue.Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	return queue.NewSQLiteStore(db)
}

func newRunner(t *testing.T, store queue.Store, entries ...registry.Entry) *Runner {
	t.Helper()
	reg, err := registry.New(entries...)
	require.NoError(t, err)
	return New(store, reg, time.Second, zerolog.Nop())
}

// recorder counts executions per subject and fails the first n of them.
type recorder struct {
	mu       sync.Mutex
	failures int
	calls    []string
}

func (r *recorder) Execute(ctx context.Context, subjectRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, subjectRef)
	if r.failures > 0 {
		r.failures--
		return errors.New("transient downstream error")
	}
	return nil
}

func enqueue(t *testing.T, s queue.Store, kind, subject string, priority, maxAttempts int) string {
	t.Helper()
	id, err := s.Enqueue(context.Background(), domain.Draft{
		Kind: kind, SubjectRef: subject, Priority: priority,
	}, maxAttempts)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	return id
}

func TestRunOnceRetryUntilTerminalFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	h := &recorder{failures: 10}
	r := newRunner(t, store, registry.Entry{Kind: "booster-recalc-covid", Handler: h, MaxAttempts: 2})

	id := enqueue(t, store, "booster-recalc-covid", "reg-1", 0, 2)

	sum, err := r.RunOnce(ctx, "booster-recalc-covid", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Attempted)
	assert.Equal(t, 0, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)

	it, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailedRetry, it.Status)
	assert.Equal(t, 1, it.AttemptCount)

	sum, err = r.RunOnce(ctx, "booster-recalc-covid", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Attempted)

	it, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, it.Status)
	assert.Equal(t, 2, it.AttemptCount)

	// Terminal items are not reclaimed.
	sum, err = r.RunOnce(ctx, "booster-recalc-covid", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Attempted)
	assert.Len(t, h.calls, 2)
}

func TestRunOnceEventualSuccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	h := &recorder{failures: 1}
	r := newRunner(t, store, registry.Entry{Kind: "certificate-revoke", Handler: h, MaxAttempts: 3})

	id := enqueue(t, store, "certificate-revoke", "cert-1", 0, 3)

	_, err := r.RunOnce(ctx, "certificate-revoke", 10)
	require.NoError(t, err)
	sum, err := r.RunOnce(ctx, "certificate-revoke", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)

	it, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, it.Status)
	assert.Equal(t, 1, it.AttemptCount)
	require.NotNil(t, it.LastError)
}

func TestRunOnceUnknownKindFailsFast(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r := newRunner(t, store, registry.Entry{Kind: "certificate-revoke", Handler: &recorder{}, MaxAttempts: 3})

	id := enqueue(t, store, "certificate-revoke", "cert-1", 0, 3)

	sum, err := r.RunOnce(ctx, "booster-recalc-measles", 10)
	assert.ErrorIs(t, err, domain.ErrUnknownKind)
	assert.Equal(t, 0, sum.Attempted)

	// Nothing was claimed or mutated.
	it, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNew, it.Status)
	assert.Equal(t, 0, it.AttemptCount)
}

func TestRunOncePanicIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	panicky := domain.HandlerFunc(func(ctx context.Context, subjectRef string) error {
		if subjectRef == "odi-bad" {
			panic("template engine exploded")
		}
		return nil
	})
	r := newRunner(t, store, registry.Entry{Kind: "document-generate", Handler: panicky, MaxAttempts: 2})

	bad := enqueue(t, store, "document-generate", "odi-bad", 0, 2)
	good := enqueue(t, store, "document-generate", "odi-good", 0, 2)

	sum, err := r.RunOnce(ctx, "document-generate", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Attempted)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)

	it, err := store.Get(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailedRetry, it.Status)
	require.NotNil(t, it.LastError)
	assert.Contains(t, *it.LastError, "panic in handler")

	it, err = store.Get(ctx, good)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, it.Status)
}

func TestRunOncePriorityFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	h := &recorder{}
	r := newRunner(t, store, registry.Entry{Kind: "certificate-revoke", Handler: h, MaxAttempts: 3})

	enqueue(t, store, "certificate-revoke", "cert-routine", 0, 3)
	enqueue(t, store, "certificate-revoke", "cert-disenrolled", 1, 3)

	_, err := r.RunOnce(ctx, "certificate-revoke", 1)
	require.NoError(t, err)
	require.Len(t, h.calls, 1)
	assert.Equal(t, "cert-disenrolled", h.calls[0])
}

func TestRunOncePermanentFailureSkipsRetryBudget(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	h := domain.HandlerFunc(func(ctx context.Context, subjectRef string) error {
		return fmt.Errorf("certificate unknown to authority: %w", domain.ErrPermanent)
	})
	r := newRunner(t, store, registry.Entry{Kind: "certificate-revoke", Handler: h, MaxAttempts: 3})

	id := enqueue(t, store, "certificate-revoke", "cert-1", 0, 3)

	_, err := r.RunOnce(ctx, "certificate-revoke", 10)
	require.NoError(t, err)

	it, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, it.Status)
	assert.Equal(t, 1, it.AttemptCount)
}

func TestRunOnceHandlerTimeout(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stuck := domain.HandlerFunc(func(ctx context.Context, subjectRef string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	r := newRunner(t, store, registry.Entry{
		Kind: "mass-operation:deactivate", Handler: stuck, MaxAttempts: 2,
		Timeout: 20 * time.Millisecond,
	})

	id := enqueue(t, store, "mass-operation:deactivate", "user-1", 0, 2)

	start := time.Now()
	sum, err := r.RunOnce(ctx, "mass-operation:deactivate", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Less(t, time.Since(start), 5*time.Second)

	it, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailedRetry, it.Status)
}

func TestRunOnceFreshnessWindowSkipsStale(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	h := &recorder{}
	r := newRunner(t, store, registry.Entry{
		Kind: "document-generate", Handler: h, MaxAttempts: 2,
		Freshness: 40 * time.Millisecond,
	})

	enqueue(t, store, "document-generate", "odi-stale", 0, 2)
	time.Sleep(50 * time.Millisecond)
	enqueue(t, store, "document-generate", "odi-fresh", 0, 2)

	sum, err := r.RunOnce(ctx, "document-generate", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Attempted)
	require.Len(t, h.calls, 1)
	assert.Equal(t, "odi-fresh", h.calls[0])
}

func TestRunOnceAnyKindHonorsFreshness(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	hd, hc := &recorder{}, &recorder{}
	r := newRunner(t, store,
		registry.Entry{
			Kind: "document-generate", Handler: hd, MaxAttempts: 2,
			Freshness: 40 * time.Millisecond,
		},
		registry.Entry{Kind: "certificate-revoke", Handler: hc, MaxAttempts: 3},
	)

	stale := enqueue(t, store, "document-generate", "odi-stale", 0, 2)
	time.Sleep(50 * time.Millisecond)
	enqueue(t, store, "document-generate", "odi-fresh", 0, 2)
	enqueue(t, store, "certificate-revoke", "cert-1", 0, 3)

	sum, err := r.RunOnce(ctx, "", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Attempted)
	assert.Equal(t, 2, sum.Succeeded)
	require.Len(t, hd.calls, 1)
	assert.Equal(t, "odi-fresh", hd.calls[0])
	require.Len(t, hc.calls, 1)

	// The stale item went back untouched, not executed and not failed.
	it, err := store.Get(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNew, it.Status)
	assert.Equal(t, 0, it.AttemptCount)
}

func TestRunOnceAcrossAllKinds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ha, hb := &recorder{}, &recorder{}
	r := newRunner(t, store,
		registry.Entry{Kind: "certificate-revoke", Handler: ha, MaxAttempts: 3},
		registry.Entry{Kind: "document-generate", Handler: hb, MaxAttempts: 2},
	)

	enqueue(t, store, "certificate-revoke", "cert-1", 0, 3)
	enqueue(t, store, "document-generate", "odi-1", 0, 2)

	sum, err := r.RunOnce(ctx, "", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Attempted)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Len(t, ha.calls, 1)
	assert.Len(t, hb.calls, 1)
}

// failingOutcomeStore simulates a storage fault on the first RecordOutcome.
type failingOutcomeStore struct {
	queue.Store
	failures int
}

func (f *failingOutcomeStore) RecordOutcome(ctx context.Context, id string, outcome domain.Outcome) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("disk full")
	}
	return f.Store.RecordOutcome(ctx, id, outcome)
}

func TestRunOnceStorageErrorReleasesBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	wrapped := &failingOutcomeStore{Store: store, failures: 1}
	h := &recorder{}
	reg, err := registry.New(registry.Entry{Kind: "certificate-revoke", Handler: h, MaxAttempts: 3})
	require.NoError(t, err)
	r := New(wrapped, reg, time.Second, zerolog.Nop())

	a := enqueue(t, store, "certificate-revoke", "cert-1", 0, 3)
	b := enqueue(t, store, "certificate-revoke", "cert-2", 0, 3)

	_, err = r.RunOnce(ctx, "certificate-revoke", 10)
	require.Error(t, err)

	// Both the failing item and the unprocessed tail are claimable again.
	for _, id := range []string{a, b} {
		it, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusNew, it.Status, id)
		assert.Equal(t, 0, it.AttemptCount, id)
	}
}

func TestRunOncePacingBetweenItems(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	h := &recorder{}
	r := newRunner(t, store, registry.Entry{
		Kind: "mass-operation:deactivate", Handler: h, MaxAttempts: 2,
		Pace: 30 * time.Millisecond,
	})

	enqueue(t, store, "mass-operation:deactivate", "user-1", 0, 2)
	enqueue(t, store, "mass-operation:deactivate", "user-2", 0, 2)
	enqueue(t, store, "mass-operation:deactivate", "user-3", 0, 2)

	sum, err := r.RunOnce(ctx, "mass-operation:deactivate", 10)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Succeeded)
	// Two gaps between three items.
	assert.GreaterOrEqual(t, sum.Elapsed, 60*time.Millisecond)
}
