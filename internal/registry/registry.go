// Package registry maps work-item kinds to their handlers and per-kind
// processing settings. The table is built once at startup; an unmapped kind
// is a deployment mismatch and fails loudly.
package registry

import (
	"fmt"
	"sort"
	"time"

	"vaxflow/internal/domain"
)

// Entry binds one kind to its handler and processing settings.
type Entry struct {
	Kind    string
	Handler domain.Handler

	// MaxAttempts is the retry ceiling copied onto each item at enqueue.
	MaxAttempts int

	// Pace is the delay inserted between items in one batch, for kinds that
	// call rate-limited downstream systems. Zero means no pacing.
	Pace time.Duration

	// Freshness skips items older than the window at claim time. Zero means
	// no staleness filter.
	Freshness time.Duration

	// Timeout caps one handler execution so a stuck handler cannot block the
	// rest of the batch. Zero falls back to the runner's default.
	Timeout time.Duration
}

type Registry struct {
	entries map[string]Entry
}

func New(entries ...Entry) (*Registry, error) {
	r := &Registry{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if e.Kind == "" {
			return nil, fmt.Errorf("registry entry without kind")
		}
		if e.Handler == nil {
			return nil, fmt.Errorf("registry entry %q without handler", e.Kind)
		}
		if e.MaxAttempts < 1 {
			return nil, fmt.Errorf("registry entry %q: max attempts must be positive, got %d", e.Kind, e.MaxAttempts)
		}
		if _, dup := r.entries[e.Kind]; dup {
			return nil, fmt.Errorf("registry entry %q registered twice", e.Kind)
		}
		r.entries[e.Kind] = e
	}
	return r, nil
}

// Resolve returns the entry for kind, or domain.ErrUnknownKind.
func (r *Registry) Resolve(kind string) (Entry, error) {
	e, ok := r.entries[kind]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", domain.ErrUnknownKind, kind)
	}
	return e, nil
}

// Kinds lists all registered kinds in stable order.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.entries))
	for k := range r.entries {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
