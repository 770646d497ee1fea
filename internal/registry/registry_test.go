package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaxflow/internal/domain"
)

var noop = domain.HandlerFunc(func(ctx context.Context, subjectRef string) error { return nil })

func TestResolve(t *testing.T) {
	r, err := New(
		Entry{Kind: "certificate-revoke", Handler: noop, MaxAttempts: 3},
		Entry{Kind: "document-generate", Handler: noop, MaxAttempts: 2},
	)
	require.NoError(t, err)

	e, err := r.Resolve("certificate-revoke")
	require.NoError(t, err)
	assert.Equal(t, 3, e.MaxAttempts)

	_, err = r.Resolve("booster-recalc-measles")
	assert.ErrorIs(t, err, domain.ErrUnknownKind)
}

func TestNewRejectsBadEntries(t *testing.T) {
	_, err := New(Entry{Kind: "x", Handler: noop, MaxAttempts: 0})
	assert.Error(t, err)

	_, err = New(Entry{Kind: "x", MaxAttempts: 2})
	assert.Error(t, err)

	_, err = New(
		Entry{Kind: "x", Handler: noop, MaxAttempts: 2},
		Entry{Kind: "x", Handler: noop, MaxAttempts: 3},
	)
	assert.Error(t, err)
}

func TestKindsStableOrder(t *testing.T) {
	r, err := New(
		Entry{Kind: "b", Handler: noop, MaxAttempts: 1},
		Entry{Kind: "a", Handler: noop, MaxAttempts: 1},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, r.Kinds())
}
