package domain

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusNew         Status = "new"
	StatusInProgress  Status = "in_progress"
	StatusSuccess     Status = "success"
	StatusFailedRetry Status = "failed_retry"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Claimable reports whether a batch pass may pick the item up.
func (s Status) Claimable() bool {
	return s == StatusNew || s == StatusFailedRetry
}

// WorkItem is one durable unit of deferred, retryable work. The core never
// interprets SubjectRef; it is handed through to the handler as-is.
type WorkItem struct {
	ID           string
	Kind         string
	SubjectRef   string
	Status       Status
	AttemptCount int
	MaxAttempts  int
	LastError    *string
	Priority     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Draft is what producers supply at enqueue time. MaxAttempts is filled in
// from the kind's registry entry, not by the producer.
type Draft struct {
	Kind       string
	SubjectRef string
	Priority   int
}

// Outcome of executing one item's handler. Err is set for failures only.
type Outcome struct {
	Failed    bool
	Permanent bool
	Err       error
}

func Succeeded() Outcome { return Outcome{} }

func RetryableFailure(err error) Outcome { return Outcome{Failed: true, Err: err} }

func PermanentFailure(err error) Outcome { return Outcome{Failed: true, Permanent: true, Err: err} }

// Handler executes one kind of work. Implementations must be safe to
// re-invoke for the same subject after a prior failure.
type Handler interface {
	Execute(ctx context.Context, subjectRef string) error
}

type HandlerFunc func(ctx context.Context, subjectRef string) error

func (f HandlerFunc) Execute(ctx context.Context, subjectRef string) error { return f(ctx, subjectRef) }

var (
	// ErrUnknownKind means no handler is registered for a kind. This is a
	// deployment mismatch, never a per-item condition.
	ErrUnknownKind = errors.New("no handler registered for kind")

	// ErrAlreadyTerminal is returned when an outcome is recorded against an
	// item already in success or failed. It signals a claim-discipline bug.
	ErrAlreadyTerminal = errors.New("work item is already terminal")

	// ErrNotFound is returned for lookups of unknown item ids.
	ErrNotFound = errors.New("work item not found")

	// ErrPermanent marks a handler failure that retrying cannot fix. Handlers
	// wrap their error with it to skip the remaining retry budget.
	ErrPermanent = errors.New("permanent failure")
)
