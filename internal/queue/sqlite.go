package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"vaxflow/internal/domain"
	"vaxflow/internal/retry"
)

// maxErrorLen bounds last_error so a chatty downstream cannot bloat the table.
const maxErrorLen = 1000

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS work_items (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  subject_ref TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('new','in_progress','success','failed_retry','failed')) DEFAULT 'new',
  attempt_count INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL,
  last_error TEXT,
  priority INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_work_items_claim ON work_items(status, kind, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_work_items_subject ON work_items(kind, subject_ref, status);
`
	_, err := db.Exec(schema)
	return err
}

// Store is the durable side of the queue. ClaimBatch and RecordOutcome are
// the only mutation paths during processing; both are transactional.
type Store interface {
	// Enqueue inserts a new item with status new and zero attempts.
	// maxAttempts comes from the kind's registry entry, supplied by the caller.
	Enqueue(ctx context.Context, d domain.Draft, maxAttempts int) (string, error)

	// CountNonTerminal reports how many items for (kind, subjectRef) have not
	// yet reached success or failed. Producers use it for dedupe decisions.
	CountNonTerminal(ctx context.Context, kind, subjectRef string) (int, error)

	// ClaimBatch atomically selects up to limit claimable items and flips them
	// to in_progress. kind "" claims across all kinds. A freshness window > 0
	// skips items created before now-freshness. Order is priority descending,
	// then oldest first. An empty eligible set yields an empty slice, not an
	// error.
	ClaimBatch(ctx context.Context, kind string, limit int, freshness time.Duration) ([]domain.WorkItem, error)

	// RecordOutcome applies the retry policy to one claimed item and persists
	// the resulting status, attempt count and last error. Recording against a
	// terminal item returns domain.ErrAlreadyTerminal.
	RecordOutcome(ctx context.Context, id string, outcome domain.Outcome) error

	// Release returns claimed items to the claimable pool without touching
	// their attempt count. Used when a pass aborts mid-batch.
	Release(ctx context.Context, ids []string) error

	// RecoverStale releases items stuck in_progress longer than olderThan,
	// e.g. after a crash mid-pass.
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)

	// PurgeSucceededBefore deletes success items last touched before cutoff.
	// Never touches non-terminal items.
	PurgeSucceededBefore(ctx context.Context, cutoff time.Time) (int, error)

	Get(ctx context.Context, id string) (domain.WorkItem, error)
	ListRecent(ctx context.Context, limit int) ([]domain.WorkItem, error)
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

func (s *sqliteStore) Enqueue(ctx context.Context, d domain.Draft, maxAttempts int) (string, error) {
	if d.Kind == "" {
		return "", errors.New("kind is required")
	}
	if d.SubjectRef == "" {
		return "", errors.New("subject_ref is required")
	}
	if maxAttempts < 1 {
		return "", fmt.Errorf("max attempts must be positive, got %d", maxAttempts)
	}
	id := "wk_" + uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO work_items (id,kind,subject_ref,status,attempt_count,max_attempts,priority,created_at,updated_at)
VALUES (?,?,?,'new',0,?,?,?,?)
`, id, d.Kind, d.SubjectRef, maxAttempts, d.Priority, now, now)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *sqliteStore) CountNonTerminal(ctx context.Context, kind, subjectRef string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM work_items
WHERE kind=? AND subject_ref=? AND status IN ('new','in_progress','failed_retry')`, kind, subjectRef).Scan(&n)
	return n, err
}

func (s *sqliteStore) ClaimBatch(ctx context.Context, kind string, limit int, freshness time.Duration) ([]domain.WorkItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	q := `
SELECT id,kind,subject_ref,status,attempt_count,max_attempts,last_error,priority,created_at,updated_at
FROM work_items
WHERE status IN ('new','failed_retry')`
	args := []any{}
	if kind != "" {
		q += " AND kind=?"
		args = append(args, kind)
	}
	if freshness > 0 {
		q += " AND created_at >= ?"
		args = append(args, time.Now().UTC().Add(-freshness))
	}
	q += " ORDER BY priority DESC, created_at ASC LIMIT ?"
	args = append(args, limit)

	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now().UTC()
	for i := range items {
		if _, err := tx.ExecContext(ctx,
			`UPDATE work_items SET status='in_progress', updated_at=? WHERE id=?`,
			now, items[i].ID); err != nil {
			return nil, err
		}
		items[i].Status = domain.StatusInProgress
		items[i].UpdatedAt = now
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *sqliteStore) RecordOutcome(ctx context.Context, id string, outcome domain.Outcome) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status domain.Status
	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx,
		`SELECT status, attempt_count, max_attempts FROM work_items WHERE id=?`, id).
		Scan(&status, &attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return fmt.Errorf("record outcome for %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if status.Terminal() {
		return fmt.Errorf("record outcome for %s in status %s: %w", id, status, domain.ErrAlreadyTerminal)
	}

	d := retry.Decide(attempts, maxAttempts, outcome.Failed)
	if outcome.Failed && outcome.Permanent {
		d = retry.Decision{Status: domain.StatusFailed, AttemptCount: attempts + 1}
	}

	if outcome.Failed {
		_, err = tx.ExecContext(ctx, `
UPDATE work_items SET status=?, attempt_count=?, last_error=?, updated_at=? WHERE id=?`,
			d.Status, d.AttemptCount, truncateError(outcome.Err), time.Now().UTC(), id)
	} else {
		_, err = tx.ExecContext(ctx, `
UPDATE work_items SET status=?, attempt_count=?, updated_at=? WHERE id=?`,
			d.Status, d.AttemptCount, time.Now().UTC(), id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Release(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, time.Now().UTC())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE work_items SET status='new', updated_at=?
WHERE status='in_progress' AND id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	return err
}

func (s *sqliteStore) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE work_items SET status='new', updated_at=?
WHERE status='in_progress' AND updated_at < ?`,
		time.Now().UTC(), time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) PurgeSucceededBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM work_items WHERE status='success' AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (domain.WorkItem, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,kind,subject_ref,status,attempt_count,max_attempts,last_error,priority,created_at,updated_at
FROM work_items WHERE id=?`, id)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return domain.WorkItem{}, domain.ErrNotFound
	}
	return it, err
}

func (s *sqliteStore) ListRecent(ctx context.Context, limit int) ([]domain.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,kind,subject_ref,status,attempt_count,max_attempts,last_error,priority,created_at,updated_at
FROM work_items ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanItems(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.WorkItem, error) {
	var it domain.WorkItem
	var lastErr sql.NullString
	err := row.Scan(&it.ID, &it.Kind, &it.SubjectRef, &it.Status, &it.AttemptCount,
		&it.MaxAttempts, &lastErr, &it.Priority, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if lastErr.Valid {
		s := lastErr.String
		it.LastError = &s
	}
	return it, nil
}

func scanItems(rows *sql.Rows) ([]domain.WorkItem, error) {
	defer rows.Close()
	var items []domain.WorkItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return msg
}
