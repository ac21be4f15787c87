package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeLayout is fixed width so timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const (
	DefaultVisibility   = 5 * time.Minute
	DefaultPollInterval = 250 * time.Millisecond
)

// Queue is a durable at-least-once work queue backed by SQLite. A received
// item stays invisible for the visibility timeout; if it is not acknowledged
// by then it is delivered again.
type Queue struct {
	db           *sql.DB
	visibility   time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

func New(db *sql.DB, visibility time.Duration) *Queue {
	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	return &Queue{db: db, visibility: visibility, pollInterval: DefaultPollInterval, now: time.Now}
}

// SetPollInterval changes how often Receive re-checks an empty queue.
func (q *Queue) SetPollInterval(d time.Duration) {
	if d > 0 {
		q.pollInterval = d
	}
}

// Enqueue appends an item and returns its id. An item whose dedup key matches
// one still in the queue is dropped with *DedupeDropError.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.Kind == "" {
		return "", fmt.Errorf("kind is empty")
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if req.DedupKey != "" {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT id FROM work_queue WHERE dedup_key = ? LIMIT 1;`, req.DedupKey).Scan(&existing)
		switch {
		case err == nil:
			return "", &DedupeDropError{DedupKey: req.DedupKey, ExistingID: existing}
		case !errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("check dedup key: %w", err)
		}
	}

	id := uuid.NewString()
	now := q.now().UTC().Format(timeLayout)
	var payload any
	if len(req.Payload) > 0 {
		payload = string(req.Payload)
	}
	var dedup any
	if req.DedupKey != "" {
		dedup = req.DedupKey
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO work_queue(id, kind, payload, dedup_key, receipt, receive_count, enqueued_at, visible_at)
VALUES(?, ?, ?, ?, NULL, 0, ?, ?);
`, id, req.Kind, payload, dedup, now, now); err != nil {
		return "", fmt.Errorf("enqueue work item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return id, nil
}

// Receive leases the oldest visible item, waiting up to wait for one to
// appear. It returns (nil, nil) when the wait elapses on an empty queue.
func (q *Queue) Receive(ctx context.Context, wait time.Duration) (*WorkItem, error) {
	deadline := time.Now().Add(wait)
	for {
		item, err := q.claim(ctx)
		if err != nil || item != nil {
			return item, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		sleep := q.pollInterval
		if sleep > remaining {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *Queue) claim(ctx context.Context) (*WorkItem, error) {
	now := q.now().UTC()
	receipt := uuid.NewString()

	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM work_queue
  WHERE visible_at <= ?
  ORDER BY enqueued_at ASC, rowid ASC
  LIMIT 1
)
UPDATE work_queue
SET receipt = ?, receive_count = receive_count + 1, visible_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING id, kind, payload, dedup_key, receipt, receive_count, enqueued_at, visible_at;
`, now.Format(timeLayout), receipt, now.Add(q.visibility).Format(timeLayout))

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receive work item: %w", err)
	}
	return item, nil
}

// Ack removes the leased item and records it in work_log.
func (q *Queue) Ack(ctx context.Context, receipt string) error {
	if receipt == "" {
		return fmt.Errorf("receipt is empty")
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id, kind, enqueuedAt string
		dedup                sql.NullString
		count                int
	)
	err = tx.QueryRowContext(ctx, `
SELECT id, kind, dedup_key, receive_count, enqueued_at FROM work_queue WHERE receipt = ?;
`, receipt).Scan(&id, &kind, &dedup, &count, &enqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrItemNotFound
	}
	if err != nil {
		return fmt.Errorf("load work item for ack: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM work_queue WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete work item: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO work_log(id, kind, dedup_key, receive_count, enqueued_at, acked_at)
VALUES(?, ?, ?, ?, ?, ?);
`, fmt.Sprintf("%s-%d", id, count), kind, dedup, count, enqueuedAt, q.now().UTC().Format(timeLayout)); err != nil {
		return fmt.Errorf("insert work_log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Release ends a lease early so the item becomes visible after delay.
func (q *Queue) Release(ctx context.Context, receipt string, delay time.Duration) error {
	res, err := q.db.ExecContext(ctx, `
UPDATE work_queue SET receipt = NULL, visible_at = ? WHERE receipt = ?;
`, q.now().UTC().Add(delay).Format(timeLayout), receipt)
	if err != nil {
		return fmt.Errorf("release work item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release work item: %w", err)
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Depth returns the number of unacknowledged items, leased or not.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM work_queue;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count work items: %w", err)
	}
	return n, nil
}

// Log returns acknowledged items, most recent first.
func (q *Queue) Log(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
SELECT id, kind, dedup_key, receive_count, enqueued_at, acked_at
FROM work_log ORDER BY acked_at DESC LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list work_log: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			e                   LogEntry
			dedup               sql.NullString
			enqueuedAt, ackedAt string
		)
		if err := rows.Scan(&e.ID, &e.Kind, &dedup, &e.ReceiveCount, &enqueuedAt, &ackedAt); err != nil {
			return nil, fmt.Errorf("scan work_log: %w", err)
		}
		e.DedupKey = dedup.String
		e.EnqueuedAt = parseTime(enqueuedAt)
		e.AckedAt = parseTime(ackedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanItem(row *sql.Row) (*WorkItem, error) {
	var (
		it                    WorkItem
		payload, dedup        sql.NullString
		receipt               sql.NullString
		enqueuedAt, visibleAt string
	)
	if err := row.Scan(&it.ID, &it.Kind, &payload, &dedup, &receipt, &it.ReceiveCount, &enqueuedAt, &visibleAt); err != nil {
		return nil, err
	}
	if payload.Valid {
		it.Payload = []byte(payload.String)
	}
	it.DedupKey = dedup.String
	it.Receipt = receipt.String
	it.EnqueuedAt = parseTime(enqueuedAt)
	it.VisibleAt = parseTime(visibleAt)
	return &it, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
