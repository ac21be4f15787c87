package status

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// maxCASAttempts bounds compare-and-swap retries when another process wins
// the race for the same row.
const maxCASAttempts = 16

// Store persists submission statuses in SQLite. Writers to the same key are
// serialized by a per-key mutex within a process and by the revision column
// across processes.
type Store struct {
	db    *sql.DB
	now   func() time.Time
	locks sync.Map // source_id -> *sync.Mutex
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Create inserts a new status. The first writer wins; later callers get ErrExists.
func (s *Store) Create(ctx context.Context, st *Status) error {
	if st == nil {
		return fmt.Errorf("status is nil")
	}
	if err := checkShape(st); err != nil {
		return err
	}

	row, err := encodeRow(st)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO submission_status(
  source_id, source_name, ver_major, ver_minor, code, messages, active, cancelled, hibernating,
  owner_id, acl, test, process_id, extensions, curation, revision, submitted_at, updated_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
ON CONFLICT(source_id) DO NOTHING;
`, st.SourceID, st.SourceName, st.Version.Major, st.Version.Minor, st.Code, row.messages,
		st.Active, st.Cancelled, st.Hibernating, st.OwnerID, row.acl, st.Test, nullable(st.ProcessID),
		row.extensions, row.curation, formatTime(st.SubmittedAt), formatTime(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrExists, st.SourceID)
	}
	st.revision = 1
	return nil
}

// Get reads one status.
func (s *Store) Get(ctx context.Context, sourceID string) (*Status, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE source_id = ?;`, sourceID)
	st, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("read status %s: %w", sourceID, err)
	}
	return st, nil
}

// ListByName returns every status sharing the logical source name, oldest version first.
func (s *Store) ListByName(ctx context.Context, sourceName string) ([]*Status, error) {
	return s.list(ctx, selectColumns+` WHERE source_name = ? ORDER BY ver_major, ver_minor;`, sourceName)
}

// ListActive returns every status still marked active.
func (s *Store) ListActive(ctx context.Context) ([]*Status, error) {
	return s.list(ctx, selectColumns+` WHERE active = 1 ORDER BY submitted_at;`)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Status, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	defer rows.Close()

	var out []*Status
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	return out, nil
}

// Update applies mutate to a fresh copy of the stored status and commits it
// if the transition keeps every invariant. A failing mutate or invariant
// aborts the whole call and leaves the stored row untouched.
func (s *Store) Update(ctx context.Context, sourceID string, mutate func(*Status) error) (*Status, error) {
	mu := s.lockFor(sourceID)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := s.Get(ctx, sourceID)
		if err != nil {
			return nil, err
		}

		next := cur.Clone()
		if err := mutate(next); err != nil {
			return nil, err
		}
		if err := checkTransition(cur, next); err != nil {
			return nil, err
		}
		next.UpdatedAt = s.now().UTC()

		ok, err := s.compareAndSwap(ctx, cur.revision, next)
		if err != nil {
			return nil, err
		}
		if ok {
			next.revision = cur.revision + 1
			return next, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("update status %s: too much write contention", sourceID)
}

func (s *Store) compareAndSwap(ctx context.Context, revision int64, st *Status) (bool, error) {
	row, err := encodeRow(st)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE submission_status
SET code = ?, messages = ?, active = ?, cancelled = ?, hibernating = ?, acl = ?, test = ?,
    process_id = ?, extensions = ?, curation = ?, revision = revision + 1, updated_at = ?
WHERE source_id = ? AND revision = ?;
`, st.Code, row.messages, st.Active, st.Cancelled, st.Hibernating, row.acl, st.Test,
		nullable(st.ProcessID), row.extensions, row.curation, formatTime(st.UpdatedAt),
		st.SourceID, revision)
	if err != nil {
		return false, fmt.Errorf("update status %s: %w", st.SourceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update status %s: %w", st.SourceID, err)
	}
	return n == 1, nil
}

func (s *Store) lockFor(sourceID string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(sourceID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

const selectColumns = `
SELECT source_id, source_name, ver_major, ver_minor, code, messages, active, cancelled, hibernating,
       owner_id, acl, test, process_id, extensions, curation, revision, submitted_at, updated_at
FROM submission_status`

type scanner interface {
	Scan(dest ...any) error
}

func scanStatus(sc scanner) (*Status, error) {
	var (
		st          Status
		messages    string
		acl         string
		extensions  string
		processID   sql.NullString
		curation    sql.NullString
		submittedAt string
		updatedAt   string
	)
	err := sc.Scan(
		&st.SourceID, &st.SourceName, &st.Version.Major, &st.Version.Minor, &st.Code, &messages,
		&st.Active, &st.Cancelled, &st.Hibernating, &st.OwnerID, &acl, &st.Test, &processID,
		&extensions, &curation, &st.revision, &submittedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(messages), &st.Messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	if err := json.Unmarshal([]byte(acl), &st.ACL); err != nil {
		return nil, fmt.Errorf("decode acl: %w", err)
	}
	if err := json.Unmarshal([]byte(extensions), &st.Extensions); err != nil {
		return nil, fmt.Errorf("decode extensions: %w", err)
	}
	if curation.Valid && curation.String != "" {
		var c Curation
		if err := json.Unmarshal([]byte(curation.String), &c); err != nil {
			return nil, fmt.Errorf("decode curation: %w", err)
		}
		st.Curation = &c
	}
	if processID.Valid {
		st.ProcessID = processID.String
	}
	st.ensureMessages()
	if t, err := time.Parse(time.RFC3339Nano, submittedAt); err == nil {
		st.SubmittedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		st.UpdatedAt = t
	}
	return &st, nil
}

type encodedRow struct {
	messages   string
	acl        string
	extensions string
	curation   any
}

func encodeRow(st *Status) (encodedRow, error) {
	var row encodedRow
	msgs, err := json.Marshal(st.Messages)
	if err != nil {
		return row, fmt.Errorf("encode messages: %w", err)
	}
	acl := st.ACL
	if acl == nil {
		acl = []string{}
	}
	aclJSON, err := json.Marshal(acl)
	if err != nil {
		return row, fmt.Errorf("encode acl: %w", err)
	}
	ext := st.Extensions
	if ext == nil {
		ext = []string{}
	}
	extJSON, err := json.Marshal(ext)
	if err != nil {
		return row, fmt.Errorf("encode extensions: %w", err)
	}
	row.messages, row.acl, row.extensions = string(msgs), string(aclJSON), string(extJSON)
	if st.Curation != nil {
		c, err := json.Marshal(st.Curation)
		if err != nil {
			return row, fmt.Errorf("encode curation: %w", err)
		}
		row.curation = string(c)
	}
	return row, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}
