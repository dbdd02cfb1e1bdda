package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/busybox42/fedqueue/internal/datasource"
)

// SQLStore keeps entries in a relational table. Timestamps are stored as
// unix nanoseconds so the due predicate is a plain integer range query in
// every dialect.
type SQLStore struct {
	db *datasource.DB
}

var _ Store = (*SQLStore)(nil)

const entryColumns = "id, contact_id, payload, is_batch, created_at, last_attempt_at"

// NewSQLStore prepares the schema on db.
func NewSQLStore(ctx context.Context, db *datasource.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := db.ExecAll(ctx, s.schema()); err != nil {
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) schema() []string {
	table := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS queue_entries (
  id              %s,
  contact_id      BIGINT NOT NULL,
  payload         %s NOT NULL,
  is_batch        SMALLINT NOT NULL DEFAULT 0,
  created_at      BIGINT NOT NULL,
  last_attempt_at BIGINT NOT NULL%s
)`, s.db.AutoIncrement(), s.db.BlobType(), s.inlineIndexes())

	if s.db.Dialect() == datasource.MySQL {
		return []string{table}
	}
	return []string{
		table,
		"CREATE INDEX IF NOT EXISTS idx_queue_contact_created ON queue_entries(contact_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_queue_last_attempt ON queue_entries(last_attempt_at)",
	}
}

// inlineIndexes covers MySQL, which has no CREATE INDEX IF NOT EXISTS.
func (s *SQLStore) inlineIndexes() string {
	if s.db.Dialect() != datasource.MySQL {
		return ""
	}
	return `,
  INDEX idx_queue_contact_created (contact_id, created_at),
  INDEX idx_queue_last_attempt (last_attempt_at)`
}

// Insert persists e and returns it with its assigned id
func (s *SQLStore) Insert(ctx context.Context, e Entry) (Entry, error) {
	args := []any{e.ContactID, e.Payload, boolToInt(e.IsBatch), toNanos(e.CreatedAt), toNanos(e.LastAttemptAt)}
	query := "INSERT INTO queue_entries (contact_id, payload, is_batch, created_at, last_attempt_at) VALUES (?, ?, ?, ?, ?)"

	if s.db.Dialect() == datasource.Postgres {
		if err := s.db.QueryRowContext(ctx, s.db.Rebind(query+" RETURNING id"), args...).Scan(&e.ID); err != nil {
			return Entry{}, fmt.Errorf("failed to insert queue entry: %w", err)
		}
		return e, nil
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to insert queue entry: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return Entry{}, fmt.Errorf("failed to read queue entry id: %w", err)
	}
	return e, nil
}

// Get returns an entry by id
func (s *SQLStore) Get(ctx context.Context, id int64) (Entry, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind("SELECT "+entryColumns+" FROM queue_entries WHERE id = ?"), id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return e, err
}

// ListDue runs the retry predicate as a range query
func (s *SQLStore) ListDue(ctx context.Context, cut Cutoffs) ([]Entry, error) {
	query := "SELECT " + entryColumns + " FROM queue_entries" +
		" WHERE (created_at > ? AND last_attempt_at <= ?) OR last_attempt_at <= ?" +
		" ORDER BY contact_id, created_at, id"
	return s.query(ctx, query,
		toNanos(cut.DenseCreatedAfter),
		toNanos(cut.DenseAttemptBefore),
		toNanos(cut.SparseAttemptBefore))
}

// ListExpired returns entries created before the cutoff
func (s *SQLStore) ListExpired(ctx context.Context, before time.Time) ([]Entry, error) {
	return s.query(ctx, "SELECT "+entryColumns+" FROM queue_entries WHERE created_at < ? ORDER BY id", toNanos(before))
}

// DeleteExpired removes entries created before the cutoff
func (s *SQLStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM queue_entries WHERE created_at < ?"), toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count expired entries: %w", err)
	}
	return int(n), nil
}

// Touch records an attempt time
func (s *SQLStore) Touch(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind("UPDATE queue_entries SET last_attempt_at = ? WHERE id = ?"), toNanos(at), id)
	if err != nil {
		return fmt.Errorf("failed to update queue entry %d: %w", id, err)
	}
	return requireRow(res, id)
}

// Delete removes an entry by id
func (s *SQLStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM queue_entries WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("failed to delete queue entry %d: %w", id, err)
	}
	return requireRow(res, id)
}

// List returns all entries ordered by id
func (s *SQLStore) List(ctx context.Context) ([]Entry, error) {
	return s.query(ctx, "SELECT "+entryColumns+" FROM queue_entries ORDER BY id")
}

// Close closes the underlying database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read queue entries: %w", err)
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e             Entry
		batch         int
		created, last int64
	)
	if err := row.Scan(&e.ID, &e.ContactID, &e.Payload, &batch, &created, &last); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("failed to scan queue entry: %w", err)
	}
	e.IsBatch = batch != 0
	e.CreatedAt = time.Unix(0, created).UTC()
	e.LastAttemptAt = time.Unix(0, last).UTC()
	return e, nil
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
