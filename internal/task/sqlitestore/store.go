// Package sqlitestore persists task descriptors in an embedded SQLite
// database.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bamsammich/drivefs/internal/fserr"
	"github.com/bamsammich/drivefs/internal/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	type             TEXT NOT NULL,
	owner            TEXT NOT NULL,
	status           TEXT NOT NULL,
	payload          BLOB NOT NULL,
	items_done       INTEGER NOT NULL DEFAULT 0,
	bytes_done       INTEGER NOT NULL DEFAULT 0,
	items_total      INTEGER NOT NULL DEFAULT -1,
	error_kind       TEXT NOT NULL DEFAULT '',
	error_message    TEXT NOT NULL DEFAULT '',
	lease_owner      TEXT NOT NULL DEFAULT '',
	lease_token      TEXT NOT NULL DEFAULT '',
	lease_expiry     INTEGER NOT NULL DEFAULT 0,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	attempts         INTEGER NOT NULL DEFAULT 0,
	acked            INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_claim ON tasks (status, updated_at);
CREATE INDEX IF NOT EXISTS tasks_owner ON tasks (owner, created_at);
`

const columns = `id, type, owner, status, payload, items_done, bytes_done, items_total,
	error_kind, error_message, lease_owner, lease_token, lease_expiry,
	cancel_requested, attempts, acked, created_at, updated_at`

// Store is a task.Store on SQLite.
type Store struct {
	db   *sql.DB
	path string
}

var _ task.Store = (*Store)(nil)

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create task store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	// One writer keeps claim transactions serialized inside the process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func errorKindText(d task.Descriptor) string {
	if d.Status != task.Failed {
		return ""
	}
	return d.ErrorKind.String()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDescriptor(row scanner) (task.Descriptor, error) {
	var (
		d                      task.Descriptor
		status, kind           string
		leaseExpiry            int64
		created, updated       int64
		cancelRequested, acked int
	)
	err := row.Scan(
		&d.ID, &d.Type, &d.Owner, &status, &d.Payload,
		&d.Progress.ItemsDone, &d.Progress.BytesDone, &d.Progress.ItemsTotal,
		&kind, &d.ErrorMessage, &d.Lease.Owner, &d.Lease.Token, &leaseExpiry,
		&cancelRequested, &d.Attempts, &acked, &created, &updated,
	)
	if err != nil {
		return task.Descriptor{}, err
	}
	d.Status = task.Status(status)
	if kind != "" {
		d.ErrorKind = fserr.ParseKind(kind)
	}
	d.Lease.Expiry = fromNanos(leaseExpiry)
	d.CancelRequested = cancelRequested != 0
	d.Acked = acked != 0
	d.CreatedAt = fromNanos(created)
	d.UpdatedAt = fromNanos(updated)
	return d, nil
}

// Create inserts a new descriptor.
func (s *Store) Create(ctx context.Context, d task.Descriptor) error {
	if !d.Status.Valid() {
		return fmt.Errorf("create task %s: %w: status %q", d.ID, task.ErrInvalidTransition, d.Status)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tasks (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Type, d.Owner, d.Status, d.Payload,
		d.Progress.ItemsDone, d.Progress.BytesDone, d.Progress.ItemsTotal,
		errorKindText(d), d.ErrorMessage, d.Lease.Owner, d.Lease.Token, nanos(d.Lease.Expiry),
		boolInt(d.CancelRequested), d.Attempts, boolInt(d.Acked), nanos(d.CreatedAt), nanos(d.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", d.ID, err)
	}
	return nil
}

// Get returns one descriptor.
func (s *Store) Get(ctx context.Context, id task.ID) (task.Descriptor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM tasks WHERE id = ?`, id)
	d, err := scanDescriptor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Descriptor{}, fmt.Errorf("get task %s: %w", id, task.ErrNotFound)
	}
	if err != nil {
		return task.Descriptor{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return d, nil
}

// List returns descriptors matching f, oldest first.
func (s *Store) List(ctx context.Context, f task.Filter) ([]task.Descriptor, error) {
	var (
		where []string
		args  []any
	)
	if f.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, f.Owner)
	}
	if len(f.Status) > 0 {
		marks := make([]string, len(f.Status))
		for i, st := range f.Status {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	q := `SELECT ` + columns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []task.Descriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Claim leases the eligible task that has waited longest.
func (s *Store) Claim(ctx context.Context, worker, token string, now time.Time, ttl time.Duration) (*task.Claim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var (
		id     task.ID
		status string
	)
	err = tx.QueryRowContext(ctx, `SELECT id, status FROM tasks
		WHERE status IN ('PENDING', 'PAUSED') OR (status = 'RUNNING' AND lease_expiry <= ?)
		ORDER BY updated_at, id LIMIT 1`, nanos(now)).Scan(&id, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: select: %w", err)
	}

	row := tx.QueryRowContext(ctx, `UPDATE tasks
		SET status = 'RUNNING', lease_owner = ?, lease_token = ?, lease_expiry = ?, updated_at = ?
		WHERE id = ? AND status = ?
		RETURNING `+columns,
		worker, token, nanos(now.Add(ttl)), nanos(now), id, status)
	d, err := scanDescriptor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim %s: commit: %w", id, err)
	}
	return &task.Claim{Descriptor: d, Recovering: status == string(task.Running)}, nil
}

// Renew extends a held lease.
func (s *Store) Renew(ctx context.Context, id task.ID, token string, expiry time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET lease_expiry = ?
		WHERE id = ? AND lease_token = ? AND status = 'RUNNING'`,
		nanos(expiry), id, token)
	if err != nil {
		return fmt.Errorf("renew %s: %w", id, err)
	}
	return leaseChecked(res, id)
}

func leaseChecked(res sql.Result, id task.ID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, task.ErrLeaseLost)
	}
	return nil
}

// Commit records a step outcome if token still holds the lease.
func (s *Store) Commit(ctx context.Context, id task.ID, token string, u task.Update, now time.Time) error {
	if !task.CanTransition(task.Running, u.Status) {
		return fmt.Errorf("commit %s: %w: RUNNING -> %s", id, task.ErrInvalidTransition, u.Status)
	}
	kind := ""
	if u.Status == task.Failed {
		kind = u.ErrorKind.String()
	}

	set := `status = ?, items_done = ?, bytes_done = ?, items_total = ?,
		error_kind = ?, error_message = ?, attempts = ?, updated_at = ?`
	args := []any{u.Status, u.Progress.ItemsDone, u.Progress.BytesDone, u.Progress.ItemsTotal,
		kind, u.ErrorMessage, u.Attempts, nanos(now)}
	if u.Payload != nil {
		set += ", payload = ?"
		args = append(args, u.Payload)
	}
	if u.Status != task.Running {
		set += ", lease_owner = '', lease_token = '', lease_expiry = 0"
	}
	args = append(args, id, token)

	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET `+set+`
		WHERE id = ? AND lease_token = ? AND status = 'RUNNING'`, args...)
	if err != nil {
		return fmt.Errorf("commit %s: %w", id, err)
	}
	return leaseChecked(res, id)
}

// RequestCancel flags a task for cooperative cancellation.
func (s *Store) RequestCancel(ctx context.Context, id task.ID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET cancel_requested = 1
		WHERE id = ? AND status NOT IN ('FAILED', 'COMPLETE')`, id)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	return s.checkTerminal(ctx, res, id, "cancel")
}

// Ack marks a terminal task as acknowledged so Purge may remove it.
func (s *Store) Ack(ctx context.Context, id task.ID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET acked = 1
		WHERE id = ? AND status IN ('FAILED', 'COMPLETE')`, id)
	if err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("ack %s: %w: task is not terminal", id, task.ErrInvalidTransition)
}

func (s *Store) checkTerminal(ctx context.Context, res sql.Result, id task.ID, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%s %s: %w: task is terminal", op, id, task.ErrInvalidTransition)
}

// Purge deletes acknowledged terminal tasks last updated before cutoff.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks
		WHERE acked = 1 AND status IN ('FAILED', 'COMPLETE') AND updated_at < ?`, nanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return res.RowsAffected()
}
