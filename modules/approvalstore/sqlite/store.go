// Package sqlite persists parked approvals in SQLite so pending requests
// survive a host restart. It uses modernc.org/sqlite (pure Go, no CGO).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flemzord/codeclaw/internal/approval"
)

var _ approval.Store = (*Store)(nil)

// Store implements approval.Store.
type Store struct {
	db *sql.DB
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const selectColumns = `call_id, tool_path, input, preview, status, created_at, expires_at, resolved_at`

// Put implements approval.Store.
func (s *Store) Put(ctx context.Context, rec approval.Record) error {
	preview, err := json.Marshal(rec.Preview)
	if err != nil {
		return fmt.Errorf("sqlite: encode preview: %w", err)
	}
	var input sql.NullString
	if len(rec.Input) > 0 {
		input = sql.NullString{String: string(rec.Input), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO approvals (`+selectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.ToolPath, input, string(preview), string(rec.Status),
		nanos(rec.CreatedAt), nanos(rec.ExpiresAt), nanos(rec.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return approval.ErrDuplicate
	}
	return nil
}

// Get implements approval.Store.
func (s *Store) Get(ctx context.Context, callID string) (approval.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM approvals WHERE call_id = ?`, callID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return approval.Record{}, approval.ErrNotFound
	}
	return rec, err
}

// Transition implements approval.Store.
func (s *Store) Transition(ctx context.Context, callID string, from, to approval.Status, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, resolved_at = ? WHERE call_id = ? AND status = ?`,
		string(to), nanos(at), callID, string(from),
	)
	if err != nil {
		return fmt.Errorf("sqlite: transition approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM approvals WHERE call_id = ?`, callID).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return approval.ErrNotFound
	case err != nil:
		return fmt.Errorf("sqlite: transition approval: %w", err)
	}
	return approval.ErrConflict
}

// List implements approval.Store.
func (s *Store) List(ctx context.Context, status approval.Status) ([]approval.Record, error) {
	query := `SELECT ` + selectColumns + ` FROM approvals`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, call_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []approval.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list approvals: %w", err)
	}
	return out, nil
}

// ExpireBefore implements approval.Store.
func (s *Store) ExpireBefore(ctx context.Context, t time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT call_id FROM approvals WHERE status = ? AND expires_at <= ? ORDER BY call_id`,
		string(approval.StatusPending), nanos(t),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: select expired: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("sqlite: scan expired: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: select expired: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE approvals SET status = ?, resolved_at = ? WHERE status = ? AND expires_at <= ?`,
		string(approval.StatusMissing), nanos(t), string(approval.StatusPending), nanos(t),
	); err != nil {
		return nil, fmt.Errorf("sqlite: expire approvals: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit: %w", err)
	}
	return ids, nil
}

// Prune implements approval.Store.
func (s *Store) Prune(ctx context.Context, t time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM approvals WHERE status != ? AND resolved_at != 0 AND resolved_at < ?`,
		string(approval.StatusPending), nanos(t),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune approvals: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (approval.Record, error) {
	var (
		rec                          approval.Record
		input                        sql.NullString
		preview, status              string
		created, expires, resolvedAt int64
	)
	if err := sc.Scan(&rec.CallID, &rec.ToolPath, &input, &preview, &status, &created, &expires, &resolvedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return approval.Record{}, err
		}
		return approval.Record{}, fmt.Errorf("sqlite: scan approval: %w", err)
	}
	if input.Valid {
		rec.Input = json.RawMessage(input.String)
	}
	if err := json.Unmarshal([]byte(preview), &rec.Preview); err != nil {
		return approval.Record{}, fmt.Errorf("sqlite: decode preview of %s: %w", rec.CallID, err)
	}
	rec.Status = approval.Status(status)
	rec.CreatedAt = fromNanos(created)
	rec.ExpiresAt = fromNanos(expires)
	rec.ResolvedAt = fromNanos(resolvedAt)
	return rec, nil
}

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
	return time.Unix(0, n).UTC()
}
