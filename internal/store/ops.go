package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// OpRecord is a persisted sync queue entry.
type OpRecord struct {
	ID         string
	Collection string
	Kind       string
	EntityID   string
	Payload    json.RawMessage
	Attempts   int
	CreatedAt  time.Time

	// Dispatched is set once the operation has been sent to the remote at
	// least once, whatever the outcome.
	Dispatched bool
}

// DeadLetter is a queue entry that exhausted its attempts.
type DeadLetter struct {
	OpRecord
	LastError string
	FailedAt  time.Time
}

// SaveOp inserts or updates a pending operation.
func (s *Store) SaveOp(op OpRecord) error {
	return s.SaveOpContext(context.Background(), op)
}

// SaveOpContext inserts or updates a pending operation with context support.
func (s *Store) SaveOpContext(ctx context.Context, op OpRecord) error {
	query := `
	INSERT INTO pending_ops (id, collection, kind, entity_id, payload, attempts, created_at, dispatched)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		attempts = excluded.attempts,
		payload = excluded.payload,
		dispatched = excluded.dispatched
	`

	_, err := s.conn.ExecContext(ctx, query,
		op.ID,
		op.Collection,
		op.Kind,
		op.EntityID,
		nullPayload(op.Payload),
		op.Attempts,
		op.CreatedAt.UTC().Format(time.RFC3339Nano),
		op.Dispatched,
	)
	if err != nil {
		return fmt.Errorf("failed to save op %s: %w", op.ID, err)
	}
	return nil
}

// DeleteOp removes a pending operation. Idempotent.
func (s *Store) DeleteOp(id string) error {
	return s.DeleteOpContext(context.Background(), id)
}

// DeleteOpContext removes a pending operation with context support.
func (s *Store) DeleteOpContext(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM pending_ops WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete op %s: %w", id, err)
	}
	return nil
}

// PendingOps returns the persisted queue in enqueue order.
func (s *Store) PendingOps() ([]OpRecord, error) {
	return s.PendingOpsContext(context.Background())
}

// PendingOpsContext returns the persisted queue with context support.
func (s *Store) PendingOpsContext(ctx context.Context) ([]OpRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, collection, kind, entity_id, payload, attempts, created_at, dispatched
	FROM pending_ops
	ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending ops: %w", err)
	}
	defer rows.Close()

	var ops []OpRecord
	for rows.Next() {
		var op OpRecord
		var payload sql.NullString
		var createdAt string

		if err := rows.Scan(&op.ID, &op.Collection, &op.Kind, &op.EntityID, &payload, &op.Attempts, &createdAt, &op.Dispatched); err != nil {
			return nil, fmt.Errorf("failed to scan op: %w", err)
		}
		if payload.Valid {
			op.Payload = json.RawMessage(payload.String)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			op.CreatedAt = t
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ops: %w", err)
	}
	return ops, nil
}

// SaveDeadLetter moves an operation from the queue to the dead-letter list.
func (s *Store) SaveDeadLetter(d DeadLetter) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
	INSERT INTO dead_letters (id, collection, kind, entity_id, payload, attempts, last_error, created_at, failed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		attempts = excluded.attempts,
		last_error = excluded.last_error,
		failed_at = excluded.failed_at
	`,
		d.ID,
		d.Collection,
		d.Kind,
		d.EntityID,
		nullPayload(d.Payload),
		d.Attempts,
		d.LastError,
		d.CreatedAt.UTC().Format(time.RFC3339Nano),
		d.FailedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save dead letter %s: %w", d.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM pending_ops WHERE id = ?`, d.ID); err != nil {
		return fmt.Errorf("failed to remove dead op %s: %w", d.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dead letter: %w", err)
	}
	return nil
}

// DeadLetters returns dead-lettered operations, oldest first.
func (s *Store) DeadLetters() ([]DeadLetter, error) {
	rows, err := s.conn.Query(`
	SELECT id, collection, kind, entity_id, payload, attempts, last_error, created_at, failed_at
	FROM dead_letters
	ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		var payload, lastErr sql.NullString
		var createdAt, failedAt string

		if err := rows.Scan(&d.ID, &d.Collection, &d.Kind, &d.EntityID, &payload, &d.Attempts, &lastErr, &createdAt, &failedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		if payload.Valid {
			d.Payload = json.RawMessage(payload.String)
		}
		d.LastError = lastErr.String
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			d.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, failedAt); err == nil {
			d.FailedAt = t
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return out, nil
}

func nullPayload(p json.RawMessage) sql.NullString {
	if len(p) == 0 {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: string(p), Valid: true}
}
