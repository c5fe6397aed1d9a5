package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sevans717/aphila-sub008/pkg/types"
)

// QueueStore keeps offline queues in the offline_queue table. Rows are ordered
// by a per-user seq; requeued messages get seq values below the current head.
type QueueStore struct {
	m *Manager
}

// QueueStore returns the persistent queue store backed by this manager
func (m *Manager) QueueStore() *QueueStore {
	return &QueueStore{m: m}
}

const insertQueued = `
	INSERT INTO offline_queue (user_id, seq, message_id, sender_id, type, payload, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
`

// trimQueue keeps only the newest capacity rows of a user
const trimQueue = `
	DELETE FROM offline_queue
	WHERE user_id = ? AND seq NOT IN (
		SELECT seq FROM offline_queue WHERE user_id = ? ORDER BY seq DESC LIMIT ?
	)
`

func (s *QueueStore) Append(ctx context.Context, userID string, env types.Envelope, capacity int) (int, error) {
	evicted := 0
	err := s.m.executeWrite(ctx, func(db *sql.DB) error {
		return inTx(ctx, db, func(tx *sql.Tx) error {
			var tail int64
			if err := tx.QueryRowContext(ctx,
				"SELECT COALESCE(MAX(seq), 0) FROM offline_queue WHERE user_id = ?", userID,
			).Scan(&tail); err != nil {
				return fmt.Errorf("failed to read queue tail: %w", err)
			}

			if err := insertEnvelope(ctx, tx, userID, tail+1, env); err != nil {
				return err
			}

			n, err := trim(ctx, tx, userID, capacity)
			evicted = n
			return err
		})
	})
	return evicted, err
}

func (s *QueueStore) Prepend(ctx context.Context, userID string, envs []types.Envelope, capacity int) (int, error) {
	if len(envs) == 0 {
		return 0, nil
	}

	evicted := 0
	err := s.m.executeWrite(ctx, func(db *sql.DB) error {
		return inTx(ctx, db, func(tx *sql.Tx) error {
			var head int64
			if err := tx.QueryRowContext(ctx,
				"SELECT COALESCE(MIN(seq), 1) FROM offline_queue WHERE user_id = ?", userID,
			).Scan(&head); err != nil {
				return fmt.Errorf("failed to read queue head: %w", err)
			}

			first := head - int64(len(envs))
			for i, env := range envs {
				if err := insertEnvelope(ctx, tx, userID, first+int64(i), env); err != nil {
					return err
				}
			}

			n, err := trim(ctx, tx, userID, capacity)
			evicted = n
			return err
		})
	})
	return evicted, err
}

func (s *QueueStore) Take(ctx context.Context, userID string) ([]types.Envelope, error) {
	var envs []types.Envelope
	err := s.m.executeWrite(ctx, func(db *sql.DB) error {
		return inTx(ctx, db, func(tx *sql.Tx) error {
			var err error
			if envs, err = listQueued(ctx, tx, userID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM offline_queue WHERE user_id = ?", userID); err != nil {
				return fmt.Errorf("failed to delete drained rows: %w", err)
			}
			return nil
		})
	})
	return envs, err
}

func (s *QueueStore) List(ctx context.Context, userID string) ([]types.Envelope, error) {
	return listQueued(ctx, s.m.db, userID)
}

func (s *QueueStore) Delete(ctx context.Context, userID string) (int, error) {
	deleted := 0
	err := s.m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, "DELETE FROM offline_queue WHERE user_id = ?", userID)
		if err != nil {
			return fmt.Errorf("failed to clear queue: %w", err)
		}
		n, err := res.RowsAffected()
		deleted = int(n)
		return err
	})
	return deleted, err
}

func (s *QueueStore) Len(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.m.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM offline_queue WHERE user_id = ?", userID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

func (s *QueueStore) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	pruned := 0
	err := s.m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, "DELETE FROM offline_queue WHERE created_at < ?", cutoff.UTC())
		if err != nil {
			return fmt.Errorf("failed to prune queue: %w", err)
		}
		n, err := res.RowsAffected()
		pruned = int(n)
		return err
	})
	return pruned, err
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listQueued(ctx context.Context, q querier, userID string) ([]types.Envelope, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT message_id, sender_id, type, payload, created_at
		FROM offline_queue
		WHERE user_id = ?
		ORDER BY seq ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var envs []types.Envelope
	for rows.Next() {
		env := types.Envelope{RecipientID: userID}
		var payload sql.NullString
		if err := rows.Scan(&env.ID, &env.SenderID, &env.Type, &payload, &env.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue row: %w", err)
		}
		if payload.Valid {
			env.Payload = json.RawMessage(payload.String)
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue rows: %w", err)
	}
	return envs, nil
}

func insertEnvelope(ctx context.Context, tx *sql.Tx, userID string, seq int64, env types.Envelope) error {
	_, err := tx.ExecContext(ctx, insertQueued,
		userID, seq, env.ID, env.SenderID, env.Type, nullablePayload(env.Payload), env.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert queued message: %w", err)
	}
	return nil
}

func trim(ctx context.Context, tx *sql.Tx, userID string, capacity int) (int, error) {
	res, err := tx.ExecContext(ctx, trimQueue, userID, userID, capacity)
	if err != nil {
		return 0, fmt.Errorf("failed to trim queue: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
