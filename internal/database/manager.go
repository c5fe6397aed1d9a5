package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	dbconfig "github.com/sevans717/aphila-sub008/pkg/database"
	"github.com/sevans717/aphila-sub008/pkg/types"
)

// Manager owns the sqlite handle: the message archive and the persistent
// offline queue both write through it
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *zap.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// Open creates the database file if needed, applies pragmas and migrations,
// and starts the writer
func Open(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if dir := filepath.Dir(config.DatabasePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	applied, err := dbconfig.NewMigrationManager(db, nil).ApplyMigrations()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: A pre-existing file can carry tables the
	// IF NOT EXISTS migrations silently accepted; verify what we will write to
	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database schema invalid: %w", err)
	}

	m := NewManager(db, config, logger)
	if len(applied) > 0 {
		m.logger.Info("applied migrations", zap.Strings("versions", applied))
	}
	return m, nil
}

// NewManager starts the writer over an already opened database
func NewManager(db *sql.DB, config *dbconfig.Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		db:           db,
		config:       config,
		logger:       logger.Named("database"),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	m.wg.Add(1)
	go m.writeLoop()
	return m
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			// FUNCTIONAL DISCOVERY: A failed write is retried exactly once after RetryDelay
			err := op.operation(m.db)
			if err != nil {
				m.logger.Warn("database write failed, retrying",
					zap.Duration("delay", m.config.RetryDelay), zap.Error(err))
				select {
				case <-time.After(m.config.RetryDelay):
					err = op.operation(m.db)
				case <-m.shutdown:
				}
				if err != nil {
					m.logger.Error("database write failed after retry", zap.Error(err))
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug("database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	// The writer always answers once it has taken the operation
	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// StoreMessage archives an envelope. Re-storing the same id is a no-op.
func (m *Manager) StoreMessage(ctx context.Context, env *types.Envelope) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT OR IGNORE INTO messages (id, sender_id, recipient_id, type, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			env.ID,
			env.SenderID,
			env.RecipientID,
			env.Type,
			nullablePayload(env.Payload),
			env.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
}

// Conversation returns the archived messages exchanged between two users,
// oldest first, at most limit rows
func (m *Manager) Conversation(ctx context.Context, userA, userB string, limit int) ([]types.Envelope, error) {
	// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, sender_id, recipient_id, type, payload, created_at FROM (
			SELECT id, sender_id, recipient_id, type, payload, created_at
			FROM messages
			WHERE (sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)
			ORDER BY created_at DESC
			LIMIT ?
		) ORDER BY created_at ASC
	`, userA, userB, userB, userA, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var envs []types.Envelope
	for rows.Next() {
		var env types.Envelope
		var payload sql.NullString
		if err := rows.Scan(&env.ID, &env.SenderID, &env.RecipientID, &env.Type, &payload, &env.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if payload.Valid {
			env.Payload = json.RawMessage(payload.String)
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return envs, nil
}

// maxRelatedUsers bounds the presence fan-out of one user
const maxRelatedUsers = 500

// RelatedUsers returns the users userID has exchanged messages with, most
// recent conversation first. It backs presence fan-out to matches.
func (m *Manager) RelatedUsers(ctx context.Context, userID string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT other FROM (
			SELECT recipient_id AS other, created_at FROM messages WHERE sender_id = ?
			UNION ALL
			SELECT sender_id AS other, created_at FROM messages WHERE recipient_id = ?
		)
		GROUP BY other
		ORDER BY MAX(created_at) DESC
		LIMIT ?
	`, userID, userID, maxRelatedUsers)
	if err != nil {
		return nil, fmt.Errorf("failed to query related users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []string
	for rows.Next() {
		var other string
		if err := rows.Scan(&other); err != nil {
			return nil, fmt.Errorf("failed to scan related user: %w", err)
		}
		users = append(users, other)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating related users: %w", err)
	}
	return users, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	if err := dbconfig.NewSchemaValidator(m.db).ValidateTablesExist(); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close stops the writer and closes the database. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func nullablePayload(p json.RawMessage) sql.NullString {
	if len(p) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(p), Valid: true}
}
