package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap/zaptest"

	"github.com/sevans717/aphila-sub008/internal/queue"
	"github.com/sevans717/aphila-sub008/internal/queue/queuetest"
	dbconfig "github.com/sevans717/aphila-sub008/pkg/database"
	"github.com/sevans717/aphila-sub008/pkg/types"
)

func testConfig(t *testing.T) *dbconfig.Config {
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "nested", "test.db")
	cfg.RetryDelay = 10 * time.Millisecond
	return cfg
}

func setupTestDB(t *testing.T) *Manager {
	t.Helper()
	m, err := Open(testConfig(t), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func envelope(id, from, to string, at time.Time) *types.Envelope {
	return &types.Envelope{
		ID:          id,
		SenderID:    from,
		RecipientID: to,
		Type:        types.MessageTypeText,
		Payload:     []byte(`{"text":"hi"}`),
		CreatedAt:   at,
	}
}

// Architectural Validation Tests

func TestManager_OpenMigratesSchema(t *testing.T) {
	m := setupTestDB(t)

	if err := dbconfig.NewSchemaValidator(m.db).Validate(); err != nil {
		t.Fatalf("schema invalid after Open: %v", err)
	}
	if err := m.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

// FUNCTIONAL VALIDATION TEST: a database file whose tables predate the
// migrations is refused instead of written to
func TestManager_OpenRejectsIncompatibleSchema(t *testing.T) {
	cfg := testConfig(t)
	cfg.DatabasePath = filepath.Join(t.TempDir(), "legacy.db")

	legacy, err := sql.Open("sqlite3", cfg.DatabasePath)
	if err != nil {
		t.Fatal(err)
	}
	_, err = legacy.Exec(`CREATE TABLE messages (
		id TEXT PRIMARY KEY, sender_id TEXT, recipient_id TEXT,
		type TEXT, payload TEXT, created_at TEXT)`)
	_ = legacy.Close()
	if err != nil {
		t.Fatal(err)
	}

	m, err := Open(cfg, zaptest.NewLogger(t))
	if err == nil {
		_ = m.Close()
		t.Fatal("Open should reject a messages table with the wrong column types")
	}
	if !strings.Contains(err.Error(), "created_at") {
		t.Errorf("error should name the offending column, got %v", err)
	}
}

func TestManager_HealthCheckDetectsMissingTables(t *testing.T) {
	m := setupTestDB(t)

	if _, err := m.db.Exec("DROP TABLE offline_queue"); err != nil {
		t.Fatal(err)
	}
	if err := m.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck should fail once a required table is gone")
	}
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	m, err := Open(testConfig(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	err = m.StoreMessage(context.Background(), envelope("m1", "alice", "bob", time.Now()))
	if !errors.Is(err, ErrManagerClosed) {
		t.Errorf("write after Close = %v, want ErrManagerClosed", err)
	}
}

// Functional Validation Tests - archive

func TestManager_StoreMessageIdempotent(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	at := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		if err := m.StoreMessage(ctx, envelope("m1", "alice", "bob", at)); err != nil {
			t.Fatalf("StoreMessage #%d failed: %v", i, err)
		}
	}
	m.StoreMessage(ctx, envelope("m2", "bob", "alice", at.Add(time.Minute)))
	m.StoreMessage(ctx, envelope("m3", "alice", "carol", at.Add(2*time.Minute)))

	conv, err := m.Conversation(ctx, "alice", "bob", 10)
	if err != nil {
		t.Fatalf("Conversation failed: %v", err)
	}
	if len(conv) != 2 || conv[0].ID != "m1" || conv[1].ID != "m2" {
		t.Fatalf("Conversation = %+v", conv)
	}
	if string(conv[0].Payload) != `{"text":"hi"}` || !conv[0].CreatedAt.Equal(at) {
		t.Errorf("archived envelope lost fields: %+v", conv[0])
	}

	latest, _ := m.Conversation(ctx, "bob", "alice", 1)
	if len(latest) != 1 || latest[0].ID != "m2" {
		t.Errorf("limit should keep the newest message, got %+v", latest)
	}
}

func TestManager_RelatedUsers(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, e := range []*types.Envelope{
		envelope("m1", "alice", "bob", base),
		envelope("m2", "carol", "alice", base.Add(time.Minute)),
		envelope("m3", "alice", "bob", base.Add(2*time.Minute)),
		envelope("m4", "bob", "carol", base.Add(3*time.Minute)),
	} {
		if err := m.StoreMessage(ctx, e); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}

	related, err := m.RelatedUsers(ctx, "alice")
	if err != nil {
		t.Fatalf("RelatedUsers failed: %v", err)
	}
	if len(related) != 2 || related[0] != "bob" || related[1] != "carol" {
		t.Errorf("related = %v, want [bob carol]", related)
	}

	none, err := m.RelatedUsers(ctx, "dave")
	if err != nil || len(none) != 0 {
		t.Errorf("stranger related = %v, %v", none, err)
	}
}

func TestManager_StoreMessageRejectsUnknownType(t *testing.T) {
	m := setupTestDB(t)
	env := envelope("m1", "alice", "bob", time.Now())
	env.Type = "poke"

	if err := m.StoreMessage(context.Background(), env); err == nil {
		t.Error("CHECK constraint should reject unknown message types")
	}
}

// Functional Validation Tests - persistent queue

func TestQueueStore_Contract(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queue.Store {
		return setupTestDB(t).QueueStore()
	})
}

func TestQueueStore_SurvivesReopen(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	m, err := Open(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	m.QueueStore().Append(ctx, "bob", queuetest.Envelope("bob", 1), 10)
	m.Close()

	reopened, err := Open(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	envs, err := reopened.QueueStore().Take(ctx, "bob")
	if err != nil || len(envs) != 1 || envs[0].ID != "m1" {
		t.Errorf("Take after reopen = %+v, %v", envs, err)
	}
}

// Technical Validation Tests - single writer

func TestManager_ConcurrentWrites(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	store := m.QueueStore()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.Append(ctx, "bob", queuetest.Envelope("bob", i), 25); err != nil {
				t.Errorf("Append %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if n, _ := store.Len(ctx, "bob"); n != 25 {
		t.Errorf("Len = %d, want 25", n)
	}
}

func TestManager_WriteRetriedOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	cfg := dbconfig.DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	m := NewManager(db, cfg, zaptest.NewLogger(t))

	env := envelope("m1", "alice", "bob", time.Now())
	mock.ExpectExec("INSERT OR IGNORE INTO messages").WillReturnError(errors.New("database is locked"))
	mock.ExpectExec("INSERT OR IGNORE INTO messages").WillReturnResult(sqlmock.NewResult(1, 1))

	if err := m.StoreMessage(context.Background(), env); err != nil {
		t.Fatalf("write should succeed on retry, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}

	mock.ExpectClose()
	m.Close()
}

func TestManager_WriteFailsAfterRetry(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	cfg := dbconfig.DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	m := NewManager(db, cfg, nil)
	defer func() {
		mock.ExpectClose()
		m.Close()
	}()

	locked := errors.New("database is locked")
	mock.ExpectExec("INSERT OR IGNORE INTO messages").WillReturnError(locked)
	mock.ExpectExec("INSERT OR IGNORE INTO messages").WillReturnError(locked)

	err = m.StoreMessage(context.Background(), envelope("m1", "alice", "bob", time.Now()))
	if !errors.Is(err, locked) {
		t.Errorf("error = %v, want wrapped %v", err, locked)
	}
}

func TestManager_WriteHonorsContext(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(db, dbconfig.DefaultConfig(), nil)
	defer func() {
		mock.ExpectClose()
		m.Close()
	}()

	// Occupy the writer until the test releases it
	release := make(chan struct{})
	started := make(chan struct{})
	go m.executeWrite(context.Background(), func(*sql.DB) error {
		close(started)
		<-release
		return nil
	})
	<-started

	// Fill the buffer so the next write cannot be queued
	for i := 0; i < cap(m.writeChannel); i++ {
		m.writeChannel <- writeOperation{operation: func(*sql.DB) error { return nil }, result: make(chan error, 1)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = m.executeWrite(ctx, func(*sql.DB) error { return fmt.Errorf("must not run") })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
	close(release)
}

func TestQueueStore_ListQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(db, dbconfig.DefaultConfig(), nil)
	defer func() {
		mock.ExpectClose()
		m.Close()
	}()

	mock.ExpectQuery("SELECT message_id").WithArgs("bob").WillReturnError(sql.ErrConnDone)

	if _, err := m.QueueStore().List(context.Background(), "bob"); !errors.Is(err, sql.ErrConnDone) {
		t.Errorf("List error = %v", err)
	}
}
