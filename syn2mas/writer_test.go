package syn2mas

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// setupMasTables creates a minimal slice of the MAS schema: the users table
// with a secondary index, and user_passwords with a foreign key back to
// users. Dropped again on cleanup.
func setupMasTables(t *testing.T, conn *pgx.Conn) {
	t.Helper()
	ctx := context.Background()

	ddl := []string{
		`CREATE TABLE users (
			user_id uuid PRIMARY KEY,
			username text NOT NULL,
			created_at timestamptz NOT NULL,
			locked_at timestamptz,
			can_request_admin boolean NOT NULL
		)`,
		`CREATE UNIQUE INDEX users_username_idx ON users (username)`,
		`CREATE TABLE user_passwords (
			user_password_id uuid PRIMARY KEY,
			user_id uuid NOT NULL,
			hashed_password text NOT NULL,
			version integer NOT NULL,
			created_at timestamptz NOT NULL,
			CONSTRAINT user_passwords_user_id_fkey FOREIGN KEY (user_id) REFERENCES users (user_id)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			t.Fatalf("create MAS test tables: %v", err)
		}
	}
	t.Cleanup(func() {
		_, _ = conn.Exec(ctx, `DROP TABLE IF EXISTS user_passwords, users CASCADE`)
	})
}

// newTestWriter locks the test database, creates the scratch tables, opens
// the given number of worker connections and returns an open writer. The
// writer is closed on cleanup.
func newTestWriter(t *testing.T, workers int) (*MasWriter, *LockedMasDatabase) {
	t.Helper()
	ctx := context.Background()

	control := newTestMasConn(t)
	attempt, err := TryLockMasDatabase(ctx, control)
	if err != nil {
		t.Fatalf("TryLockMasDatabase: %v", err)
	}
	locked, ok := attempt.Locked()
	if !ok {
		t.Fatal("could not acquire the migration lock on the test database")
	}

	setupMasTables(t, locked.Conn())

	conns := make([]*pgx.Conn, workers)
	for i := range conns {
		conns[i] = newTestMasConn(t)
	}

	w, err := OpenWriter(ctx, locked, conns, slog.Default())
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	t.Cleanup(func() { _ = w.Close(ctx) })
	return w, locked
}

func countRows(t *testing.T, conn *pgx.Conn, query string, args ...any) int {
	t.Helper()
	var n int
	if err := conn.QueryRow(context.Background(), query, args...).Scan(&n); err != nil {
		t.Fatalf("count query: %v", err)
	}
	return n
}

func TestMasWriterBulkLoad_Integration(t *testing.T) {
	ctx := context.Background()
	w, locked := newTestWriter(t, 2)
	conn := locked.Conn()

	// The secondary index and the FK constraint are paused while loading.
	if n := countRows(t, conn, `SELECT COUNT(1) FROM pg_indexes WHERE indexname = 'users_username_idx'`); n != 0 {
		t.Errorf("secondary index still present during load")
	}
	if n := countRows(t, conn, `SELECT COUNT(1) FROM pg_constraint WHERE conname = 'user_passwords_user_id_fkey'`); n != 0 {
		t.Errorf("FK constraint still present during load")
	}

	gen := newIDGenerator(time.Now, rand.Reader)
	now := time.Now().UTC()
	var users []MasUser
	for i := 0; i < 50; i++ {
		id, err := gen.next()
		if err != nil {
			t.Fatalf("generate id: %v", err)
		}
		users = append(users, MasUser{
			UserID:          id,
			Username:        fmt.Sprintf("user%02d", i),
			CreatedAt:       now,
			CanRequestAdmin: i == 0,
		})
	}

	counter := &MigratingCounter{}
	w.StartEntity(EntityUsers, counter)
	for start := 0; start < len(users); start += 10 {
		if err := w.WriteUsers(ctx, users[start:start+10]); err != nil {
			t.Fatalf("WriteUsers: %v", err)
		}
	}
	if err := w.BarrierForEntity(ctx); err != nil {
		t.Fatalf("BarrierForEntity(users): %v", err)
	}
	if got := counter.Migrated(); got != 50 {
		t.Errorf("counter migrated = %d, want 50", got)
	}
	if n := countRows(t, conn, `SELECT COUNT(1) FROM users`); n != 50 {
		t.Errorf("users table has %d rows, want 50", n)
	}

	// A dependent entity referencing rows from the previous one.
	pwCounter := &MigratingCounter{}
	w.StartEntity(EntityUserPasswords, pwCounter)
	pwID, err := gen.next()
	if err != nil {
		t.Fatalf("generate id: %v", err)
	}
	err = w.WriteUserPasswords(ctx, []MasUserPassword{{
		UserPasswordID: pwID,
		UserID:         users[0].UserID,
		HashedPassword: "$2b$12$abc",
		Version:        1,
		CreatedAt:      now,
	}})
	if err != nil {
		t.Fatalf("WriteUserPasswords: %v", err)
	}
	if err := w.BarrierForEntity(ctx); err != nil {
		t.Fatalf("BarrierForEntity(passwords): %v", err)
	}

	progress := NewProgress()
	if err := w.Finalize(ctx, progress); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	// Everything paused at open is back, and the FK validates the loaded
	// rows.
	if n := countRows(t, conn, `SELECT COUNT(1) FROM pg_indexes WHERE indexname = 'users_username_idx'`); n != 1 {
		t.Errorf("secondary index not rebuilt")
	}
	if n := countRows(t, conn, `SELECT COUNT(1) FROM pg_constraint WHERE conname = 'user_passwords_user_id_fkey'`); n != 1 {
		t.Errorf("FK constraint not rebuilt")
	}

	// Each rebuilt object got its own stage; the constraint comes last.
	stage := progress.Current()
	if stage.Kind != StageRebuildConstraint {
		t.Errorf("final stage = %q, want %q", stage.Kind, StageRebuildConstraint)
	}
	if stage.Name != "user_passwords_user_id_fkey" {
		t.Errorf("final stage name = %q", stage.Name)
	}
}

func TestMasWriterBatchRollback_Integration(t *testing.T) {
	ctx := context.Background()
	w, locked := newTestWriter(t, 2)
	conn := locked.Conn()

	now := time.Now().UTC()
	counter := &MigratingCounter{}
	w.StartEntity(EntityUsers, counter)

	good := MasUser{UserID: uuid.New(), Username: "ok", CreatedAt: now}
	if err := w.WriteUsers(ctx, []MasUser{good}); err != nil {
		t.Fatalf("WriteUsers(good): %v", err)
	}
	if err := w.BarrierForEntity(ctx); err != nil {
		t.Fatalf("barrier after good batch: %v", err)
	}

	// A duplicate primary key inside one batch makes its COPY fail. The
	// batch's transaction rolls back and the failure is fatal to the run.
	dupID := uuid.New()
	bad := []MasUser{
		{UserID: dupID, Username: "dup-a", CreatedAt: now},
		{UserID: dupID, Username: "dup-b", CreatedAt: now},
	}
	// Dispatch may or may not observe the failure before the barrier does.
	_ = w.WriteUsers(ctx, bad)
	if err := w.BarrierForEntity(ctx); err == nil {
		t.Fatal("barrier should report the failed batch")
	}

	// Later dispatches are refused once the run has failed.
	if err := w.WriteUsers(ctx, []MasUser{{UserID: uuid.New(), Username: "late", CreatedAt: now}}); err == nil {
		t.Error("dispatch after a failure should be refused")
	}

	// Only the committed batch is visible; nothing from the rolled-back one.
	if n := countRows(t, conn, `SELECT COUNT(1) FROM users`); n != 1 {
		t.Errorf("users table has %d rows, want only the committed batch", n)
	}
	if got := counter.Migrated(); got != 1 {
		t.Errorf("counter migrated = %d, want 1", got)
	}
}
