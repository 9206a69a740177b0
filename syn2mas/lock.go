package syn2mas

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// lockKey is the advisory lock key claimed for the duration of a migration
// run. Derived once from the string "syn2mas-migration" via FNV-1a.
var lockKey = hashLockKey("syn2mas-migration")

// LockedMasDatabase is a MAS database connection holding the migration
// advisory lock. The lock is session-scoped: it requires no explicit
// release and disappears when the connection closes, including on crash,
// so a stale lock can never outlive its holder.
type LockedMasDatabase struct {
	conn *pgx.Conn
}

// Conn returns the lock-holding connection. It doubles as the writer's
// control connection; closing it releases the lock.
func (l *LockedMasDatabase) Conn() *pgx.Conn { return l.conn }

// Close closes the connection, implicitly releasing the advisory lock.
func (l *LockedMasDatabase) Close(ctx context.Context) error {
	return l.conn.Close(ctx)
}

// LockAttempt is the two-variant outcome of TryLockMasDatabase. Exactly one
// of the variants is populated; callers must branch on both. Contention is
// deliberately not an error value so that "someone else is migrating"
// cannot be mistaken for a bug.
type LockAttempt struct {
	locked      *LockedMasDatabase
	alreadyHeld *pgx.Conn
}

// Locked returns the locked database when the lock was acquired.
func (a LockAttempt) Locked() (*LockedMasDatabase, bool) {
	return a.locked, a.locked != nil
}

// AlreadyHeld returns the original connection when another holder already
// owns the lock, so the caller can print guidance and exit cleanly.
func (a LockAttempt) AlreadyHeld() (*pgx.Conn, bool) {
	return a.alreadyHeld, a.alreadyHeld != nil
}

// TryLockMasDatabase attempts to claim the migration advisory lock on the
// given connection. It never blocks: pg_try_advisory_lock returns
// immediately with a held/not-held outcome. An error means the locking
// query itself could not be issued, which is fatal and distinct from
// contention.
func TryLockMasDatabase(ctx context.Context, conn *pgx.Conn) (LockAttempt, error) {
	var acquired bool
	err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, lockKey).Scan(&acquired)
	if err != nil {
		return LockAttempt{}, fmt.Errorf("pg_try_advisory_lock(%d): %w", lockKey, err)
	}

	if !acquired {
		return LockAttempt{alreadyHeld: conn}, nil
	}
	return LockAttempt{locked: &LockedMasDatabase{conn: conn}}, nil
}

// hashLockKey produces a stable int64 hash from a string key for use with
// pg_try_advisory_lock. Uses FNV-1a.
func hashLockKey(key string) int64 {
	var h uint64 = 14695981039346656037 // FNV offset basis
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211 // FNV prime
	}
	return int64(h & 0x7FFFFFFFFFFFFFFF)
}
