package syn2mas

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
)

// DefaultWriterConnections is the size of the parallel writer pool.
const DefaultWriterConnections = 8

// targetTables are the MAS tables the migration loads, in entity order.
var targetTables = []string{
	"users",
	"user_passwords",
	"user_emails",
	"upstream_oauth_links",
	"compat_sessions",
	"compat_access_tokens",
	"compat_refresh_tokens",
}

type savedIndex struct {
	Name       string
	Definition string
}

type savedConstraint struct {
	Table      string
	Name       string
	Definition string
}

// writeJob is one batch of rows bound for a single table. Jobs are
// dispatched over a bounded queue to the fixed worker pool; workers never
// see rows from two entity types at once because the orchestrator barriers
// between entities.
type writeJob struct {
	table   pgx.Identifier
	columns []string
	rows    [][]any
	counter *MigratingCounter
}

// MasWriter loads transformed rows into the MAS database. It holds the
// control connection (the one carrying the migration lock) for DDL, plus a
// fixed pool of worker connections used purely for bulk insertion. Each
// batch is written with COPY inside a per-worker transaction; any insert
// failure rolls that transaction back and fails the whole run. There are
// no partial-success semantics: a failed run is rerun from a clean target.
type MasWriter struct {
	control *LockedMasDatabase
	logger  *slog.Logger

	workerConns []*pgx.Conn
	jobs        chan writeJob
	workersDone sync.WaitGroup
	pending     sync.WaitGroup

	errMu    sync.Mutex
	firstErr error

	counter *MigratingCounter

	savedIndexes     []savedIndex
	savedConstraints []savedConstraint
}

// OpenWriter prepares the MAS database for bulk loading and starts the
// worker pool. It drops the foreign-key constraints and non-key indexes of
// the target tables, remembering their definitions so Finalize can rebuild
// them after the load. The worker connections must already be open; the
// writer owns them from here and closes them in Close.
func OpenWriter(ctx context.Context, control *LockedMasDatabase, workerConns []*pgx.Conn, logger *slog.Logger) (*MasWriter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(workerConns) == 0 {
		return nil, fmt.Errorf("writer needs at least one worker connection")
	}

	w := &MasWriter{
		control:     control,
		logger:      logger,
		workerConns: workerConns,
		jobs:        make(chan writeJob, len(workerConns)*2),
	}

	if err := w.pauseConstraintsAndIndexes(ctx); err != nil {
		return nil, err
	}

	for _, conn := range workerConns {
		w.workersDone.Add(1)
		go w.worker(ctx, conn)
	}

	return w, nil
}

// pauseConstraintsAndIndexes captures and drops the FK constraints and
// non-key indexes of the target tables. Constraints go first since they
// may depend on the indexes.
func (w *MasWriter) pauseConstraintsAndIndexes(ctx context.Context) error {
	conn := w.control.Conn()

	rows, err := conn.Query(ctx, `
		SELECT conrelid::regclass::text, conname, pg_get_constraintdef(oid)
		FROM pg_constraint
		WHERE contype = 'f' AND conrelid::regclass::text = ANY($1)
		ORDER BY conrelid::regclass::text, conname`, targetTables)
	if err != nil {
		return fmt.Errorf("list target FK constraints: %w", err)
	}
	for rows.Next() {
		var c savedConstraint
		if err := rows.Scan(&c.Table, &c.Name, &c.Definition); err != nil {
			rows.Close()
			return fmt.Errorf("scan constraint: %w", err)
		}
		w.savedConstraints = append(w.savedConstraints, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list target FK constraints: %w", err)
	}

	rows, err = conn.Query(ctx, `
		SELECT indexname, indexdef
		FROM pg_indexes
		WHERE schemaname = 'public' AND tablename = ANY($1)
		  AND indexname NOT IN (
			SELECT conname FROM pg_constraint WHERE contype IN ('p', 'u')
		  )
		ORDER BY tablename, indexname`, targetTables)
	if err != nil {
		return fmt.Errorf("list target indexes: %w", err)
	}
	for rows.Next() {
		var idx savedIndex
		if err := rows.Scan(&idx.Name, &idx.Definition); err != nil {
			rows.Close()
			return fmt.Errorf("scan index: %w", err)
		}
		w.savedIndexes = append(w.savedIndexes, idx)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list target indexes: %w", err)
	}

	for _, c := range w.savedConstraints {
		w.logger.Debug("pausing constraint for bulk load", "table", c.Table, "constraint", c.Name)
		sql := fmt.Sprintf(`ALTER TABLE %s DROP CONSTRAINT %s`,
			pgx.Identifier{c.Table}.Sanitize(), pgx.Identifier{c.Name}.Sanitize())
		if _, err := conn.Exec(ctx, sql); err != nil {
			return fmt.Errorf("drop constraint %s on %s: %w", c.Name, c.Table, err)
		}
	}
	for _, idx := range w.savedIndexes {
		w.logger.Debug("pausing index for bulk load", "index", idx.Name)
		sql := fmt.Sprintf(`DROP INDEX %s`, pgx.Identifier{idx.Name}.Sanitize())
		if _, err := conn.Exec(ctx, sql); err != nil {
			return fmt.Errorf("drop index %s: %w", idx.Name, err)
		}
	}

	return nil
}

func (w *MasWriter) worker(ctx context.Context, conn *pgx.Conn) {
	defer w.workersDone.Done()
	for job := range w.jobs {
		if w.failed() == nil {
			if err := runWriteJob(ctx, conn, job); err != nil {
				w.recordError(err)
			}
		}
		w.pending.Done()
	}
}

func runWriteJob(ctx context.Context, conn *pgx.Conn, job writeJob) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin write tx for %s: %w", job.table.Sanitize(), err)
	}

	if _, err := tx.CopyFrom(ctx, job.table, job.columns, pgx.CopyFromRows(job.rows)); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("copy %d rows into %s: %w", len(job.rows), job.table.Sanitize(), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit write tx for %s: %w", job.table.Sanitize(), err)
	}

	if job.counter != nil {
		job.counter.AddMigrated(uint64(len(job.rows)))
	}
	return nil
}

func (w *MasWriter) recordError(err error) {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	if w.firstErr == nil {
		w.firstErr = err
		w.logger.Error("write failed, aborting run", "error", err)
	}
}

func (w *MasWriter) failed() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.firstErr
}

// StartEntity binds subsequent batches to the given entity's counter.
// Called by the orchestrator exactly once per entity, after the previous
// entity's barrier.
func (w *MasWriter) StartEntity(entity Entity, counter *MigratingCounter) {
	w.logger.Info("loading entity", "entity", entity)
	w.counter = counter
}

// BarrierForEntity blocks until every dispatched batch has committed and
// reports the first write failure, if any. The orchestrator must call it
// before moving to the next entity, because later entities reference
// earlier ones by remapped id.
func (w *MasWriter) BarrierForEntity(ctx context.Context) error {
	w.pending.Wait()
	if err := w.failed(); err != nil {
		return err
	}
	return ctx.Err()
}

func (w *MasWriter) dispatch(table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	if err := w.failed(); err != nil {
		return err
	}
	w.pending.Add(1)
	w.jobs <- writeJob{
		table:   pgx.Identifier{table},
		columns: columns,
		rows:    rows,
		counter: w.counter,
	}
	return nil
}

// WriteUsers dispatches a batch of users rows to the pool.
func (w *MasWriter) WriteUsers(ctx context.Context, batch []MasUser) error {
	rows := make([][]any, len(batch))
	for i, u := range batch {
		rows[i] = []any{u.UserID, u.Username, u.CreatedAt, u.LockedAt, u.CanRequestAdmin}
	}
	return w.dispatch("users",
		[]string{"user_id", "username", "created_at", "locked_at", "can_request_admin"}, rows)
}

// WriteUserPasswords dispatches a batch of user_passwords rows to the pool.
func (w *MasWriter) WriteUserPasswords(ctx context.Context, batch []MasUserPassword) error {
	rows := make([][]any, len(batch))
	for i, p := range batch {
		rows[i] = []any{p.UserPasswordID, p.UserID, p.HashedPassword, p.Version, p.CreatedAt}
	}
	return w.dispatch("user_passwords",
		[]string{"user_password_id", "user_id", "hashed_password", "version", "created_at"}, rows)
}

// WriteUserEmails dispatches a batch of user_emails rows to the pool.
func (w *MasWriter) WriteUserEmails(ctx context.Context, batch []MasUserEmail) error {
	rows := make([][]any, len(batch))
	for i, e := range batch {
		rows[i] = []any{e.UserEmailID, e.UserID, e.Email, e.CreatedAt, e.ConfirmedAt}
	}
	return w.dispatch("user_emails",
		[]string{"user_email_id", "user_id", "email", "created_at", "confirmed_at"}, rows)
}

// WriteUpstreamOauthLinks dispatches a batch of upstream_oauth_links rows
// to the pool.
func (w *MasWriter) WriteUpstreamOauthLinks(ctx context.Context, batch []MasUpstreamOauthLink) error {
	rows := make([][]any, len(batch))
	for i, l := range batch {
		rows[i] = []any{l.UpstreamOauthLinkID, l.UpstreamOauthProviderID, l.UserID, l.Subject, l.CreatedAt}
	}
	return w.dispatch("upstream_oauth_links",
		[]string{"upstream_oauth_link_id", "upstream_oauth_provider_id", "user_id", "subject", "created_at"}, rows)
}

// WriteCompatSessions dispatches a batch of compat_sessions rows to the pool.
func (w *MasWriter) WriteCompatSessions(ctx context.Context, batch []MasCompatSession) error {
	rows := make([][]any, len(batch))
	for i, s := range batch {
		rows[i] = []any{s.CompatSessionID, s.UserID, s.DeviceID, s.HumanName, s.CreatedAt,
			s.IsSynapseAdmin, s.LastActiveAt, s.LastActiveIP, s.UserAgent}
	}
	return w.dispatch("compat_sessions",
		[]string{"compat_session_id", "user_id", "device_id", "human_name", "created_at",
			"is_synapse_admin", "last_active_at", "last_active_ip", "user_agent"}, rows)
}

// WriteCompatAccessTokens dispatches a batch of compat_access_tokens rows
// to the pool.
func (w *MasWriter) WriteCompatAccessTokens(ctx context.Context, batch []MasCompatAccessToken) error {
	rows := make([][]any, len(batch))
	for i, t := range batch {
		rows[i] = []any{t.CompatAccessTokenID, t.CompatSessionID, t.AccessToken, t.CreatedAt, t.ExpiresAt}
	}
	return w.dispatch("compat_access_tokens",
		[]string{"compat_access_token_id", "compat_session_id", "access_token", "created_at", "expires_at"}, rows)
}

// WriteCompatRefreshTokens dispatches a batch of compat_refresh_tokens rows
// to the pool.
func (w *MasWriter) WriteCompatRefreshTokens(ctx context.Context, batch []MasCompatRefreshToken) error {
	rows := make([][]any, len(batch))
	for i, t := range batch {
		rows[i] = []any{t.CompatRefreshTokenID, t.CompatSessionID, t.CompatAccessTokenID, t.RefreshToken, t.CreatedAt}
	}
	return w.dispatch("compat_refresh_tokens",
		[]string{"compat_refresh_token_id", "compat_session_id", "compat_access_token_id", "refresh_token", "created_at"}, rows)
}

// Finalize rebuilds the indexes and constraints that were paused for bulk
// load, one object at a time on the control connection. Each object gets
// its own progress stage so a long rebuild stays observable.
func (w *MasWriter) Finalize(ctx context.Context, progress *Progress) error {
	if err := w.BarrierForEntity(ctx); err != nil {
		return err
	}
	conn := w.control.Conn()

	for _, idx := range w.savedIndexes {
		progress.SetStage(&ProgressStage{Kind: StageRebuildIndex, Name: idx.Name})
		w.logger.Info("rebuilding index", "index", idx.Name)
		if _, err := conn.Exec(ctx, idx.Definition); err != nil {
			return fmt.Errorf("rebuild index %s: %w", idx.Name, err)
		}
	}

	for _, c := range w.savedConstraints {
		progress.SetStage(&ProgressStage{Kind: StageRebuildConstraint, Name: c.Name})
		w.logger.Info("rebuilding constraint", "table", c.Table, "constraint", c.Name)
		sql := fmt.Sprintf(`ALTER TABLE %s ADD CONSTRAINT %s %s`,
			pgx.Identifier{c.Table}.Sanitize(), pgx.Identifier{c.Name}.Sanitize(), c.Definition)
		if _, err := conn.Exec(ctx, sql); err != nil {
			return fmt.Errorf("rebuild constraint %s on %s: %w", c.Name, c.Table, err)
		}
	}

	return nil
}

// Close stops the worker pool and closes the worker connections. The
// control connection stays open; it belongs to the caller, who holds the
// migration lock through it.
func (w *MasWriter) Close(ctx context.Context) error {
	close(w.jobs)
	w.workersDone.Wait()

	var firstErr error
	for _, conn := range w.workerConns {
		if err := conn.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close worker connection: %w", err)
		}
	}
	return firstErr
}
