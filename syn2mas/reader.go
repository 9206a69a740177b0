package syn2mas

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
)

// sourceTables maps each entity to the Synapse table its rows come from,
// used for the approximate row-count estimates.
var sourceTables = map[Entity]string{
	EntityUsers:               "users",
	EntityUserEmails:          "user_threepids",
	EntityUserPasswords:       "users",
	EntityUpstreamOauthLinks:  "user_external_ids",
	EntityCompatSessions:      "devices",
	EntityCompatAccessTokens:  "access_tokens",
	EntityCompatRefreshTokens: "refresh_tokens",
}

// SynapseReader streams rows out of the Synapse database without ever
// writing to it. All streams share one repeatable-read, read-only
// transaction, so the whole run observes a single consistent snapshot even
// if the legacy server is briefly still reachable. Each stream is consumed
// exactly once per run and never materializes an entity's full row set.
type SynapseReader struct {
	tx     pgx.Tx
	dryRun bool
	logger *slog.Logger
}

// OpenReader begins the snapshot transaction on the given connection.
// The dryRun flag does not change the read path at all; it only decides
// whether Close finishes the snapshot with a rollback (dry run) or a
// commit, the sole non-idempotent read-adjacent action the reader has.
func OpenReader(ctx context.Context, conn *pgx.Conn, dryRun bool, logger *slog.Logger) (*SynapseReader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("begin synapse snapshot tx: %w", err)
	}

	return &SynapseReader{tx: tx, dryRun: dryRun, logger: logger}, nil
}

// Close finishes the snapshot transaction.
func (r *SynapseReader) Close(ctx context.Context) error {
	if r.dryRun {
		r.logger.Info("dry run: rolling back synapse snapshot transaction")
		if err := r.tx.Rollback(ctx); err != nil {
			return fmt.Errorf("rollback synapse snapshot tx: %w", err)
		}
		return nil
	}
	if err := r.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit synapse snapshot tx: %w", err)
	}
	return nil
}

// ApproxCount returns the planner's row estimate for the entity's source
// table. The estimate comes from table statistics and may be stale or
// plain wrong; percentages derived from it can exceed 100%, so it is
// informational only, never a completion signal.
func (r *SynapseReader) ApproxCount(ctx context.Context, entity Entity) (uint64, error) {
	table, ok := sourceTables[entity]
	if !ok {
		return 0, fmt.Errorf("no source table known for entity %q", entity)
	}

	var estimate float64
	err := r.tx.QueryRow(ctx,
		`SELECT reltuples FROM pg_class WHERE oid = to_regclass($1)`, table,
	).Scan(&estimate)
	if err != nil {
		return 0, fmt.Errorf("estimate row count for %s: %w", table, err)
	}
	if estimate < 0 {
		// Never-analyzed tables report -1.
		return 0, nil
	}
	return uint64(estimate), nil
}

// streamRows drives one streamed query, invoking fn once per scanned row.
// Rows are fetched incrementally from the server, bounding memory to a
// small multiple of one fetch regardless of table size.
func streamRows[T any](ctx context.Context, tx pgx.Tx, query string, scan func(pgx.Rows) (T, error), fn func(T) error) error {
	rows, err := tx.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("query source rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		row, err := scan(rows)
		if err != nil {
			return fmt.Errorf("scan source row: %w", err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read source rows: %w", err)
	}
	return nil
}

// StreamUsers streams the users table ordered by its primary key.
func (r *SynapseReader) StreamUsers(ctx context.Context, fn func(SynapseUser) error) error {
	return streamRows(ctx, r.tx,
		`SELECT name, password_hash, creation_ts, admin, deactivated, is_guest, appservice_id
		 FROM users ORDER BY name`,
		func(rows pgx.Rows) (SynapseUser, error) {
			var u SynapseUser
			var admin, deactivated, isGuest int16
			err := rows.Scan(&u.Name, &u.PasswordHash, &u.CreationTS, &admin, &deactivated, &isGuest, &u.AppserviceID)
			u.Admin = admin != 0
			u.Deactivated = deactivated != 0
			u.IsGuest = isGuest != 0
			return u, err
		}, fn)
}

// StreamThreepids streams user_threepids ordered by its composite key.
func (r *SynapseReader) StreamThreepids(ctx context.Context, fn func(SynapseThreepid) error) error {
	return streamRows(ctx, r.tx,
		`SELECT user_id, medium, address, validated_at, added_at
		 FROM user_threepids ORDER BY user_id, medium, address`,
		func(rows pgx.Rows) (SynapseThreepid, error) {
			var t SynapseThreepid
			err := rows.Scan(&t.UserID, &t.Medium, &t.Address, &t.ValidatedAt, &t.AddedAt)
			return t, err
		}, fn)
}

// StreamPasswords streams the password-bearing users rows.
func (r *SynapseReader) StreamPasswords(ctx context.Context, fn func(SynapsePassword) error) error {
	return streamRows(ctx, r.tx,
		`SELECT name, password_hash, creation_ts
		 FROM users WHERE password_hash IS NOT NULL ORDER BY name`,
		func(rows pgx.Rows) (SynapsePassword, error) {
			var p SynapsePassword
			err := rows.Scan(&p.UserID, &p.PasswordHash, &p.CreationTS)
			return p, err
		}, fn)
}

// StreamExternalIDs streams user_external_ids ordered by its composite key.
func (r *SynapseReader) StreamExternalIDs(ctx context.Context, fn func(SynapseExternalID) error) error {
	return streamRows(ctx, r.tx,
		`SELECT user_id, auth_provider, external_id
		 FROM user_external_ids ORDER BY auth_provider, external_id`,
		func(rows pgx.Rows) (SynapseExternalID, error) {
			var e SynapseExternalID
			err := rows.Scan(&e.UserID, &e.AuthProvider, &e.ExternalID)
			return e, err
		}, fn)
}

// StreamDevices streams the devices table ordered by its composite key.
func (r *SynapseReader) StreamDevices(ctx context.Context, fn func(SynapseDevice) error) error {
	return streamRows(ctx, r.tx,
		`SELECT user_id, device_id, display_name, last_seen, ip, user_agent, COALESCE(hidden, FALSE)
		 FROM devices ORDER BY user_id, device_id`,
		func(rows pgx.Rows) (SynapseDevice, error) {
			var d SynapseDevice
			err := rows.Scan(&d.UserID, &d.DeviceID, &d.DisplayName, &d.LastSeen, &d.IP, &d.UserAgent, &d.Hidden)
			return d, err
		}, fn)
}

// StreamAccessTokens streams access_tokens ordered by id.
func (r *SynapseReader) StreamAccessTokens(ctx context.Context, fn func(SynapseAccessToken) error) error {
	return streamRows(ctx, r.tx,
		`SELECT id, user_id, device_id, token, valid_until_ms, last_validated, refresh_token_id
		 FROM access_tokens ORDER BY id`,
		func(rows pgx.Rows) (SynapseAccessToken, error) {
			var t SynapseAccessToken
			err := rows.Scan(&t.ID, &t.UserID, &t.DeviceID, &t.Token, &t.ValidUntilMS, &t.LastValidated, &t.RefreshTokenID)
			return t, err
		}, fn)
}

// StreamRefreshTokens streams refresh_tokens ordered by id.
func (r *SynapseReader) StreamRefreshTokens(ctx context.Context, fn func(SynapseRefreshToken) error) error {
	return streamRows(ctx, r.tx,
		`SELECT id, user_id, device_id, token
		 FROM refresh_tokens ORDER BY id`,
		func(rows pgx.Rows) (SynapseRefreshToken, error) {
			var t SynapseRefreshToken
			err := rows.Scan(&t.ID, &t.UserID, &t.DeviceID, &t.Token)
			return t, err
		}, fn)
}
