package syn2mas

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestEverySourceEntityHasSourceTable(t *testing.T) {
	for _, entity := range EntityOrder {
		if _, ok := sourceTables[entity]; !ok {
			t.Errorf("entity %q has no source table for count estimates", entity)
		}
	}
}

func TestEntityOrderIsTopological(t *testing.T) {
	// Dependencies per entity; each must appear earlier in EntityOrder.
	deps := map[Entity][]Entity{
		EntityUserEmails:          {EntityUsers},
		EntityUserPasswords:       {EntityUsers},
		EntityUpstreamOauthLinks:  {EntityUsers},
		EntityCompatSessions:      {EntityUsers},
		EntityCompatAccessTokens:  {EntityUsers, EntityCompatSessions},
		EntityCompatRefreshTokens: {EntityUsers, EntityCompatSessions, EntityCompatAccessTokens},
	}

	position := make(map[Entity]int, len(EntityOrder))
	for i, e := range EntityOrder {
		position[e] = i
	}

	for entity, requires := range deps {
		for _, dep := range requires {
			if position[dep] >= position[entity] {
				t.Errorf("%s depends on %s but is processed first", entity, dep)
			}
		}
	}
}

// newTestSynapseConn opens a connection using the SYNAPSE_TEST_DATABASE_URL
// env var. The test is skipped when it is not set.
func newTestSynapseConn(t *testing.T) *pgx.Conn {
	t.Helper()
	url := os.Getenv("SYNAPSE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("SYNAPSE_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		t.Fatalf("connect to Synapse postgres: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(ctx) })
	return conn
}

// setupSynapseTables creates the slice of the Synapse schema the reader and
// the source checks consume. Dropped again on cleanup.
func setupSynapseTables(t *testing.T, conn *pgx.Conn) {
	t.Helper()
	ctx := context.Background()

	ddl := []string{
		`CREATE TABLE users (
			name text PRIMARY KEY,
			password_hash text,
			creation_ts bigint NOT NULL,
			admin smallint NOT NULL DEFAULT 0,
			deactivated smallint NOT NULL DEFAULT 0,
			is_guest smallint NOT NULL DEFAULT 0,
			appservice_id text
		)`,
		`CREATE TABLE user_threepids (
			user_id text NOT NULL,
			medium text NOT NULL,
			address text NOT NULL,
			validated_at bigint NOT NULL,
			added_at bigint NOT NULL
		)`,
		`CREATE TABLE user_external_ids (
			auth_provider text NOT NULL,
			external_id text NOT NULL,
			user_id text NOT NULL
		)`,
		`CREATE TABLE devices (
			user_id text NOT NULL,
			device_id text NOT NULL,
			display_name text,
			last_seen bigint,
			ip text,
			user_agent text,
			hidden boolean
		)`,
		`CREATE TABLE access_tokens (
			id bigint PRIMARY KEY,
			user_id text NOT NULL,
			device_id text,
			token text NOT NULL,
			valid_until_ms bigint,
			last_validated bigint,
			refresh_token_id bigint
		)`,
		`CREATE TABLE refresh_tokens (
			id bigint PRIMARY KEY,
			user_id text NOT NULL,
			device_id text NOT NULL,
			token text NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			t.Fatalf("create Synapse test tables: %v", err)
		}
	}
	t.Cleanup(func() {
		_, _ = conn.Exec(ctx,
			`DROP TABLE IF EXISTS refresh_tokens, access_tokens, devices, user_external_ids, user_threepids, users CASCADE`)
	})
}

func TestSynapseReaderStreams_Integration(t *testing.T) {
	ctx := context.Background()
	conn := newTestSynapseConn(t)
	setupSynapseTables(t, conn)

	mustExec := func(sql string, args ...any) {
		t.Helper()
		if _, err := conn.Exec(ctx, sql, args...); err != nil {
			t.Fatalf("seed source rows: %v", err)
		}
	}
	mustExec(`INSERT INTO users (name, password_hash, creation_ts, admin) VALUES
		('@alice:example.com', '$2b$12$abc', 1600000000, 1),
		('@bob:example.com', NULL, 1600000100, 0)`)
	mustExec(`INSERT INTO devices (user_id, device_id, display_name, hidden) VALUES
		('@alice:example.com', 'DEVICE1', 'laptop', NULL)`)
	mustExec(`INSERT INTO access_tokens (id, user_id, device_id, token, refresh_token_id) VALUES
		(1, '@alice:example.com', 'DEVICE1', 'syt_token', 7)`)

	reader, err := OpenReader(ctx, conn, true, slog.Default())
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	t.Cleanup(func() { _ = reader.Close(ctx) })

	var users []SynapseUser
	err = reader.StreamUsers(ctx, func(u SynapseUser) error {
		users = append(users, u)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamUsers: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("streamed %d users, want 2", len(users))
	}
	// Primary-key order, and smallint flags decoded to booleans.
	if users[0].Name != "@alice:example.com" || users[1].Name != "@bob:example.com" {
		t.Errorf("users out of order: %s, %s", users[0].Name, users[1].Name)
	}
	if !users[0].Admin || users[1].Admin {
		t.Errorf("admin flags decoded wrong: %v %v", users[0].Admin, users[1].Admin)
	}
	if users[0].PasswordHash == nil || users[1].PasswordHash != nil {
		t.Errorf("password hash nullability lost")
	}

	var devices []SynapseDevice
	err = reader.StreamDevices(ctx, func(d SynapseDevice) error {
		devices = append(devices, d)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamDevices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("streamed %d devices, want 1", len(devices))
	}
	// NULL hidden reads as not hidden.
	if devices[0].Hidden {
		t.Error("NULL hidden decoded as hidden")
	}
	if devices[0].DisplayName == nil || *devices[0].DisplayName != "laptop" {
		t.Errorf("display name = %v", devices[0].DisplayName)
	}

	var tokens []SynapseAccessToken
	err = reader.StreamAccessTokens(ctx, func(tok SynapseAccessToken) error {
		tokens = append(tokens, tok)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamAccessTokens: %v", err)
	}
	if len(tokens) != 1 || tokens[0].RefreshTokenID == nil || *tokens[0].RefreshTokenID != 7 {
		t.Errorf("refresh pairing lost: %+v", tokens)
	}

	// The estimate is informational; it only has to be answerable.
	if _, err := reader.ApproxCount(ctx, EntityUsers); err != nil {
		t.Errorf("ApproxCount: %v", err)
	}
}
