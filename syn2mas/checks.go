package syn2mas

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tonkku107/matrix-authentication-service/synapse"
)

// Severity classifies a check finding. Errors unconditionally block the
// load phase; warnings inform the operator and never block a migration.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// CheckFinding is one human-readable finding from a consistency check pass.
// Findings are data, never errors: the caller decides how to render and
// act on them.
type CheckFinding struct {
	Severity Severity
	Message  string
}

// TargetConfig is the resolved MAS-side configuration the migration needs:
// the homeserver the Synapse installation serves, and the mapping from
// Synapse upstream-provider identifiers to the MAS provider ids that were
// synced into the target before the migration started.
type TargetConfig struct {
	Homeserver       string
	ProviderMappings map[string]uuid.UUID
}

// Querier is the subset of query methods the MAS-side checks need. Both
// *pgx.Conn and pgx.Tx satisfy it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// HasErrors reports whether any finding is error-severity.
func HasErrors(findings []CheckFinding) bool {
	for _, f := range findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

func warning(format string, args ...any) CheckFinding {
	return CheckFinding{Severity: SeverityWarning, Message: fmt.Sprintf(format, args...)}
}

func errorFinding(format string, args ...any) CheckFinding {
	return CheckFinding{Severity: SeverityError, Message: fmt.Sprintf(format, args...)}
}

// CheckSynapseConfig runs the source-configuration-only pass. It is a pure
// function of the config: repeated runs produce identical findings.
func CheckSynapseConfig(cfg *synapse.Config) []CheckFinding {
	var findings []CheckFinding

	if cfg.Database.Name != synapse.EnginePostgres {
		findings = append(findings, errorFinding(
			"unsupported database backend: Synapse is configured with %q, only %q (Postgres) can be migrated",
			cfg.Database.Name, synapse.EnginePostgres))
	}

	if cfg.CAS.Enabled {
		findings = append(findings, errorFinding(
			"CAS authentication is enabled in Synapse; there is no migration path for CAS users"))
	}

	if cfg.EnableRegistration {
		findings = append(findings, errorFinding(
			"registration is enabled in Synapse; disable enable_registration before migrating so no users are created mid-run"))
	}

	if cfg.JWT.Enabled {
		findings = append(findings, warning(
			"JWT authentication is enabled in Synapse; JWT-issued sessions will not survive the migration"))
	}

	if cfg.AllowGuestAccess {
		findings = append(findings, warning(
			"guest access is enabled in Synapse; guest users are not migrated"))
	}

	if !cfg.Password.PasswordEnabled() && len(cfg.OIDCProviders) == 0 {
		findings = append(findings, warning(
			"password authentication is disabled and no OIDC providers are configured; migrated users may have no way to log in"))
	}

	return findings
}

// CheckSynapseConfigAgainstMas runs the source-vs-target cross-checks.
// Every upstream identity provider Synapse may have linked users to must
// have a corresponding MAS provider mapping, synced before migration.
func CheckSynapseConfigAgainstMas(cfg *synapse.Config, target TargetConfig) []CheckFinding {
	var findings []CheckFinding

	if cfg.ServerName != target.Homeserver {
		findings = append(findings, errorFinding(
			"Synapse server_name %q does not match the MAS homeserver %q",
			cfg.ServerName, target.Homeserver))
	}

	for _, provider := range cfg.OIDCProviders {
		if _, ok := target.ProviderMappings[provider.IdpID]; !ok {
			findings = append(findings, errorFinding(
				"Synapse OIDC provider %q has no upstream provider mapping in the MAS configuration; add a provider with synapse_idp_id set",
				provider.IdpID))
		}
	}

	return findings
}

// CheckMasDatabase runs the target-database pre-checks: the MAS schema must
// be present and must not already contain migrated data. The returned error
// is an internal failure (connectivity, decode), never a finding.
func CheckMasDatabase(ctx context.Context, q Querier) ([]CheckFinding, error) {
	var findings []CheckFinding

	var usersTableExists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'users')`,
	).Scan(&usersTableExists)
	if err != nil {
		return nil, fmt.Errorf("check MAS schema presence: %w", err)
	}
	if !usersTableExists {
		findings = append(findings, errorFinding(
			"MAS database schema is not present; run the MAS database migrations first"))
		return findings, nil
	}

	var userCount int64
	if err := q.QueryRow(ctx, `SELECT COUNT(1) FROM users`).Scan(&userCount); err != nil {
		return nil, fmt.Errorf("count MAS users: %w", err)
	}
	if userCount > 0 {
		findings = append(findings, errorFinding(
			"MAS database already contains %d users; migration requires a clean target, restore it and rerun",
			userCount))
	}

	return findings, nil
}

// CheckSynapseDatabase runs referential spot checks against the source
// inside a single read-only transaction, so it is safe while Synapse is
// live. Structural anomalies in the source are warnings: they are fatal
// only to the affected rows, which the migration skips, not to the run.
func CheckSynapseDatabase(ctx context.Context, conn *pgx.Conn) ([]CheckFinding, error) {
	tx, err := conn.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin read-only synapse check tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var findings []CheckFinding

	spotChecks := []struct {
		label string
		query string
	}{
		{
			label: "threepids referencing absent users",
			query: `SELECT COUNT(1) FROM user_threepids t LEFT JOIN users u ON u.name = t.user_id WHERE u.name IS NULL`,
		},
		{
			label: "access tokens referencing absent devices",
			query: `SELECT COUNT(1) FROM access_tokens a LEFT JOIN devices d ON d.user_id = a.user_id AND d.device_id = a.device_id WHERE a.device_id IS NOT NULL AND d.device_id IS NULL`,
		},
		{
			label: "external ids referencing absent users",
			query: `SELECT COUNT(1) FROM user_external_ids e LEFT JOIN users u ON u.name = e.user_id WHERE u.name IS NULL`,
		},
	}

	for _, check := range spotChecks {
		var count int64
		if err := tx.QueryRow(ctx, check.query).Scan(&count); err != nil {
			return nil, fmt.Errorf("synapse spot check (%s): %w", check.label, err)
		}
		if count > 0 {
			findings = append(findings, warning(
				"Synapse database has %d %s; these rows will be skipped", count, check.label))
		}
	}

	return findings, nil
}
