// Package synapse models the subset of Synapse's configuration that the
// migration consumes: the server name, database connection settings, the
// feature flags the consistency checks inspect, and the configured upstream
// identity providers.
package synapse

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnginePostgres is the database backend Synapse must use for the migration
// to be possible. Synapse names the Postgres driver after the Python module.
const EnginePostgres = "psycopg2"

// Config is the merged view of one or more Synapse configuration files.
type Config struct {
	ServerName         string         `yaml:"server_name"`
	Database           DatabaseConfig `yaml:"database"`
	EnableRegistration bool           `yaml:"enable_registration"`
	AllowGuestAccess   bool           `yaml:"allow_guest_access"`
	CAS                CASConfig      `yaml:"cas_config"`
	JWT                JWTConfig      `yaml:"jwt_config"`
	Password           PasswordConfig `yaml:"password_config"`
	OIDCProviders      []OIDCProvider `yaml:"oidc_providers"`

	// Legacy single-provider form; normalized into OIDCProviders by Load.
	LegacyOIDC *OIDCProvider `yaml:"oidc_config"`
}

// DatabaseConfig mirrors Synapse's `database` section.
type DatabaseConfig struct {
	Name string       `yaml:"name"`
	Args DatabaseArgs `yaml:"args"`
}

// DatabaseArgs are the psycopg2 connection arguments.
type DatabaseArgs struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	DBName   string `yaml:"dbname"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
}

// CASConfig mirrors `cas_config`.
type CASConfig struct {
	Enabled bool `yaml:"enabled"`
}

// JWTConfig mirrors `jwt_config`.
type JWTConfig struct {
	Enabled bool `yaml:"enabled"`
}

// PasswordConfig mirrors `password_config`. Enabled defaults to true when
// the section is absent.
type PasswordConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// PasswordEnabled reports whether password authentication is on.
func (p PasswordConfig) PasswordEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// OIDCProvider is one entry of `oidc_providers`. IdpID is the identifier
// Synapse stores into user_external_ids.auth_provider (prefixed with
// "oidc-" unless it is the legacy provider).
type OIDCProvider struct {
	IdpID  string `yaml:"idp_id"`
	Issuer string `yaml:"issuer"`
}

// Load reads and merges one or more Synapse configuration files in order.
// Later files override earlier scalar values, matching Synapse's own
// multi-file semantics; mappings merge recursively.
func Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no Synapse configuration files given")
	}

	merged := make(map[string]any)
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read synapse config %s: %w", path, err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse synapse config %s: %w", path, err)
		}
		mergeMaps(merged, doc)
	}

	remarshaled, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("remarshal merged synapse config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(remarshaled, &cfg); err != nil {
		return nil, fmt.Errorf("decode merged synapse config: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

// normalize folds the legacy oidc_config single-provider form into the
// providers list. The legacy provider's idp_id is "oidc"; list providers
// get the "oidc-" prefix Synapse uses in user_external_ids.
func (c *Config) normalize() {
	for i := range c.OIDCProviders {
		if c.OIDCProviders[i].IdpID != "" && !strings.HasPrefix(c.OIDCProviders[i].IdpID, "oidc-") {
			c.OIDCProviders[i].IdpID = "oidc-" + c.OIDCProviders[i].IdpID
		}
	}
	if c.LegacyOIDC != nil {
		legacy := *c.LegacyOIDC
		legacy.IdpID = "oidc"
		c.OIDCProviders = append(c.OIDCProviders, legacy)
		c.LegacyOIDC = nil
	}
}

// DatabaseConnString builds a pgx-compatible keyword/value connection
// string from the psycopg2 arguments. It fails for non-Postgres engines;
// the consistency checks surface that as a finding before anything needs
// the string.
func (c *Config) DatabaseConnString() (string, error) {
	if c.Database.Name != EnginePostgres {
		return "", fmt.Errorf("synapse database engine %q is not postgres", c.Database.Name)
	}

	args := c.Database.Args
	dbname := args.Database
	if dbname == "" {
		dbname = args.DBName
	}

	var parts []string
	add := func(key, value string) {
		if value != "" {
			parts = append(parts, key+"="+quoteConnValue(value))
		}
	}
	add("host", args.Host)
	if args.Port != 0 {
		parts = append(parts, fmt.Sprintf("port=%d", args.Port))
	}
	add("user", args.User)
	add("password", args.Password)
	add("dbname", dbname)

	// Missing values fall through to the libpq-compatible PG* environment
	// variables, same as psycopg2.
	return strings.Join(parts, " "), nil
}

func quoteConnValue(v string) string {
	if !strings.ContainsAny(v, " '\\") {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := dst[k].(map[string]any); ok {
				mergeMaps(existing, sub)
				continue
			}
		}
		dst[k] = v
	}
}
