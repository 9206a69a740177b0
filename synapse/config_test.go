package synapse

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const baseConfig = `
server_name: example.com
enable_registration: true
database:
  name: psycopg2
  args:
    user: synapse
    database: synapse
    host: db.example.com
    port: 5432
`

func TestLoadSingleFile(t *testing.T) {
	path := writeConfig(t, "homeserver.yaml", baseConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerName != "example.com" {
		t.Errorf("server_name = %q", cfg.ServerName)
	}
	if !cfg.EnableRegistration {
		t.Error("enable_registration not read")
	}
	if cfg.Database.Name != EnginePostgres {
		t.Errorf("database engine = %q", cfg.Database.Name)
	}
	if cfg.Database.Args.Port != 5432 {
		t.Errorf("port = %d", cfg.Database.Args.Port)
	}
}

func TestLoadMergesLaterFiles(t *testing.T) {
	first := writeConfig(t, "homeserver.yaml", baseConfig)
	second := writeConfig(t, "override.yaml", `
enable_registration: false
database:
  name: psycopg2
  args:
    host: replica.example.com
`)

	cfg, err := Load(first, second)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.EnableRegistration {
		t.Error("later file should override enable_registration")
	}
	if cfg.Database.Args.Host != "replica.example.com" {
		t.Errorf("host = %q, want the override", cfg.Database.Args.Host)
	}
	// Values absent from the later file survive the merge.
	if cfg.Database.Args.User != "synapse" {
		t.Errorf("user = %q, want value from the first file", cfg.Database.Args.User)
	}
	if cfg.ServerName != "example.com" {
		t.Errorf("server_name = %q", cfg.ServerName)
	}
}

func TestLoadNoFiles(t *testing.T) {
	if _, err := Load(); err == nil {
		t.Fatal("Load with no paths should fail")
	}
}

func TestOIDCProviderNormalization(t *testing.T) {
	path := writeConfig(t, "homeserver.yaml", `
server_name: example.com
database:
  name: psycopg2
oidc_providers:
  - idp_id: dex
    issuer: https://dex.example.com
  - idp_id: oidc-already
    issuer: https://other.example.com
oidc_config:
  issuer: https://legacy.example.com
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var ids []string
	for _, p := range cfg.OIDCProviders {
		ids = append(ids, p.IdpID)
	}
	want := []string{"oidc-dex", "oidc-already", "oidc"}
	if strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Errorf("provider ids = %v, want %v", ids, want)
	}
	if cfg.LegacyOIDC != nil {
		t.Error("legacy oidc_config should be folded into the list")
	}
}

func TestPasswordEnabledDefault(t *testing.T) {
	var p PasswordConfig
	if !p.PasswordEnabled() {
		t.Error("password auth should default to enabled")
	}
	off := false
	p.Enabled = &off
	if p.PasswordEnabled() {
		t.Error("explicit false should disable password auth")
	}
}

func TestDatabaseConnString(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{
		Name: EnginePostgres,
		Args: DatabaseArgs{User: "synapse", Password: "sec ret", Database: "synapse", Host: "db", Port: 5433},
	}}

	s, err := cfg.DatabaseConnString()
	if err != nil {
		t.Fatalf("DatabaseConnString: %v", err)
	}
	for _, part := range []string{"host=db", "port=5433", "user=synapse", "dbname=synapse", "password='sec ret'"} {
		if !strings.Contains(s, part) {
			t.Errorf("conn string %q missing %q", s, part)
		}
	}
}

func TestDatabaseConnStringDBNameFallback(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{
		Name: EnginePostgres,
		Args: DatabaseArgs{DBName: "synapse_alt"},
	}}
	s, err := cfg.DatabaseConnString()
	if err != nil {
		t.Fatalf("DatabaseConnString: %v", err)
	}
	if !strings.Contains(s, "dbname=synapse_alt") {
		t.Errorf("conn string %q missing dbname fallback", s)
	}
}

func TestDatabaseConnStringRejectsSqlite(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{Name: "sqlite3"}}
	if _, err := cfg.DatabaseConnString(); err == nil {
		t.Fatal("sqlite backend should not yield a connection string")
	}
}
