package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/tonkku107/matrix-authentication-service/syn2mas"
	"github.com/tonkku107/matrix-authentication-service/synapse"
)

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (m *multiFlag) String() string { return fmt.Sprint([]string(*m)) }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

// commonFlags are shared by the check and migrate subcommands.
type commonFlags struct {
	synapseConfigs     multiFlag
	masConfigPath      string
	synapseDatabaseURI string
}

func registerCommonFlags(fs *flag.FlagSet) *commonFlags {
	f := &commonFlags{}
	fs.Var(&f.synapseConfigs, "synapse-config", "path to a Synapse configuration file (repeatable)")
	fs.StringVar(&f.masConfigPath, "config", "", "path to the MAS configuration file")
	fs.StringVar(&f.synapseDatabaseURI, "synapse-database-uri", "", "override the Synapse database connection string")
	return f
}

func (f *commonFlags) validate() error {
	if len(f.synapseConfigs) == 0 {
		return fmt.Errorf("please specify the path to the Synapse configuration file(s) with --synapse-config")
	}
	if f.masConfigPath == "" {
		return fmt.Errorf("please specify the path to the MAS configuration file with --config")
	}
	return nil
}

// synapseConnString resolves the Synapse connection string, honoring the
// override flag.
func (f *commonFlags) synapseConnString(cfg *synapse.Config) (string, error) {
	if f.synapseDatabaseURI != "" {
		return f.synapseDatabaseURI, nil
	}
	return cfg.DatabaseConnString()
}

// masConfig is the subset of the MAS configuration file this command
// consumes: the database to migrate into, the homeserver it serves, and
// the upstream providers that were synced into it before the migration.
type masConfig struct {
	Database struct {
		URI string `yaml:"uri"`
	} `yaml:"database"`
	Matrix struct {
		Homeserver string `yaml:"homeserver"`
	} `yaml:"matrix"`
	UpstreamOAuth2 struct {
		Providers []masProvider `yaml:"providers"`
	} `yaml:"upstream_oauth2"`
}

type masProvider struct {
	ID           string `yaml:"id"`
	SynapseIdpID string `yaml:"synapse_idp_id"`
}

func loadMasConfig(path string) (*masConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read MAS config %s: %w", path, err)
	}
	var cfg masConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse MAS config %s: %w", path, err)
	}
	return &cfg, nil
}

// targetConfig resolves the MAS config into the core's target view.
// Providers without a synapse_idp_id are not part of the migration and are
// left out of the mapping.
func (c *masConfig) targetConfig() (syn2mas.TargetConfig, error) {
	mappings := make(map[string]uuid.UUID, len(c.UpstreamOAuth2.Providers))
	for _, p := range c.UpstreamOAuth2.Providers {
		if p.SynapseIdpID == "" {
			continue
		}
		id, err := uuid.Parse(p.ID)
		if err != nil {
			return syn2mas.TargetConfig{}, fmt.Errorf("upstream provider %q has invalid id %q: %w", p.SynapseIdpID, p.ID, err)
		}
		mappings[p.SynapseIdpID] = id
	}
	return syn2mas.TargetConfig{
		Homeserver:       c.Matrix.Homeserver,
		ProviderMappings: mappings,
	}, nil
}
