// Command syn2mas migrates a Synapse identity database into the MAS
// authorization-server schema.
package main

import (
	"fmt"
	"log/slog"
	"os"
)

// Exit codes shared by the check and migrate subcommands.
const (
	// exitCheckErrors is returned when consistency checks found errors
	// that prevent migration.
	exitCheckErrors = 10
	// exitCheckWarnings is returned by `check` when there are warnings
	// which should be considered prior to migration.
	exitCheckWarnings = 11
)

var commands = map[string]func([]string) int{
	"check":   runCheck,
	"migrate": runMigrate,
}

func usage() {
	fmt.Fprint(os.Stderr, `syn2mas - migrate a Synapse database to MAS

Usage:
  syn2mas <command> [options]

Commands:
  check      Check the setup for potential problems before running a
             migration. It is OK for Synapse to be online during these
             checks.
  migrate    Perform a migration. Synapse must be offline during this
             process.

Common options:
  --synapse-config FILE    Path to the Synapse configuration (YAML). May be
                           given multiple times; later files take priority.
  --config FILE            Path to the MAS configuration (YAML).
  --synapse-database-uri   Override the Synapse database connection string
                           instead of reading it from the Synapse config.

Exit codes:
  0   success
  10  the checks found errors that prevent migration
  11  the checks found warnings (check command only)

Run 'syn2mas <command> -h' for command-specific help.
`)
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	os.Exit(cmd(os.Args[2:]))
}
