package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5"

	"github.com/tonkku107/matrix-authentication-service/syn2mas"
	"github.com/tonkku107/matrix-authentication-service/synapse"
)

// session is the shared state both subcommands build up: parsed configs,
// open connections, the lock-holding MAS database, and the accumulated
// check findings.
type session struct {
	flags   *commonFlags
	synCfg  *synapse.Config
	masCfg  *masConfig
	target  syn2mas.TargetConfig
	synConn *pgx.Conn
	locked  *syn2mas.LockedMasDatabase

	findings []syn2mas.CheckFinding
}

func (s *session) close(ctx context.Context) {
	if s.synConn != nil {
		_ = s.synConn.Close(ctx)
	}
	if s.locked != nil {
		_ = s.locked.Close(ctx)
	}
}

// prepare runs everything the two subcommands have in common: flag
// parsing, config loading, connecting, locking the MAS database, and all
// four check passes. A non-negative exit code means the command should
// terminate with it; the session is only valid when exit is negative.
func prepare(ctx context.Context, name string, args []string) (*session, int) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	flags := registerCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, 1
	}
	if err := flags.validate(); err != nil {
		slog.Error(err.Error())
		return nil, 1
	}

	synCfg, err := synapse.Load(flags.synapseConfigs...)
	if err != nil {
		slog.Error("failed to load Synapse configuration", "error", err)
		return nil, 1
	}
	masCfg, err := loadMasConfig(flags.masConfigPath)
	if err != nil {
		slog.Error("failed to load MAS configuration", "error", err)
		return nil, 1
	}
	target, err := masCfg.targetConfig()
	if err != nil {
		slog.Error("invalid MAS configuration", "error", err)
		return nil, 1
	}

	s := &session{flags: flags, synCfg: synCfg, masCfg: masCfg, target: target}
	s.findings = append(s.findings, syn2mas.CheckSynapseConfig(synCfg)...)
	s.findings = append(s.findings, syn2mas.CheckSynapseConfigAgainstMas(synCfg, target)...)

	connString, err := flags.synapseConnString(synCfg)
	if err != nil {
		// Cannot even address the source database. The config checks have
		// already produced the explanatory finding for the non-Postgres
		// case, so report them rather than failing opaquely.
		printFindings(s.findings)
		if syn2mas.HasErrors(s.findings) {
			return nil, exitCheckErrors
		}
		slog.Error("could not determine Synapse database connection", "error", err)
		return nil, 1
	}

	s.synConn, err = pgx.Connect(ctx, connString)
	if err != nil {
		slog.Error("could not connect to the Synapse database", "error", err)
		return nil, 1
	}

	masConn, err := pgx.Connect(ctx, masCfg.Database.URI)
	if err != nil {
		s.close(ctx)
		slog.Error("could not connect to the MAS database", "error", err)
		return nil, 1
	}

	attempt, err := syn2mas.TryLockMasDatabase(ctx, masConn)
	if err != nil {
		_ = masConn.Close(ctx)
		s.close(ctx)
		slog.Error("failed to issue query to lock the MAS database", "error", err)
		return nil, 1
	}
	if held, ok := attempt.AlreadyHeld(); ok {
		_ = held.Close(ctx)
		s.close(ctx)
		slog.Error("failed to acquire the syn2mas lock on the MAS database")
		slog.Error("this likely means that another syn2mas instance is already running")
		return nil, 1
	}
	s.locked, _ = attempt.Locked()

	masFindings, err := syn2mas.CheckMasDatabase(ctx, s.locked.Conn())
	if err != nil {
		s.close(ctx)
		slog.Error("MAS database checks failed", "error", err)
		return nil, 1
	}
	s.findings = append(s.findings, masFindings...)

	synFindings, err := syn2mas.CheckSynapseDatabase(ctx, s.synConn)
	if err != nil {
		s.close(ctx)
		slog.Error("Synapse database checks failed", "error", err)
		return nil, 1
	}
	s.findings = append(s.findings, synFindings...)

	printFindings(s.findings)
	if syn2mas.HasErrors(s.findings) {
		s.close(ctx)
		return nil, exitCheckErrors
	}

	return s, -1
}

// printFindings renders all findings grouped by severity, errors first.
func printFindings(findings []syn2mas.CheckFinding) {
	var errs, warns []syn2mas.CheckFinding
	for _, f := range findings {
		if f.Severity == syn2mas.SeverityError {
			errs = append(errs, f)
		} else {
			warns = append(warns, f)
		}
	}

	if len(errs) > 0 {
		fmt.Fprintln(os.Stderr, "\n===== Errors =====")
		fmt.Fprintln(os.Stderr, "These issues prevent migrating from Synapse to MAS right now:")
		fmt.Fprintln(os.Stderr)
		for _, f := range errs {
			fmt.Fprintf(os.Stderr, "  • %s\n", f.Message)
		}
	}
	if len(warns) > 0 {
		fmt.Fprintln(os.Stderr, "\n===== Warnings =====")
		fmt.Fprintln(os.Stderr, "These potential issues should be considered before migrating from Synapse to MAS:")
		fmt.Fprintln(os.Stderr)
		for _, f := range warns {
			fmt.Fprintf(os.Stderr, "  • %s\n", f.Message)
		}
	}
}

// runCheck implements the read-only `check` subcommand.
func runCheck(args []string) int {
	ctx := context.Background()

	s, exit := prepare(ctx, "check", args)
	if exit >= 0 {
		return exit
	}
	defer s.close(ctx)

	for _, f := range s.findings {
		if f.Severity == syn2mas.SeverityWarning {
			return exitCheckWarnings
		}
	}

	fmt.Println("Check completed successfully with no errors or warnings.")
	return 0
}
