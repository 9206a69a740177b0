package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/tonkku107/matrix-authentication-service/syn2mas"
)

// runMigrate implements the destructive `migrate` subcommand. It performs
// the exact same checks as `check` (via prepare) and aborts under the same
// rule before touching any writer resources.
func runMigrate(args []string) int {
	ctx := context.Background()

	s, exit := prepare(ctx, "migrate", args)
	if exit >= 0 {
		return exit
	}
	defer s.close(ctx)

	// The reader's dry-run flag is always set for now: the read path is
	// identical either way, and the only gated behavior is whether the
	// snapshot transaction ends in a rollback instead of a commit.
	reader, err := syn2mas.OpenReader(ctx, s.synConn, true, slog.Default())
	if err != nil {
		slog.Error("could not open the Synapse reader", "error", err)
		return 1
	}

	workerConns, err := openWorkerConnections(ctx, s.masCfg.Database.URI, syn2mas.DefaultWriterConnections)
	if err != nil {
		slog.Error("could not open MAS writer connections", "error", err)
		return 1
	}

	writer, err := syn2mas.OpenWriter(ctx, s.locked, workerConns, slog.Default())
	if err != nil {
		for _, conn := range workerConns {
			_ = conn.Close(ctx)
		}
		slog.Error("could not prepare the MAS database for bulk load", "error", err)
		return 1
	}

	progress := syn2mas.NewProgress()
	loggerCtx, cancelLogger := context.WithCancel(ctx)
	go syn2mas.RunProgressLogger(loggerCtx, progress, syn2mas.DefaultProgressInterval, slog.Default())

	summary, err := syn2mas.Migrate(ctx, reader, writer, syn2mas.MigrateOptions{
		Target:   s.target,
		Progress: progress,
		Logger:   slog.Default(),
	})
	cancelLogger()

	if closeErr := writer.Close(ctx); closeErr != nil && err == nil {
		err = closeErr
	}
	if closeErr := reader.Close(ctx); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		slog.Error("migration failed; restore the MAS database from backup before retrying", "error", err)
		return 1
	}

	migrated, skipped := summary.Total()
	fmt.Printf("Migration completed: %d rows migrated, %d rows skipped.\n", migrated, skipped)
	for _, entity := range syn2mas.EntityOrder {
		e := summary[entity]
		fmt.Printf("  %-22s migrated=%d skipped=%d\n", entity, e.Migrated, e.Skipped)
	}
	return 0
}

// openWorkerConnections establishes the writer pool's connections in
// parallel; any single failure closes whatever was opened.
func openWorkerConnections(ctx context.Context, uri string, n int) ([]*pgx.Conn, error) {
	conns := make([]*pgx.Conn, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			conn, err := pgx.Connect(gctx, uri)
			if err != nil {
				return fmt.Errorf("open writer connection %d: %w", i, err)
			}
			conns[i] = conn
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, conn := range conns {
			if conn != nil {
				_ = conn.Close(ctx)
			}
		}
		return nil, err
	}
	return conns, nil
}
