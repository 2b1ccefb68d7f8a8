package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/termin-cli/internal/observability"
	"github.com/xkilldash9x/termin-cli/internal/store"
)

// runStatsLoader reads the counters persisted for a finished run.
type runStatsLoader interface {
	GetRunStats(ctx context.Context, runID string) (map[string]int64, error)
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <run-id>",
		Short: "Print the counters stored in the database for a finished run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := a.cfg.Database().URL
			if url == "" {
				return errors.New("database.url is not configured (TERMIN_DATABASE_URL)")
			}
			ctx := cmd.Context()
			pool, err := pgxpool.New(ctx, url)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer pool.Close()

			dbStore, err := store.New(ctx, pool, observability.GetLogger())
			if err != nil {
				return fmt.Errorf("failed to initialize database store: %w", err)
			}
			return printRunStats(ctx, dbStore, args[0], cmd.OutOrStdout())
		},
	}
}

func printRunStats(ctx context.Context, loader runStatsLoader, runID string, out io.Writer) error {
	stats, err := loader.GetRunStats(ctx, runID)
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		return fmt.Errorf("no stats stored for run %q", runID)
	}
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
