package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/drivetel/internal/telemetry"
)

type migrator interface {
	Migrate(ctx context.Context, opts telemetry.MigrateOptions) error
	Close() error
}

func newMigrateCommand() *cobra.Command {
	var opts telemetry.MigrateOptions
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the measurements and session_stats tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.DatabaseDSN == "" {
				return errors.New("database dsn is required (--database-dsn, DRIVETEL_DATABASE_DSN or DATABASE_URL)")
			}
			repo, err := telemetry.BuildRepositoryFromDSN(cfg.DatabaseDSN)
			if err != nil {
				return fmt.Errorf("initialize repository: %w", err)
			}
			m, ok := repo.(migrator)
			if !ok {
				_ = repo.Close()
				return fmt.Errorf("%w: migrate needs a postgres database dsn", telemetry.ErrNotImplemented)
			}
			defer m.Close()
			if err := m.Migrate(cmd.Context(), opts); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema ready (recreate=%t truncate=%t)\n", opts.Recreate, opts.Truncate)
			return err
		},
	}
	cmd.Flags().BoolVar(&opts.Recreate, "recreate", false, "drop the tables before creating them")
	cmd.Flags().BoolVar(&opts.Truncate, "truncate", false, "empty the measurements table after migrating")
	cmd.Flags().String("database-dsn", "", "postgres DSN (env DRIVETEL_DATABASE_DSN or DATABASE_URL)")
	return cmd
}
