package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/drivetel/internal/config"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()
	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "drivetel: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "drivetel",
		Short:         "drivetel ingests drive-test telemetry over WebSocket into Postgres",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Serve with Postgres storage
  DATABASE_URL=postgres://drivetel@localhost/drivetel?sslmode=disable drivetel serve

  # In-memory storage (tests/dev only)
  drivetel serve --database-dsn memory://

  # Create the schema, dropping existing tables first
  drivetel migrate --recreate
`,
	}
	cmd.PersistentFlags().String("config", strings.TrimSpace(os.Getenv("DRIVETEL_CONFIG")), "path to a YAML config file (env DRIVETEL_CONFIG)")
	cmd.AddCommand(newServeCommand(), newMigrateCommand(), newConfigCommand())
	return cmd
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return strings.TrimSpace(path)
}

// loadConfig reads the config file and environment, then applies any flags the
// user set explicitly.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Lookup("addr") != nil && flags.Changed("addr") {
		cfg.Addr, _ = flags.GetString("addr")
	}
	if flags.Lookup("database-dsn") != nil && flags.Changed("database-dsn") {
		cfg.DatabaseDSN, _ = flags.GetString("database-dsn")
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
