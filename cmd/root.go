// Package cmd defines and implements the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/corpusforge/harvester/internal/app"
	"github.com/corpusforge/harvester/internal/config"
)

var (
	cfgFile        string
	storeFlag      string
	dbFlag         string
	snapshotDir    string
	quotaOverrides []string
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It is a variable so tests can replace
// it with a factory returning a canned container.
var newApp = func(ctx context.Context, cfg config.Config) (*app.App, error) {
	return app.New(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Ingestion core for the corpusforge text collection pipeline.",
		Long: `harvester tracks every discovered document through an idempotent ledger,
deduplicates extracted text with MinHash sketches, enforces per-source
quotas and fetch pacing, and hands clean units to the downstream corpus
store. Interrupted runs resume from the ledger without refetching.`,

		// Runs after flags are parsed but before the subcommand's RunE,
		// so flag overrides are applied to the loaded config here.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if err := applyFlagOverrides(&cfg); err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},

		// Ensures services are shut down gracefully.
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a, ok := cmd.Context().Value(appKey).(*app.App); ok && a != nil {
				a.Close()
			}
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (defaults plus HARVESTER_* env vars apply without one)")
	pf.StringVar(&storeFlag, "store", "", "ledger backend, sqlite or postgres")
	pf.StringVar(&dbFlag, "db", "", "sqlite path or postgres DSN for the ledger")
	pf.StringVar(&snapshotDir, "snapshot-dir", "", "directory for run snapshot export")
	pf.StringArrayVar(&quotaOverrides, "quota-override", nil, "per-source daily quota as source=limit, repeatable")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

// applyFlagOverrides folds command line overrides into the loaded config.
func applyFlagOverrides(cfg *config.Config) error {
	if storeFlag != "" {
		cfg.Ledger.Backend = storeFlag
	}
	if dbFlag != "" {
		if cfg.Ledger.Backend == "postgres" {
			cfg.Ledger.DSN = dbFlag
		} else {
			cfg.Ledger.Path = dbFlag
		}
	}
	if snapshotDir != "" {
		cfg.Snapshot.Dir = snapshotDir
	}
	for _, ov := range quotaOverrides {
		source, limitStr, ok := strings.Cut(ov, "=")
		if !ok || source == "" {
			return fmt.Errorf("malformed quota override %q, want source=limit", ov)
		}
		limit, err := strconv.ParseInt(limitStr, 10, 64)
		if err != nil {
			return fmt.Errorf("malformed quota override %q: %w", ov, err)
		}
		if cfg.Quota.Overrides == nil {
			cfg.Quota.Overrides = make(map[string]int64)
		}
		cfg.Quota.Overrides[source] = limit
	}
	return nil
}

func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context so long runs drain cleanly instead of dying mid-fetch.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
