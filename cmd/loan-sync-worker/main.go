package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"loan-sync-worker/internal/app/runtime"
	"loan-sync-worker/internal/pkg/logger"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:          "loan-sync-worker",
		Short:        "Replicates ERP loan records from Postgres into MongoDB",
		SilenceUsage: true,
		// no subcommand means serve
		RunE: runServe,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (overrides CONFIG_PATH)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			return os.Setenv("CONFIG_PATH", configPath)
		}
		return nil
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(resyncCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume change events, run scheduled bulk syncs and serve the admin API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := runtime.New(ctx)
	if err != nil {
		logger.CtxError(ctx, "failed to initialize app", err)
		return err
	}

	if err := app.Run(ctx); err != nil {
		logger.CtxError(ctx, "app stopped with error", err)
		return err
	}
	return nil
}

func resyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync [tables...]",
		Short: "Replace destination collections with the current source tables and exit",
		Long: `Run one bulk sync and print its report as JSON.

With no arguments every configured table is synced, in order.
Exits non-zero when any table failed.

Examples:
  loan-sync-worker resync
  loan-sync-worker resync loan monthly_payment`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			app, err := runtime.New(ctx)
			if err != nil {
				logger.CtxError(ctx, "failed to initialize app", err)
				return err
			}

			report, err := app.Resync(ctx, args)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}

			if failed := report.FailedTables(); len(failed) > 0 {
				return fmt.Errorf("bulk sync failed for tables: %s", strings.Join(failed, ", "))
			}
			return nil
		},
	}
}
