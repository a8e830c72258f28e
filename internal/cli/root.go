// Package cli implements keygatectl, the operator tool for managing access
// keys directly against the configured store.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"keygate/internal/config"
	"keygate/internal/db"
	"keygate/internal/jsonstore"
	"keygate/internal/keys"
	"keygate/internal/store"
)

var (
	version = "dev"
	commit  = "unknown"
)

// env holds what the key commands need. It is filled by openManager.
type env struct {
	store   store.Store
	manager *keys.Manager
}

// opener builds the command environment. Tests replace it.
var opener = openManager

// rootCmd represents the base command when called without any subcommands
var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "keygatectl",
		Short: "Manage keygate access keys",
		Long: `keygatectl issues, lists and revokes keygate access keys.
It reads the same environment as the server (DATABASE_URL or DATA_DIR,
CONFIG_FILE) and talks to the store directly.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().String("env-file", ".env", "dotenv file to load before reading the environment")

	root.AddCommand(newIssueCmd(), newListCmd(), newRevokeCmd(), newSummaryCmd(), newHashTokenCmd())
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openManager(cmd *cobra.Command) (*env, error) {
	if path, _ := cmd.Flags().GetString("env-file"); path != "" {
		_ = godotenv.Load(path)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	yamlCfg, err := config.LoadYAMLConfig()
	if err != nil {
		return nil, err
	}

	var s store.Store
	if cfg.UsePostgres() {
		database, err := db.New(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		s = database
	} else {
		js, err := jsonstore.Open(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		s = js
	}

	return &env{store: s, manager: keys.NewManager(s, yamlCfg.Defaults)}, nil
}

// withManager opens the store, runs fn and closes the store.
func withManager(cmd *cobra.Command, fn func(ctx context.Context, m *keys.Manager, out io.Writer) error) error {
	e, err := opener(cmd)
	if err != nil {
		return err
	}
	defer e.store.Close()
	return fn(cmd.Context(), e.manager, cmd.OutOrStdout())
}
