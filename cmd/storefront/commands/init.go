package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/storefront/pkg/config"
)

func newInitCommand() *cobra.Command {
	var (
		dataDir  string
		apiURL   string
		simulate bool
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a storefront client workspace",
		Long: `Initialize a workspace with a default configuration file, a data directory
and a migrated SQLite database.`,
		Example: `  # Initialize in the current directory
  storefront init

  # Simulate payments against a staging marketplace
  storefront init --api-url https://staging.marketplace.example.com --simulate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.DefaultFile
			}

			log.Info().
				Str("config", path).
				Str("data_dir", dataDir).
				Msg("Initializing workspace")

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to check config file: %w", err)
			}

			cfg := config.Default()
			cfg.DataDir = dataDir
			cfg.Payments.Simulate = simulate
			if apiURL != "" {
				cfg.API.BaseURL = apiURL
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return fmt.Errorf("failed to close store: %w", err)
			}
			fmt.Printf("✓ Initialized SQLite database: %s\n", cfg.DatabasePath())

			if err := cfg.Save(path); err != nil {
				return err
			}
			fmt.Printf("✓ Created config file: %s\n", path)

			fmt.Printf("\nNext steps:\n")
			fmt.Printf("  1. Sign in:\n")
			fmt.Printf("     storefront login\n\n")
			fmt.Printf("  2. Serve the local API for a storefront view:\n")
			fmt.Printf("     storefront serve\n\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "directory for the database and session")
	cmd.Flags().StringVar(&apiURL, "api-url", "", "marketplace API base URL")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "simulate payments")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}
