package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/storefront/pkg/buttons"
	"github.com/openfroyo/storefront/pkg/storefront"
	"github.com/openfroyo/storefront/pkg/telemetry"
)

func newInstallCommand() *cobra.Command {
	var (
		assertion string
		button    string
	)

	cmd := &cobra.Command{
		Use:   "install <product.json>",
		Short: "Purchase and install an app",
		Long: `Run one install attempt for the product described by a JSON file ("-" reads
standard input). Paid apps require a signed-in user; when no session is active
the login assertion is read from --assertion or prompted for.`,
		Example: `  # Install a free app
  storefront install chess.json

  # Install a paid app, signing in non-interactively
  storefront install premium.json --assertion "$ASSERTION"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			product, err := readProduct(args[0])
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, loginPrompt(assertion))
			if err != nil {
				return err
			}
			defer a.close(ctx)

			id := a.tel.Events.Subscribe(func(e telemetry.Event) {
				fmt.Fprintf(os.Stderr, "» %s\n", e.Message)
			}, telemetry.FilterByType(telemetry.EventTypeNotification))
			defer a.tel.Events.Unsubscribe(id)

			log.Info().Str("slug", product.Slug).Str("manifest", product.ManifestURL).Msg("Installing app")
			if button != "" {
				if _, err := a.buttons.Mount(button, product.ManifestURL, buttons.LabelInstall); err != nil {
					return err
				}
			}

			h, err := a.orch.RunInstall(ctx, product, button)
			if err != nil {
				return fmt.Errorf("install %s: %w", product.Slug, err)
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{
					"manifest_url": h.ManifestURL(),
					"launch_url":   h.LaunchURL(),
					"user":         product.User,
				})
			}
			fmt.Printf("✓ Installed %s\n", product.Name)
			fmt.Printf("  Launch: %s\n", h.LaunchURL())
			return nil
		},
	}

	cmd.Flags().StringVar(&assertion, "assertion", "", "login assertion used when sign-in is required")
	cmd.Flags().StringVar(&button, "button", "", "button handle to report progress on")

	return cmd
}

// readProduct decodes and validates a product JSON document. "-" reads stdin.
func readProduct(path string) (*storefront.Product, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open product: %w", err)
		}
		defer f.Close()
		r = f
	}

	var product storefront.Product
	if err := json.NewDecoder(r).Decode(&product); err != nil {
		return nil, fmt.Errorf("failed to decode product: %w", err)
	}
	if err := validator.New().Struct(&product); err != nil {
		return nil, fmt.Errorf("invalid product: %w", err)
	}
	return &product, nil
}
