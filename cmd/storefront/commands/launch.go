package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/storefront/pkg/stores"
)

func newLaunchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launch <manifest-url>",
		Short: "Print the launch URL of an installed app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			install, err := a.store.GetInstall(ctx, args[0])
			if errors.Is(err, stores.ErrNotFound) {
				return fmt.Errorf("%s is not installed", args[0])
			}
			if err != nil {
				return err
			}

			launchURL, err := a.orch.Launch(ctx, install.Product())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]string{"launch_url": launchURL})
			}
			fmt.Println(launchURL)
			return nil
		},
	}
	return cmd
}
