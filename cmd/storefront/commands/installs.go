package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/storefront/pkg/storefront"
	"github.com/openfroyo/storefront/pkg/stores"
)

func newInstallsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "installs",
		Short: "List installed apps",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			installs, err := store.ListInstalls(ctx, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				if installs == nil {
					installs = []*stores.Install{}
				}
				return printJSON(installs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SLUG\tVERSION\tPRICING\tINSTALLED\tLAUNCH URL")
			for _, in := range installs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					in.Slug, in.Version, in.PremiumType, in.InstalledAt.Format(time.DateTime), in.LaunchURL)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of installs to list")
	return cmd
}

func newAttemptsCommand() *cobra.Command {
	var (
		slug  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "attempts",
		Short: "List recent install attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			var filter *string
			if slug != "" {
				filter = &slug
			}
			attempts, err := store.ListAttempts(ctx, filter, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				if attempts == nil {
					attempts = []storefront.AttemptRecord{}
				}
				return printJSON(attempts)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSLUG\tSTATUS\tKIND\tDURATION\tSTARTED")
			for _, at := range attempts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					at.ID, at.Slug, at.Status, at.ErrorKind,
					at.Duration().Round(time.Millisecond), at.StartedAt.Format(time.DateTime))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&slug, "slug", "", "only list attempts for this app")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of attempts to list")
	return cmd
}
