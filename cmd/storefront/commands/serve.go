package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/storefront/pkg/auth"
	"github.com/openfroyo/storefront/pkg/config"
	"github.com/openfroyo/storefront/pkg/server"
)

func newServeCommand() *cobra.Command {
	var (
		addr      string
		assertion string
		watch     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local storefront API",
		Long: `Serve the HTTP API a storefront view uses to run installs, follow button
state and stream events over a websocket.

With --watch the config file is watched: the payment simulation flag, the
post-install guidance and policies.disabled are applied without a restart.
Policy files are watched when policies.watch is set.`,
		Example: `  # Serve on the configured address
  storefront serve

  # Serve on another port and reload config edits
  storefront serve --addr 127.0.0.1:9000 --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			// There is no one to prompt, so paid installs need an existing
			// session or a preset assertion.
			prompt := auth.StaticPrompt(assertion)

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, prompt)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if path := configFile(); watch && path != "" {
				w, err := config.Watch(ctx, path, cfg, a.tel.Logger, func(c *config.Config) {
					a.reconfigure(ctx, c)
				})
				if err != nil {
					return err
				}
				defer w.Close()
			}

			if cfg.Policies.Watch && len(cfg.Policies.Paths) > 0 {
				loader, err := a.policies.Watch(ctx, cfg.Policies.Paths, cfg.Policies.Bundles...)
				if err != nil {
					return err
				}
				defer loader.StopWatching()
			}

			srv, err := server.New(server.Config{
				Addr:            cfg.Server.Addr,
				ReadTimeout:     cfg.Server.ReadTimeout,
				WriteTimeout:    cfg.Server.WriteTimeout,
				ShutdownTimeout: cfg.Server.ShutdownTimeout,
			}, server.Deps{
				Installer: a.orch,
				Buttons:   a.buttons,
				Store:     a.store,
				Telemetry: a.tel,
				Catalog:   a.api,
			})
			if err != nil {
				return err
			}

			log.Info().
				Str("addr", cfg.Server.Addr).
				Bool("simulate", cfg.Payments.Simulate).
				Int("installed", a.registry.Len()).
				Msg("Starting storefront API")
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&assertion, "assertion", "", "login assertion used when a paid install needs sign-in")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload runtime settings when the config file changes")

	return cmd
}
