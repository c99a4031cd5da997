package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/storefront/pkg/api"
	"github.com/openfroyo/storefront/pkg/auth"
	"github.com/openfroyo/storefront/pkg/buttons"
	"github.com/openfroyo/storefront/pkg/cache"
	"github.com/openfroyo/storefront/pkg/config"
	"github.com/openfroyo/storefront/pkg/installer"
	"github.com/openfroyo/storefront/pkg/orchestrator"
	"github.com/openfroyo/storefront/pkg/payments"
	"github.com/openfroyo/storefront/pkg/policy"
	"github.com/openfroyo/storefront/pkg/registry"
	"github.com/openfroyo/storefront/pkg/stores"
	"github.com/openfroyo/storefront/pkg/telemetry"
)

// app holds the wired client components shared by the commands.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	store    *stores.SQLiteStore
	api      *api.Client
	session  *auth.Session
	registry *registry.Registry
	buttons  *buttons.Controller
	payments *payments.Coordinator
	policies *policy.Engine
	orch     *orchestrator.Orchestrator

	recorderID string
}

// loadConfig reads .env, the config file and the environment, then applies
// the global flags.
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// configFile returns the config file in use, or "" when running on defaults.
func configFile() string {
	path := configPath
	if path == "" {
		path = config.DefaultFile
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            cfg.DatabasePath(),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// newApp wires every component from cfg. prompt answers login requests.
func newApp(ctx context.Context, cfg *config.Config, prompt auth.Prompt) (*app, error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{cfg: cfg, tel: tel}

	if a.store, err = openStore(ctx, cfg); err != nil {
		a.close(ctx)
		return nil, err
	}

	responses := cache.New(cache.WithLogger(tel.Logger.NewComponentLogger("cache").Zerolog()))

	// The client signs requests with the session token, and the session logs
	// in through the client.
	a.api, err = api.New(api.Config{
		BaseURL:   cfg.API.BaseURL,
		Endpoints: cfg.API.Endpoints,
		Timeout:   cfg.API.Timeout,
		RateLimit: cfg.API.RateLimit,
		Burst:     cfg.API.Burst,
	},
		api.WithCache(responses),
		api.WithTelemetry(tel.Metrics, tel.Logger),
		api.WithTokenSource(func() string {
			if a.session == nil {
				return ""
			}
			return a.session.Token()
		}),
	)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}

	if a.session, err = auth.NewSession(a.api, prompt, cfg.SessionPath(), tel.Logger); err != nil {
		a.close(ctx)
		return nil, err
	}

	a.registry = registry.New()
	a.registry.OnChange(func(count int) { tel.Metrics.SetInstalledApps(float64(count)) })
	if err := a.registry.Init(ctx, installer.Source(a.store)); err != nil {
		a.close(ctx)
		return nil, err
	}

	a.buttons = buttons.NewController(a.registry, tel.Events, tel.Logger)
	notifier := telemetry.NewNotifications(tel.Events, tel.Logger)

	poller := payments.NewPoller(a.api, payments.PollerConfig{
		Interval: cfg.Payments.PollInterval,
		Deadline: cfg.Payments.Deadline,
		Simulate: cfg.Payments.Simulate,
	}, tel)
	var provider payments.Provider
	if cfg.Payments.ProviderURL != "" {
		provider = payments.NewHTTPProvider(cfg.Payments.ProviderURL, a.api, tel.Logger)
	}
	a.payments = payments.NewCoordinator(a.api, provider, poller, notifier, tel,
		payments.WithSimulator(payments.NewSimulatedProvider(cfg.Payments.SimulatedDelay, tel.Logger)),
		payments.WithSimulation(cfg.Payments.Simulate),
	)

	a.policies, err = policy.NewEngine(tel.Logger.NewComponentLogger("policy").Zerolog(), policy.Config{
		Platform:               runtime.GOOS,
		AllowInsecureManifests: cfg.Policies.AllowInsecureManifests,
		Events:                 tel.Events,
	})
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if err := configurePolicies(ctx, a.policies, cfg.Policies); err != nil {
		a.close(ctx)
		return nil, err
	}

	a.orch, err = orchestrator.New(orchestrator.Config{
		WatchdogTimeout: cfg.Install.Watchdog,
		MaxRestarts:     cfg.Install.MaxRestarts,
		DedupeAttempts:  cfg.Install.DedupeAttempts,
		Chromeless:      cfg.Install.Chromeless,
		Platform:        runtime.GOOS,
		Guidance:        cfg.Install.Guidance,
	}, orchestrator.Deps{
		Auth:      a.session,
		API:       a.api,
		Cache:     responses,
		Purchaser: a.payments,
		Installer: installer.New(a.api, a.store, a.registry, tel),
		Buttons:   a.buttons,
		Notifier:  notifier,
		Registry:  a.registry,
		Simulator: a.payments,
		Gate:      a.policies,
		Recorder:  a.store,
		Telemetry: tel,
	})
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	a.recorderID = tel.Events.Subscribe(stores.EventRecorder(a.store, tel.Logger),
		telemetry.FilterByType(stores.PersistedEventTypes...))

	return a, nil
}

// reconfigure applies the settings that may change while running. Policies
// are reloaded from the sources loaded at startup and policies.disabled is
// applied again.
func (a *app) reconfigure(ctx context.Context, cfg *config.Config) {
	a.payments.SetSimulate(cfg.Payments.Simulate)
	a.orch.SetGuidance(cfg.Install.Guidance)

	err := a.policies.ReloadPolicies(ctx)
	if err == nil {
		err = disablePolicies(a.policies, cfg.Policies.Disabled)
	}
	if err != nil {
		a.tel.Logger.WithError(err).Error("Failed to reload policies")
	}

	a.tel.Logger.WithFields(map[string]interface{}{
		"simulate": cfg.Payments.Simulate,
		"guidance": len(cfg.Install.Guidance),
		"disabled": len(cfg.Policies.Disabled),
	}).Info("Configuration reloaded")
}

// close drains the event publisher before closing the store the event
// recorder writes to.
func (a *app) close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	errs := []error{a.tel.Shutdown(shutdownCtx)}
	if a.recorderID != "" {
		a.tel.Events.Unsubscribe(a.recorderID)
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("Shutdown finished with errors")
	}
}
