// Package installer installs storefront apps: it fetches and validates the
// app manifest, persists the install and registers the runtime handle.
package installer

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/storefront/pkg/registry"
	"github.com/openfroyo/storefront/pkg/storefront"
	"github.com/openfroyo/storefront/pkg/stores"
	"github.com/openfroyo/storefront/pkg/telemetry"
)

// Manifest is the subset of an app manifest the installer needs.
type Manifest struct {
	Name        string `json:"name" validate:"required"`
	Version     string `json:"version" validate:"required"`
	LaunchPath  string `json:"launch_path" validate:"required,startswith=/"`
	Description string `json:"description,omitempty"`
}

// App is the handle of an installed app.
type App struct {
	manifestURL string
	launchURL   string
	name        string
	version     string
}

// NewApp creates an app handle.
func NewApp(manifestURL, launchURL, name, version string) *App {
	return &App{manifestURL: manifestURL, launchURL: launchURL, name: name, version: version}
}

// ManifestURL implements storefront.InstallerHandle.
func (a *App) ManifestURL() string { return a.manifestURL }

// LaunchURL implements storefront.InstallerHandle.
func (a *App) LaunchURL() string { return a.launchURL }

// Name returns the app name from its manifest.
func (a *App) Name() string { return a.name }

// Version returns the installed manifest version.
func (a *App) Version() string { return a.version }

// Installer implements storefront.Installer.
type Installer struct {
	api      storefront.API
	store    stores.Store
	registry *registry.Registry
	events   *telemetry.EventPublisher
	validate *validator.Validate
	logger   *telemetry.Logger
}

// New creates an installer. The registry may be nil.
func New(api storefront.API, store stores.Store, reg *registry.Registry, tel *telemetry.Telemetry) *Installer {
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}
	return &Installer{
		api:      api,
		store:    store,
		registry: reg,
		events:   tel.Events,
		validate: validator.New(),
		logger:   tel.Logger.NewComponentLogger("installer"),
	}
}

// Install fetches the product's manifest, records the install and returns
// the app handle.
func (i *Installer) Install(ctx context.Context, product *storefront.Product, opts storefront.InstallOptions) (storefront.InstallerHandle, error) {
	logger := i.logger.WithProduct(product.Slug, product.ID).WithManifest(product.ManifestURL)

	manifest, err := i.FetchManifest(ctx, product.ManifestURL)
	if err != nil {
		return nil, storefront.NewInstallFailedError("failed to fetch manifest", err).WithProduct(product)
	}

	launchURL, err := resolveLaunchURL(product.ManifestURL, manifest.LaunchPath)
	if err != nil {
		return nil, storefront.NewInstallFailedError("invalid launch path", err).WithProduct(product)
	}

	existing, err := i.store.GetInstall(ctx, product.ManifestURL)
	switch {
	case errors.Is(err, stores.ErrNotFound):
	case err != nil:
		return nil, storefront.NewInstallFailedError("failed to read install state", err).WithProduct(product)
	default:
		logUpgrade(logger, existing.Version, manifest.Version)
	}

	if product.Version != "" && product.Version != manifest.Version {
		logger.Debugf("Storefront lists version %s, manifest has %s", product.Version, manifest.Version)
	}

	install := &stores.Install{
		ManifestURL:     product.ManifestURL,
		ProductID:       product.ID,
		Slug:            product.Slug,
		Name:            manifest.Name,
		Version:         manifest.Version,
		LaunchURL:       launchURL,
		PremiumType:     product.PremiumType,
		PaymentRequired: product.PaymentRequired || (product.User != nil && product.User.Purchased),
		Receipts:        opts.Receipts,
	}
	if existing != nil {
		install.InstalledAt = existing.InstalledAt
	}
	if err := i.store.UpsertInstall(ctx, install); err != nil {
		return nil, storefront.NewInstallFailedError("failed to persist install", err).WithProduct(product)
	}

	app := NewApp(product.ManifestURL, launchURL, manifest.Name, manifest.Version)
	if i.registry != nil {
		i.registry.Put(app.ManifestURL(), app)
	}
	_ = i.events.PublishAppInstalled(app.ManifestURL(), app.Version())

	logger.WithField("version", manifest.Version).Info("App installed")
	return app, nil
}

// FetchManifest downloads and validates an app manifest.
func (i *Installer) FetchManifest(ctx context.Context, manifestURL string) (*Manifest, error) {
	resp, err := i.api.Get(ctx, manifestURL)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := resp.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if err := i.validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

// Source loads the handles of installed apps from the store, for
// registry.Init.
func Source(store stores.Store) registry.Source {
	return func(ctx context.Context) ([]storefront.InstallerHandle, error) {
		installs, err := store.ListInstalls(ctx, -1, 0)
		if err != nil {
			return nil, err
		}
		handles := make([]storefront.InstallerHandle, 0, len(installs))
		for _, in := range installs {
			handles = append(handles, NewApp(in.ManifestURL, in.LaunchURL, in.Name, in.Version))
		}
		return handles, nil
	}
}

func resolveLaunchURL(manifestURL, launchPath string) (string, error) {
	base, err := url.Parse(manifestURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(launchPath)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// logUpgrade reports how a reinstall changes the installed version.
func logUpgrade(logger *telemetry.Logger, installed, incoming string) {
	newer, err := IsVersionNewer(incoming, installed)
	switch {
	case err != nil:
		if incoming != installed {
			logger.WithError(err).Warnf("Unparseable version, replacing %s with %s", installed, incoming)
		}
	case newer:
		logger.Infof("Updating app from %s to %s", installed, incoming)
	default:
		logger.Debugf("Reinstalling version %s", incoming)
	}
}

// IsVersionNewer reports whether v1 is a newer semantic version than v2.
func IsVersionNewer(v1, v2 string) (bool, error) {
	ver1, err := semver.NewVersion(v1)
	if err != nil {
		return false, err
	}
	ver2, err := semver.NewVersion(v2)
	if err != nil {
		return false, err
	}
	return ver1.GreaterThan(ver2), nil
}

var (
	_ storefront.Installer       = (*Installer)(nil)
	_ storefront.InstallerHandle = (*App)(nil)
)
