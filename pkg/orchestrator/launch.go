package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/storefront/pkg/storefront"
)

// ErrNotInstalled is returned when launching an app with no installer handle.
var ErrNotInstalled = errors.New("app is not installed")

// Launch starts an installed app and returns its launch URL.
func (o *Orchestrator) Launch(ctx context.Context, product *storefront.Product) (string, error) {
	if product == nil {
		return "", errors.New("product is required")
	}
	if o.deps.Registry == nil {
		return "", fmt.Errorf("%w: %s", ErrNotInstalled, product.ManifestURL)
	}

	h, ok := o.deps.Registry.Lookup(product.ManifestURL)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotInstalled, product.ManifestURL)
	}

	label := "Free"
	if product.PaymentRequired {
		label = "Paid"
	}
	o.deps.Tracker.Track(TrackLaunch, label, product.Slug, -1)

	o.logger.WithProduct(product.Slug, product.ID).WithManifest(product.ManifestURL).
		Infof("Launching %s", h.LaunchURL())
	return h.LaunchURL(), nil
}
