package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STOREFRONT_"

type envBinding struct {
	name  string
	apply func(c *Config, v string) error
}

func stringVar(set func(c *Config, v string)) func(*Config, string) error {
	return func(c *Config, v string) error {
		set(c, v)
		return nil
	}
}

func boolVar(set func(c *Config, v bool)) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		set(c, b)
		return nil
	}
}

func durationVar(set func(c *Config, v time.Duration)) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		set(c, d)
		return nil
	}
}

var envBindings = []envBinding{
	{"DATA_DIR", stringVar(func(c *Config, v string) { c.DataDir = v })},
	{"API_URL", stringVar(func(c *Config, v string) { c.API.BaseURL = v })},
	{"API_TIMEOUT", durationVar(func(c *Config, v time.Duration) { c.API.Timeout = v })},
	{"SIMULATE_PAYMENTS", boolVar(func(c *Config, v bool) { c.Payments.Simulate = v })},
	{"PAYMENT_PROVIDER_URL", stringVar(func(c *Config, v string) { c.Payments.ProviderURL = v })},
	{"PAYMENT_DEADLINE", durationVar(func(c *Config, v time.Duration) { c.Payments.Deadline = v })},
	{"DEDUPE_ATTEMPTS", boolVar(func(c *Config, v bool) { c.Install.DedupeAttempts = v })},
	{"WATCHDOG", durationVar(func(c *Config, v time.Duration) { c.Install.Watchdog = v })},
	{"CHROMELESS", boolVar(func(c *Config, v bool) { c.Install.Chromeless = v })},
	{"DB_PATH", stringVar(func(c *Config, v string) { c.Database.Path = v })},
	{"SERVER_ADDR", stringVar(func(c *Config, v string) { c.Server.Addr = v })},
	{"ALLOW_INSECURE_MANIFESTS", boolVar(func(c *Config, v bool) { c.Policies.AllowInsecureManifests = v })},
	{"LOG_LEVEL", stringVar(func(c *Config, v string) { c.Telemetry.Logging.Level = v })},
	{"LOG_FORMAT", stringVar(func(c *Config, v string) { c.Telemetry.Logging.Format = v })},
	{"TRACING_ENDPOINT", stringVar(func(c *Config, v string) {
		c.Telemetry.Tracing.Enabled = true
		c.Telemetry.Tracing.Exporter = "otlp"
		c.Telemetry.Tracing.Endpoint = v
	})},
}

// applyEnv applies STOREFRONT_* overrides. Empty variables are ignored.
func applyEnv(c *Config) error {
	for _, b := range envBindings {
		v, ok := os.LookupEnv(EnvPrefix + b.name)
		if !ok || v == "" {
			continue
		}
		if err := b.apply(c, v); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, b.name, err)
		}
	}
	return nil
}
