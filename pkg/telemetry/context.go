package telemetry

import (
	"context"
	"errors"
	"fmt"
)

// Telemetry bundles the logger, tracer, metrics and event publisher every
// storefront component is built with.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	t := &Telemetry{Logger: logger, Config: cfg}

	if t.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment); err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		_ = t.Tracer.Shutdown(context.Background())
		_ = logger.Close()
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	if t.Events, err = NewEventPublisher(cfg.Events); err != nil {
		_ = t.Tracer.Shutdown(context.Background())
		_ = logger.Close()
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}

	logger.NewComponentLogger("telemetry").WithFields(map[string]interface{}{
		"service":     cfg.ServiceName,
		"version":     cfg.ServiceVersion,
		"environment": cfg.Environment,
		"tracing":     cfg.Tracing.Enabled,
		"metrics":     cfg.Metrics.Enabled,
	}).Debug("Telemetry initialized")
	return t, nil
}

// NewNopTelemetry returns telemetry that records nothing. Events are
// delivered synchronously so tests can subscribe to them.
func NewNopTelemetry() *Telemetry {
	cfg := TestConfig()
	events, _ := NewEventPublisher(cfg.Events)
	metrics, _ := NewMetrics(cfg.Metrics)
	return &Telemetry{
		Logger:  NewNopLogger(),
		Tracer:  NewNopTracer(),
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}
}

// Shutdown drains pending events, flushes spans and closes the log file.
// Events go first so subscribers still have a working logger.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Logger.Close(),
	)
}
