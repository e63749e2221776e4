// Package telemetry sets up OpenTelemetry for radiusd and records metrics
// from server events.
package telemetry

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/honeycombio/otel-config-go/otelconfig"

	"github.com/tekesan/freeradius-server/pkg/version"
)

// DefaultServiceName is reported when Config.ServiceName is empty.
const DefaultServiceName = "radiusd"

// Init configures the global OpenTelemetry tracer and meter providers.
// Exporters are configured by the standard OTEL_* environment variables.
// If telemetry is disabled, Init returns a no-op cleanup.
func Init(ctx context.Context, cfg Config) (cleanup func(), err error) {
	if !cfg.Enabled {
		return func() {}, nil
	}
	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	shutdown, err := otelconfig.ConfigureOpenTelemetry(
		otelconfig.WithServiceName(name),
		otelconfig.WithServiceVersion(version.String()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logr.FromContextOrDiscard(ctx).Info("telemetry enabled", "service", name)
	return shutdown, nil
}
