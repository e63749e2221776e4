package telemetry

import (
	"github.com/robinbraemer/event"
	"go.opentelemetry.io/otel/metric"
)

// Config configures telemetry.
type Config struct {
	Enabled     bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	ServiceName string `json:"serviceName,omitempty" yaml:"serviceName,omitempty"`
}

// Options contains configuration options for Instrument.
type Options struct {
	// EventMgr is the event manager the server fires on.
	EventMgr event.Manager
	// MeterProvider to create instruments with.
	// Defaults to the global provider.
	MeterProvider metric.MeterProvider
}
