package server

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/tekesan/freeradius-server/pkg/listener"
)

var (
	meter  = otel.Meter("radiusd/server")
	tracer = otel.Tracer("radiusd/server")
)

func (s *Server) initMeter() error {
	_, err := meter.Int64ObservableGauge(
		"radiusd.listeners.running",
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(s.Listeners(listener.Running))))
			return nil
		}),
		metric.WithDescription("The number of listeners processing requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}
	_, err = meter.Int64ObservableGauge(
		"radiusd.workers.pending",
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.pool.Pending()))
			return nil
		}),
		metric.WithDescription("The number of requests queued for the workers"),
		metric.WithUnit("1"),
	)
	return err
}
