package telemetry

import (
	"context"
	"errors"

	"github.com/robinbraemer/event"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"

	"github.com/tekesan/freeradius-server/pkg/server"
)

const meterName = "radiusd/telemetry"

// Instruments records server events as metrics.
type Instruments struct {
	requests        metric.Int64Counter
	requestDuration metric.Float64Histogram
	faults          metric.Int64Counter
	listenersOpened metric.Int64Counter
	listenersClosed metric.Int64Counter
	serversFailed   metric.Int64Counter
	reloads         metric.Int64Counter

	unsubscribe []func()
}

// Instrument subscribes to the server events of opts.EventMgr.
// Call Close to unsubscribe.
func Instrument(opts Options) (*Instruments, error) {
	if opts.EventMgr == nil {
		return nil, errors.New("missing event manager")
	}
	mp := opts.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	i := &Instruments{}
	var err, e error
	i.requests, e = meter.Int64Counter("radiusd.requests",
		metric.WithDescription("Total number of processed requests"),
		metric.WithUnit("1"))
	err = multierr.Append(err, e)
	i.requestDuration, e = meter.Float64Histogram("radiusd.request.duration",
		metric.WithDescription("Time from receiving a request until it was processed"),
		metric.WithUnit("s"))
	err = multierr.Append(err, e)
	i.faults, e = meter.Int64Counter("radiusd.process.faults",
		metric.WithDescription("Total number of requests that failed processing"),
		metric.WithUnit("1"))
	err = multierr.Append(err, e)
	i.listenersOpened, e = meter.Int64Counter("radiusd.listeners.opened",
		metric.WithDescription("Total number of listeners opened"),
		metric.WithUnit("1"))
	err = multierr.Append(err, e)
	i.listenersClosed, e = meter.Int64Counter("radiusd.listeners.closed",
		metric.WithDescription("Total number of listeners torn down"),
		metric.WithUnit("1"))
	err = multierr.Append(err, e)
	i.serversFailed, e = meter.Int64Counter("radiusd.virtual_servers.failed",
		metric.WithDescription("Total number of virtual servers that failed a startup phase"),
		metric.WithUnit("1"))
	err = multierr.Append(err, e)
	i.reloads, e = meter.Int64Counter("radiusd.reloads",
		metric.WithDescription("Total number of applied configuration reloads"),
		metric.WithUnit("1"))
	err = multierr.Append(err, e)
	if err != nil {
		return nil, err
	}

	mgr := opts.EventMgr
	i.unsubscribe = []func(){
		event.Subscribe(mgr, 0, i.onProcessed),
		event.Subscribe(mgr, 0, i.onFault),
		event.Subscribe(mgr, 0, i.onOpened),
		event.Subscribe(mgr, 0, i.onClosed),
		event.Subscribe(mgr, 0, i.onFailed),
		event.Subscribe(mgr, 0, i.onReload),
	}
	return i, nil
}

// Close unsubscribes from all events.
func (i *Instruments) Close() {
	for _, fn := range i.unsubscribe {
		fn()
	}
	i.unsubscribe = nil
}

func (i *Instruments) onProcessed(e *server.RequestProcessedEvent) {
	result := "ok"
	if e.Err() != nil {
		result = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("server", e.Server()),
		attribute.String("listener", e.Listener()),
		attribute.String("type", string(e.Type())),
		attribute.String("result", result),
	)
	ctx := context.Background()
	i.requests.Add(ctx, 1, attrs)
	i.requestDuration.Record(ctx, e.Duration().Seconds(), attrs)
}

func (i *Instruments) onFault(e *server.ProcessFaultEvent) {
	i.faults.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("server", e.Server()),
		attribute.String("type", string(e.Type())),
	))
}

func (i *Instruments) onOpened(e *server.ListenerOpenedEvent) {
	i.listenersOpened.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("server", e.Server()),
		attribute.String("transport", e.Transport().String()),
	))
}

func (i *Instruments) onClosed(e *server.ListenerClosedEvent) {
	i.listenersClosed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("server", e.Server()),
		attribute.Bool("error", e.Err() != nil),
	))
}

func (i *Instruments) onFailed(e *server.VirtualServerFailedEvent) {
	i.serversFailed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("server", e.Server()),
	))
}

func (i *Instruments) onReload(e *server.ReloadEvent) {
	i.reloads.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int("added", len(e.Added())),
		attribute.Int("removed", len(e.Removed())),
	))
}
