package telemetry

import (
	"context"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/go-faker/faker/v4"
	"github.com/go-logr/logr/testr"
	"github.com/robinbraemer/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/tekesan/freeradius-server/pkg/listener"
	"github.com/tekesan/freeradius-server/pkg/module"
	"github.com/tekesan/freeradius-server/pkg/protocols/radius"
	"github.com/tekesan/freeradius-server/pkg/server"
)

func instrument(t *testing.T) (event.Manager, *sdkmetric.ManualReader, *Instruments) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mgr := event.New()
	i, err := Instrument(Options{
		EventMgr:      mgr,
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	})
	require.NoError(t, err)
	t.Cleanup(i.Close)
	return mgr, reader, i
}

func counter(t *testing.T, r *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func newServer(t *testing.T, mgr event.Manager, servers ...map[string]any) *server.Server {
	t.Helper()
	reg := module.NewRegistry()
	require.NoError(t, radius.Register(reg))
	cfg := server.DefaultConfig
	cfg.Servers = servers
	srv, err := server.New(server.Options{Config: &cfg, Registry: reg, Event: mgr, Logger: testr.New(t)})
	require.NoError(t, err)
	return srv
}

func TestInstrumentLifecycle(t *testing.T) {
	mgr, reader, i := instrument(t)

	srv := newServer(t, mgr, map[string]any{"name": "typo", "protocol": "radus"})
	assert.Error(t, srv.Bootstrap(context.Background()))
	assert.Equal(t, int64(1), counter(t, reader, "radiusd.virtual_servers.failed"))

	cfg := server.DefaultConfig
	require.NoError(t, srv.Reload(context.Background(), &cfg))
	assert.Equal(t, int64(1), counter(t, reader, "radiusd.reloads"))

	i.Close()
	require.NoError(t, srv.Reload(context.Background(), &cfg))
	assert.Equal(t, int64(1), counter(t, reader, "radiusd.reloads"), "recorded after Close")
}

func TestInstrumentRequests(t *testing.T) {
	const secret = "s3cret"
	mgr, reader, _ := instrument(t)
	user, password := faker.Username(), faker.Password()

	srv := newServer(t, mgr, map[string]any{
		"name":     "default",
		"protocol": "radius",
		"listen": []any{map[string]any{
			"name":   "auth",
			"ipaddr": "127.0.0.1",
			"port":   0,
			"secret": secret,
		}},
		"recv": map[string]any{
			"Access-Request": map[string]any{"users": map[string]any{user: password}},
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	require.Eventually(t, func() bool {
		return len(srv.Listeners(listener.Running)) == 1
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, int64(1), counter(t, reader, "radiusd.listeners.opened"))

	addr, ok := srv.LocalAddr("default/auth")
	require.True(t, ok)

	p := &radius.Packet{Code: radius.CodeAccessRequest, Identifier: 1}
	_, err := rand.Read(p.Authenticator[:])
	require.NoError(t, err)
	p.Add(radius.AttrUserName, []byte(user))
	p.Add(radius.AttrUserPassword, radius.HidePassword([]byte(password), []byte(secret), p.Authenticator))
	b, err := p.Encode()
	require.NoError(t, err)

	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(b)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 4096))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return counter(t, reader, "radiusd.requests") == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
	assert.Equal(t, int64(1), counter(t, reader, "radiusd.listeners.closed"))
}

func TestInitDisabled(t *testing.T) {
	cleanup, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	cleanup()
}
