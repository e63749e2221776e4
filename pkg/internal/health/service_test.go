package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	rpc "google.golang.org/grpc/health/grpc_health_v1"
)

func TestReady(t *testing.T) {
	var ready atomic.Bool
	s := &server{checkFn: Ready(ready.Load)}

	res, err := s.Check(context.Background(), &rpc.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, rpc.HealthCheckResponse_NOT_SERVING, res.GetStatus())

	ready.Store(true)
	res, err = s.Check(context.Background(), &rpc.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, rpc.HealthCheckResponse_SERVING, res.GetStatus())
}
