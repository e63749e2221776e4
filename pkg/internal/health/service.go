// GRPC health check server
// (https://godoc.org/google.golang.org/grpc/health/grpc_health_v1)
package health

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	rpc "google.golang.org/grpc/health/grpc_health_v1"
)

// New listens on addr and returns a function serving health checks
// until ctx is canceled.
func New(addr string) (run func(ctx context.Context, checkFn CheckFn) error, err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return serve(ln), nil
}

func serve(ln net.Listener) func(ctx context.Context, checkFn CheckFn) error {
	return func(ctx context.Context, checkFn CheckFn) error {
		s := grpc.NewServer(grpc.ConnectionTimeout(time.Second * 3))
		rpc.RegisterHealthServer(s, &server{checkFn: checkFn})
		go func() {
			<-ctx.Done()
			s.Stop()
		}()
		return s.Serve(ln)
	}
}

type CheckFn func(ctx context.Context) (*rpc.HealthCheckResponse, error)

// Ready returns a CheckFn reporting SERVING while ready returns true.
func Ready(ready func() bool) CheckFn {
	return func(context.Context) (*rpc.HealthCheckResponse, error) {
		status := rpc.HealthCheckResponse_NOT_SERVING
		if ready() {
			status = rpc.HealthCheckResponse_SERVING
		}
		return &rpc.HealthCheckResponse{Status: status}, nil
	}
}

type server struct {
	rpc.UnimplementedHealthServer
	checkFn CheckFn
}

func (s *server) Check(ctx context.Context, _ *rpc.HealthCheckRequest) (*rpc.HealthCheckResponse, error) {
	return s.checkFn(ctx)
}
