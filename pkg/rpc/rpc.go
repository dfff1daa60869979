// Package rpc implements the gRPC surface between the coordinator and
// worker processes. Only the liveness surface is backed by generated code:
// grpc-go ships grpc_health_v1 pre-compiled, so it needs no protoc step.
package rpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lsst-dm/qserv-ingest/pkg/health"
	"github.com/lsst-dm/qserv-ingest/pkg/mysqlconn"
)

// WorkerService is the capability a coordinator needs from a worker's
// ingest surface beyond raw MySQL access. It exists so a future richer
// transport has a typed contract to implement; pkg/reqmgr.StoreLimits
// already satisfies the shape of this interface locally within one worker
// process.
type WorkerService interface {
	// AsyncProcLimit reports the worker's configured concurrency limit for
	// database, as seen over the wire.
	AsyncProcLimit(ctx context.Context, database string) (int, error)
}

// Server hosts the liveness health service and, in a future transport,
// the WorkerService RPCs: a bare grpc.Server plus the standard health
// service and a logging interceptor.
type Server struct {
	grpcServer *grpc.Server
	health     *grpchealth.Server
	log        zerolog.Logger
}

// NewServer builds a Server. serviceName is registered as SERVING once
// Ready is called; grpc_health_v1 clients (or kubelet-style probes dialing
// the health service directly) can watch it.
func NewServer(log zerolog.Logger) *Server {
	hs := grpchealth.NewServer()
	gs := grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor(log)))
	grpc_health_v1.RegisterHealthServer(gs, hs)
	return &Server{grpcServer: gs, health: hs, log: log}
}

// Ready marks serviceName as SERVING. Call once initialization that gates
// traffic (opening the store, binding the file-service temp directory)
// has completed.
func (s *Server) Ready(serviceName string) {
	s.health.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_SERVING)
}

// NotReady marks serviceName as NOT_SERVING, e.g. during a graceful
// shutdown drain.
func (s *Server) NotReady(serviceName string) {
	s.health.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

// Serve blocks accepting connections on lis until the server is stopped.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info().Str("addr", lis.Addr().String()).Msg("rpc server listening")
	return s.grpcServer.Serve(lis)
}

// GracefulStop marks every service NOT_SERVING, then drains in-flight RPCs.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

func loggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).Dur("elapsed", time.Since(start)).Msg("rpc call")
		return resp, err
	}
}

// DialWorker opens a plain (non-TLS) connection to a worker's rpc.Server,
// for liveness probes through CheckLiveness. Production
// deployments should layer TLS via grpc.WithTransportCredentials.
func DialWorker(ctx context.Context, addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// CheckLiveness calls the standard gRPC health-checking protocol against
// conn for serviceName ("" checks the server as a whole), returning nil
// only if the reported status is SERVING. The fan-out jobs do not call
// it; their worker preflight is ConnFactory's TCP probe.
func CheckLiveness(ctx context.Context, conn *grpc.ClientConn, serviceName string) error {
	client := grpc_health_v1.NewHealthClient(conn)
	resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: serviceName})
	if err != nil {
		return fmt.Errorf("rpc: health check %s: %w", serviceName, err)
	}
	if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("rpc: worker %s reports status %s", serviceName, resp.Status)
	}
	return nil
}

// ConnFactory adapts a fixed worker-address table into the ConnFactory
// shape pkg/abortjob and pkg/dirindexjob expect, dialing MySQL directly
// on each worker rather than proxying through this package's gRPC
// surface. Bulk data movement stays on the MySQL wire protocol; gRPC here
// only carries control/liveness traffic.
type ConnFactory struct {
	Addresses map[string]string
	Dial      func(ctx context.Context, addr string) (mysqlconn.Conn, error)

	// ProbeAddresses optionally maps worker name to a bare "host:port" TCP
	// address (distinct from Addresses, which holds full MySQL DSNs) to
	// probe before dialing, detecting an unreachable worker up front
	// rather than waiting for each sub-request to time out independently.
	// A worker absent from this map skips the probe.
	ProbeAddresses map[string]string
	ProbeTimeout   time.Duration
}

// Conn opens a mysqlconn.Conn for worker, first running the optional TCP
// preflight probe.
func (f ConnFactory) Conn(ctx context.Context, worker string) (mysqlconn.Conn, error) {
	addr, ok := f.Addresses[worker]
	if !ok {
		return nil, fmt.Errorf("rpc: no address registered for worker %s", worker)
	}
	if probeAddr, ok := f.ProbeAddresses[worker]; ok {
		timeout := f.ProbeTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		checker := health.NewTCPChecker(probeAddr).WithTimeout(timeout)
		if res := checker.Check(ctx); !res.Healthy {
			return nil, fmt.Errorf("rpc: worker %s unreachable: %s", worker, res.Message)
		}
	}
	return f.Dial(ctx, addr)
}
