package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/qserv-ingest/pkg/mysqlconn"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(zerolog.Nop())
	srv.Ready("worker")

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.GracefulStop)

	return srv, lis.Addr().String()
}

func TestCheckLivenessReportsServing(t *testing.T) {
	_, addr := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := DialWorker(ctx, addr)
	require.NoError(t, err)
	defer conn.Close()

	assert.NoError(t, CheckLiveness(ctx, conn, "worker"))
}

func TestCheckLivenessReportsNotServing(t *testing.T) {
	srv, addr := startTestServer(t)
	srv.NotReady("worker")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := DialWorker(ctx, addr)
	require.NoError(t, err)
	defer conn.Close()

	assert.Error(t, CheckLiveness(ctx, conn, "worker"))
}

func TestCheckLivenessUnknownService(t *testing.T) {
	_, addr := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := DialWorker(ctx, addr)
	require.NoError(t, err)
	defer conn.Close()

	assert.Error(t, CheckLiveness(ctx, conn, "unregistered-service"))
}

func TestConnFactoryUnknownWorker(t *testing.T) {
	f := ConnFactory{Addresses: map[string]string{}}
	_, err := f.Conn(context.Background(), "w1")
	assert.Error(t, err)
}

func TestConnFactoryPreflightRejectsUnreachableWorker(t *testing.T) {
	// 127.0.0.1:1 is reserved and nothing should be listening there.
	f := ConnFactory{
		Addresses:      map[string]string{"w1": "user:pass@tcp(127.0.0.1:1)/db"},
		ProbeAddresses: map[string]string{"w1": "127.0.0.1:1"},
		ProbeTimeout:   200 * time.Millisecond,
		Dial: func(ctx context.Context, addr string) (mysqlconn.Conn, error) {
			return mysqlconn.NewMock(), nil
		},
	}
	_, err := f.Conn(context.Background(), "w1")
	assert.Error(t, err)
}

func TestConnFactoryPreflightSkippedWithoutProbeAddress(t *testing.T) {
	dialed := false
	f := ConnFactory{
		Addresses: map[string]string{"w1": "user:pass@tcp(127.0.0.1:1)/db"},
		Dial: func(ctx context.Context, addr string) (mysqlconn.Conn, error) {
			dialed = true
			return mysqlconn.NewMock(), nil
		},
	}
	_, err := f.Conn(context.Background(), "w1")
	assert.NoError(t, err)
	assert.True(t, dialed)
}
