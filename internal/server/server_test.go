package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ChuLiYu/update-daemon/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func startBufServer(t *testing.T) (*Server, healthpb.HealthClient) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return srv, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealth_FollowsPhase(t *testing.T) {
	srv, client := startBufServer(t)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, ""))

	srv.ObservePhase("eti-bot", types.PhaseRunning)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, "eti-bot"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ""))

	srv.ObservePhase("eti-bot", types.PhaseDegraded)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, "eti-bot"))
}

func TestHealth_UnknownService(t *testing.T) {
	_, client := startBufServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "nope"})
	assert.Error(t, err)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		phase types.Phase
		want  healthpb.HealthCheckResponse_ServingStatus
	}{
		{types.PhaseStarting, healthpb.HealthCheckResponse_NOT_SERVING},
		{types.PhaseRunning, healthpb.HealthCheckResponse_SERVING},
		{types.PhaseDegraded, healthpb.HealthCheckResponse_NOT_SERVING},
		{types.PhaseFailed, healthpb.HealthCheckResponse_NOT_SERVING},
	}
	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.phase))
		})
	}
}
