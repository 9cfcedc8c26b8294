package health

import (
	"context"
	"net"
	"testing"
	"time"

	"birdcam/internal/view"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthFollowsState(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(zerolog.Nop())
	go srv.Serve(lis)
	defer srv.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(ServiceDetection))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(ServiceStream))

	st := view.Initial()
	st.Connection.Detection = "open"
	st.Connection.StreamPlaying = true
	srv.OnStateChange(st)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(ServiceDetection))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(ServiceStream))

	st.Connection.Detection = "closed"
	srv.OnStateChange(st)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(ServiceDetection))
}
