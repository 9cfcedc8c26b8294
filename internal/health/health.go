// Package health exposes the detection channel and stream state through
// the standard gRPC health checking protocol.
package health

import (
	"net"

	"birdcam/internal/view"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service names reported by the health server.
const (
	ServiceDetection = "birdcam.detection"
	ServiceStream    = "birdcam.stream"
)

// Server is a gRPC server carrying only the health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    zerolog.Logger
}

// New creates a health server. Both services start NOT_SERVING; the
// process itself is SERVING.
func New(log zerolog.Logger) *Server {
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	hs.SetServingStatus(ServiceDetection, healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceStream, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{grpc: gs, health: hs, log: log}
}

// OnStateChange implements view.Handler.
func (s *Server) OnStateChange(st view.State) {
	s.set(ServiceDetection, st.Connection.Detection == "open")
	s.set(ServiceStream, st.Connection.StreamPlaying)
}

func (s *Server) set(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, status)
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC health server listening")
	return s.grpc.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
