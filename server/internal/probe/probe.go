// Package probe serves the standard gRPC health service for perfmatrix-server.
// The overall status ("") and the ingest service status follow the state of
// the perfdata listener, so orchestrators can tell when readings are being
// accepted.
package probe

import (
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/obsidianstack/perfmatrix/server/internal/auth"
)

// IngestService is the health service name reported for the perfdata socket.
const IngestService = "perfmatrix.Ingest"

// Server is a gRPC server exposing grpc.health.v1.Health.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// New creates a Server whose calls are checked by checker. Both services
// start NOT_SERVING until SetIngest(true).
func New(checker *auth.Checker) *Server {
	opts := []grpc.ServerOption{}
	if checker != nil {
		opts = append(opts,
			grpc.UnaryInterceptor(checker.UnaryInterceptor()),
			grpc.StreamInterceptor(checker.StreamInterceptor()),
		)
	}
	s := &Server{grpc: grpc.NewServer(opts...), health: health.NewServer()}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetIngest(false)
	return s
}

// SetIngest records whether the ingest listener is accepting connections.
func (s *Server) SetIngest(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(IngestService, st)
	slog.Debug("probe: status changed", "service", IngestService, "status", st.String())
}

// Serve accepts gRPC connections on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	slog.Info("probe: gRPC health service listening", "addr", ln.Addr().String())
	return s.grpc.Serve(ln)
}

// Stop marks every service NOT_SERVING, notifying watchers, and then stops
// the server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
