package health

import (
	"fmt"
	"net"

	"virtual_space_service/pkg/logger"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server exposes grpc.health.v1 for a service process.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	lis        net.Listener
	service    string
}

// Start listens on addr (":0" picks a free port) and serves the health service.
// The service starts as NOT_SERVING until SetServing(true).
func Start(addr, service string) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("health listen %s: %w", addr, err)
	}

	s := &Server{
		grpcServer: grpc.NewServer(),
		health:     health.NewServer(),
		lis:        lis,
		service:    service,
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.SetServing(false)

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			logger.Log.Error("health server stopped", zap.Error(err))
		}
	}()
	logger.Log.Info("health server listening", zap.String("addr", lis.Addr().String()), zap.String("service", service))

	return s, nil
}

// Addr listener address
func (s *Server) Addr() string {
	return s.lis.Addr().String()
}

// SetServing flips both the named service and the overall status.
func (s *Server) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(s.service, status)
	s.health.SetServingStatus("", status)
}

// Stop marks the service NOT_SERVING and stops the grpc server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}
