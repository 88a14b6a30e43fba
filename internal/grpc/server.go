// Package grpc carries quasar frames over gRPC: the frame codec, the
// service descriptors with their client stubs, stream adapters, status
// mapping and the server wrapper shared by the daemons.
package grpc

import (
	"fmt"
	"net"
	"sync"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/observability"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server hosts quasar services next to the standard health and reflection
// services.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a server with tracing, error mapping and logging
// interceptors installed ahead of opts.
func NewServer(opts ...grpc.ServerOption) *Server {
	base := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			observability.UnaryServerInterceptor,
			errorHandlingInterceptor,
			loggingInterceptor,
		),
		grpc.ChainStreamInterceptor(
			observability.StreamServerInterceptor,
			streamErrorHandlingInterceptor,
			streamLoggingInterceptor,
		),
	}
	grpcServer := grpc.NewServer(append(base, opts...)...)

	// Register health service
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	// Enable reflection for debugging
	reflection.Register(grpcServer)

	return &Server{
		grpcServer:   grpcServer,
		healthServer: healthServer,
	}
}

// RegisterSubmitter serves quasar.Submitter with srv.
func (s *Server) RegisterSubmitter(srv SubmitterServer) {
	s.register(&SubmitterServiceDesc, srv)
}

// RegisterWorker serves quasar.Worker with srv.
func (s *Server) RegisterWorker(srv WorkerServer) {
	s.register(&WorkerServiceDesc, srv)
}

// RegisterAgent serves quasar.Agent with srv.
func (s *Server) RegisterAgent(srv AgentServer) {
	s.register(&AgentServiceDesc, srv)
}

func (s *Server) register(desc *grpc.ServiceDesc, srv any) {
	s.grpcServer.RegisterService(desc, srv)
	s.healthServer.SetServingStatus(desc.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
}

// Start listens on address and serves in the background. See Listen for
// the accepted address forms.
func (s *Server) Start(address string) error {
	lis, err := Listen(address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	logging.Op().Info("gRPC server starting", "address", address)
	go func() {
		if err := s.Serve(lis); err != nil {
			logging.Op().Error("gRPC server error", "error", err)
		}
	}()
	return nil
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()
	return s.grpcServer.Serve(lis)
}

// Addr returns the listening address, or nil before Start/Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop marks every service not serving, then gracefully stops the server.
func (s *Server) Stop() {
	if s.grpcServer == nil {
		return
	}
	logging.Op().Info("stopping gRPC server")
	s.healthServer.Shutdown()
	s.grpcServer.GracefulStop()
}
