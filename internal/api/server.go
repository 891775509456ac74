// Package api exposes the loop's health over the standard gRPC health service.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/miradorstack/healloop/internal/config"
	"github.com/miradorstack/healloop/internal/models"
)

const (
	// LoopService is NOT_SERVING while any failure has exhausted its repair budget.
	LoopService = "healloop.Loop"
	// TargetServicePrefix prefixes per-target health service names.
	TargetServicePrefix = "healloop.target/"
)

// Server wraps the gRPC server implementation and lifecycle helpers.
type Server struct {
	cfg        config.ServerConfig
	grpcServer *grpc.Server
	healthSrv  *health.Server
	listener   net.Listener
	logger     *slog.Logger
}

// NewServer constructs a gRPC server bound to the configured address.
func NewServer(cfg config.ServerConfig, targets []models.MonitorTarget, logger *slog.Logger, opts ...grpc.ServerOption) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	lis, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}

	grpc_prometheus.EnableHandlingTimeHistogram()
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}
	serverOpts = append(serverOpts, opts...)
	grpcServer := grpc.NewServer(serverOpts...)

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	grpc_prometheus.Register(grpcServer)
	reflection.Register(grpcServer)

	s := &Server{
		cfg:        cfg,
		grpcServer: grpcServer,
		healthSrv:  healthSrv,
		listener:   lis,
		logger:     logger,
	}

	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthSrv.SetServingStatus(LoopService, healthpb.HealthCheckResponse_SERVING)
	// Until the first tick lands nothing is known about the targets.
	for _, t := range targets {
		healthSrv.SetServingStatus(TargetServicePrefix+t.ID, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
	}
	return s, nil
}

// Observe publishes the committed state after a tick. It satisfies the loop's Observer.
func (s *Server) Observe(state models.LoopState, results []models.ProbeResult) {
	loopStatus := healthpb.HealthCheckResponse_SERVING
	if stuck := state.RecordsByStatus(models.StatusCoolingDown, models.StatusEscalated); len(stuck) > 0 {
		loopStatus = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.healthSrv.SetServingStatus(LoopService, loopStatus)

	for _, res := range results {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if res.Success {
			st = healthpb.HealthCheckResponse_SERVING
		}
		s.healthSrv.SetServingStatus(TargetServicePrefix+res.TargetID, st)
	}
}

// Check answers a health query in-process, as a remote client would see it.
func (s *Server) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := s.healthSrv.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Start serves incoming gRPC requests until Stop/Shutdown is invoked.
func (s *Server) Start() error {
	if s.grpcServer == nil || s.listener == nil {
		return fmt.Errorf("server not initialised")
	}
	s.logger.Info("grpc health server listening", slog.String("address", s.Address()))
	return s.grpcServer.Serve(s.listener)
}

// Shutdown marks every service NOT_SERVING and attempts a graceful shutdown,
// falling back to Stop after ctx expires.
func (s *Server) Shutdown(ctx context.Context) {
	if s.grpcServer == nil {
		return
	}
	s.healthSrv.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-stopped
	case <-stopped:
	}
	// Serve may never have taken ownership of the listener.
	_ = s.listener.Close()
}

// Address exposes the bound listener address (useful for tests).
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// GracefulTimeout returns the configured graceful timeout duration.
func (s *Server) GracefulTimeout() time.Duration {
	return s.cfg.GracefulTimeout
}
