// Package health runs the gRPC health service on a daemon's ops port.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server owns a gRPC server exposing grpc.health.v1.Health.
type Server struct {
	grpcServer *grpc.Server
	health     *grpchealth.Server
	services   []string
	logger     *zap.Logger
}

// NewServer registers the health service for each named service. The overall status ("")
// is always tracked.
func NewServer(logger *zap.Logger, services ...string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	grpcServer := grpc.NewServer()
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	server := &Server{
		grpcServer: grpcServer,
		health:     healthServer,
		services:   append([]string{""}, services...),
		logger:     logger,
	}
	server.SetServing(false)
	return server
}

// SetServing flips every registered service between SERVING and NOT_SERVING.
func (server *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	for _, service := range server.services {
		server.health.SetServingStatus(service, status)
	}
}

// Serve blocks until the listener fails or the server stops.
func (server *Server) Serve(listener net.Listener) error {
	server.logger.Info("health server starting", zap.String("listen_addr", listener.Addr().String()))
	err := server.grpcServer.Serve(listener)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// ListenAndServe listens on addr and serves until ctx is done.
func (server *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health listen: %w", err)
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	select {
	case <-ctx.Done():
		server.GracefulStop()
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// GracefulStop marks everything NOT_SERVING and drains in-flight checks.
func (server *Server) GracefulStop() {
	server.health.Shutdown()
	server.grpcServer.GracefulStop()
}
