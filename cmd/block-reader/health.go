package main

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthServer reports process liveness over the standard gRPC health service.
type healthServer struct {
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener
	logger *slog.Logger
}

func newHealthServer(addr string, logger *slog.Logger) (*healthServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpc listen %s: %w", addr, err)
	}

	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &healthServer{
		grpc:   srv,
		health: hs,
		lis:    lis,
		logger: logger.With("component", "grpc-health"),
	}, nil
}

// Serve blocks until Stop is called.
func (h *healthServer) Serve() {
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.logger.Info("grpc health listening", "addr", h.lis.Addr().String())
	if err := h.grpc.Serve(h.lis); err != nil {
		h.logger.Error("grpc health server error", "error", err)
	}
}

func (h *healthServer) Addr() string {
	return h.lis.Addr().String()
}

// Stop flips every service to NOT_SERVING and closes the listener.
func (h *healthServer) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
