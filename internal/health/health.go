// Package health publishes service health over the standard gRPC health
// protocol. The overall service ("") is SERVING while the process runs;
// ServiceAI mirrors the AI circuit breaker so load balancers and probes can
// see when nudges are template-only.
package health

import (
	"log/slog"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceAI is the health service name for the AI provider path.
const ServiceAI = "nudge.ai"

// Checker owns the gRPC health server.
type Checker struct {
	srv    *grpchealth.Server
	logger *slog.Logger
}

// New returns a Checker with every service SERVING.
func New(logger *slog.Logger) *Checker {
	srv := grpchealth.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	srv.SetServingStatus(ServiceAI, healthpb.HealthCheckResponse_SERVING)
	return &Checker{srv: srv, logger: logger}
}

// Register attaches the health service to g.
func (c *Checker) Register(g grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(g, c.srv)
}

// SetCircuitOpen is an ai.BreakerConfig.OnStateChange hook.
func (c *Checker) SetCircuitOpen(open bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if open {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	c.srv.SetServingStatus(ServiceAI, status)
	c.logger.Info("health: ai status changed", "status", status.String())
}

// Shutdown marks every service NOT_SERVING ahead of a graceful stop so
// watchers drain before connections close.
func (c *Checker) Shutdown() {
	c.srv.Shutdown()
}
