package api

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name reported for the relay.
const HealthService = "tickrelay.Gateway"

const healthCheckInterval = 15 * time.Second

// HealthWatcher mirrors the broker session's validity into the standard
// gRPC health service.
type HealthWatcher struct {
	session  SessionChecker
	hs       *health.Server
	interval time.Duration
	log      *slog.Logger
	serving  bool
}

// NewHealthWatcher creates a watcher reporting session validity.
func NewHealthWatcher(session SessionChecker, log *slog.Logger) *HealthWatcher {
	return &HealthWatcher{
		session:  session,
		hs:       health.NewServer(),
		interval: healthCheckInterval,
		log:      log,
	}
}

// Register adds the health service to gs.
func (h *HealthWatcher) Register(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, h.hs)
}

// Update sets the serving status from the current session.
func (h *HealthWatcher) Update() {
	status := healthpb.HealthCheckResponse_SERVING
	if h.session != nil && !h.session.SessionValid() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	serving := status == healthpb.HealthCheckResponse_SERVING
	if serving != h.serving {
		h.log.Info("health status changed", "serving", serving)
		h.serving = serving
	}
	h.hs.SetServingStatus("", status)
	h.hs.SetServingStatus(HealthService, status)
}

// Run updates the status every interval until ctx is cancelled, then marks
// the server as shutting down.
func (h *HealthWatcher) Run(ctx context.Context) {
	h.Update()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.hs.Shutdown()
			return
		case <-ticker.C:
			h.Update()
		}
	}
}
