package server

import (
	"context"
	"errors"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/tOgg1/chatdesk/internal/events"
	"github.com/tOgg1/chatdesk/internal/inbox"
	"github.com/tOgg1/chatdesk/internal/logging"
)

// HealthService is the service name reported by the health server besides
// the overall "" entry.
const HealthService = "chatdesk.Console"

const healthSubscriptionID = "grpc-health"

// Health serves the gRPC health protocol. The console is SERVING while its
// feed is live.
type Health struct {
	server *grpc.Server
	status *health.Server
	logger zerolog.Logger
}

// NewHealth creates a health server reporting NOT_SERVING until Watch sees a
// live connection.
func NewHealth() *Health {
	h := &Health{
		server: grpc.NewServer(),
		status: health.NewServer(),
		logger: logging.Component("server"),
	}
	healthpb.RegisterHealthServer(h.server, h.status)
	h.SetConnection(inbox.StateConnecting)
	return h
}

// SetConnection maps a feed state to a serving status.
func (h *Health) SetConnection(state inbox.ConnectionState) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == inbox.StateLive {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.status.SetServingStatus("", status)
	h.status.SetServingStatus(HealthService, status)
}

// Watch follows connection changes of console.
func (h *Health) Watch(console Console) error {
	h.SetConnection(console.Snapshot().Connection)
	return console.Subscribe(healthSubscriptionID, events.Filter{Kinds: []events.Kind{events.KindConnection}}, func(change *events.Change) {
		h.SetConnection(inbox.ConnectionState(change.Detail))
	})
}

// Serve accepts health checks on lis until ctx is canceled.
func (h *Health) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.server.Serve(lis)
	}()
	h.logger.Info().Str("addr", lis.Addr().String()).Msg("health server listening")

	select {
	case <-ctx.Done():
		h.status.Shutdown()
		h.server.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// ListenAndServe listens on addr and serves until ctx is canceled.
func (h *Health) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return h.Serve(ctx, lis)
}
