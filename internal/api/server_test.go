package api

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/miradorstack/healloop/internal/config"
	"github.com/miradorstack/healloop/internal/models"
	"github.com/miradorstack/healloop/internal/utils"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	targets := []models.MonitorTarget{{ID: "api"}, {ID: "docs"}}
	srv, err := NewServer(config.ServerConfig{Address: "127.0.0.1:0", GracefulTimeout: time.Second}, targets, utils.Discard())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), srv.GracefulTimeout())
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv
}

func mustCheck(t *testing.T, srv *Server, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	st, err := srv.Check(context.Background(), service)
	if err != nil {
		t.Fatalf("check %q: %v", service, err)
	}
	return st
}

func TestObservePublishesLoopAndTargetHealth(t *testing.T) {
	srv := newTestServer(t)

	if got := mustCheck(t, srv, TargetServicePrefix+"api"); got != healthpb.HealthCheckResponse_SERVICE_UNKNOWN {
		t.Fatalf("expected unknown before first tick, got %s", got)
	}

	state := models.NewLoopState()
	state.Errors["w"] = models.ErrorRecord{Fingerprint: "w", TargetID: "docs", Status: models.StatusCoolingDown}
	srv.Observe(state, []models.ProbeResult{
		{TargetID: "api", Success: true},
		{TargetID: "docs", Success: false},
	})

	if got := mustCheck(t, srv, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected process serving, got %s", got)
	}
	if got := mustCheck(t, srv, LoopService); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected loop degraded while a record cools down, got %s", got)
	}
	if got := mustCheck(t, srv, TargetServicePrefix+"api"); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected api serving, got %s", got)
	}
	if got := mustCheck(t, srv, TargetServicePrefix+"docs"); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected docs not serving, got %s", got)
	}

	srv.Observe(models.NewLoopState(), nil)
	if got := mustCheck(t, srv, LoopService); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected loop serving once nothing is stuck, got %s", got)
	}
}

func TestHealthOverTheWire(t *testing.T) {
	srv := newTestServer(t)
	go func() { _ = srv.Start() }()

	conn, err := grpc.NewClient(srv.Address(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: LoopService})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %s", resp.GetStatus())
	}
}
