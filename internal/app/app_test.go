package app

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	grpcsvc "github.com/vladislavdragonenkov/chicplay/internal/service/grpc"
)

func TestRun_ServesAndStops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GRPCAddr = fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	cfg.MetricsAddr = fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	cfg.ShutdownTimeout = 2 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Run(ctx, cfg) }()

	waitForServer(t, "http://"+cfg.MetricsAddr+"/livez")

	conn, err := grpc.NewClient(cfg.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		callCtx, callCancel := context.WithTimeout(context.Background(), time.Second)
		defer callCancel()
		resp, err := healthpb.NewHealthClient(conn).Check(callCtx, &healthpb.HealthCheckRequest{Service: grpcsvc.ServiceName})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 3*time.Second, 50*time.Millisecond)

	resp, err := http.Get("http://" + cfg.MetricsAddr + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_InvalidStorage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = "sqlite"

	require.Error(t, Run(context.Background(), cfg))
}
