package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/chicplay/internal/metrics"
	grpcsvc "github.com/vladislavdragonenkov/chicplay/internal/service/grpc"
)

const defaultGracefulStopTimeout = 5 * time.Second

// Run поднимает gRPC API, HTTP-сервер метрик и health, фоновые воркеры
// и работает до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close(logger)
	if deps.pgStore != nil {
		registerCollector(deps.pgStore.Collector(), logger)
	}

	// Ошибка Kafka не фатальна: outbox копится, события оформления не публикуются.
	link, _ := dialKafka(cfg.BrokerList(), logger)
	defer link.Close(logger)

	checkoutMetrics := metrics.NewCheckoutMetrics()
	components := createCheckout(cfg, deps, link.Producer(), checkoutMetrics, logger)

	grpcServer, grpcMetrics := newGRPCServer(logger)
	grpcsvc.RegisterCheckoutServiceServer(grpcServer, grpcsvc.NewCheckoutService(
		components.service,
		deps.idempotencyRepo,
		logger.WithField("layer", "grpc"),
	))
	grpcMetrics.InitializeMetrics(grpcServer)

	// reflection нужен grpcurl и cmd/loadtest
	reflection.Register(grpcServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, newHealthRegistry(deps, components))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		shutdownHTTP(metricsSrv, logger)
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}

	workersCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	var workers sync.WaitGroup
	outboxWorker := startWorkers(workersCtx, &workers, cfg, deps, link, components, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gRPC сервер слушает %s", cfg.GRPCAddr)
		errCh <- grpcServer.Serve(lis)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем gRPC сервер")
		healthServer.Shutdown()
		stopGRPC(grpcServer, cfg.ShutdownTimeout, logger)
		runErr = ctx.Err()
	case err := <-errCh:
		if !errors.Is(err, grpc.ErrServerStopped) {
			runErr = err
		}
	}

	shutdownHTTP(metricsSrv, logger)

	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultGracefulStopTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := components.dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("pending order confirmations were not drained")
	}
	stopWorkers()
	workers.Wait()
	if outboxWorker != nil {
		// письма и события последних заказов
		outboxWorker.Drain(shutdownCtx)
	}
	return runErr
}

// registerCollector регистрирует коллектор в глобальном реестре; повторная регистрация не ошибка.
func registerCollector(c prometheus.Collector, logger *log.Entry) {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			logger.WithError(err).Warn("failed to register collector")
		}
	}
}

func newGRPCServer(logger *log.Entry) (*grpc.Server, *promgrpc.ServerMetrics) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
	)
	return server, grpcMetrics
}

func stopGRPC(server *grpc.Server, timeout time.Duration, logger *log.Entry) {
	if timeout <= 0 {
		timeout = defaultGracefulStopTimeout
	}
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}
