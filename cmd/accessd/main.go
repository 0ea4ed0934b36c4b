package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/satellite-access/internal/access"
	"github.com/signalsfoundry/satellite-access/internal/api"
	"github.com/signalsfoundry/satellite-access/internal/devicesim"
	"github.com/signalsfoundry/satellite-access/internal/logging"
	"github.com/signalsfoundry/satellite-access/internal/observability"
	"github.com/signalsfoundry/satellite-access/internal/store/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const shutdownTimeout = 5 * time.Second

// Config holds the daemon's process-level settings. Engine tunables come from
// SATACCESS_* variables via access.LoadConfigFromEnv.
type Config struct {
	HTTPAddress       string
	GRPCAddress       string
	DBPath            string
	DeviceProfilePath string
	RemoteConfigPath  string
	Engine            access.Config
}

func main() {
	httpAddr := flag.String("http-addr", ":8080", "HTTP address for the access API and /metrics")
	grpcAddr := flag.String("grpc-addr", ":50051", "TCP address the gRPC health server listens on")
	dbPath := flag.String("db", "accessd.db", "Path to the SQLite settings database")
	profilePath := flag.String("device-profile", "", "Path to a JSON device profile for the simulated handset")
	remotePath := flag.String("remote-config", "", "Path to a JSON remote config, re-read on SIGHUP")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engineCfg, err := access.LoadConfigFromEnv()
	if err != nil {
		log.Error(ctx, "invalid engine configuration", logging.Error(err))
		os.Exit(1)
	}

	cfg := Config{
		HTTPAddress:       *httpAddr,
		GRPCAddress:       *grpcAddr,
		DBPath:            *dbPath,
		DeviceProfilePath: *profilePath,
		RemoteConfigPath:  *remotePath,
		Engine:            engineCfg,
	}

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.GRPCAddress), logging.Error(err))
		os.Exit(1)
	}
	httpLis, err := net.Listen("tcp", cfg.HTTPAddress)
	if err != nil {
		_ = grpcLis.Close()
		log.Error(ctx, "failed to listen for HTTP", logging.String("addr", cfg.HTTPAddress), logging.Error(err))
		os.Exit(1)
	}

	if err := run(ctx, cfg, log, grpcLis, httpLis); err != nil {
		log.Error(ctx, "accessd exited", logging.Error(err))
		os.Exit(1)
	}
}

// run serves until ctx is cancelled, then shuts everything down. Both
// listeners are closed by the time it returns.
func run(ctx context.Context, cfg Config, log logging.Logger, grpcLis, httpLis net.Listener) error {
	if log == nil {
		log = logging.Noop()
	}
	serving := false
	defer func() {
		if !serving {
			_ = grpcLis.Close()
			_ = httpLis.Close()
		}
	}()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Warn(ctx, "tracing disabled", logging.Error(err))
		shutdownTracing = nil
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewAccessCollector(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("init metrics collector: %w", err)
	}

	settings, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer settings.Close()

	profile := devicesim.DefaultProfile()
	if cfg.DeviceProfilePath != "" {
		if profile, err = devicesim.LoadProfile(cfg.DeviceProfilePath); err != nil {
			return err
		}
	}
	device := devicesim.New(profile, nil)

	engine, err := access.NewEngine(access.Dependencies{
		Features:   device,
		Controller: device,
		Countries:  device,
		Locations:  device,
		Calls:      device,
		Store:      settings,
	}, cfg.Engine, log, access.WithMetricsRecorder(collector))
	if err != nil {
		return fmt.Errorf("init access engine: %w", err)
	}
	defer engine.Close()
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start access engine: %w", err)
	}
	loadRemoteConfig(ctx, log, device, cfg.RemoteConfigPath)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	grpcSrv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			api.RequestIDUnaryServerInterceptor(log),
			api.TracingUnaryServerInterceptor(),
			collector.UnaryServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)

	httpSrv := &http.Server{
		Handler: api.NewHandler(engine, log,
			api.WithConfigPublisher(device),
			api.WithMetricsHandler(collector.Handler()),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serving = true
	errCh := make(chan error, 2)
	go func() {
		log.Info(ctx, "starting gRPC server", logging.String("addr", grpcLis.Addr().String()))
		if err := grpcSrv.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		log.Info(ctx, "starting HTTP server", logging.String("addr", httpLis.Addr().String()))
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var serveErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-hup:
			loadRemoteConfig(ctx, log, device, cfg.RemoteConfigPath)
		case serveErr = <-errCh:
			break loop
		}
	}

	log.Info(context.Background(), "shutting down accessd")
	healthSrv.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "http shutdown", logging.Error(err))
	}
	grpcSrv.GracefulStop()
	return serveErr
}

func loadRemoteConfig(ctx context.Context, log logging.Logger, device *devicesim.Device, path string) {
	if path == "" {
		return
	}
	if err := device.LoadRemoteConfig(path); err != nil {
		log.Warn(ctx, "remote config not loaded", logging.String("path", path), logging.Error(err))
		return
	}
	log.Info(ctx, "remote config published", logging.String("path", path))
}
