package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/BrandonDHaskell/Portunus/gate/internal/config"
	"github.com/BrandonDHaskell/Portunus/gate/internal/gateapi"
	"github.com/BrandonDHaskell/Portunus/gate/internal/logging"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/scansource"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/service"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store/memory"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store/remote"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "portunus-gate: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Dev: cfg.Dev(), Service: "portunus-gate"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "portunus-gate: logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("gate exited", zap.Error(err))
		os.Exit(1)
	}
}

type stores struct {
	logs      store.LogStore
	devices   store.DeviceStore
	customers store.CustomerStore
}

func openStores(cfg config.GateConfig, logger *zap.Logger) (stores, error) {
	if cfg.ServerURL == "" {
		logger.Warn("no server_url configured, running standalone on an in-memory store")
		mem := memory.New(nil)
		return stores{logs: mem, devices: mem, customers: mem}, nil
	}
	c, err := remote.New(remote.Config{BaseURL: cfg.ServerURL, Timeout: cfg.RemoteTimeout}, logger)
	if err != nil {
		return stores{}, err
	}
	return stores{logs: c, devices: c, customers: c}, nil
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := cfg.Gate
	if !cfg.Dev() {
		gin.SetMode(gin.ReleaseMode)
	}

	st, err := openStores(g, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := service.NewMetrics(registry)
	clock := clockwork.NewRealClock()

	// ── Provisioning lock ──
	var locker service.Locker = service.NewKeyedMutex()
	if g.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: g.Redis.Addr, Password: g.Redis.Password, DB: g.Redis.DB})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping %s: %w", g.Redis.Addr, err)
		}
		locker = service.NewRedisLocker(rdb, g.Redis.LockTTL, g.Redis.LockPrefix)
		logger.Info("provisioning lock shared via redis", zap.String("addr", g.Redis.Addr))
	}

	// ── Core ──
	bus := service.NewBus(logger)
	buffer := service.NewLocalEventBuffer()
	sched := service.NewRetryScheduler(clock, service.SchedulerConfig{RetryShort: g.RetryShort, RetryLong: g.RetryLong})
	defer sched.Stop()

	view := service.NewLogView(st.logs, buffer, sched, service.LogViewConfig{
		EventID:        g.EventID,
		LocalSettle:    g.LocalSettle,
		SearchDebounce: g.SearchDebounce,
		FetchTimeout:   g.FetchTimeout,
	}, logger, metrics)
	defer view.Deactivate()

	provisioner := service.NewProvisioner(st.devices, st.customers, locker, bus, clock, service.ProvisionerConfig{
		AutoProvision: g.Provision.Auto,
		VerifyDelay:   g.Provision.VerifyDelay,
		RetryDelay:    g.Provision.RetryDelay,
		DeviceTTL:     g.Provision.DeviceTTL,
	}, logger, metrics)

	scans := service.NewScanService(st.logs, buffer, bus, clock, service.ScanServiceConfig{
		DefaultEventID: g.EventID,
		VerifyDelay:    g.VerifyDelay,
	}, logger, metrics)

	dispatcher := service.NewDispatcher(scans, provisioner, g.Workers, logger)

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	events, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()
	goRun(func() { view.Run(ctx, events) })

	if err := view.Activate(ctx); err != nil {
		// The view keeps retrying on its own; the console still starts.
		logger.Warn("initial log fetch failed", zap.Error(err))
	}

	poller := service.NewLogPoller(view, clock, g.PollInterval, logger)
	poller.Start(ctx)
	defer poller.Stop()

	// ── Scan sources ──
	push := scansource.NewChannelSource(256)
	goRun(func() { dispatcher.Run(ctx, push.Scans()) })

	var kafka *scansource.KafkaSource
	if len(g.Kafka.Brokers) > 0 {
		kafka, err = scansource.NewKafkaSource(g.Kafka.Brokers, g.Kafka.GroupID, g.Kafka.Topics, logger)
		if err != nil {
			return err
		}
		goRun(func() { dispatcher.Run(ctx, kafka.Scans()) })
		goRun(func() {
			if err := kafka.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("kafka source stopped", zap.Error(err))
			}
		})
		logger.Info("kafka scan source enabled", zap.Strings("topics", g.Kafka.Topics))
	}

	// ── Health / gRPC ──
	grpcHealth := health.NewServer()
	hs := gateapi.NewHealth(grpcHealth)

	var gs *grpc.Server
	if g.GRPCAddr != "" {
		lis, err := net.Listen("tcp", g.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen grpc %s: %w", g.GRPCAddr, err)
		}
		gs = grpc.NewServer()
		healthpb.RegisterHealthServer(gs, grpcHealth)
		go func() {
			logger.Info("grpc health listening", zap.String("addr", g.GRPCAddr))
			if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				logger.Error("grpc server error", zap.Error(err))
				stop()
			}
		}()
	}

	// ── HTTP ──
	api := gateapi.NewServer(gateapi.Dependencies{
		Logger:      logger,
		Addr:        g.HTTPAddr,
		Scans:       push,
		View:        view,
		Provisioner: provisioner,
		Bus:         bus,
		Health:      hs,
		Registry:    registry,
	})
	go func() {
		logger.Info("listening", zap.String("addr", g.HTTPAddr), zap.String("event_id", g.EventID))
		if err := api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()
	hs.SetReady(true)

	<-ctx.Done()
	logger.Info("shutting down")
	hs.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = api.Shutdown(shutdownCtx)
	if gs != nil {
		gs.GracefulStop()
	}

	_ = push.Close()
	if kafka != nil {
		if cerr := kafka.Close(); cerr != nil {
			logger.Warn("kafka close", zap.Error(cerr))
		}
	}
	wg.Wait()
	return err
}
