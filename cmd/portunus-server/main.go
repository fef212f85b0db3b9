package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Portunus/gate/internal/config"
	"github.com/BrandonDHaskell/Portunus/gate/internal/db"
	"github.com/BrandonDHaskell/Portunus/gate/internal/httpapi"
	"github.com/BrandonDHaskell/Portunus/gate/internal/logging"
	sqlitestore "github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store/sqlite"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "portunus-server: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Dev: cfg.Dev(), Service: "portunus-server"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "portunus-server: logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(ctx, db.Config{Path: cfg.Server.DBPath, Env: cfg.Env})
	if err != nil {
		return err
	}
	defer conn.Close()

	if cfg.Dev() && cfg.Server.Seed {
		if err := db.SeedDev(ctx, conn, db.SeedDevOptions{}); err != nil {
			return err
		}
		logger.Info("dev customers seeded")
	}

	writer := db.NewWorker(conn)
	defer writer.Close()

	ids, err := sqlitestore.NewIDGen(cfg.Server.SnowflakeNode)
	if err != nil {
		return err
	}
	dbx := sqlx.NewDb(conn, "sqlite")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:    logger,
		Addr:      cfg.Server.HTTPAddr,
		Logs:      sqlitestore.NewLogStore(dbx, writer, ids),
		Devices:   sqlitestore.NewDeviceStore(dbx, writer, ids),
		Customers: sqlitestore.NewCustomerStore(dbx, writer, ids),
		Registry:  registry,
		Ready: func(ctx context.Context) error {
			if err := conn.PingContext(ctx); err != nil {
				return err
			}
			_, err := db.Version(ctx, conn)
			return err
		},
	})

	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.HTTPAddr), zap.String("db", cfg.Server.DBPath))
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
