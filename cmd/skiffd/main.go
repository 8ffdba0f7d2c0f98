// Package main runs skiffd, the local Skiff emulator daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/skiffdb/skiff-go/emulator"
	"github.com/skiffdb/skiff-go/internal/config"
	"github.com/skiffdb/skiff-go/internal/logging"
	"github.com/skiffdb/skiff-go/internal/metrics"
	"github.com/skiffdb/skiff-go/internal/telemetry"
)

const version = "0.1.0"

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	dev := flag.Bool("dev", false, "Force development logging")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Development || *dev, logging.WithLevel(cfg.LogLevel()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	metrics.Init()
	if cfg.Telemetry.Enabled {
		if err := telemetry.Init("skiffd", version, ""); err != nil {
			logger.Warn("telemetry init failed", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := emulator.NewEngine(
		emulator.WithLogger(logger.Named("engine")),
		emulator.WithTxMaxAttempts(cfg.Emulator.TxMaxAttempts),
	)
	blobs := emulator.NewBlobStore(
		emulator.WithBlobLogger(logger.Named("blobs")),
	)
	apiServer := emulator.NewServer(engine, blobs,
		emulator.WithServerLogger(logger.Named("api")),
		emulator.WithAPIKey(cfg.Server.APIKey),
		emulator.WithRequestTimeout(cfg.RequestTimeout()),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("emulator started", zap.Int("port", cfg.Server.Port), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := engine.Close(); err != nil {
		logger.Error("engine close error", zap.Error(err))
	}
	if err := blobs.Close(); err != nil {
		logger.Error("blob store close error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
