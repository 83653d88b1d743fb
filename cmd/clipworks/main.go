// Package main wires together the clip progress service binary.
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

	"github.com/whatsthattune/clipworks/internal/api"
	"github.com/whatsthattune/clipworks/internal/clock/system"
	"github.com/whatsthattune/clipworks/internal/config"
	"github.com/whatsthattune/clipworks/internal/driver"
	"github.com/whatsthattune/clipworks/internal/estimator"
	"github.com/whatsthattune/clipworks/internal/hub"
	"github.com/whatsthattune/clipworks/internal/logging"
	"github.com/whatsthattune/clipworks/internal/retryq"
	"github.com/whatsthattune/clipworks/internal/store"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := system.New()

	db, err := store.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		logger.Fatal("database connect failed", zap.Error(err))
	}
	defer db.Close()

	queue := retryq.New(retryq.Config{
		MaxAttempts:   cfg.Retry.MaxAttempts,
		BaseDelay:     cfg.BaseDelay(),
		MaxDelay:      cfg.MaxDelay(),
		QueueCap:      cfg.Retry.QueueCap,
		MaxAge:        cfg.MaxAge(),
		DrainInterval: cfg.DrainInterval(),
		Clock:         clk,
		Logger:        logger.Named("retryq"),
	}, db, nil)
	queue.StartBackgroundRetry(cfg.DrainInterval())
	defer queue.Close()

	progressHub := hub.New(hub.NewSnapshotStore(), clk, logger.Named("hub"))
	defer progressHub.Close()

	est := estimator.New(estimator.Config{
		Alpha:         cfg.Estimator.Alpha,
		MinSamples:    cfg.Estimator.MinSamples,
		MaxIdle:       time.Duration(cfg.Estimator.MaxIdleMinutes) * time.Minute,
		SweepInterval: time.Duration(cfg.Estimator.SweepIntervalMinutes) * time.Minute,
		Clock:         clk,
		Logger:        logger.Named("estimator"),
	})
	est.StartSweeper()
	defer est.Close()

	runner, err := driver.NewRunner(driver.Config{
		Command:        cfg.Clipper.Command,
		WorkDir:        cfg.Clipper.WorkDir,
		PersistTimeout: time.Duration(cfg.Clipper.PersistTimeoutSeconds) * time.Second,
		Clock:          clk,
		Logger:         logger.Named("driver"),
	}, progressHub, queue, nil)
	if err != nil {
		logger.Fatal("driver init failed", zap.Error(err))
	}
	defer runner.Close()

	apiServer := api.NewServer(api.Config{
		RequestTimeout: cfg.RequestTimeout(),
		Clock:          clk,
		Logger:         logger.Named("api"),
	}, progressHub, runner, est, queue, db)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
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
	logger.Info("shutdown complete")
}
