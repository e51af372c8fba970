package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"annostore/internal/config"
	"annostore/internal/httpapi"
	"annostore/internal/ingest"
	"annostore/internal/observability"
	"annostore/internal/task"
	"annostore/internal/upload"
	"annostore/internal/upstream/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	metrics := observability.NewMetrics()

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	storeHTTPClient := &http.Client{Timeout: cfg.RequestTimeout, Transport: transport}
	storeClient, err := store.New(cfg.StoreBaseURL, storeHTTPClient,
		store.WithCredentials(cfg.StoreUsername, cfg.StorePassword),
		store.WithLanguage(cfg.StoreLanguage),
		store.WithUserAgent("annostore-relay/1"),
		store.WithLogger(logger),
		store.WithObserver(metrics.ObserveStore),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store client error: %v\n", err)
		os.Exit(1)
	}

	taskOptions := []task.Option{
		task.WithLogger(logger),
		task.WithPollObserver(metrics.ObserveTaskPoll),
	}
	uploads := upload.New(storeClient,
		upload.WithLogger(logger),
		upload.WithFallbackObserver(metrics.IncUploadFallback),
	)
	ingestService := ingest.New(uploads, func(id string) ingest.Waiter {
		return task.New(storeClient, id, taskOptions...)
	}, cfg.WaitMaxSeconds, logger)

	handler := httpapi.NewServer(cfg, logger, httpapi.Dependencies{
		Uploads: uploads,
		Ingest:  ingestService,
		Tasks: func(id string) httpapi.TaskHandle {
			return task.New(storeClient, id, taskOptions...)
		},
		Store:          storeClient,
		Metrics:        metrics,
		MetricsHandler: metrics.Handler(),
	})

	// Waits can hold a response open for up to WAIT_MAX_SECONDS.
	writeTimeout := cfg.RequestTimeout + 15*time.Second
	if cfg.WaitMaxSeconds > 0 {
		writeTimeout += time.Duration(cfg.WaitMaxSeconds) * time.Second
	} else {
		writeTimeout = 0
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.ListenAddr, "store", storeClient.BaseURL())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server exited", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel}))
}
