package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Brownie44l1/medscan-api/internal/config"
	"github.com/Brownie44l1/medscan-api/internal/handlers"
	"github.com/Brownie44l1/medscan-api/internal/metrics"
	"github.com/Brownie44l1/medscan-api/internal/model"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (yaml, toml or json)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	rt, err := model.NewRuntime(cfg.ONNX.LibraryPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	registry, err := model.LoadRegistry(cfg.Models, rt.Open)
	if err != nil {
		return err
	}
	defer registry.Close()

	for _, c := range registry.Classifiers() {
		logger.Info("model loaded",
			slog.String("model", c.Name),
			slog.String("path", cfg.Models[c.Name].Path),
			slog.Any("classes", c.Labels))
	}

	handler := handlers.NewHandler(registry, metrics.New(), logger, cfg.Server.MaxUploadBytes)

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	logger.Info("server starting", slog.String("addr", srv.Addr))
	logger.Info("endpoints",
		slog.String("health", "GET /health"),
		slog.String("models", "GET /models"),
		slog.String("metrics", "GET /metrics"),
		slog.String("tensor", "POST /models/{name}/tensor"))
	for _, c := range registry.Classifiers() {
		logger.Info("endpoint", slog.String("route", "POST "+c.Route), slog.String("model", c.Name))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(c config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
