package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/overlay-chat-server/internal/logger"
	"github.com/Tyrowin/overlay-chat-server/internal/server"
)

func main() {
	// .env is optional outside development
	_ = godotenv.Load()

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := server.LoadConfig()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting overlay chat server",
		zap.String("addr", cfg.Port),
		zap.Strings("allowed_origins", cfg.AllowedOrigins),
		zap.Int64("max_message_size", cfg.MaxMessageSize))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := server.NewHub(cfg, log, server.NewMetrics(reg))
	hub.Start()

	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(hub, cfg, reg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.StartServer(httpServer, log)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")

		// Rooms hear the notice before the listener goes away.
		if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
			log.Warn("hub shutdown", zap.Error(err))
		}
		return server.ShutdownServer(httpServer, cfg.ShutdownTimeout, log)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		return err
	}

	log.Info("server stopped")
	return nil
}
