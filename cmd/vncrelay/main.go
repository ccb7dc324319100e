package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cmux-dev/gateway/internal/infrastructure/config"
	"github.com/cmux-dev/gateway/internal/infrastructure/logging"
	"github.com/cmux-dev/gateway/internal/infrastructure/monitoring"
	"github.com/cmux-dev/gateway/internal/vncrelay"
)

func main() {
	port := flag.Int("port", 0, "listen port (overrides VNC_RELAY_PORT)")
	staticRoot := flag.String("static", "", "noVNC static asset root")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Relay.Port = *port
	}
	if *staticRoot != "" {
		cfg.Relay.StaticRoot = *staticRoot
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	metrics := monitoring.NewMetrics()
	srv := vncrelay.NewServer(cfg, logger.Named("vncrelay"), metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Run(ctx); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-sigChan:
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	case err := <-errChan:
		logger.Fatal("server error", zap.Error(err))
	}
}
