package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/raihanakbr/call-relay/internal/config"
	"github.com/raihanakbr/call-relay/internal/metrics"
	"github.com/raihanakbr/call-relay/internal/notify"
	"github.com/raihanakbr/call-relay/internal/realtime"
	"github.com/raihanakbr/call-relay/internal/relay"
	"github.com/raihanakbr/call-relay/internal/session"
	"github.com/raihanakbr/call-relay/internal/websocket"
)

func main() {
	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "No .env file found; using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("addr", cfg.Addr()),
		slog.String("realtime_url", cfg.Realtime.URL),
		slog.String("model", cfg.Realtime.Model),
		slog.String("notify_url", cfg.Notify.URL),
		slog.Duration("connect_timeout", cfg.Realtime.ConnectTimeout),
	)

	store := session.NewStore(logger)
	client := &realtime.Client{
		URL:    cfg.Realtime.URL,
		APIKey: cfg.Realtime.APIKey,
		Model:  cfg.Realtime.Model,
		Voice:  cfg.Realtime.Voice,
		Dialer: &gorilla.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.Realtime.ConnectTimeout,
		},
		Logger: logger,
	}

	srv := websocket.NewServer(websocket.Options{
		PublicHost: cfg.Server.PublicHost,
		Relay: relay.Config{
			Instructions:   cfg.Realtime.Instructions,
			Greeting:       cfg.Realtime.Greeting,
			Closing:        cfg.Realtime.Closing,
			ConnectTimeout: cfg.Realtime.ConnectTimeout,
			NotifyTimeout:  cfg.Notify.Timeout,
		},
		Store:     store,
		Connector: relay.RealtimeConnector(client),
		Notifier:  notify.NewHTTPNotifier(cfg.Notify.URL, cfg.Notify.Timeout, logger),
		Metrics:   metrics.New(prometheus.DefaultRegisterer),
		Gatherer:  prometheus.DefaultGatherer,
		Logger:    logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting server", slog.String("addr", httpServer.Addr))
		logger.Info("Media stream endpoint", slog.String("url", fmt.Sprintf("ws://localhost%s/media/<call_id>", httpServer.Addr)))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Stop accepting new calls, then close the live ones.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Calls did not finish before shutdown deadline",
			slog.Int("live_sessions", store.Len()),
			slog.String("error", err.Error()),
		)
	}
	logger.Info("Service stopped")
}

func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With(slog.String("service", "call-relay"))
}
