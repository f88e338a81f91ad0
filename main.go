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
	"path/filepath"
	"syscall"
	"time"

	"i4.energy/across/gsmgw/notify"
	"i4.energy/across/gsmgw/queue"
	"i4.energy/across/gsmgw/service"
)

func main() {
	configFile := flag.String("config", "", "Path to a YAML configuration file")
	flag.String("serial-port", "/dev/ttyUSB0", "Serial port of the modem used when no gateways are configured")
	flag.Int("baud-rate", 115200, "Baud rate for serial communication")
	flag.String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.String("sim-pin", "", "SIM card PIN code (if required)")
	flag.String("queue-dir", "queue", "Directory holding the persisted outbound queue")
	flag.String("mqtt-broker", "", "MQTT broker URL for send requests")
	flag.String("nats-url", "", "NATS server URL for event publishing")
	flag.Parse()

	config, err := LoadConfig(WithDefaults(), WithFile(*configFile), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if err := run(config, logger); err != nil {
		logger.Error("Gateway service failed", "error", err)
		os.Exit(1)
	}
}

func run(config *Config, logger *slog.Logger) error {
	store, err := openStore(config.Queue)
	if err != nil {
		return err
	}

	svc := service.New(service.Settings{
		Watchdog:        config.Service.Watchdog,
		ConcurrentStart: config.Service.ConcurrentStart,
		Orphans:         config.orphanDecision(),
		Logger:          logger,
	}, queue.Config{
		Retries:    config.Queue.Retries,
		RetryDelay: config.Queue.RetryDelay,
		Store:      store,
	})

	for _, g := range config.Gateways {
		gc, err := config.gatewayConfig(g)
		if err != nil {
			return err
		}
		if _, err := svc.AddGateway(gc); err != nil {
			return err
		}
	}

	if config.NATS.URL != "" {
		publisher, err := notify.DialNATS(notify.NATSConfig{
			URL:    config.NATS.URL,
			Prefix: config.NATS.Prefix,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("Failed to close NATS connection", "error", err)
			}
		}()
		svc.Subscribe(publisher)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting SMS Gateway", "gateways", svc.GatewayIDs())
	if err := svc.Start(ctx); err != nil {
		return err
	}

	if config.MQTT.Broker != "" {
		ingest := &MQTTIngest{
			Logger: logger.With("component", "mqtt"),
			Sender: svc,
			Config: config.MQTT,
		}
		if err := ingest.Connect(); err != nil {
			logger.Error("Failed to connect to MQTT broker", "broker", config.MQTT.Broker, "error", err)
		}
		defer ingest.Close()
	}

	var httpServer *http.Server
	if config.BindAddress != "" {
		httpServer = &http.Server{
			Addr:              config.BindAddress,
			Handler:           NewServer(logger.With("component", "server"), svc, config.HTTPToken),
			ReadHeaderTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("Starting HTTP server", "address", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server failed", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		logger.Info("Closing HTTP server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to gracefully shutdown server", "error", err)
		}
	}

	logger.Info("Stopping gateways")
	return svc.Stop()
}

func openStore(config QueueConfig) (queue.Store, error) {
	switch config.Store {
	case "file":
		store, err := queue.NewFileStore(config.Dir)
		if err != nil {
			return nil, fmt.Errorf("open queue directory: %w", err)
		}
		return store, nil
	case "bolt":
		if err := os.MkdirAll(config.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue directory: %w", err)
		}
		store, err := queue.OpenBoltStore(filepath.Join(config.Dir, "queue.db"))
		if err != nil {
			return nil, fmt.Errorf("open queue database: %w", err)
		}
		return store, nil
	default:
		return nil, nil
	}
}
