package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sagecoffee/internal/api"
	"sagecoffee/internal/clock"
	"sagecoffee/internal/config"
	"sagecoffee/internal/configflow"
	"sagecoffee/internal/discovery"
	"sagecoffee/internal/entry"
	"sagecoffee/internal/metrics"
	"sagecoffee/internal/mqtt"
	"sagecoffee/internal/recorder"
	"sagecoffee/internal/sage"
	"sagecoffee/internal/services"

	"go.uber.org/zap"
)

const (
	setupTimeout    = 30 * time.Second
	shutdownTimeout = 10 * time.Second
	retryInterval   = time.Minute
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", ".env", "path to an env file")
	flag.Parse()

	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	loader := config.NewLoader(*configPath, *envFile, logger)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	if cfg.Log.Development {
		if dev, err := zap.NewDevelopment(); err == nil {
			logger = dev
			defer logger.Sync()
		}
	}

	logger.Info("Starting Sage Coffee bridge", zap.Any("config", loader.Settings()))

	db, err := entry.InitDB(cfg.DB.Path)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()
	repo := entry.NewRepository(db)

	manager := entry.NewManager(sage.GatewayFactory(cfg.Gateway.URL, logger), logger)

	collector := metrics.NewCollector(logger)
	manager.AddPlatform(collector)

	if cfg.Influx.Enabled {
		rec, err := recorder.Connect(recorder.Config{
			Enabled: true,
			URL:     cfg.Influx.URL,
			Token:   cfg.Influx.Token,
			Org:     cfg.Influx.Org,
			Bucket:  cfg.Influx.Bucket,
		}, logger)
		if err != nil {
			logger.Error("InfluxDB unavailable, recording disabled", zap.Error(err))
		} else {
			defer rec.Close()
			manager.AddPlatform(rec)
		}
	}

	var publisher *discovery.Publisher
	var broker *mqtt.Client
	if cfg.MQTT.Enabled {
		topics := discovery.Topics{
			DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
			TopicPrefix:     cfg.MQTT.TopicPrefix,
		}
		broker, err = mqtt.Connect(mqtt.Config{
			Host:        cfg.MQTT.Host,
			Port:        cfg.MQTT.Port,
			TLS:         cfg.MQTT.TLS,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			ClientID:    cfg.MQTT.ClientID,
			StatusTopic: topics.BridgeStatus(),
		}, logger)
		if err != nil {
			logger.Fatal("Failed to connect to MQTT broker", zap.Error(err))
		}

		publisher = discovery.NewPublisher(broker, topics, logger)
		publisher.SetCommandTimeout(cfg.MQTT.CommandTimeout)
		if err := publisher.Start(); err != nil {
			logger.Fatal("Failed to subscribe to command topics", zap.Error(err))
		}
		broker.SetOnConnect(publisher.Republish)
		manager.AddPlatform(publisher)
	}

	// Load stored entries
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	entries, err := repo.List(ctx)
	if err != nil {
		cancel()
		logger.Fatal("Failed to list config entries", zap.Error(err))
	}
	for _, e := range entries {
		if err := manager.Setup(ctx, e); err != nil {
			logger.Warn("Config entry not loaded",
				zap.String("entry_id", e.ID),
				zap.String("state", string(manager.State(e.ID))),
				zap.Error(err))
		}
	}
	cancel()

	logger.Info("Config entries processed",
		zap.Int("entries", len(entries)),
		zap.Int("loaded", len(manager.LoadedEntries())))

	deps := api.Dependencies{
		Manager:  manager,
		Store:    repo,
		Flow:     configflow.New(sage.NewAuthClient(cfg.Auth.Domain, cfg.Auth.ClientID, cfg.Auth.Realm), repo, manager, logger),
		Services: services.NewWakeSchedule(manager, logger),
		Metrics:  collector.Handler(),
	}
	server := api.NewServer(deps, logger, cfg.HTTP.Port)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}

	retryCtx, stopRetry := context.WithCancel(context.Background())
	go manager.RunRetries(retryCtx, clock.NewReal(), retryInterval, setupTimeout)

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Sage Coffee bridge running. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-sigChan
	logger.Info("Shutting down gracefully...")

	stopRetry()
	if err := server.Stop(); err != nil {
		logger.Error("Error stopping API server", zap.Error(err))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	manager.Shutdown(shutdownCtx)

	if publisher != nil {
		if err := publisher.Stop(); err != nil {
			logger.Warn("Error unsubscribing command topics", zap.Error(err))
		}
	}
	if broker != nil {
		if err := broker.Close(); err != nil {
			logger.Warn("Error closing MQTT connection", zap.Error(err))
		}
	}

	logger.Info("Shutdown complete")
}
