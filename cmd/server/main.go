package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"homesense-bridge/internal/api"
	"homesense-bridge/internal/database"
	"homesense-bridge/internal/metrics"
	"homesense-bridge/internal/models"
	"homesense-bridge/internal/mqtt"
	"homesense-bridge/internal/reconcile"
	"homesense-bridge/internal/services"
	"homesense-bridge/pkg/config"
	"homesense-bridge/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := logger.Init(cfg.Logging); err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize logger")
	}
	log := logger.WithComponent("main")
	log.Info().Msg("Starting homesense bridge...")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// === Metrics ===
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Init(registry)

	// === Time-series store ===
	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.TSDBBackend).Msg("Failed to initialize time-series store")
	}
	if store != nil {
		defer store.Close()
	}

	// === Pipeline ===
	pipelineConfig := services.DefaultPipelineConfig()
	pipelineConfig.BufferSize = cfg.EventBufferSize
	pipelineConfig.Thresholds = cfg.Thresholds
	pipelineConfig.Detector.MinChange = cfg.Thresholds.MinChange
	for deviceType, window := range cfg.Windows {
		pipelineConfig.Detector.Windows[deviceType] = window
	}
	pipeline := services.NewPipeline(pipelineConfig, logger.WithComponent("pipeline"))

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	// === Event writer (Pipeline → Store) ===
	var querier reconcile.Querier
	if store != nil {
		querier = store
		writer := services.NewEventWriter(store, 256, logger.WithComponent("writer"))
		pipeline.AddOutput(writer.EventChan)
		goRun(func() { writer.Start(ctx) })

		if devices, ok := store.(database.DeviceRegistry); ok {
			pipeline.OnSync(func(list []models.Device) {
				go func() {
					if err := devices.UpsertDevices(ctx, list); err != nil {
						log.Error().Err(err).Msg("Failed to update device registry")
					}
				}()
			})
		}

		loadHistory(ctx, store, pipeline, cfg.HistoryLoadLimit)
	} else {
		log.Warn().Msg("No time-series store configured; events are kept in memory only")
	}

	// === Reconciliation ===
	engine := reconcile.NewEngine(reconcile.DefaultConfig(), logger.WithComponent("reconcile"))
	reconciler := services.NewReconciler(ctx, pipeline, engine, querier, logger.WithComponent("reconcile"))
	// doors and motion already active at first sight get a fallback start
	// time; correct them once the retained burst has settled
	pipeline.OnApproximate(func() { reconciler.Schedule("fallback stored") })

	// === Health scheduler ===
	scheduler := services.NewHealthScheduler(pipeline.Tracker(), cfg.HealthInterval, logger.WithComponent("health"))
	scheduler.Start(ctx)

	// === MQTT ===
	log.Info().Str("broker", cfg.MQTTBroker).Msg("Connecting to MQTT broker...")
	mqttClient := mqtt.NewClient(mqtt.ClientConfig{
		Broker:   cfg.MQTTBroker,
		ClientID: cfg.MQTTClientID,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
	}, logger.WithComponent("mqtt"))

	messageChan := make(chan models.Message, 256)
	subscriber := mqtt.NewSubscriber(
		mqttClient.GetNativeClient(),
		mqtt.SubscriberConfig{BaseTopic: cfg.MQTTBaseTopic},
		messageChan,
		logger.WithComponent("subscriber"),
	)

	publisher := mqtt.NewPublisher(
		mqttClient.GetNativeClient(),
		mqtt.PublisherConfig{EventsTopic: cfg.MQTTEventsTopic},
		256,
		logger.WithComponent("publisher"),
	)
	pipeline.AddOutput(publisher.EventChan)
	goRun(func() { publisher.Start(ctx) })

	// Subscriptions do not survive a clean-session reconnect, and every
	// reconnect may have missed transitions, so both run on each connect
	mqttClient.OnConnect(func() {
		if err := subscriber.SubscribeAll(); err != nil {
			log.Error().Err(err).Msg("Failed to subscribe to MQTT topics")
			return
		}
		reconciler.Schedule("mqtt connect")
	})

	goRun(func() { pipeline.Run(ctx, messageChan) })

	if err := mqttClient.Connect(30 * time.Second); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize MQTT client")
	}

	// === HTTP API ===
	server := api.NewServer(pipeline, pipeline.Tracker(), reconcilerOrNil(reconciler, querier), registry, logger.WithComponent("api"))
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	goRun(func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	})

	log.Info().
		Str("base_topic", cfg.MQTTBaseTopic).
		Str("events_topic", cfg.MQTTEventsTopic).
		Str("backend", cfg.TSDBBackend).
		Msg("=== homesense bridge is running ===")

	// === Wait for interrupt signal ===
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	// === Graceful shutdown ===
	log.Info().Msg("Shutdown signal received, stopping services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown")
	}

	mqttClient.Close()
	reconciler.Stop()
	scheduler.Stop()
	cancel() // Cancel context to stop all goroutines
	wg.Wait()

	log.Info().Msg("Shutdown complete. Goodbye!")
}

func openStore(ctx context.Context, cfg *config.Config) (database.Store, error) {
	switch cfg.TSDBBackend {
	case config.BackendInflux:
		store, err := database.NewInfluxStore(ctx, database.InfluxConfig{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}, logger.WithComponent("influxdb"))
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendClickHouse:
		store, err := database.NewClickHouseStore(ctx, database.ClickHouseConfig{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDB,
			Username: cfg.ClickHouseUser,
			Password: cfg.ClickHousePass,
		}, logger.WithComponent("clickhouse"))
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, nil
}

// loadHistory seeds the event buffer from the store; failure only costs
// the history
func loadHistory(ctx context.Context, store database.Store, pipeline *services.Pipeline, limit int) {
	if limit <= 0 {
		return
	}
	log := logger.WithComponent("history")

	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	history, err := store.RecentEvents(queryCtx, limit)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load event history")
		return
	}
	// the store returns newest first; ordering is restored by LoadHistory
	loaded := pipeline.LoadHistory(history)
	log.Info().Int("fetched", len(history)).Int("loaded", loaded).Msg("Event history loaded")
}

func reconcilerOrNil(r *services.Reconciler, querier reconcile.Querier) api.Reconciler {
	if querier == nil {
		return nil
	}
	return r
}
