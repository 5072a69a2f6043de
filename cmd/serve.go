package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/terrarium/services/habitat/internal/api"
	"example.com/terrarium/services/habitat/internal/core"
	"example.com/terrarium/services/habitat/internal/infrastructure"
	"example.com/terrarium/services/habitat/internal/ws"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the habitat monitoring service",
	Long:  `Launches the MQTT transport, the telemetry pipeline and the HTTP API for device state, commands and alert streaming.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer() error {
	logger.Info("Initializing Habitat Monitoring Service...")

	// --- Infrastructure Setup ---
	logger.Info("Connecting to database...")
	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	logger.Info("Connecting to cache...")
	cache, err := infrastructure.NewCache(cfg.Redis)
	if err != nil {
		return fmt.Errorf("cache connection failed: %w", err)
	}
	defer cache.Close()

	var archive *infrastructure.AlertArchive
	if cfg.AlertBus.ConnectionString != "" {
		logger.Info("Connecting to alert archive queue...")
		archive, err = infrastructure.NewAlertArchive(cfg.AlertBus)
		if err != nil {
			logger.WithError(err).Warn("Alert archive unavailable, continuing without it")
			archive = nil
		} else {
			defer archive.Close()
		}
	}

	journal, err := infrastructure.NewJournal(cfg.Storage.JournalPath)
	if err != nil {
		return fmt.Errorf("journal setup failed: %w", err)
	}
	defer journal.Close()

	transport, err := infrastructure.NewMQTTTransport(infrastructure.MQTTConfig{
		BrokerURL:         cfg.MQTT.BrokerURL,
		ClientID:          cfg.MQTT.ClientID,
		Username:          cfg.MQTT.Username,
		Password:          cfg.MQTT.Password,
		TopicPrefix:       cfg.MQTT.TopicPrefix,
		QoS:               cfg.MQTT.QoS,
		CleanSession:      cfg.MQTT.CleanSession,
		KeepAlive:         cfg.MQTT.KeepAlive,
		ConnectTimeout:    cfg.MQTT.ConnectTimeout,
		MaxReconnectDelay: cfg.MQTT.MaxReconnectDelay,
	}, logger)
	if err != nil {
		return fmt.Errorf("transport setup failed: %w", err)
	}

	// --- Service Layer Setup ---
	dataStore := core.NewDataStore(db.DB)
	hub := ws.NewHub(logger)

	serviceConfig := core.ServiceConfig{
		Store:          dataStore,
		Cache:          cache,
		Sink:           hub,
		Journal:        journal,
		Publisher:      transport,
		Logger:         logger,
		PipelineWorker: cfg.Pipeline.Workers,
		QueueSize:      cfg.Pipeline.QueueSize,
	}
	if archive != nil {
		serviceConfig.Archiver = archive
	}

	services := core.NewServiceRegistry(serviceConfig)
	defer services.Stop()

	// Register the orchestrator for every inbound message type before the
	// transport connects, so the first connect subscribes the full set.
	for _, messageType := range []string{core.TopicStatus, core.TopicError, core.TopicTelemetry, core.TopicResult} {
		transport.RegisterHandler(messageType, services.Orchestrator.Dispatch)
	}

	if err := transport.Start(); err != nil {
		return fmt.Errorf("transport start failed: %w", err)
	}
	defer transport.Stop()

	// Periodic command expiry sweep.
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	go func() {
		ticker := time.NewTicker(cfg.Pipeline.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case now := <-ticker.C:
				if expired := services.Commands.ExpireOverdue(sweepCtx, now); expired > 0 {
					logger.Infof("Expired %d overdue commands", expired)
				}
			}
		}
	}()

	// --- API Layer Setup ---
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	handlers := api.NewAPIHandlers(services, dataStore, hub, logger)
	api.SetupRoutes(router, handlers, logger)

	// --- HTTP Server ---
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful Shutdown ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Infof("Habitat Monitoring API listening on %s", serverAddr)
		logger.Info("Service started successfully")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-shutdownChan

	logger.Warn("Shutdown signal received, initiating graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	} else {
		logger.Info("Server stopped gracefully")
	}

	logger.Info("Habitat Monitoring Service shutdown complete")
	return nil
}
