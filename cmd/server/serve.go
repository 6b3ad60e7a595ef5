package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/skypro1111/command-smoother/internal/config"
	"github.com/skypro1111/command-smoother/internal/metrics"
	"github.com/skypro1111/command-smoother/internal/notify"
	"github.com/skypro1111/command-smoother/internal/server"
	"github.com/skypro1111/command-smoother/internal/stream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the smoothing service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return runServe(cmd.Context(), cfg)
	},
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
	)

	vocab, err := cfg.Recognition.Vocabulary()
	if err != nil {
		return fmt.Errorf("failed to load label vocabulary: %w", err)
	}

	// Configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_concurrent_streams", cfg.Server.MaxConcurrentStreams),
		slog.Int("labels", vocab.Len()),
		slog.String("quiet_label", cfg.Recognition.QuietLabel),
		slog.Int64("average_window_duration_ms", cfg.Recognition.AverageWindowDurationMs),
		slog.Float64("detection_threshold", cfg.Recognition.DetectionThreshold),
		slog.Int64("suppression_ms", cfg.Recognition.SuppressionMs),
		slog.Int("minimum_count", cfg.Recognition.MinimumCount),
		slog.Bool("notify_enabled", cfg.Notify.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	var notifier *notify.Client
	var streamNotifier stream.Notifier
	if cfg.Notify.Enabled {
		notifier, err = notify.NewClient(notify.Config{
			Endpoint:      cfg.Notify.Endpoint,
			APIKey:        cfg.Notify.APIKey,
			Timeout:       cfg.Notify.GetTimeoutDuration(),
			MaxRetries:    cfg.Notify.MaxRetries,
			MaxConcurrent: cfg.Notify.MaxConcurrent,
			ServiceName:   serviceName,
			Version:       serviceVersion,
		}, appMetrics)
		if err != nil {
			return fmt.Errorf("failed to create notify client: %w", err)
		}
		streamNotifier = notifier
		logger.Info("Detection webhook enabled", slog.String("endpoint", cfg.Notify.Endpoint))
	}

	streamMgr, err := stream.NewManager(logger, stream.ManagerConfig{
		Engine:           cfg.Recognition.EngineConfig(vocab),
		Timeout:          cfg.Stream.GetTimeoutDuration(),
		CleanupInterval:  cfg.Stream.GetCleanupIntervalDuration(),
		MaxSessions:      cfg.Server.MaxConcurrentStreams,
		SubscriberBuffer: cfg.Stream.SubscriberBuffer,
		NotifyTimeout:    cfg.Notify.GetTimeoutDuration() * time.Duration(cfg.Notify.MaxRetries+1),
	}, appMetrics, streamNotifier)
	if err != nil {
		return fmt.Errorf("failed to create stream manager: %w", err)
	}
	logger.Info("Stream manager initialized",
		slog.Duration("stream_timeout", cfg.Stream.GetTimeoutDuration()),
	)

	udpServer := server.NewUDPServer(&cfg.Server, logger, streamMgr, appMetrics)

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(server.HTTPServerConfig{
			Port:    cfg.HTTP.Port,
			Address: cfg.HTTP.Address,
			Enabled: cfg.HTTP.Enabled,
		}, logger, server.Components{
			Config:     cfg,
			Vocabulary: vocab,
			Streams:    streamMgr,
			UDPServer:  udpServer,
			Notifier:   notifier,
			Metrics:    appMetrics,
			Gatherer:   prometheus.DefaultGatherer,
		})
	}

	if err := udpServer.Start(); err != nil {
		streamMgr.Stop()
		return fmt.Errorf("failed to start UDP server: %w", err)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			udpServer.Stop()
			streamMgr.Stop()
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("udp_address", udpServer.Addr().String()),
	)

	<-ctx.Done()

	logger.Info("Starting graceful shutdown...")

	// Stop accepting requests first
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	if err := udpServer.Stop(); err != nil {
		logger.Error("Error stopping UDP server", slog.String("error", err.Error()))
	}

	// Waits for detections already handed to the notifier
	streamMgr.Stop()

	if notifier != nil {
		if err := notifier.Close(); err != nil {
			logger.Error("Error closing notify client", slog.String("error", err.Error()))
		}
	}

	stats := udpServer.GetStatistics()
	logger.Info("Final server statistics",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("packets_dropped", stats.PacketsDropped),
		slog.Uint64("parse_errors", stats.ParseErrors),
		slog.Uint64("rejected_scores", stats.RejectedScores),
	)

	logger.Info("Service stopped")
	return nil
}
