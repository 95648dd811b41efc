package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/khipu-io/khipu/internal/ingest"
	"github.com/khipu-io/khipu/internal/server"
	"github.com/khipu-io/khipu/pkg/anchors"
	"github.com/khipu-io/khipu/pkg/config"
	"github.com/khipu-io/khipu/pkg/correlation"
	"github.com/khipu-io/khipu/pkg/pipeline"
)

const version = "0.1.0"

var (
	configPath string
	listenAddr string
	natsURL    string
	debug      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "khipu",
		Short: "Temporal correlation engine with memory anchors",
		Long: `Khipu ingests activity events, detects temporal patterns across
overlapping sliding windows, and records significant patterns as an
append-only lineage of memory anchors.

Events arrive over HTTP or NATS JetStream; detected correlations that
cross the anchor-creation threshold seal the current anchor and fork a
new one.`,
		Version: version,
		RunE:    run,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (yaml or json)")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "addr", "", "HTTP listen address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&natsURL, "nats-url", "", "NATS server URL (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	viper.SetEnvPrefix("KHIPU")
	viper.AutomaticEnv()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := buildLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Info("starting khipu",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.Bool("nats_enabled", cfg.NATS.URL != ""))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	anchorService := anchors.NewService(logger, cfg.Anchors)
	if err := anchorService.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize anchor service: %w", err)
	}

	engine, err := correlation.NewEngine(logger, cfg, correlation.WithAnchorSink(anchorService))
	if err != nil {
		return fmt.Errorf("failed to create correlation engine: %w", err)
	}

	pipe, err := pipeline.New(logger, cfg.Pipeline, engine, anchorService)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	if err := pipe.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	var subscriber *ingest.Subscriber
	if cfg.NATS.URL != "" {
		subscriber = ingest.NewSubscriber(logger, cfg.NATS, pipe)
		if err := subscriber.Start(ctx); err != nil {
			return fmt.Errorf("failed to start nats subscriber: %w", err)
		}
	}

	httpServer := server.New(logger, cfg.Server, pipe, engine, anchorService)
	httpServer.Start()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if subscriber != nil {
		subscriber.Stop()
	}
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}
	if err := pipe.Stop(shutdownCtx); err != nil {
		logger.Error("pipeline shutdown failed", zap.Error(err))
	}

	logger.Info("khipu stopped")
	return nil
}

func buildLogger() (*zap.Logger, error) {
	if debug || viper.GetBool("debug") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = viper.GetString("config")
	}

	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	} else {
		cfg = config.Default()
	}

	if listenAddr != "" {
		cfg.Server.Addr = listenAddr
	} else if addr := viper.GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if natsURL != "" {
		cfg.NATS.URL = natsURL
	} else if url := viper.GetString("nats_url"); url != "" {
		cfg.NATS.URL = url
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
