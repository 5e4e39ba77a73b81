package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/i474232898/clean-air-etl/internal/artifact"
	"github.com/i474232898/clean-air-etl/internal/common"
	"github.com/i474232898/clean-air-etl/internal/config"
	"github.com/i474232898/clean-air-etl/internal/etl"
	"github.com/i474232898/clean-air-etl/internal/openaq"
	"github.com/i474232898/clean-air-etl/internal/store"
	"github.com/i474232898/clean-air-etl/internal/warehouse"
)

// deps is everything a command needs, built once from the config.
type deps struct {
	cfg     *config.Config
	logger  *slog.Logger
	stages  *etl.Stages
	service *etl.Service
	wh      warehouse.Warehouse
}

func (d *deps) Close() {
	if d.wh != nil {
		if err := d.wh.Close(); err != nil {
			d.logger.Warn("closing warehouse", "error", err)
		}
	}
}

func build(ctx context.Context, configPath string) (*deps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := common.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	// Shared HTTP client for outbound API calls.
	httpClient := &http.Client{Timeout: cfg.OpenAQ.RequestTimeout}
	client, err := openaq.NewClient(openaq.ClientConfig{
		BaseURL:                     cfg.OpenAQ.BaseURL,
		APIKey:                      cfg.OpenAQ.APIKey,
		PageSize:                    cfg.OpenAQ.PageSize,
		RequestsPerMinute:           cfg.OpenAQ.RequestsPerMinute,
		ConcurrentRequestsPerMinute: cfg.OpenAQ.ConcurrentRequestsPerMinute,
		Workers:                     cfg.OpenAQ.Workers,
		MaxRetries:                  cfg.OpenAQ.MaxRetries,
		BackoffUnit:                 cfg.OpenAQ.BackoffUnit,
		BreakerThreshold:            cfg.OpenAQ.BreakerThreshold,
	}, httpClient, logger)
	if err != nil {
		return nil, err
	}

	artifacts, err := openArtifacts(cfg.Artifacts)
	if err != nil {
		return nil, err
	}

	wh, err := openWarehouse(ctx, cfg.Warehouse)
	if err != nil {
		return nil, err
	}

	settings := etl.Settings{
		Coordinates:  cfg.Location.Coordinates,
		Radius:       cfg.Location.Radius,
		Country:      cfg.Location.Country,
		LookbackDays: cfg.Location.LookbackDays,
	}
	stages := etl.NewStages(client, artifacts, warehouse.NewLoader(artifacts, wh, logger), settings, logger)
	history := store.NewMemoryStore(cfg.RunHistory)

	return &deps{
		cfg:     cfg,
		logger:  logger,
		stages:  stages,
		service: etl.NewService(stages, history, logger),
		wh:      wh,
	}, nil
}

func openArtifacts(cfg config.ArtifactConfig) (artifact.Store, error) {
	switch cfg.Backend {
	case "s3":
		return artifact.NewS3Store(artifact.S3Config{
			Bucket:         cfg.Bucket,
			Region:         cfg.Region,
			Endpoint:       cfg.Endpoint,
			ForcePathStyle: cfg.ForcePathStyle,
		})
	case "local":
		return artifact.NewLocalStore(cfg.Dir)
	case "memory":
		return artifact.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
}

func openWarehouse(ctx context.Context, cfg config.WarehouseConfig) (warehouse.Warehouse, error) {
	switch cfg.Driver {
	case "postgres":
		return warehouse.NewPostgres(ctx, cfg.DatabaseURL)
	case "sqlite":
		return warehouse.NewSQLite(cfg.DatabaseURL)
	}
	return nil, fmt.Errorf("unknown warehouse driver %q", cfg.Driver)
}
