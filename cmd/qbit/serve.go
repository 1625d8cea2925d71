// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/qbitlabs/qbit-backend/pkg/config"
	"github.com/qbitlabs/qbit-backend/pkg/extensions"
	"github.com/qbitlabs/qbit-backend/pkg/logging"
	"github.com/qbitlabs/qbit-backend/services/keypool"
	"github.com/qbitlabs/qbit-backend/services/ledger"
	"github.com/qbitlabs/qbit-backend/services/llm"
	"github.com/qbitlabs/qbit-backend/services/orchestrator/memory"
	"github.com/qbitlabs/qbit-backend/services/orchestrator/middleware"
	"github.com/qbitlabs/qbit-backend/services/orchestrator/observability"
	"github.com/qbitlabs/qbit-backend/services/orchestrator/pipeline"
	"github.com/qbitlabs/qbit-backend/services/orchestrator/progress"
	"github.com/qbitlabs/qbit-backend/services/orchestrator/routes"
	"github.com/qbitlabs/qbit-backend/services/snapshot"
	"github.com/qbitlabs/qbit-backend/services/storage/badgerstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Qbit backend server",
	Run:   runServe,
}

// initTracer sets up OTLP trace export to the collector at endpoint.
func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("qbit-backend")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			log.Printf("failed to shutdown OTLP exporter: %v", err)
		}
	}, nil
}

// newPool builds a key rotation pool from provider config.
func newPool(p config.ProviderConfig, logger *logging.Logger) (*keypool.Pool, error) {
	return keypool.NewPool(keypool.Config{
		Provider: p.Name,
		Keys:     p.Keys,
		RPMLimit: p.RPMLimit,
		Headroom: p.Headroom,
		Window:   p.Window,
		Logger:   logger,
	})
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "qbit-backend",
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()

	if cfg.OTLPEndpoint != "" {
		cleanup, err := initTracer(cfg.OTLPEndpoint)
		if err != nil {
			log.Fatalf("Failed to setup the OTLP tracer: %v", err)
		}
		defer cleanup(context.Background())
	}

	observability.InitMetrics()

	// --- Storage -----------------------------------------------------------
	storeCfg := badgerstore.DefaultConfig()
	storeCfg.Path = cfg.Storage.Path
	storeCfg.InMemory = cfg.Storage.InMemory
	storeCfg.Logger = logger.Slog()
	store, err := badgerstore.Open(storeCfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	creditLedger := ledger.NewLedger(store, logger)
	snapshots := snapshot.NewStore(store, logger)

	// --- Context cache -----------------------------------------------------
	var cache memory.ContextCache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache = memory.NewRedisCache(rdb, cfg.Redis.ContextTTL, logger)
		logger.Info("using Redis context cache", "addr", cfg.Redis.Addr)
	} else {
		cache = memory.NewMemoryCache(cfg.Redis.ContextTTL)
		logger.Info("using in-process context cache")
	}

	// --- Key pools and providers -------------------------------------------
	planPool, err := newPool(cfg.Plan, logger)
	if err != nil {
		log.Fatalf("Failed to build plan key pool: %v", err)
	}
	codegenPool, err := newPool(cfg.Codegen, logger)
	if err != nil {
		log.Fatalf("Failed to build codegen key pool: %v", err)
	}

	hub := progress.NewHub(logger)

	pipe := pipeline.New(pipeline.Deps{
		PlanPool:      planPool,
		CodegenPool:   codegenPool,
		PlanClient:    llm.NewGroqClient(cfg.Plan.BaseURL, cfg.Plan.Model, cfg.Plan.Timeout),
		CodegenClient: llm.NewCerebrasClient(cfg.Codegen.BaseURL, cfg.Codegen.Model, cfg.Codegen.Timeout),
		Ledger:        creditLedger,
		Snapshots:     snapshots,
		Cache:         cache,
		Progress:      hub,
		Logger:        logger,
		Metrics:       observability.DefaultMetrics,
		Costs:         cfg.Credits,
		Retry:         cfg.Retry,
	})

	// --- HTTP server -------------------------------------------------------
	router := gin.New()
	router.Use(gin.Recovery())

	deps := routes.Deps{
		Pipeline:    pipe,
		Hub:         hub,
		Ledger:      creditLedger,
		Snapshots:   snapshots,
		Cache:       cache,
		PlanPool:    planPool,
		CodegenPool: codegenPool,
		Auth:        extensions.NewNopAuthProvider(),
		RateLimiter: middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
		Logger:      logger,
	}
	routes.SetupRoutes(router, deps)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	logger.Info("server stopped")
}
