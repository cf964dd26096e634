// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/Siteline/pkg/logging"
	"github.com/AleutianAI/Siteline/services/gateway/bridge"
	"github.com/AleutianAI/Siteline/services/gateway/config"
	"github.com/AleutianAI/Siteline/services/gateway/eventbus"
	"github.com/AleutianAI/Siteline/services/gateway/handlers"
	"github.com/AleutianAI/Siteline/services/gateway/metrics"
	"github.com/AleutianAI/Siteline/services/gateway/middleware"
	"github.com/AleutianAI/Siteline/services/gateway/proxy"
	"github.com/AleutianAI/Siteline/services/gateway/ratelimit"
	"github.com/AleutianAI/Siteline/services/gateway/routes"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "siteline-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("gateway-service")))
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
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func main() {
	logging.Setup("gateway-service")

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: invalid gateway configuration: %v", err)
	}

	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(cfg.RequestLogCapacity, registry)
	bus := eventbus.New(cfg.EventHistoryCapacity)

	// Lifecycle events show up in the gateway's own log stream.
	bus.Subscribe(eventbus.Wildcard, "gateway-audit", func(_ context.Context, evt eventbus.Event) error {
		slog.Info("domain event",
			"event_id", evt.ID,
			"event_type", evt.Type,
			"source", evt.Source)
		return nil
	})

	limiter := ratelimit.New(cfg.RateLimits)
	limiter.StartSweeper(cfg.SweepInterval.Std())
	defer limiter.Stop()

	router := proxy.NewRouter(cfg, bus)

	realtimeURL, _ := cfg.ServiceURL(config.ServiceRealtime)
	bridgeServer, err := bridge.NewServer(realtimeURL, bus, recorder)
	if err != nil {
		log.Fatalf("FATAL: could not configure the realtime bridge: %v", err)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("gateway-service"))

	routes.SetupRoutes(engine, routes.Deps{
		Config:   cfg,
		Router:   router,
		Handlers: handlers.New(router, recorder, bus),
		Bridge:   bridgeServer,
		Limiter:  limiter,
		Recorder: recorder,
		Bus:      bus,
		Sessions: middleware.NopSessionProvider{},
		Gatherer: registry,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("starting the gateway", "port", cfg.Port, "backends", len(cfg.Services))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down the gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	// Hijacked websocket connections are not covered by Shutdown; give
	// live bridges a short grace period before the process exits.
	bridgesDone := make(chan struct{})
	go func() {
		bridgeServer.Wait()
		close(bridgesDone)
	}()
	select {
	case <-bridgesDone:
	case <-time.After(5 * time.Second):
		slog.Warn("bridges still open at shutdown")
	}
}
