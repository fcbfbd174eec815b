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
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/graphpilot/services/agent/rag"
	"github.com/AleutianAI/graphpilot/services/agent/thread"
	"github.com/AleutianAI/graphpilot/services/gateway/auth"
	"github.com/AleutianAI/graphpilot/services/gateway/handlers"
	"github.com/AleutianAI/graphpilot/services/gateway/observability"
	"github.com/AleutianAI/graphpilot/services/gateway/routes"
	"github.com/AleutianAI/graphpilot/services/graph"
	"github.com/AleutianAI/graphpilot/services/llm"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "graphpilot-otel-collector:4317"
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

// graphSnapshot is the on-disk development fixture format loaded into
// the in-memory graph source at startup.
type graphSnapshot struct {
	Graph   graph.Graph            `json:"graph"`
	Nodes   []graph.Node           `json:"nodes"`
	Edges   []graph.Edge           `json:"edges"`
	Configs []graph.NodeTypeConfig `json:"configs"`
}

func loadGraphSnapshots(source *graph.MemorySource, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snapshots []graphSnapshot
	if err := json.Unmarshal(data, &snapshots); err != nil {
		return err
	}
	for _, snap := range snapshots {
		source.AddGraph(snap.Graph, snap.Nodes, snap.Edges, snap.Configs)
		slog.Info("loaded graph snapshot", "graphKey", snap.Graph.Key, "nodes", len(snap.Nodes))
	}
	return nil
}

func main() {
	port := os.Getenv("GRAPHPILOT_PORT")
	if port == "" {
		port = "12310"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	observability.InitMetrics()

	log.Println("Configuring the LLM Client")
	var llmClient llm.LLMClient
	switch os.Getenv("LLM_BACKEND_TYPE") {
	case "openai":
		llmClient, err = llm.NewOpenAIClient()
		slog.Info("Using OpenAI LLM backend")
	case "ollama":
		llmClient, err = llm.NewOllamaClient()
		slog.Info("Using Ollama LLM backend")
	default:
		slog.Warn("LLM_BACKEND_TYPE not set or invalid, defaulting to ollama")
		llmClient, err = llm.NewOllamaClient()
	}
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}

	source := graph.NewMemorySource()
	if snapshotPath := os.Getenv("GRAPH_SNAPSHOT_PATH"); snapshotPath != "" {
		if err := loadGraphSnapshots(source, snapshotPath); err != nil {
			log.Fatalf("Failed to load graph snapshots from %s: %v", snapshotPath, err)
		}
	}

	var embedder graph.EmbeddingProvider
	if ollamaEmbedder, err := graph.NewOllamaEmbedder(); err != nil {
		slog.Warn("embedding provider unavailable, retrieval uses lexical search", "error", err)
	} else {
		embedder = ollamaEmbedder
	}

	dbPath := os.Getenv("THREAD_DB_PATH")
	if dbPath == "" {
		dbPath = "/data/graphpilot/threads"
		slog.Warn("THREAD_DB_PATH is not set, defaulting to '/data/graphpilot/threads'")
	}
	store, err := thread.OpenBadgerStore(thread.BadgerConfig{
		Path:       dbPath,
		SyncWrites: true,
		Logger:     slog.Default(),
	})
	if err != nil {
		log.Fatalf("Failed to open the thread store at %s: %v", dbPath, err)
	}
	defer store.Close()

	threads := thread.NewManager(store, 0)
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	threads.StartSweeper(sweepCtx, 5*time.Minute)

	retriever := rag.NewRetriever(source, embedder)
	retriever.SetCacheObserver(func(hit bool) {
		result := "miss"
		if hit {
			result = "hit"
		}
		observability.DefaultMetrics.RetrievalCacheTotal.WithLabelValues(result).Inc()
	})

	tracker := handlers.NewSessionTracker()
	deps := &handlers.AssistantDeps{
		Client:    llmClient,
		Source:    source,
		Threads:   threads,
		Retriever: retriever,
		Tracker:   tracker,
		Auth:      auth.NopAuthProvider{},
		Metrics:   observability.DefaultMetrics,
	}

	router := gin.Default()
	router.Use(otelgin.Middleware("gateway-service"))
	routes.SetupRoutes(router, deps)

	server := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Println("Starting the gateway server on port ", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-shutdownCtx.Done()
	slog.Info("shutdown signal received, draining sessions")

	canceled := tracker.CancelAll()
	if canceled > 0 {
		slog.Info("canceled in-flight requests on shutdown", "count", canceled)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelDrain()
	if err := server.Shutdown(drainCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
}
