// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/moorline/moorline/pkg/logging"
	"github.com/moorline/moorline/services/llm"
	"github.com/moorline/moorline/services/orchestrator/broker"
	"github.com/moorline/moorline/services/orchestrator/chat"
	"github.com/moorline/moorline/services/orchestrator/datatypes"
	"github.com/moorline/moorline/services/orchestrator/history"
	"github.com/moorline/moorline/services/orchestrator/observability"
	"github.com/moorline/moorline/services/orchestrator/retrieval"
	"github.com/moorline/moorline/services/orchestrator/routes"
	"github.com/moorline/moorline/services/redaction"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

const defaultDecisionTimeout = 20 * time.Second

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "moorline-otel-collector:4317"
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
		resource.WithAttributes(semconv.ServiceNameKey.String("moorline-orchestrator")))
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

// newWeaviateClient connects to the vector store named by
// WEAVIATE_SERVICE_URL. Chat history persists there, so the service
// refuses to start without it.
func newWeaviateClient() *weaviate.Client {
	weaviateURL := os.Getenv("WEAVIATE_SERVICE_URL")
	// Trim quotes and whitespace in case the container runtime passes them literally
	weaviateURL = strings.Trim(weaviateURL, "\"' ")
	if weaviateURL == "" {
		log.Fatal("WEAVIATE_SERVICE_URL is required: chat history persists to Weaviate")
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		log.Fatalf("WEAVIATE_SERVICE_URL is invalid: %q", weaviateURL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		log.Fatalf("Failed to create Weaviate client: %v", err)
	}

	datatypes.EnsureWeaviateSchema(client)
	return client
}

// newCompletionClient selects the model backend from LLM_BACKEND_TYPE.
func newCompletionClient() llm.CompletionClient {
	var (
		client llm.CompletionClient
		err    error
	)

	switch backend := os.Getenv("LLM_BACKEND_TYPE"); backend {
	case "openai":
		client, err = llm.NewOpenAIClient()
		slog.Info("Using OpenAI LLM backend")
	case "claude", "anthropic":
		client, err = llm.NewAnthropicClient()
		slog.Info("Using Anthropic (Claude) LLM backend")
	case "ollama", "":
		client, err = llm.NewOllamaClient()
		slog.Info("Using Ollama LLM backend")
	default:
		slog.Warn("LLM_BACKEND_TYPE not recognized, defaulting to ollama", "backend", backend)
		client, err = llm.NewOllamaClient()
	}
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}
	return client
}

// newModerationClient returns the moderation screen, or nil when
// moderation is disabled. Only the OpenAI backend provides one.
func newModerationClient(completion llm.CompletionClient) llm.ModerationClient {
	if os.Getenv("MODERATION_ENABLED") != "true" {
		return nil
	}
	if moderator, ok := completion.(llm.ModerationClient); ok {
		return moderator
	}
	moderator, err := llm.NewOpenAIClient()
	if err != nil {
		log.Fatalf("MODERATION_ENABLED=true requires OpenAI credentials: %v", err)
	}
	slog.Info("Using OpenAI moderation screen")
	return moderator
}

func decisionTimeout() time.Duration {
	raw := os.Getenv("DECISION_TIMEOUT_SECONDS")
	if raw == "" {
		return defaultDecisionTimeout
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		slog.Warn("DECISION_TIMEOUT_SECONDS is invalid, using default",
			"value", raw, "default", defaultDecisionTimeout)
		return defaultDecisionTimeout
	}
	return time.Duration(seconds) * time.Second
}

func main() {
	port := os.Getenv("ORCHESTRATOR_PORT")
	if port == "" {
		port = "12210"
	}

	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		Service: "orchestrator",
		JSON:    true,
		LogDir:  os.Getenv("MOORLINE_LOG_DIR"),
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	observability.InitMetrics()

	weaviateClient := newWeaviateClient()
	store := history.NewChatStore(weaviateClient)
	index := retrieval.NewIndex(weaviateClient)

	completion := newCompletionClient()
	moderator := newModerationClient(completion)

	scanner, err := redaction.NewScanner()
	if err != nil {
		log.Fatalf("Failed to load redaction rules: %v", err)
	}

	choiceBroker := broker.New(decisionTimeout(), slog.Default())

	orchestrator := chat.NewOrchestrator(chat.Config{
		Model:        os.Getenv("LLM_MODEL_NAME"),
		SystemPrompt: os.Getenv("SYSTEM_PROMPT"),
	}, chat.Deps{
		Completion: completion,
		Moderator:  moderator,
		Scanner:    scanner,
		Index:      index,
		Store:      store,
		Broker:     choiceBroker,
	})

	// Mlocked accumulator pages are wiped on exit.
	defer chat.PurgeAllSecureMemory()

	router := gin.Default()
	routes.SetupRoutes(router, orchestrator, choiceBroker, routes.Options{
		APIKey:    os.Getenv("MOORLINE_API_KEY"),
		RateRPS:   2,
		RateBurst: 10,
	})

	slog.Info("Starting the orchestrator server", "port", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
