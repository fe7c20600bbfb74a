// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires the HTTP surface of the orchestrator service.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/moorline/moorline/services/orchestrator/broker"
	"github.com/moorline/moorline/services/orchestrator/chat"
	"github.com/moorline/moorline/services/orchestrator/handlers"
	"github.com/moorline/moorline/services/orchestrator/middleware"
)

// Options configures the HTTP surface.
type Options struct {
	// APIKey guards /v1 routes; empty disables authentication.
	APIKey string

	// RateRPS and RateBurst bound per-client turn starts. Zero RateRPS
	// disables rate limiting.
	RateRPS   float64
	RateBurst int
}

// SetupRoutes registers every endpoint on the router.
//
// Health and metrics stay outside the /v1 group so probes and scrapers
// never contend with auth or rate limits.
func SetupRoutes(router *gin.Engine, orchestrator *chat.Orchestrator, choiceBroker *broker.ChoiceBroker, opts Options) {
	router.Use(otelgin.Middleware("moorline-orchestrator"))

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	chatHandlers := handlers.NewChatHandlers(orchestrator)
	decisionHandlers := handlers.NewDecisionHandlers(choiceBroker)

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(opts.APIKey))
	if opts.RateRPS > 0 {
		v1.Use(middleware.RateLimitMiddleware(middleware.NewRateLimiter(opts.RateRPS, opts.RateBurst)))
	}
	{
		v1.POST("/workspace/:slug/stream-chat", chatHandlers.HandleStreamChat)
		v1.POST("/chat/decision", decisionHandlers.HandleDecision)
	}
}
