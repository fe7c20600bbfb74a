// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization header
// and compares it against the configured API key. On success the caller
// identity is stored in the Gin context for downstream handlers.
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   ├─► Constant-time compare against the configured key
//	   │
//	   └─► Store caller identity in context
//	           │
//	           ▼
//	       Handler (retrieves via GetCaller)
//
// # Local Behavior
//
// With no API key configured, all requests are authenticated as
// "local-user". This lets the CLI talk to a local deployment without any
// authentication infrastructure.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// Context Keys
// =============================================================================

// callerKey is the context key for the authenticated caller identity.
const callerKey = "moorline_caller"

// localCaller is the identity assigned when no API key is configured.
const localCaller = "local-user"

// =============================================================================
// Context Helpers
// =============================================================================

// SetCaller stores the authenticated caller identity in the Gin context.
func SetCaller(c *gin.Context, caller string) {
	c.Set(callerKey, caller)
}

// GetCaller retrieves the authenticated caller identity from the Gin
// context. Returns empty string when the request was not authenticated.
func GetCaller(c *gin.Context) string {
	if v, exists := c.Get(callerKey); exists {
		if caller, ok := v.(string); ok {
			return caller
		}
	}
	return ""
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware creates a Gin middleware that authenticates requests
// against a static API key.
//
// An empty apiKey disables authentication entirely: every request passes
// and is attributed to "local-user". A non-empty key requires a matching
// bearer token; the comparison is constant-time.
func AuthMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			SetCaller(c, localCaller)
			c.Next()
			return
		}

		token := extractBearerToken(c)
		if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}

		SetCaller(c, "api-key")
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractBearerToken extracts the token from the Authorization header.
// Expected format is "Bearer <token>"; the scheme is case-insensitive per
// RFC 7235. Returns empty string if the header is missing or malformed.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
