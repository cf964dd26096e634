// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides the gateway's HTTP middleware chain:
// security headers, CORS, request logging, caller identity resolution,
// and rate limiting.
//
// Every inbound request passes through the chain in that order before
// reaching a local handler or the proxy. The identity middleware treats
// the bearer credential as opaque: it is only mapped to a rate-limit
// key through the configured SessionProvider and is always forwarded to
// backends unmodified.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/Siteline/services/gateway/datatypes"
	"github.com/AleutianAI/Siteline/services/gateway/eventbus"
	"github.com/AleutianAI/Siteline/services/gateway/metrics"
	"github.com/AleutianAI/Siteline/services/gateway/ratelimit"
)

// =============================================================================
// Caller Identity
// =============================================================================

// identityKey is the gin context key for the resolved caller identity.
const identityKey = "siteline_identity"

// SessionProvider resolves an opaque bearer token to a user id for
// rate-limit bucketing. It must not verify or decode business claims;
// that stays with the backends.
type SessionProvider interface {
	Resolve(ctx context.Context, token string) (string, error)
}

// NopSessionProvider never resolves a session, so callers are bucketed
// by client address. This is the open source default.
type NopSessionProvider struct{}

// Resolve always reports no session.
func (NopSessionProvider) Resolve(_ context.Context, _ string) (string, error) {
	return "", nil
}

// Identity resolves the caller identity once per request: the session
// user id when the provider knows the token, the client address
// otherwise. Resolution failures degrade to the address; they never
// reject the request, because authorization belongs to the backends.
func Identity(provider SessionProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := ""
		if token := extractBearerToken(c); token != "" {
			userID, err := provider.Resolve(c.Request.Context(), token)
			if err != nil {
				slog.Debug("session resolution failed", "error", err)
			} else {
				identity = userID
			}
		}
		if identity == "" {
			identity = c.ClientIP()
		}
		c.Set(identityKey, identity)
		c.Next()
	}
}

// GetIdentity returns the identity stored by the Identity middleware,
// or the client address if the middleware did not run.
func GetIdentity(c *gin.Context) string {
	if v, ok := c.Get(identityKey); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return c.ClientIP()
}

// extractBearerToken parses "Authorization: Bearer <token>". The
// prefix is case-insensitive per RFC 7235; empty string when missing
// or malformed.
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

// =============================================================================
// Security Headers / CORS
// =============================================================================

// SecurityHeaders applies the uniform response headers: no content-type
// sniffing, no framing, strict referrer, and a CSP permitting only the
// gateway's own origin plus the allow-listed third-party API origins.
func SecurityHeaders(cspConnectOrigins []string) gin.HandlerFunc {
	connectSrc := "'self'"
	if len(cspConnectOrigins) > 0 {
		connectSrc += " " + strings.Join(cspConnectOrigins, " ")
	}
	csp := fmt.Sprintf("default-src 'self'; connect-src %s; frame-ancestors 'none'", connectSrc)

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", csp)
		c.Next()
	}
}

// CORS allows the configured browser origins and answers preflights.
// Requests without an Origin header (curl, service-to-service) pass
// through untouched.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimRight(o, "/")] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && allowed[origin] {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			h.Add("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// =============================================================================
// Request Logging
// =============================================================================

// RequestLogger records every completed request in the metrics ring and
// writes one structured log line. It never alters response content.
func RequestLogger(recorder *metrics.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		latency := time.Since(start)
		entry := metrics.RequestLogEntry{
			Method:    c.Request.Method,
			Path:      c.Request.URL.Path,
			Status:    c.Writer.Status(),
			Latency:   latency,
			Identity:  GetIdentity(c),
			Timestamp: start.UTC(),
		}
		recorder.Record(entry)

		slog.Info("request completed",
			"method", entry.Method,
			"path", entry.Path,
			"status", entry.Status,
			"latency_ms", latency.Milliseconds(),
			"identity", entry.Identity)
	}
}

// =============================================================================
// Rate Limiting
// =============================================================================

// policyFor picks the rate-limit policy by path: credential endpoints
// get the tight auth budget, exports their own small budget, everything
// else the default.
func policyFor(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return "auth"
	case strings.HasSuffix(path, "/export"):
		return "export"
	default:
		return "default"
	}
}

// RateLimit enforces the fixed-window policies keyed by caller
// identity. Limit headers go out on every response, allowed or not; an
// over-limit request gets a 429 with retry-after guidance and emits a
// lifecycle event.
func RateLimit(limiter *ratelimit.Limiter, bus *eventbus.Bus) gin.HandlerFunc {
	return func(c *gin.Context) {
		policy := policyFor(c.Request.URL.Path)
		identity := GetIdentity(c)

		res := limiter.Check(policy, identity)

		h := c.Writer.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		h.Set("X-RateLimit-Reset", strconv.Itoa(res.ResetSeconds))

		if !res.Allowed {
			h.Set("Retry-After", strconv.Itoa(res.ResetSeconds))
			if bus != nil {
				bus.Publish(c.Request.Context(), "gateway", eventbus.RateLimitExceeded{
					Policy:   policy,
					Identity: identity,
					Path:     c.Request.URL.Path,
				})
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, datatypes.ErrorResponse{
				Error:             "rate limit exceeded",
				RetryAfterSeconds: res.ResetSeconds,
			})
			return
		}
		c.Next()
	}
}
