// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes wires the middleware chain and endpoints onto the gin
// engine.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/Siteline/services/gateway/bridge"
	"github.com/AleutianAI/Siteline/services/gateway/config"
	"github.com/AleutianAI/Siteline/services/gateway/eventbus"
	"github.com/AleutianAI/Siteline/services/gateway/handlers"
	"github.com/AleutianAI/Siteline/services/gateway/metrics"
	"github.com/AleutianAI/Siteline/services/gateway/middleware"
	"github.com/AleutianAI/Siteline/services/gateway/proxy"
	"github.com/AleutianAI/Siteline/services/gateway/ratelimit"
)

// Deps carries the constructed components into SetupRoutes. Explicit
// injection keeps state instance-owned so tests can stand up multiple
// gateways in one process.
type Deps struct {
	Config   *config.Config
	Router   *proxy.Router
	Handlers *handlers.Handlers
	Bridge   *bridge.Server
	Limiter  *ratelimit.Limiter
	Recorder *metrics.Recorder
	Bus      *eventbus.Bus
	Sessions middleware.SessionProvider
	// Gatherer backs /metrics; pass the registry the Recorder was
	// registered with.
	Gatherer prometheus.Gatherer
}

// SetupRoutes installs the middleware chain (security headers, CORS,
// identity, request logger, rate limiter, in that order) and every
// gateway endpoint. Anything not matched locally falls through to the
// reverse proxy.
func SetupRoutes(engine *gin.Engine, deps Deps) {
	engine.Use(
		middleware.SecurityHeaders(deps.Config.CSPConnectOrigins),
		middleware.CORS(deps.Config.AllowedOrigins),
		middleware.Identity(deps.Sessions),
		middleware.RequestLogger(deps.Recorder),
		middleware.RateLimit(deps.Limiter, deps.Bus),
	)

	engine.GET("/health", deps.Handlers.Health)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := engine.Group("/api/v1")
	{
		v1.GET("/search", deps.Handlers.Search)
		v1.GET("/analytics/dashboard", deps.Handlers.Dashboard)

		admin := v1.Group("/admin")
		{
			admin.GET("/requests", deps.Handlers.AdminRequests)
			admin.GET("/metrics", deps.Handlers.AdminMetrics)
			admin.GET("/events", deps.Handlers.AdminEvents)
			admin.GET("/subscriptions", deps.Handlers.AdminSubscriptions)
		}
	}

	engine.GET("/ws/*rest", deps.Bridge.Handler())

	// Everything else is proxied by longest-prefix match.
	engine.NoRoute(deps.Router.Handler())
}
