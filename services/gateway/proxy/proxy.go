// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package proxy routes inbound API requests to the owning backend by
// longest path-prefix match and relays the backend's response verbatim.
//
// The gateway never interprets business payloads or credentials: the
// Authorization header is forwarded untouched and authorization
// decisions stay with each backend. A backend that cannot be reached
// yields a synthesized 503 naming the logical service; the client never
// hangs and the gateway never crashes on backend failure.
package proxy

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/Siteline/services/gateway/config"
	"github.com/AleutianAI/Siteline/services/gateway/datatypes"
	"github.com/AleutianAI/Siteline/services/gateway/eventbus"
)

// hopByHopHeaders are stripped in both directions per RFC 9110 §7.6.1.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Router resolves paths against the route table and forwards requests.
// Construct with NewRouter; safe for concurrent use (the table is
// immutable after construction).
type Router struct {
	routes   []config.Route // sorted by descending prefix length
	services map[string]string
	client   *http.Client
	bus      *eventbus.Bus
}

// NewRouter builds a Router from the validated configuration. The
// shared client bounds every upstream call by the configured timeout;
// closing the inbound transport is the only cancellation mechanism
// beyond that.
func NewRouter(cfg *config.Config, bus *eventbus.Bus) *Router {
	routes := make([]config.Route, len(cfg.Routes))
	copy(routes, cfg.Routes)
	sort.Slice(routes, func(i, j int) bool {
		return len(routes[i].Prefix) > len(routes[j].Prefix)
	})

	services := make(map[string]string, len(cfg.Services))
	for name, addr := range cfg.Services {
		services[name] = strings.TrimRight(addr, "/")
	}

	return &Router{
		routes:   routes,
		services: services,
		client: &http.Client{
			Timeout: cfg.UpstreamTimeout.Std(),
			// Redirects are relayed to the client, not chased.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		bus: bus,
	}
}

// Resolve returns the logical service owning a path. Longest configured
// prefix wins, so /api/v1/order-templates/5 resolves past a shorter
// /api/v1/orders entry.
func (r *Router) Resolve(path string) (string, bool) {
	for _, route := range r.routes {
		if strings.HasPrefix(path, route.Prefix) {
			return route.Service, true
		}
	}
	return "", false
}

// ServiceURL exposes the registry to the aggregation handlers.
func (r *Router) ServiceURL(service string) (string, bool) {
	addr, ok := r.services[service]
	return addr, ok
}

// Services lists every registered logical service name.
func (r *Router) Services() []string {
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Client exposes the shared upstream client so aggregation handlers use
// the same timeout discipline as the proxy path.
func (r *Router) Client() *http.Client {
	return r.client
}

// Handler is the catch-all proxy endpoint, installed as the gin NoRoute
// handler after the gateway's own endpoints.
func (r *Router) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path

		service, ok := r.Resolve(path)
		if !ok {
			if strings.HasPrefix(path, "/api/") {
				c.JSON(http.StatusNotFound, datatypes.ErrorResponse{
					Error: "no backend owns this path",
					Path:  path,
				})
				return
			}
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "not found", Path: path})
			return
		}

		r.forward(c, service)
	}
}

// forward relays one request to the named backend and the response back
// to the client, preserving method, body, and headers.
func (r *Router) forward(c *gin.Context, service string) {
	base, ok := r.services[service]
	if !ok {
		// Config validation makes this unreachable; kept as a guard.
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{
			Error:   "route targets unregistered service",
			Service: service,
		})
		return
	}

	target := base + c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		target += "?" + raw
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target, c.Request.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{
			Error:   fmt.Sprintf("build upstream request: %v", err),
			Service: service,
		})
		return
	}

	// Preserve the client's framing; without this a body that arrived
	// with Content-Length would go upstream chunked.
	req.ContentLength = c.Request.ContentLength

	req.Header = c.Request.Header.Clone()
	for _, h := range hopByHopHeaders {
		req.Header.Del(h)
	}
	req.Header.Set("X-Forwarded-For", c.ClientIP())
	req.Header.Set("X-Forwarded-Host", c.Request.Host)

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		slog.Error("backend unreachable",
			"service", service,
			"path", c.Request.URL.Path,
			"error", err)
		if r.bus != nil {
			r.bus.Publish(c.Request.Context(), "gateway", eventbus.BackendUnreachable{
				Service: service,
				Path:    c.Request.URL.Path,
				Reason:  err.Error(),
			})
		}
		c.JSON(http.StatusServiceUnavailable, datatypes.ErrorResponse{
			Error:   "service unavailable",
			Service: service,
			Path:    c.Request.URL.Path,
		})
		return
	}
	defer resp.Body.Close()

	header := c.Writer.Header()
	for key, values := range resp.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	for _, h := range hopByHopHeaders {
		header.Del(h)
	}

	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		// Headers are already out; nothing to do but note it.
		slog.Warn("response relay interrupted",
			"service", service,
			"path", c.Request.URL.Path,
			"error", err)
	}

	slog.Debug("proxied request",
		"service", service,
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", resp.StatusCode,
		"upstream_ms", time.Since(start).Milliseconds())
}
