// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the gateway's locally served endpoints:
// health aggregation, cross-backend search, the analytics dashboard,
// and the admin introspection surface.
//
// The aggregation endpoints are scatter-gather over the same backend
// registry the proxy uses: every sub-call runs in parallel and is
// individually allowed to fail. A failed sub-call contributes its empty
// or zero default; only /health folds sub-call failures into the
// overall status. Sub-calls are never retried; a retry-once policy for
// transient failures would slot in at checkOne and countOne.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/Siteline/services/gateway/config"
	"github.com/AleutianAI/Siteline/services/gateway/datatypes"
	"github.com/AleutianAI/Siteline/services/gateway/eventbus"
	"github.com/AleutianAI/Siteline/services/gateway/metrics"
	"github.com/AleutianAI/Siteline/services/gateway/proxy"
)

var tracer = otel.Tracer("siteline.gateway.handlers")

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

// Handlers serves the gateway-local endpoints. Construct with New.
type Handlers struct {
	router   *proxy.Router
	recorder *metrics.Recorder
	bus      *eventbus.Bus
}

// New wires the handlers to the proxy's backend registry, the request
// recorder, and the event bus.
func New(router *proxy.Router, recorder *metrics.Recorder, bus *eventbus.Bus) *Handlers {
	return &Handlers{router: router, recorder: recorder, bus: bus}
}

// =============================================================================
// Health
// =============================================================================

// Health fans out to every registered backend's /health endpoint.
// Overall status is "healthy" only when every backend answered 200;
// otherwise "degraded" with a 503, while still reporting each backend
// individually.
func (h *Handlers) Health(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "Handlers.Health")
	defer span.End()

	services := h.router.Services()
	results := make([]datatypes.ServiceHealth, len(services))

	g, ctx := errgroup.WithContext(ctx)
	for i, service := range services {
		g.Go(func() error {
			results[i] = h.checkOne(ctx, service)
			return nil
		})
	}
	_ = g.Wait()

	overall := "healthy"
	status := http.StatusOK
	for _, r := range results {
		if r.Status != "healthy" {
			overall = "degraded"
			status = http.StatusServiceUnavailable
			break
		}
	}
	span.SetAttributes(attribute.String("overall", overall))

	c.JSON(status, datatypes.HealthResponse{
		Status:    overall,
		Timestamp: time.Now().UTC(),
		Services:  results,
	})
}

// checkOne probes a single backend. Any transport or non-200 outcome is
// an unhealthy report, never an error.
func (h *Handlers) checkOne(ctx context.Context, service string) datatypes.ServiceHealth {
	base, ok := h.router.ServiceURL(service)
	if !ok {
		return datatypes.ServiceHealth{Service: service, Status: "unhealthy", Error: "not registered"}
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return datatypes.ServiceHealth{Service: service, Status: "unhealthy", Error: err.Error()}
	}
	resp, err := h.router.Client().Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return datatypes.ServiceHealth{Service: service, Status: "unhealthy", LatencyMs: latency, Error: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return datatypes.ServiceHealth{
			Service:   service,
			Status:    "unhealthy",
			LatencyMs: latency,
			Error:     fmt.Sprintf("status %d", resp.StatusCode),
		}
	}
	return datatypes.ServiceHealth{Service: service, Status: "healthy", LatencyMs: latency}
}

// =============================================================================
// Search
// =============================================================================

// searchSources maps each result bucket to the backend that owns it.
var searchSources = []struct {
	service string
	bucket  string
}{
	{config.ServiceSales, "contacts"},
	{config.ServiceInventory, "products"},
	{config.ServiceCompliance, "tickets"},
}

// Search aggregates contact/product/ticket search across the sales,
// inventory, and compliance backends. A backend that fails or times out
// contributes an empty bucket.
func (h *Handlers) Search(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "Handlers.Search")
	defer span.End()

	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "missing query parameter q"})
		return
	}
	limit := defaultSearchLimit
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = min(n, maxSearchLimit)
		}
	}
	span.SetAttributes(attribute.String("query", query), attribute.Int("limit", limit))

	out := datatypes.SearchResponse{
		Query:    query,
		Contacts: []datatypes.SearchResult{},
		Products: []datatypes.SearchResult{},
		Tickets:  []datatypes.SearchResult{},
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range searchSources {
		g.Go(func() error {
			results := h.searchOne(ctx, src.service, query, limit)
			mu.Lock()
			switch src.bucket {
			case "contacts":
				out.Contacts = results
			case "products":
				out.Products = results
			case "tickets":
				out.Tickets = results
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	c.JSON(http.StatusOK, out)
}

// searchOne queries one backend's search endpoint. Failures yield the
// empty slice and a lifecycle event, never an error to the caller.
func (h *Handlers) searchOne(ctx context.Context, service, query string, limit int) []datatypes.SearchResult {
	empty := []datatypes.SearchResult{}

	base, ok := h.router.ServiceURL(service)
	if !ok {
		return empty
	}
	target := fmt.Sprintf("%s/search?q=%s&limit=%d", base, url.QueryEscape(query), limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return empty
	}
	resp, err := h.router.Client().Do(req)
	if err != nil {
		h.reportUnreachable(ctx, service, "/search", err)
		return empty
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return empty
	}
	var body struct {
		Results []datatypes.SearchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return empty
	}
	if body.Results == nil {
		return empty
	}
	return body.Results
}

// =============================================================================
// Dashboard
// =============================================================================

// countSources maps dashboard fields to owning backends.
var countSources = []struct {
	service string
	field   string
}{
	{config.ServiceProject, "projects"},
	{config.ServiceSales, "leads"},
	{config.ServiceFinance, "invoices"},
	{config.ServiceHR, "employees"},
	{config.ServiceInventory, "products"},
	{config.ServiceDocument, "documents"},
	{config.ServiceCompliance, "tickets"},
}

// Dashboard aggregates per-entity counts across the backends. Failed
// sub-calls contribute zero.
func (h *Handlers) Dashboard(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "Handlers.Dashboard")
	defer span.End()

	counts := make([]int64, len(countSources))
	g, ctx := errgroup.WithContext(ctx)
	for i, src := range countSources {
		g.Go(func() error {
			counts[i] = h.countOne(ctx, src.service, src.field)
			return nil
		})
	}
	_ = g.Wait()

	out := datatypes.DashboardResponse{Timestamp: time.Now().UTC()}
	for i, src := range countSources {
		switch src.field {
		case "projects":
			out.Projects = counts[i]
		case "leads":
			out.Leads = counts[i]
		case "invoices":
			out.Invoices = counts[i]
		case "employees":
			out.Employees = counts[i]
		case "products":
			out.Products = counts[i]
		case "documents":
			out.Documents = counts[i]
		case "tickets":
			out.Tickets = counts[i]
		}
	}

	c.JSON(http.StatusOK, out)
}

// countOne fetches one backend's entity count; zero on any failure.
func (h *Handlers) countOne(ctx context.Context, service, entity string) int64 {
	base, ok := h.router.ServiceURL(service)
	if !ok {
		return 0
	}
	target := fmt.Sprintf("%s/stats/%s/count", base, entity)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0
	}
	resp, err := h.router.Client().Do(req)
	if err != nil {
		h.reportUnreachable(ctx, service, target, err)
		return 0
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0
	}
	var body struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0
	}
	return body.Count
}

func (h *Handlers) reportUnreachable(ctx context.Context, service, path string, err error) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(ctx, "gateway", eventbus.BackendUnreachable{
		Service: service,
		Path:    path,
		Reason:  err.Error(),
	})
}
