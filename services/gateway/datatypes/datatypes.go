// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the request/response structs shared between the
// gateway handlers and its clients.
package datatypes

import "time"

// ServiceHealth is one backend's health as seen from the gateway.
type ServiceHealth struct {
	Service   string `json:"service"`
	Status    string `json:"status"` // "healthy" or "unhealthy"
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthResponse is the aggregate /health body.
type HealthResponse struct {
	Status    string          `json:"status"` // "healthy" or "degraded"
	Timestamp time.Time       `json:"timestamp"`
	Services  []ServiceHealth `json:"services"`
}

// SearchResponse aggregates cross-backend search results. A backend that
// failed contributes an empty slice, never an error.
type SearchResponse struct {
	Query    string         `json:"query"`
	Contacts []SearchResult `json:"contacts"`
	Products []SearchResult `json:"products"`
	Tickets  []SearchResult `json:"tickets"`
}

// SearchResult is one row from a backend's search endpoint. The gateway
// treats backend rows as opaque apart from the envelope fields.
type SearchResult struct {
	ID    string         `json:"id"`
	Label string         `json:"label"`
	Extra map[string]any `json:"extra,omitempty"`
}

// DashboardResponse aggregates per-service entity counts. Failed
// sub-calls contribute zeros.
type DashboardResponse struct {
	Projects  int64     `json:"projects"`
	Leads     int64     `json:"leads"`
	Invoices  int64     `json:"invoices"`
	Employees int64     `json:"employees"`
	Products  int64     `json:"products"`
	Documents int64     `json:"documents"`
	Tickets   int64     `json:"tickets"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is the uniform JSON error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Service string `json:"service,omitempty"`
	Path    string `json:"path,omitempty"`
	// RetryAfterSeconds is set on rate-limit rejections.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}
