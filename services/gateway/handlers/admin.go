// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/Siteline/services/gateway/datatypes"
	"github.com/AleutianAI/Siteline/services/gateway/eventbus"
	"github.com/AleutianAI/Siteline/services/gateway/metrics"
)

// AdminMetrics returns the aggregate view over the request log ring.
func (h *Handlers) AdminMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.recorder.Metrics())
}

// AdminRequests returns filtered request log entries, newest first.
// Filters: method, path (substring), status (exact), since/until
// (RFC 3339), limit.
func (h *Handlers) AdminRequests(c *gin.Context) {
	q := metrics.LogQuery{
		Method:       c.Query("method"),
		PathContains: c.Query("path"),
		Limit:        50,
	}
	if raw := c.Query("status"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid status filter"})
			return
		}
		q.Status = n
	}
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			q.Limit = n
		}
	}
	if raw := c.Query("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid since timestamp"})
			return
		}
		q.Since = ts
	}
	if raw := c.Query("until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid until timestamp"})
			return
		}
		q.Until = ts
	}

	c.JSON(http.StatusOK, gin.H{"requests": h.recorder.Logs(q)})
}

// AdminEvents returns retained domain events, optionally filtered by
// type.
func (h *Handlers) AdminEvents(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	events := h.bus.History(eventbus.Type(c.Query("type")), limit)
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// AdminSubscriptions lists the live event bus subscriptions.
func (h *Handlers) AdminSubscriptions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"subscriptions": h.bus.Subscriptions()})
}
