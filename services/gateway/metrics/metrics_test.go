// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metrics

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(method, path string, status int, latency time.Duration) RequestLogEntry {
	return RequestLogEntry{
		Method:    method,
		Path:      path,
		Status:    status,
		Latency:   latency,
		Identity:  "user-1",
		Timestamp: time.Now().UTC(),
	}
}

// =============================================================================
// Ring Buffer Tests
// =============================================================================

func TestRecord_RingDropsOldestAtCapacity(t *testing.T) {
	r := NewRecorder(3, prometheus.NewRegistry())

	for i := 0; i < 4; i++ {
		r.Record(entry("GET", fmt.Sprintf("/api/v1/projects/%d", i), 200, time.Millisecond))
	}

	logs := r.Logs(LogQuery{})
	require.Len(t, logs, 3)
	// Newest first; /0 must be gone.
	assert.Equal(t, "/api/v1/projects/3", logs[0].Path)
	assert.Equal(t, "/api/v1/projects/1", logs[2].Path)
}

func TestRecord_ConcurrentAppendsKeepBound(t *testing.T) {
	r := NewRecorder(16, prometheus.NewRegistry())

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				r.Record(entry("GET", "/api/v1/tasks", 200, time.Millisecond))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, r.Logs(LogQuery{}), 16)
	assert.Equal(t, 16, r.Metrics().TotalRequests)
}

// =============================================================================
// Metrics Aggregation Tests
// =============================================================================

func TestMetrics_Empty(t *testing.T) {
	r := NewRecorder(10, prometheus.NewRegistry())

	m := r.Metrics()

	assert.Equal(t, 0, m.TotalRequests)
	assert.Zero(t, m.ErrorRate)
	assert.Empty(t, m.ByMethod)
}

func TestMetrics_Aggregation(t *testing.T) {
	r := NewRecorder(10, prometheus.NewRegistry())

	r.Record(entry("GET", "/api/v1/projects", 200, 10*time.Millisecond))
	r.Record(entry("GET", "/api/v1/leads", 404, 20*time.Millisecond))
	r.Record(entry("POST", "/api/v1/invoices", 502, 30*time.Millisecond))
	r.Record(entry("GET", "/api/v1/projects", 204, 20*time.Millisecond))

	m := r.Metrics()

	assert.Equal(t, 4, m.TotalRequests)
	assert.InDelta(t, 20.0, m.AvgLatencyMs, 0.01)
	assert.InDelta(t, 0.5, m.ErrorRate, 0.001)
	assert.Equal(t, 3, m.ByMethod["GET"])
	assert.Equal(t, 1, m.ByMethod["POST"])
	assert.Equal(t, 2, m.ByStatusClass["2xx"])
	assert.Equal(t, 1, m.ByStatusClass["4xx"])
	assert.Equal(t, 1, m.ByStatusClass["5xx"])
}

func TestMetrics_SubMillisecondLatencyNotLost(t *testing.T) {
	r := NewRecorder(10, prometheus.NewRegistry())

	r.Record(entry("GET", "/api/v1/projects", 200, 300*time.Microsecond))
	r.Record(entry("GET", "/api/v1/projects", 200, 500*time.Microsecond))

	m := r.Metrics()

	assert.InDelta(t, 0.4, m.AvgLatencyMs, 0.001)
}

// =============================================================================
// Log Query Tests
// =============================================================================

func TestLogs_Filters(t *testing.T) {
	r := NewRecorder(10, prometheus.NewRegistry())

	r.Record(entry("GET", "/api/v1/projects/1", 200, time.Millisecond))
	r.Record(entry("POST", "/api/v1/projects", 201, time.Millisecond))
	r.Record(entry("GET", "/api/v1/leads", 500, time.Millisecond))

	tests := []struct {
		name  string
		query LogQuery
		want  int
	}{
		{"by method", LogQuery{Method: "GET"}, 2},
		{"method case insensitive", LogQuery{Method: "get"}, 2},
		{"by path substring", LogQuery{PathContains: "projects"}, 2},
		{"by exact status", LogQuery{Status: 500}, 1},
		{"combined", LogQuery{Method: "GET", PathContains: "projects"}, 1},
		{"no match", LogQuery{Status: 418}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, r.Logs(tt.query), tt.want)
		})
	}
}

func TestLogs_LimitReturnsNewestFirst(t *testing.T) {
	r := NewRecorder(10, prometheus.NewRegistry())

	for i := 0; i < 5; i++ {
		r.Record(entry("GET", fmt.Sprintf("/api/v1/tasks/%d", i), 200, time.Millisecond))
	}

	logs := r.Logs(LogQuery{Limit: 2})
	require.Len(t, logs, 2)
	assert.Equal(t, "/api/v1/tasks/4", logs[0].Path)
	assert.Equal(t, "/api/v1/tasks/3", logs[1].Path)
}

func TestLogs_TimeRange(t *testing.T) {
	r := NewRecorder(10, prometheus.NewRegistry())
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		e := entry("GET", "/api/v1/tasks", 200, time.Millisecond)
		e.Timestamp = base.Add(time.Duration(i) * time.Minute)
		r.Record(e)
	}

	logs := r.Logs(LogQuery{
		Since: base.Add(30 * time.Second),
		Until: base.Add(90 * time.Second),
	})
	require.Len(t, logs, 1)
	assert.Equal(t, base.Add(time.Minute), logs[0].Timestamp)
}

// =============================================================================
// Gauge Tests
// =============================================================================

func TestBridgeGauge_RegistersAndMoves(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(10, reg)

	r.BridgeOpened()
	r.BridgeOpened()
	r.BridgeClosed()

	families, err := reg.Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() == "siteline_gateway_active_bridges" {
			found = true
			require.Len(t, mf.GetMetric(), 1)
			assert.Equal(t, 1.0, mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found, "active_bridges gauge not registered")
}
