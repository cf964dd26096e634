// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics records completed gateway requests.
//
// Two views are maintained from the same middleware hook: a
// fixed-capacity in-memory ring of per-request log entries that backs
// the admin introspection endpoints, and Prometheus collectors scraped
// via /metrics. The ring drops the oldest entry at capacity, so memory
// is bounded structurally rather than by policy.
package metrics

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RequestLogEntry is the immutable record of one completed request.
type RequestLogEntry struct {
	Method    string        `json:"method"`
	Path      string        `json:"path"`
	Status    int           `json:"status"`
	Latency   time.Duration `json:"latency_ns"`
	Identity  string        `json:"identity"`
	Timestamp time.Time     `json:"timestamp"`
}

// LogQuery filters Logs. Zero values match everything.
type LogQuery struct {
	Method       string
	PathContains string
	Status       int
	Since        time.Time
	Until        time.Time
	// Limit caps the result at the most recent N matches; <=0 means
	// no cap beyond the ring size.
	Limit int
}

// APIMetrics is the on-demand aggregate over the current ring contents.
type APIMetrics struct {
	TotalRequests int            `json:"total_requests"`
	AvgLatencyMs  float64        `json:"avg_latency_ms"`
	ErrorRate     float64        `json:"error_rate"`
	ByMethod      map[string]int `json:"by_method"`
	ByStatusClass map[string]int `json:"by_status_class"`
}

// Recorder owns the request log ring and the Prometheus collectors.
// Construct with NewRecorder; safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	entries []RequestLogEntry
	next    int
	filled  bool

	requestsTotal *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	activeBridges prometheus.Gauge
}

// NewRecorder creates a Recorder with the given ring capacity and
// registers its collectors. Tests pass prometheus.NewRegistry() so
// parallel gateways do not collide on collector names.
func NewRecorder(capacity int, reg prometheus.Registerer) *Recorder {
	if capacity <= 0 {
		capacity = 1
	}
	r := &Recorder{
		entries: make([]RequestLogEntry, capacity),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siteline",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Completed requests by method and status class.",
		}, []string{"method", "status_class"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "siteline",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Request latency by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		activeBridges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "siteline",
			Subsystem: "gateway",
			Name:      "active_bridges",
			Help:      "Currently open websocket bridges.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.requestsTotal, r.latency, r.activeBridges)
	}
	return r
}

// Record appends one completed request to the ring and updates the
// Prometheus collectors.
func (r *Recorder) Record(e RequestLogEntry) {
	r.requestsTotal.WithLabelValues(e.Method, statusClass(e.Status)).Inc()
	r.latency.WithLabelValues(e.Method).Observe(e.Latency.Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.filled = true
	}
}

// BridgeOpened increments the active-bridge gauge.
func (r *Recorder) BridgeOpened() { r.activeBridges.Inc() }

// BridgeClosed decrements the active-bridge gauge.
func (r *Recorder) BridgeClosed() { r.activeBridges.Dec() }

// Metrics computes the aggregate view from the current ring contents.
func (r *Recorder) Metrics() APIMetrics {
	entries := r.snapshot()

	m := APIMetrics{
		TotalRequests: len(entries),
		ByMethod:      make(map[string]int),
		ByStatusClass: make(map[string]int),
	}
	if len(entries) == 0 {
		return m
	}

	var totalLatency time.Duration
	errors := 0
	for _, e := range entries {
		totalLatency += e.Latency
		if e.Status >= 400 {
			errors++
		}
		m.ByMethod[e.Method]++
		m.ByStatusClass[statusClass(e.Status)]++
	}
	m.AvgLatencyMs = float64(totalLatency.Nanoseconds()) / 1e6 / float64(len(entries))
	m.ErrorRate = float64(errors) / float64(len(entries))
	return m
}

// Logs returns the most recent matches for the query, newest first.
func (r *Recorder) Logs(q LogQuery) []RequestLogEntry {
	entries := r.snapshot()

	out := make([]RequestLogEntry, 0)
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if q.Method != "" && !strings.EqualFold(q.Method, e.Method) {
			continue
		}
		if q.PathContains != "" && !strings.Contains(e.Path, q.PathContains) {
			continue
		}
		if q.Status != 0 && e.Status != q.Status {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// snapshot copies the ring contents in insertion order, oldest first.
func (r *Recorder) snapshot() []RequestLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.filled {
		out := make([]RequestLogEntry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]RequestLogEntry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

// statusClass buckets an HTTP status into "2xx"/"3xx"/"4xx"/"5xx".
func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}
