// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit implements fixed-window request counting keyed by
// policy name plus caller identity.
//
// Each policy has a window length and a maximum request count. The first
// request of a window starts the counter at 1; the request that pushes
// the counter past the maximum is itself the first one rejected. Unlike
// a token bucket, a fixed window lets the gateway report exact
// remaining/reset values in response headers, which the ERP frontends
// surface to users.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Count and reset time for a
// key are updated together under one mutex, so a window reset can never
// leave a stale count behind.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/Siteline/services/gateway/config"
)

// Result is the outcome of one Check call. Header values are derived
// from it on every response, allowed or not.
type Result struct {
	Allowed      bool
	Limit        int
	Remaining    int
	ResetSeconds int
}

// entry is the mutable window state for one (policy, identity) key.
type entry struct {
	count   int
	resetAt time.Time
}

// Limiter holds per-key fixed-window counters for a set of named
// policies. Construct with New; state is owned by the instance, never
// package-global, so tests can run multiple gateways side by side.
type Limiter struct {
	mu       sync.Mutex
	policies map[string]config.RateLimitPolicy
	entries  map[string]*entry

	// now is replaceable in tests.
	now func() time.Time

	sweepStop chan struct{}
	sweepOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Limiter for the given policies. The "default" policy is
// used when Check is called with an unknown policy name.
func New(policies map[string]config.RateLimitPolicy) *Limiter {
	return &Limiter{
		policies:  policies,
		entries:   make(map[string]*entry),
		now:       time.Now,
		sweepStop: make(chan struct{}),
	}
}

// Check records one request for the key (policy, identity) and decides
// whether it is allowed. A fresh or expired window restarts the counter
// at 1. The call never fails; over-limit is an ordinary Result with
// Allowed=false and ResetSeconds as retry-after guidance.
func (l *Limiter) Check(policy, identity string) Result {
	p, ok := l.policies[policy]
	if !ok {
		p = l.policies["default"]
	}

	now := l.now()
	key := policy + "|" + identity

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || !now.Before(e.resetAt) {
		e = &entry{count: 1, resetAt: now.Add(p.Window.Std())}
		l.entries[key] = e
	} else {
		e.count++
	}

	remaining := p.MaxRequests - e.count
	if remaining < 0 {
		remaining = 0
	}
	reset := int(e.resetAt.Sub(now).Seconds())
	if reset < 1 {
		reset = 1
	}

	return Result{
		Allowed:      e.count <= p.MaxRequests,
		Limit:        p.MaxRequests,
		Remaining:    remaining,
		ResetSeconds: reset,
	}
}

// StartSweeper launches the background task that drops expired windows
// so the key map stays bounded by the active caller set. Call Stop to
// terminate it; sweeping never blocks Check beyond normal mutex
// contention.
func (l *Limiter) StartSweeper(interval time.Duration) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := l.sweep(); n > 0 {
					slog.Debug("swept expired rate-limit windows", "removed", n)
				}
			case <-l.sweepStop:
				return
			}
		}
	}()
}

// Stop terminates the sweeper and waits for it to exit. Safe to call
// more than once and safe to call without StartSweeper.
func (l *Limiter) Stop() {
	l.sweepOnce.Do(func() { close(l.sweepStop) })
	l.wg.Wait()
}

// sweep removes entries whose window has already ended and reports how
// many were dropped.
func (l *Limiter) sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.entries {
		if !now.Before(e.resetAt) {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// size reports the current number of tracked keys. Test helper.
func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
