// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/Siteline/services/gateway/config"
)

func testPolicies() map[string]config.RateLimitPolicy {
	return map[string]config.RateLimitPolicy{
		"default": {MaxRequests: 5, Window: config.Duration(time.Minute)},
		"auth":    {MaxRequests: 2, Window: config.Duration(15 * time.Minute)},
	}
}

// fakeClock lets tests move the limiter's notion of now.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestLimiter() (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := New(testPolicies())
	l.now = clock.Now
	return l, clock
}

// =============================================================================
// Check Tests
// =============================================================================

func TestCheck_AllowsUpToLimit(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 1; i <= 5; i++ {
		res := l.Check("default", "user-1")
		assert.True(t, res.Allowed, "request %d should be allowed", i)
		assert.Equal(t, 5, res.Limit)
		assert.Equal(t, 5-i, res.Remaining)
	}
}

func TestCheck_RejectsRequestCrossingLimit(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 5; i++ {
		l.Check("default", "user-1")
	}

	res := l.Check("default", "user-1")

	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.GreaterOrEqual(t, res.ResetSeconds, 1)
}

func TestCheck_WindowExpiryRestartsCounterAtOne(t *testing.T) {
	l, clock := newTestLimiter()

	for i := 0; i < 6; i++ {
		l.Check("default", "user-1")
	}
	require.False(t, l.Check("default", "user-1").Allowed)

	clock.Advance(61 * time.Second)

	res := l.Check("default", "user-1")
	assert.True(t, res.Allowed)
	// Counter restarted at 1, not carried over from the old window.
	assert.Equal(t, 4, res.Remaining)
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 6; i++ {
		l.Check("default", "user-1")
	}
	require.False(t, l.Check("default", "user-1").Allowed)

	// Different identity, same policy.
	assert.True(t, l.Check("default", "user-2").Allowed)
	// Same identity, different policy.
	assert.True(t, l.Check("auth", "user-1").Allowed)
}

func TestCheck_UnknownPolicyFallsBackToDefault(t *testing.T) {
	l, _ := newTestLimiter()

	res := l.Check("no-such-policy", "user-1")

	assert.True(t, res.Allowed)
	assert.Equal(t, 5, res.Limit)
}

func TestCheck_ConcurrentIncrementsAreNotLost(t *testing.T) {
	l := New(map[string]config.RateLimitPolicy{
		"default": {MaxRequests: 1000, Window: config.Duration(time.Minute)},
	})

	var wg sync.WaitGroup
	allowed := make([]int, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if l.Check("default", "shared").Allowed {
					allowed[w]++
				}
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for _, n := range allowed {
		total += n
	}
	// 800 requests against a limit of 1000: every increment must land.
	assert.Equal(t, 800, total)
}

// =============================================================================
// Sweeper Tests
// =============================================================================

func TestSweep_RemovesOnlyExpiredEntries(t *testing.T) {
	l, clock := newTestLimiter()

	l.Check("default", "stale")
	clock.Advance(16 * time.Minute)
	l.Check("default", "fresh")

	removed := l.sweep()

	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, l.size())
}

func TestSweep_DoesNotResetActiveWindow(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 3; i++ {
		l.Check("default", "user-1")
	}
	l.sweep()

	res := l.Check("default", "user-1")
	assert.Equal(t, 1, res.Remaining, "sweep must not clear a live window")
}

func TestStartSweeper_StopTerminates(t *testing.T) {
	l, _ := newTestLimiter()

	l.StartSweeper(5 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	l.Stop()
	// Second Stop is a no-op, not a panic.
	l.Stop()
}

func TestCheck_ResetAfterSweepStartsFresh(t *testing.T) {
	l, clock := newTestLimiter()

	for i := 0; i < 6; i++ {
		l.Check("default", "user-1")
	}
	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, l.sweep())

	for i := 1; i <= 5; i++ {
		res := l.Check("default", "user-1")
		assert.True(t, res.Allowed, fmt.Sprintf("request %d after sweep", i))
	}
}
