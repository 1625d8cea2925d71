// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package keypool

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbitlabs/qbit-backend/pkg/logging"
)

// ============================================================================
// Simulated clock
// ============================================================================

type fakeTimer struct {
	deadline time.Time
	fn       func()
	stopped  bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{deadline: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and fires due timers. Callbacks run
// outside the clock lock so they may acquire the pool's mutex.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	var rest []*fakeTimer
	for _, t := range c.timers {
		if t.stopped {
			continue
		}
		if !t.deadline.After(c.now) {
			t.stopped = true
			due = append(due, t)
		} else {
			rest = append(rest, t)
		}
	}
	c.timers = rest
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

// ============================================================================
// Helpers
// ============================================================================

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Quiet: true})
}

func testPool(t *testing.T, clock Clock, keys []string, rpm, headroom int) *Pool {
	t.Helper()
	p, err := NewPool(Config{
		Provider: "groq",
		Keys:     keys,
		RPMLimit: rpm,
		Headroom: headroom,
		Window:   time.Minute,
		Clock:    clock,
		Logger:   testLogger(),
	})
	require.NoError(t, err)
	return p
}

// ============================================================================
// Tests
// ============================================================================

func TestNewPoolValidation(t *testing.T) {
	_, err := NewPool(Config{Provider: "groq", RPMLimit: 30, Logger: testLogger()})
	require.Error(t, err)

	_, err = NewPool(Config{Provider: "groq", Keys: []string{"k"}, RPMLimit: 0, Logger: testLogger()})
	require.Error(t, err)
}

func TestAcquireRoundRobin(t *testing.T) {
	clock := newFakeClock()
	p := testPool(t, clock, []string{"k0", "k1", "k2"}, 30, 5)

	var ids []int
	for i := 0; i < 6; i++ {
		c, err := p.Acquire()
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, ids)
}

// TestAcquireSkipsRateLimited covers the pool with two credentials
// parked and one healthy: the healthy one keeps being returned, and
// once it is parked too the pool reports exhaustion.
func TestAcquireSkipsRateLimited(t *testing.T) {
	clock := newFakeClock()
	p := testPool(t, clock, []string{"k0", "k1", "k2"}, 30, 5)

	c0, err := p.Acquire()
	require.NoError(t, err)
	p.Report(c0, OutcomeRateLimited)
	c1, err := p.Acquire()
	require.NoError(t, err)
	p.Report(c1, OutcomeRateLimited)

	for i := 0; i < 3; i++ {
		c, err := p.Acquire()
		require.NoError(t, err)
		assert.Equal(t, 2, c.ID, "only the healthy credential should be selected")
	}

	c2, err := p.Acquire()
	require.NoError(t, err)
	p.Report(c2, OutcomeRateLimited)

	_, err = p.Acquire()
	require.ErrorIs(t, err, ErrNoHealthyKey)
}

// TestRateLimitedReactivatesOnTimer verifies the timer-driven return
// to rotation when the window expires, without polling.
func TestRateLimitedReactivatesOnTimer(t *testing.T) {
	clock := newFakeClock()
	p := testPool(t, clock, []string{"k0"}, 30, 5)

	c, err := p.Acquire()
	require.NoError(t, err)
	p.Report(c, OutcomeRateLimited)

	_, err = p.Acquire()
	require.ErrorIs(t, err, ErrNoHealthyKey)

	clock.Advance(time.Minute)

	got, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 0, got.ID)
	assert.Equal(t, 1, got.windowCount, "reactivation starts a fresh window")
}

func TestHeadroomStopsSelectionBeforeLimit(t *testing.T) {
	clock := newFakeClock()
	p := testPool(t, clock, []string{"k0"}, 10, 5)

	for i := 0; i < 5; i++ {
		_, err := p.Acquire()
		require.NoError(t, err, "acquisition %d within effective limit", i)
	}
	_, err := p.Acquire()
	require.ErrorIs(t, err, ErrNoHealthyKey)

	clock.Advance(time.Minute)
	_, err = p.Acquire()
	require.NoError(t, err, "window expiry restores capacity")
}

func TestBlacklistIsPermanent(t *testing.T) {
	clock := newFakeClock()
	p := testPool(t, clock, []string{"k0", "k1"}, 30, 5)

	c, err := p.Acquire()
	require.NoError(t, err)
	p.Report(c, OutcomeInvalid)

	for i := 0; i < 4; i++ {
		got, err := p.Acquire()
		require.NoError(t, err)
		assert.NotEqual(t, c.ID, got.ID)
	}

	clock.Advance(time.Hour)
	got, err := p.Acquire()
	require.NoError(t, err)
	assert.NotEqual(t, c.ID, got.ID, "blacklisted credentials never return")

	h := p.HealthStatus()
	assert.Equal(t, 1, h.Blacklisted)
}

// TestNoCredentialExceedsEffectiveLimit exercises the selection
// invariant under randomized clock advances: within any single window,
// a credential is never handed out more than rpm_limit - headroom times.
func TestNoCredentialExceedsEffectiveLimit(t *testing.T) {
	clock := newFakeClock()
	p := testPool(t, clock, []string{"k0", "k1"}, 8, 3)
	effective := 5

	rng := rand.New(rand.NewSource(42))
	perWindow := map[int]int{}

	for i := 0; i < 500; i++ {
		if rng.Intn(10) == 0 {
			clock.Advance(time.Minute + time.Second)
			perWindow = map[int]int{}
			continue
		}
		c, err := p.Acquire()
		if err != nil {
			require.ErrorIs(t, err, ErrNoHealthyKey)
			assert.GreaterOrEqual(t, perWindow[0], effective)
			assert.GreaterOrEqual(t, perWindow[1], effective)
			clock.Advance(time.Minute + time.Second)
			perWindow = map[int]int{}
			continue
		}
		perWindow[c.ID]++
		assert.LessOrEqual(t, perWindow[c.ID], effective,
			"credential %d selected beyond its effective limit", c.ID)
	}
}

func TestConcurrentAcquireRespectsLimit(t *testing.T) {
	clock := newFakeClock()
	p := testPool(t, clock, []string{"k0"}, 100, 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Acquire(); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 95, successes)
}

func TestReportSuccessKeepsState(t *testing.T) {
	clock := newFakeClock()
	p := testPool(t, clock, []string{"k0"}, 30, 5)

	c, err := p.Acquire()
	require.NoError(t, err)
	p.Report(c, OutcomeSuccess)

	h := p.HealthStatus()
	assert.Equal(t, 1, h.Active)
	assert.Equal(t, 0, h.RateLimited)
}

func TestHealthStatusCountsExpiredWindowsAsActive(t *testing.T) {
	clock := newFakeClock()
	p := testPool(t, clock, []string{"k0"}, 30, 5)

	c, err := p.Acquire()
	require.NoError(t, err)
	p.Report(c, OutcomeRateLimited)
	assert.Equal(t, 1, p.HealthStatus().RateLimited)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, p.HealthStatus().Active)
}

func TestCredentialPrefixRedactsSecret(t *testing.T) {
	clock := newFakeClock()
	p := testPool(t, clock, []string{"gsk_live_abcdef123456"}, 30, 5)

	c, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "gsk_live...", c.Prefix())
	assert.Equal(t, "gsk_live_abcdef123456", c.Secret())
}
