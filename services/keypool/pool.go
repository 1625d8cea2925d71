// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package keypool manages a rotating pool of provider API credentials.
//
// Each provider (plan, codegen) gets its own Pool. Acquisition walks the
// credentials round-robin, skipping any that are blacklisted, currently
// rate-limited, or within the configured headroom of their per-window
// request limit. Rate-limited credentials return to rotation on a timer
// when their window expires; blacklisted credentials never return.
package keypool

import (
	"fmt"
	"sync"
	"time"

	"github.com/qbitlabs/qbit-backend/pkg/logging"
)

// ============================================================================
// Credential states and report outcomes
// ============================================================================

// Status is the health state of a single credential.
type Status int

const (
	// StatusActive means the credential is eligible for selection.
	StatusActive Status = iota

	// StatusRateLimited means the provider rejected the credential with a
	// rate-limit response. It re-activates when its window expires.
	StatusRateLimited

	// StatusBlacklisted means the provider rejected the credential as
	// invalid. It never returns to rotation.
	StatusBlacklisted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusRateLimited:
		return "rate_limited"
	case StatusBlacklisted:
		return "blacklisted"
	default:
		return "unknown"
	}
}

// Outcome is the caller's report of how a provider call went with an
// acquired credential.
type Outcome int

const (
	// OutcomeSuccess means the call completed without a credential error.
	OutcomeSuccess Outcome = iota

	// OutcomeRateLimited means the provider returned a rate-limit
	// response (HTTP 429) for this credential.
	OutcomeRateLimited

	// OutcomeInvalid means the provider rejected the credential itself
	// (HTTP 401/403).
	OutcomeInvalid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ============================================================================
// Credential
// ============================================================================

// Credential is one API key in a pool. All mutable fields are guarded
// by the owning Pool's mutex; callers only read the immutable identity
// fields and Secret.
type Credential struct {
	// ID is the credential's position in the pool, stable for the
	// process lifetime. Used in logs instead of the key material.
	ID int

	// Provider is the pool's provider name (for log context).
	Provider string

	secret string

	status      Status
	windowStart time.Time
	windowCount int
	resetTimer  Timer
}

// Secret returns the raw key material for use in provider requests.
func (c *Credential) Secret() string { return c.secret }

// Prefix returns a short, log-safe prefix of the key material.
func (c *Credential) Prefix() string {
	if len(c.secret) <= 8 {
		return c.secret
	}
	return c.secret[:8] + "..."
}

// ============================================================================
// Pool
// ============================================================================

// Config describes one provider's credential pool.
type Config struct {
	// Provider names the pool in logs and metrics ("groq", "cerebras").
	Provider string

	// Keys is the raw key material, one entry per credential.
	Keys []string

	// RPMLimit is the provider's requests-per-window ceiling per key.
	RPMLimit int

	// Headroom is subtracted from RPMLimit before a key is considered
	// saturated, so the pool rotates away before the provider starts
	// returning 429s. Defaults to 5.
	Headroom int

	// Window is the rate-limit accounting window. Defaults to one minute.
	Window time.Duration

	// Clock is injectable for tests. Defaults to the real clock.
	Clock Clock

	// Logger is required.
	Logger *logging.Logger
}

// Pool rotates credentials for a single provider. Safe for concurrent
// use; Acquire never blocks.
type Pool struct {
	provider string
	rpmLimit int
	headroom int
	window   time.Duration
	clock    Clock
	logger   *logging.Logger
	metrics  *poolMetrics

	mu    sync.Mutex
	creds []*Credential
	next  int
}

// NewPool builds a pool from the given config.
//
// Description:
//
//	Validates the config, creates one active Credential per key, and
//	initializes the pool's health gauges.
//
// Inputs:
//   - cfg: pool configuration. Keys must be non-empty and RPMLimit > 0.
//
// Outputs:
//   - *Pool: the ready pool.
//   - error: on empty key list or non-positive rpm limit.
func NewPool(cfg Config) (*Pool, error) {
	if len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("keypool %s: no keys configured", cfg.Provider)
	}
	if cfg.RPMLimit <= 0 {
		return nil, fmt.Errorf("keypool %s: rpm limit must be positive, got %d", cfg.Provider, cfg.RPMLimit)
	}
	if cfg.Headroom < 0 || cfg.Headroom >= cfg.RPMLimit {
		cfg.Headroom = defaultHeadroom(cfg.RPMLimit)
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = NewRealClock()
	}

	p := &Pool{
		provider: cfg.Provider,
		rpmLimit: cfg.RPMLimit,
		headroom: cfg.Headroom,
		window:   cfg.Window,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		metrics:  getMetrics(),
	}

	now := p.clock.Now()
	for i, key := range cfg.Keys {
		p.creds = append(p.creds, &Credential{
			ID:          i,
			Provider:    cfg.Provider,
			secret:      key,
			status:      StatusActive,
			windowStart: now,
		})
	}

	p.recountLocked()
	p.logger.Info("key pool initialized",
		"provider", p.provider,
		"keys", len(p.creds),
		"rpm_limit", p.rpmLimit,
		"headroom", p.headroom,
		"window", p.window.String(),
	)
	return p, nil
}

// defaultHeadroom keeps the buffer meaningful for very low limits.
func defaultHeadroom(rpmLimit int) int {
	if rpmLimit <= 5 {
		return rpmLimit - 1
	}
	return 5
}

// Provider returns the pool's provider name.
func (p *Pool) Provider() string { return p.provider }

// effectiveLimit is the per-window selection ceiling after headroom.
func (p *Pool) effectiveLimit() int {
	limit := p.rpmLimit - p.headroom
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Acquire selects the next healthy credential and counts the selection
// against its window.
//
// Description:
//
//	Walks the pool round-robin from the cursor, skipping blacklisted
//	credentials, rate-limited credentials whose window has not yet
//	expired, and credentials already within headroom of their window
//	limit. The returned credential's window counter is incremented
//	before Acquire returns, so two concurrent acquisitions can never
//	both land on a key's last available slot.
//
// Outputs:
//   - *Credential: the selected credential.
//   - error: ErrNoHealthyKey when no credential is eligible. The
//     condition is transient whenever any key is merely rate-limited.
func (p *Pool) Acquire() (*Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	n := len(p.creds)
	for i := 0; i < n; i++ {
		c := p.creds[(p.next+i)%n]
		if c.status == StatusBlacklisted {
			continue
		}

		if now.Sub(c.windowStart) >= p.window {
			p.resetWindowLocked(c, now)
		}
		if c.status == StatusRateLimited {
			continue
		}
		if c.windowCount >= p.effectiveLimit() {
			continue
		}

		c.windowCount++
		p.next = (p.next + i + 1) % n
		p.metrics.acquisitions.WithLabelValues(p.provider, "acquired").Inc()
		p.logger.Debug("credential acquired",
			"provider", p.provider,
			"key_id", c.ID,
			"window_count", c.windowCount,
			"effective_limit", p.effectiveLimit(),
		)
		return c, nil
	}

	p.metrics.acquisitions.WithLabelValues(p.provider, "exhausted").Inc()
	p.logger.Warn("key pool exhausted", "provider", p.provider, "keys", n)
	return nil, ErrNoHealthyKey
}

// Report feeds the outcome of a provider call back into the pool.
//
// Description:
//
//	A rate_limited outcome parks the credential until its current
//	window expires, with a timer re-activating it. An invalid outcome
//	blacklists the credential permanently and raises an alert. Success
//	is a no-op beyond the counter already taken at acquisition.
//
// Inputs:
//   - cred: the credential previously returned by Acquire.
//   - outcome: how the provider call went.
func (p *Pool) Report(cred *Credential, outcome Outcome) {
	if cred == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch outcome {
	case OutcomeSuccess:
		return

	case OutcomeRateLimited:
		if cred.status != StatusActive {
			return
		}
		cred.status = StatusRateLimited
		if cred.resetTimer != nil {
			cred.resetTimer.Stop()
		}
		delay := cred.windowStart.Add(p.window).Sub(p.clock.Now())
		if delay <= 0 {
			delay = p.window
		}
		cred.resetTimer = p.clock.AfterFunc(delay, func() {
			p.reactivate(cred)
		})
		p.recountLocked()
		p.logger.Warn("credential rate limited",
			"provider", p.provider,
			"key_id", cred.ID,
			"retry_in", delay.String(),
		)

	case OutcomeInvalid:
		if cred.status == StatusBlacklisted {
			return
		}
		cred.status = StatusBlacklisted
		if cred.resetTimer != nil {
			cred.resetTimer.Stop()
			cred.resetTimer = nil
		}
		p.recountLocked()
		p.metrics.blacklistAlerts.WithLabelValues(p.provider).Inc()
		p.logger.Error("credential blacklisted, manual rotation required",
			"provider", p.provider,
			"key_id", cred.ID,
			"key_prefix", cred.Prefix(),
		)
	}
}

// reactivate is the timer callback returning a rate-limited credential
// to rotation with a fresh window.
func (p *Pool) reactivate(cred *Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cred.status != StatusRateLimited {
		return
	}
	p.resetWindowLocked(cred, p.clock.Now())
	p.recountLocked()
	p.logger.Info("credential reactivated", "provider", p.provider, "key_id", cred.ID)
}

// resetWindowLocked starts a fresh window for the credential and, if it
// was rate-limited, returns it to the active state. Callers hold p.mu.
func (p *Pool) resetWindowLocked(cred *Credential, now time.Time) {
	cred.windowStart = now
	cred.windowCount = 0
	if cred.status == StatusRateLimited {
		cred.status = StatusActive
		if cred.resetTimer != nil {
			cred.resetTimer.Stop()
			cred.resetTimer = nil
		}
	}
}

// recountLocked refreshes the health gauges. Callers hold p.mu.
func (p *Pool) recountLocked() {
	var active, limited, blacklisted int
	for _, c := range p.creds {
		switch c.status {
		case StatusActive:
			active++
		case StatusRateLimited:
			limited++
		case StatusBlacklisted:
			blacklisted++
		}
	}
	p.metrics.healthyKeys.WithLabelValues(p.provider).Set(float64(active))
	p.metrics.rateLimitedKeys.WithLabelValues(p.provider).Set(float64(limited))
	p.metrics.blacklistedKeys.WithLabelValues(p.provider).Set(float64(blacklisted))
}

// ============================================================================
// Health reporting
// ============================================================================

// Health is a point-in-time summary of a pool, exposed by the health
// endpoint and the keys admin command.
type Health struct {
	Provider    string `json:"provider"`
	TotalKeys   int    `json:"total_keys"`
	Active      int    `json:"active"`
	RateLimited int    `json:"rate_limited"`
	Blacklisted int    `json:"blacklisted"`
	RPMLimit    int    `json:"rpm_limit"`
	Headroom    int    `json:"headroom"`
}

// HealthStatus returns the pool's current state counts.
func (p *Pool) HealthStatus() Health {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := Health{
		Provider:  p.provider,
		TotalKeys: len(p.creds),
		RPMLimit:  p.rpmLimit,
		Headroom:  p.headroom,
	}
	now := p.clock.Now()
	for _, c := range p.creds {
		if c.status == StatusRateLimited && now.Sub(c.windowStart) >= p.window {
			h.Active++
			continue
		}
		switch c.status {
		case StatusActive:
			h.Active++
		case StatusRateLimited:
			h.RateLimited++
		case StatusBlacklisted:
			h.Blacklisted++
		}
	}
	return h
}
