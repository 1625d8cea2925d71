// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package memory caches per-project context between generations.
//
// The intent prompt embeds a summary of the project's current snapshot
// (file list, tech stack) so follow-up requests plan against what
// already exists. Rebuilding that summary from the snapshot store on
// every request is wasteful; entries live behind a TTL and are
// invalidated whenever a new snapshot lands.
package memory

import (
	"context"
	"sync"
	"time"
)

// ProjectContext is the cached summary injected into intent prompts.
type ProjectContext struct {
	ProjectID string    `json:"project_id"`
	Version   int64     `json:"version"`
	TechStack []string  `json:"tech_stack,omitempty"`
	FileList  []string  `json:"file_list,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	CachedAt  time.Time `json:"cached_at"`
}

// ContextCache is the cache seam. Two implementations exist: Redis for
// production and an in-process map for tests and single-node setups.
type ContextCache interface {
	Get(ctx context.Context, projectID string) (*ProjectContext, bool, error)
	Set(ctx context.Context, projectID string, pc *ProjectContext) error
	Invalidate(ctx context.Context, projectID string) error
}

// ============================================================================
// In-memory implementation
// ============================================================================

type memoryEntry struct {
	pc        *ProjectContext
	expiresAt time.Time
}

// MemoryCache is a TTL'd in-process ContextCache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCache creates a cache with the given entry TTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, projectID string) (*ProjectContext, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[projectID]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, projectID)
		return nil, false, nil
	}
	return entry.pc, true, nil
}

func (c *MemoryCache) Set(_ context.Context, projectID string, pc *ProjectContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[projectID] = memoryEntry{pc: pc, expiresAt: c.now().Add(c.ttl)}
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, projectID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, projectID)
	return nil
}
