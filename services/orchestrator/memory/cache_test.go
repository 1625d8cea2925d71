// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheSetGet(t *testing.T) {
	c := NewMemoryCache(time.Hour)
	ctx := context.Background()

	_, hit, err := c.Get(ctx, "proj")
	require.NoError(t, err)
	assert.False(t, hit)

	pc := &ProjectContext{ProjectID: "proj", Version: 3, TechStack: []string{"html", "js"}}
	require.NoError(t, c.Set(ctx, "proj", pc))

	got, hit, err := c.Get(ctx, "proj")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, []string{"html", "js"}, got.TechStack)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "proj", &ProjectContext{ProjectID: "proj", Version: 1}))

	now = now.Add(30 * time.Second)
	_, hit, err := c.Get(ctx, "proj")
	require.NoError(t, err)
	assert.True(t, hit)

	now = now.Add(45 * time.Second)
	_, hit, err = c.Get(ctx, "proj")
	require.NoError(t, err)
	assert.False(t, hit, "entry expired after the TTL")
}

func TestMemoryCacheInvalidate(t *testing.T) {
	c := NewMemoryCache(time.Hour)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "proj", &ProjectContext{ProjectID: "proj", Version: 1}))
	require.NoError(t, c.Invalidate(ctx, "proj"))

	_, hit, err := c.Get(ctx, "proj")
	require.NoError(t, err)
	assert.False(t, hit)
}
