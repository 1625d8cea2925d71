// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/qbitlabs/qbit-backend/pkg/logging"
)

const redisKeyPrefix = "qbit:project_ctx:"

// RedisCache is the production ContextCache. Cache faults degrade to a
// miss rather than failing the request; the caller rebuilds the context
// from the snapshot store.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// NewRedisCache wraps an existing client. The caller owns the client's
// lifecycle.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger *logging.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

func redisKey(projectID string) string { return redisKeyPrefix + projectID }

func (c *RedisCache) Get(ctx context.Context, projectID string) (*ProjectContext, bool, error) {
	data, err := c.client.Get(ctx, redisKey(projectID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		c.logger.Warn("project context cache read failed, treating as miss",
			"project_id", projectID, "error", err.Error())
		return nil, false, nil
	}

	pc := &ProjectContext{}
	if err := json.Unmarshal(data, pc); err != nil {
		// Corrupt entry: purge it and report a miss.
		_ = c.client.Del(ctx, redisKey(projectID)).Err()
		return nil, false, nil
	}
	return pc, true, nil
}

func (c *RedisCache) Set(ctx context.Context, projectID string, pc *ProjectContext) error {
	data, err := json.Marshal(pc)
	if err != nil {
		return fmt.Errorf("marshal project context: %w", err)
	}
	if err := c.client.Set(ctx, redisKey(projectID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache project context %s: %w", projectID, err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, projectID string) error {
	if err := c.client.Del(ctx, redisKey(projectID)).Err(); err != nil {
		return fmt.Errorf("invalidate project context %s: %w", projectID, err)
	}
	return nil
}
