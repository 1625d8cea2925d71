// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qbitlabs/qbit-backend/services/keypool"
)

// HealthCheck reports service liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "qbit-backend",
	})
}

// HandleKeyPoolStatus reports each provider pool's credential counts.
// Secrets never appear in the response.
//
// GET /v1/keys/status
func HandleKeyPoolStatus(pools ...*keypool.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		statuses := make([]keypool.Health, 0, len(pools))
		for _, p := range pools {
			statuses = append(statuses, p.HealthStatus())
		}
		c.JSON(http.StatusOK, gin.H{"pools": statuses})
	}
}
