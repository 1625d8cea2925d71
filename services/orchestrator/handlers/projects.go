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

	"github.com/qbitlabs/qbit-backend/pkg/logging"
	"github.com/qbitlabs/qbit-backend/services/orchestrator/memory"
	"github.com/qbitlabs/qbit-backend/services/snapshot"
)

// =============================================================================
// Snapshot listing and retrieval
// =============================================================================

// HandleListSnapshots lists a project's snapshot history, newest first.
//
// GET /v1/projects/:projectId/snapshots
func HandleListSnapshots(store *snapshot.Store, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Param("projectId")

		infos, err := store.List(c.Request.Context(), projectID)
		if err != nil {
			logger.Error("listing snapshots failed", "project_id", projectID, "error", err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list snapshots"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"project_id": projectID,
			"snapshots":  infos,
		})
	}
}

// HandleGetProjectFiles returns the files at the project's current
// snapshot.
//
// GET /v1/projects/:projectId/files
func HandleGetProjectFiles(store *snapshot.Store, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Param("projectId")

		snap, err := store.Current(c.Request.Context(), projectID)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"project_id": projectID,
			"version":    snap.Version,
			"summary":    snap.Summary,
			"files":      snap.Files,
		})
	}
}

// =============================================================================
// Rollback
// =============================================================================

// RollbackPayload names the snapshot version to restore.
type RollbackPayload struct {
	Version int64 `json:"version" binding:"required,min=1"`
}

// HandleRollback moves the project's current pointer to an earlier
// snapshot. No history is destroyed; the next generation builds on the
// restored version and still gets a monotonically increasing number.
//
// POST /v1/projects/:projectId/rollback
func HandleRollback(store *snapshot.Store, cache memory.ContextCache, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Param("projectId")

		var payload RollbackPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}

		current, err := store.Rollback(c.Request.Context(), projectID, payload.Version)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}

		// The cached context now describes the wrong version.
		if err := cache.Invalidate(c.Request.Context(), projectID); err != nil {
			logger.Warn("context invalidation failed after rollback",
				"project_id", projectID, "error", err.Error())
		}

		logger.Info("project rolled back", "project_id", projectID, "version", current)
		c.JSON(http.StatusOK, gin.H{
			"project_id":      projectID,
			"current_version": current,
		})
	}
}
