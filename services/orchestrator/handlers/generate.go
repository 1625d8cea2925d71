// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/qbitlabs/qbit-backend/pkg/logging"
	"github.com/qbitlabs/qbit-backend/services/orchestrator/datatypes"
	"github.com/qbitlabs/qbit-backend/services/orchestrator/middleware"
	"github.com/qbitlabs/qbit-backend/services/orchestrator/pipeline"
	"github.com/qbitlabs/qbit-backend/services/orchestrator/progress"
)

// =============================================================================
// WebSocket Configuration
// =============================================================================

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// sendJSON writes a JSON message to the websocket connection.
func sendJSON(ws *websocket.Conn, v interface{}) error {
	return ws.WriteJSON(v)
}

// =============================================================================
// Request payloads
// =============================================================================

// GeneratePayload is the transport shape of a generation request. The
// correlation id and user id are assigned server-side.
type GeneratePayload struct {
	ProjectID     string                `json:"project_id" binding:"required"`
	Prompt        string                `json:"prompt" binding:"required"`
	Type          datatypes.RequestType `json:"type" binding:"omitempty,oneof=generation modification"`
	ParentVersion int64                 `json:"parent_version" binding:"omitempty,min=0"`
}

// toRequest builds the internal request for the authenticated caller.
func (p *GeneratePayload) toRequest(userID string) *datatypes.GenerationRequest {
	reqType := p.Type
	if reqType == "" {
		reqType = datatypes.RequestTypeGeneration
		if p.ParentVersion > 0 {
			reqType = datatypes.RequestTypeModification
		}
	}
	return &datatypes.GenerationRequest{
		CorrelationID: uuid.New().String(),
		UserID:        userID,
		ProjectID:     p.ProjectID,
		Prompt:        p.Prompt,
		Type:          reqType,
		ParentVersion: p.ParentVersion,
	}
}

// =============================================================================
// HTTP handler
// =============================================================================

// HandleGenerate runs a generation request synchronously and returns
// the terminal result.
//
// # Description
//
// POST /v1/generate. Binds and validates the payload, stamps a fresh
// correlation id, and blocks until the pipeline reaches a terminal
// stage. Clients that want live progress should use the websocket
// variant instead.
func HandleGenerate(pipe *pipeline.Pipeline, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := middleware.GetAuthInfo(c)
		if info == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}

		var payload GeneratePayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}

		req := payload.toRequest(info.UserID)
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}

		result, err := pipe.Run(c.Request.Context(), req)
		if err != nil {
			c.JSON(statusForError(err), gin.H{
				"error":          err.Error(),
				"correlation_id": req.CorrelationID,
			})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// =============================================================================
// WebSocket handler
// =============================================================================

// HandleGenerateWS streams progress for a generation request.
//
// # Description
//
// GET /v1/generate/ws. After the upgrade the client sends one
// GeneratePayload as JSON. The server acks with the correlation id,
// starts the pipeline, and writes every progress event as JSON until
// the terminal event, after which the connection closes. A client that
// disconnects mid-run only loses the stream; the pipeline keeps
// running to its terminal stage.
func HandleGenerateWS(pipe *pipeline.Pipeline, hub *progress.Hub, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := middleware.GetAuthInfo(c)
		if info == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Error("websocket upgrade failed", "error", err.Error())
			return
		}
		defer ws.Close()

		var payload GeneratePayload
		if err := ws.ReadJSON(&payload); err != nil {
			_ = sendJSON(ws, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		if payload.ProjectID == "" || payload.Prompt == "" {
			_ = sendJSON(ws, gin.H{"error": "project_id and prompt are required"})
			return
		}

		req := payload.toRequest(info.UserID)
		if err := req.Validate(); err != nil {
			_ = sendJSON(ws, gin.H{"error": "invalid request: " + err.Error()})
			return
		}

		// Subscribe before starting the run so no event is missed.
		events, cancel, err := hub.Subscribe(req.CorrelationID)
		if err != nil {
			_ = sendJSON(ws, gin.H{"error": err.Error()})
			return
		}
		defer cancel()

		if err := sendJSON(ws, gin.H{"correlation_id": req.CorrelationID}); err != nil {
			return
		}

		// The run is detached from the connection: closing the socket
		// must not abort in-flight provider calls or billing.
		go func() {
			if _, err := pipe.Run(context.Background(), req); err != nil {
				logger.Warn("generation failed",
					"correlation_id", req.CorrelationID,
					"error", err.Error(),
				)
			}
		}()

		for ev := range events {
			if err := sendJSON(ws, ev); err != nil {
				logger.Debug("websocket write failed, dropping stream",
					"correlation_id", req.CorrelationID,
					"error", err.Error(),
				)
				return
			}
		}
	}
}
