// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/qbitlabs/qbit-backend/pkg/logging"
	"github.com/qbitlabs/qbit-backend/services/ledger"
	"github.com/qbitlabs/qbit-backend/services/orchestrator/middleware"
)

const defaultHistoryLimit = 50

// =============================================================================
// Balance and history
// =============================================================================

// HandleGetBalance returns the caller's credit balance.
//
// GET /v1/credits/balance
func HandleGetBalance(l *ledger.Ledger, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := middleware.GetAuthInfo(c)
		if info == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}

		balance, err := l.Balance(c.Request.Context(), info.UserID)
		if err != nil {
			logger.Error("balance lookup failed", "user_id", info.UserID, "error", err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read balance"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"user_id": info.UserID,
			"balance": balance,
		})
	}
}

// HandleGetHistory returns the caller's ledger entries, newest first.
//
// GET /v1/credits/history?limit=N
func HandleGetHistory(l *ledger.Ledger, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := middleware.GetAuthInfo(c)
		if info == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}

		limit := defaultHistoryLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}

		entries, err := l.History(c.Request.Context(), info.UserID, limit)
		if err != nil {
			logger.Error("history lookup failed", "user_id", info.UserID, "error", err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"user_id": info.UserID,
			"entries": entries,
		})
	}
}

// =============================================================================
// Grants (admin)
// =============================================================================

// GrantPayload credits an account. Admin-only.
type GrantPayload struct {
	UserID string `json:"user_id" binding:"required"`
	Amount int64  `json:"amount" binding:"required,min=1"`
	Reason string `json:"reason"`
}

// HandleGrant adds credits to a user's account.
//
// POST /v1/credits/grant
func HandleGrant(l *ledger.Ledger, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := middleware.GetAuthInfo(c)
		if info == nil || !info.HasRole("admin") {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}

		var payload GrantPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		reason := payload.Reason
		if reason == "" {
			reason = "manual grant"
		}

		balance, err := l.Grant(c.Request.Context(), payload.UserID, payload.Amount, reason)
		if err != nil {
			logger.Error("grant failed", "user_id", payload.UserID, "error", err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to grant credits"})
			return
		}

		logger.Info("credits granted",
			"user_id", payload.UserID,
			"amount", payload.Amount,
			"granted_by", info.UserID,
		)
		c.JSON(http.StatusOK, gin.H{
			"user_id": payload.UserID,
			"balance": balance,
		})
	}
}
