// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbitlabs/qbit-backend/pkg/extensions"
	"github.com/qbitlabs/qbit-backend/pkg/logging"
	"github.com/qbitlabs/qbit-backend/services/ledger"
	"github.com/qbitlabs/qbit-backend/services/orchestrator/memory"
	"github.com/qbitlabs/qbit-backend/services/orchestrator/middleware"
	"github.com/qbitlabs/qbit-backend/services/snapshot"
	"github.com/qbitlabs/qbit-backend/services/storage/badgerstore"
)

// harness wires real stores over in-memory Badger behind a router with
// the Nop auth provider, mirroring the single-user deployment.
type harness struct {
	router    *gin.Engine
	ledger    *ledger.Ledger
	snapshots *snapshot.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logging.New(logging.Config{Level: logging.LevelError, Quiet: true})

	store, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		ledger:    ledger.NewLedger(store, logger),
		snapshots: snapshot.NewStore(store, logger),
	}
	cache := memory.NewMemoryCache(0)

	r := gin.New()
	r.Use(middleware.AuthMiddleware(extensions.NewNopAuthProvider()))
	r.GET("/v1/credits/balance", HandleGetBalance(h.ledger, logger))
	r.GET("/v1/credits/history", HandleGetHistory(h.ledger, logger))
	r.POST("/v1/credits/grant", HandleGrant(h.ledger, logger))
	r.GET("/v1/projects/:projectId/snapshots", HandleListSnapshots(h.snapshots, logger))
	r.GET("/v1/projects/:projectId/files", HandleGetProjectFiles(h.snapshots, logger))
	r.POST("/v1/projects/:projectId/rollback", HandleRollback(h.snapshots, cache, logger))
	r.GET("/health", HealthCheck)
	h.router = r
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthCheck(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])
}

func TestGetBalanceNewUser(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/v1/credits/balance", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "local-user", body["user_id"])
	assert.Equal(t, float64(0), body["balance"])
}

func TestGrantThenBalance(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/v1/credits/grant", GrantPayload{
		UserID: "local-user",
		Amount: 100,
		Reason: "signup",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(100), decode(t, w)["balance"])

	w = h.do(t, http.MethodGet, "/v1/credits/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(100), decode(t, w)["balance"])
}

func TestGrantValidation(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/v1/credits/grant", map[string]any{
		"user_id": "local-user",
		"amount":  -5,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHistoryAfterGrant(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/v1/credits/grant", GrantPayload{UserID: "local-user", Amount: 50})
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodGet, "/v1/credits/history?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode(t, w)["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "grant", entries[0].(map[string]any)["type"])
}

func TestHistoryRejectsBadLimit(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/v1/credits/history?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListSnapshotsEmptyProject(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/v1/projects/p1/snapshots", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Empty(t, body["snapshots"])
}

func TestProjectFilesAndRollback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.snapshots.Create(ctx, "p1", map[string]string{"main.go": "v1"}, 0, "first")
	require.NoError(t, err)
	_, err = h.snapshots.Create(ctx, "p1", map[string]string{"main.go": "v2"}, 1, "second")
	require.NoError(t, err)

	w := h.do(t, http.MethodGet, "/v1/projects/p1/files", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(2), body["version"])
	assert.Equal(t, "v2", body["files"].(map[string]any)["main.go"])

	w = h.do(t, http.MethodPost, "/v1/projects/p1/rollback", RollbackPayload{Version: 1})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["current_version"])

	// Files now come from the restored version.
	w = h.do(t, http.MethodGet, "/v1/projects/p1/files", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "v1", decode(t, w)["files"].(map[string]any)["main.go"])
}

func TestRollbackUnknownVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.snapshots.Create(ctx, "p1", map[string]string{"a": "1"}, 0, "first")
	require.NoError(t, err)

	w := h.do(t, http.MethodPost, "/v1/projects/p1/rollback", RollbackPayload{Version: 9})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProjectFilesUnknownProject(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/v1/projects/nope/files", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
