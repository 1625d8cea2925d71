// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/qbitlabs/qbit-backend/pkg/extensions"
	"github.com/qbitlabs/qbit-backend/pkg/logging"
	"github.com/qbitlabs/qbit-backend/services/keypool"
	"github.com/qbitlabs/qbit-backend/services/ledger"
	"github.com/qbitlabs/qbit-backend/services/orchestrator/handlers"
	"github.com/qbitlabs/qbit-backend/services/orchestrator/memory"
	"github.com/qbitlabs/qbit-backend/services/orchestrator/middleware"
	"github.com/qbitlabs/qbit-backend/services/orchestrator/pipeline"
	"github.com/qbitlabs/qbit-backend/services/orchestrator/progress"
	"github.com/qbitlabs/qbit-backend/services/snapshot"
)

// Deps collects everything the HTTP surface needs.
type Deps struct {
	Pipeline    *pipeline.Pipeline
	Hub         *progress.Hub
	Ledger      *ledger.Ledger
	Snapshots   *snapshot.Store
	Cache       memory.ContextCache
	PlanPool    *keypool.Pool
	CodegenPool *keypool.Pool
	Auth        extensions.AuthProvider
	RateLimiter *middleware.RateLimiter
	Logger      *logging.Logger
}

func SetupRoutes(router *gin.Engine, d Deps) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(
		otelgin.Middleware("qbit-backend"),
		middleware.AuthMiddleware(d.Auth),
		d.RateLimiter.Middleware(),
	)
	{
		v1.POST("/generate", handlers.HandleGenerate(d.Pipeline, d.Logger))
		v1.GET("/generate/ws", handlers.HandleGenerateWS(d.Pipeline, d.Hub, d.Logger))
		v1.GET("/keys/status", handlers.HandleKeyPoolStatus(d.PlanPool, d.CodegenPool))
		// Project snapshot routes
		projects := v1.Group("/projects")
		{
			projects.GET("/:projectId/snapshots", handlers.HandleListSnapshots(d.Snapshots, d.Logger))
			projects.GET("/:projectId/files", handlers.HandleGetProjectFiles(d.Snapshots, d.Logger))
			projects.POST("/:projectId/rollback", handlers.HandleRollback(d.Snapshots, d.Cache, d.Logger))
		}
		// Credit ledger routes
		credits := v1.Group("/credits")
		{
			credits.GET("/balance", handlers.HandleGetBalance(d.Ledger, d.Logger))
			credits.GET("/history", handlers.HandleGetHistory(d.Ledger, d.Logger))
			credits.POST("/grant", handlers.HandleGrant(d.Ledger, d.Logger))
		}
	}
}
