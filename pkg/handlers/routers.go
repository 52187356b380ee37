/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/apiutils"
	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
)

const apiRootPath = "/api"

// InitHTTPHandlers builds the gin engine with logging, recovery, request
// metrics, and every API route.
func InitHTTPHandlers(h *Handler) *gin.Engine {
	engine := gin.New()
	engine.Use(apiutils.Logger(), gin.Recovery(), Metrics())
	engine.NoRoute(func(c *gin.Context) {
		apiutils.AbortWithApiError(c, commonerrors.NewNotFoundWithMessage(c.Request.RequestURI+" not found"))
	})
	InitAPIRouters(engine, h)
	engine.GET("/healthz", h.Healthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return engine
}

func InitAPIRouters(e *gin.Engine, h *Handler) {
	group := e.Group(apiRootPath)
	{
		group.POST("start-challenge", h.StartChallenge)
		group.POST("end-challenge", h.EndChallenge)
		group.GET("task-status/:task_id", h.GetTaskStatus)
		group.GET("queue-status", h.GetQueueStatus)
		group.POST("queue/clear", h.ClearQueue)

		group.GET("list-challenge-pods", h.ListChallengePods)
		group.GET("get-pod-status", h.GetPodStatus)
		group.POST("get-secret", h.GetSecret)

		group.GET("schema", h.GetSchema)
		group.GET("challenge-types", h.ListChallengeTypes)
		group.POST("upload-ctd", h.UploadCTD)
		group.DELETE("challenge-types/:type", h.DeleteChallengeType)

		group.GET("workers", h.ListWorkers)
		group.GET("workers/:worker_id", h.GetWorker)
		group.POST("workers/initialize", h.InitializeWorkers)
		group.POST("workers/cleanup", h.CleanupWorkers)
		group.POST("workers/:worker_id/pause", h.PauseWorker)
		group.POST("workers/:worker_id/resume", h.ResumeWorker)
		group.POST("workers/:worker_id/stop", h.StopWorker)

		group.GET("performance-metrics", h.GetPerformanceMetrics)
		group.GET("recent-deployments", h.GetRecentDeployments)
		group.GET("rate-limit-status", h.GetRateLimitStatus)
		group.GET("redis-health", h.GetRedisHealth)
	}
}
