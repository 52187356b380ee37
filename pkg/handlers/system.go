/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
)

const (
	defaultRecentLimit = 10
	maxRecentLimit     = 100
)

// GetPerformanceMetrics serves aggregate phase and per-type statistics.
func (h *Handler) GetPerformanceMetrics(c *gin.Context) {
	handle(c, h.getPerformanceMetrics)
}

func (h *Handler) getPerformanceMetrics(c *gin.Context) (interface{}, error) {
	return h.monitor.GetStatistics(c.Request.Context())
}

// GetRecentDeployments lists the latest completed tasks, newest first.
func (h *Handler) GetRecentDeployments(c *gin.Context) {
	handle(c, h.getRecentDeployments)
}

func (h *Handler) getRecentDeployments(c *gin.Context) (interface{}, error) {
	limit := defaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return nil, commonerrors.NewBadRequest("limit must be a positive integer")
		}
		limit = parsed
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	deployments, err := h.monitor.GetRecentDeployments(c.Request.Context(), limit)
	if err != nil {
		return nil, err
	}
	return gin.H{"deployments": deployments, "count": len(deployments)}, nil
}

// GetRateLimitStatus reports the deploy budget left for one user.
func (h *Handler) GetRateLimitStatus(c *gin.Context) {
	handle(c, h.getRateLimitStatus)
}

func (h *Handler) getRateLimitStatus(c *gin.Context) (interface{}, error) {
	userID := c.Query("user_id")
	if userID == "" {
		return nil, commonerrors.NewBadRequest("user_id is required")
	}
	return h.limiter.Status(c.Request.Context(), deployRateKey(userID))
}

// GetRedisHealth reports connection state and failure counters for the
// backing store.
func (h *Handler) GetRedisHealth(c *gin.Context) {
	handle(c, h.getRedisHealth)
}

func (h *Handler) getRedisHealth(c *gin.Context) (interface{}, error) {
	return h.redis.Stats(c.Request.Context()), nil
}

// Healthz answers liveness probes. It stays cheap on purpose: Redis or
// cluster trouble is reported by redis-health and queue-status instead.
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
