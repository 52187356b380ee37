/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/metrics"
)

// Metrics records a duration sample per request. The route template is used
// instead of the raw path so task and worker ids do not blow up the label
// set.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RequestDurationSeconds.WithLabelValues(
			c.Request.Method,
			path,
			strconv.Itoa(c.Writer.Status()),
		).Observe(time.Since(startTime).Seconds())
	}
}
