/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package handlers serves the instance manager HTTP API: challenge
// deployment and termination, task and queue introspection, challenge type
// management, worker control, and operational health.
package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/apiutils"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/ctd"
	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/kubernetes"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/performance"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/queue"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/ratelimit"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/redisclient"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/workers"
)

const jsonContentType = "application/json; charset=utf-8"

// Components are the shared collaborators the API routes delegate to.
type Components struct {
	Redis    *redisclient.Client
	Queues   map[queue.Kind]*queue.Queue
	Registry *workers.Registry
	States   *workers.StateMachine
	Pool     *workers.Pool
	Store    *ctd.Store
	Cluster  *kubernetes.Client
	Monitor  *performance.Monitor
	Limiter  *ratelimit.Limiter
}

// Handler holds the components behind the API. A single instance serves all
// requests.
type Handler struct {
	// runCtx bounds anything the API starts that outlives the request,
	// such as worker loops launched from the initialize endpoint.
	runCtx   context.Context
	redis    *redisclient.Client
	queues   map[queue.Kind]*queue.Queue
	registry *workers.Registry
	states   *workers.StateMachine
	pool     *workers.Pool
	store    *ctd.Store
	cluster  *kubernetes.Client
	monitor  *performance.Monitor
	limiter  *ratelimit.Limiter
}

func NewHandler(runCtx context.Context, c Components) *Handler {
	return &Handler{
		runCtx:   runCtx,
		redis:    c.Redis,
		queues:   c.Queues,
		registry: c.Registry,
		states:   c.States,
		pool:     c.Pool,
		store:    c.Store,
		cluster:  c.Cluster,
		monitor:  c.Monitor,
		limiter:  c.Limiter,
	}
}

type handleFunc func(*gin.Context) (interface{}, error)

func handle(c *gin.Context, fn handleFunc) {
	rsp, err := fn(c)
	if err != nil {
		apiutils.AbortWithApiError(c, err)
		return
	}
	code := http.StatusOK
	if c.Writer.Status() > 0 {
		code = c.Writer.Status()
	}
	switch rspType := rsp.(type) {
	case []byte:
		c.Data(code, jsonContentType, rspType)
	case string:
		c.Data(code, jsonContentType, []byte(rspType))
	default:
		c.JSON(code, rsp)
	}
}

// bindOptionalJSON binds a JSON body when one is present. These endpoints
// accept bare POSTs, so a missing body is not an error.
func bindOptionalJSON(c *gin.Context, obj interface{}) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(obj); err != nil {
		return commonerrors.NewBadRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}
