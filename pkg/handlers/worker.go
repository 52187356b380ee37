/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/workers"
)

// ListWorkers reports every registered worker with status and kind
// breakdowns.
func (h *Handler) ListWorkers(c *gin.Context) {
	handle(c, h.listWorkers)
}

func (h *Handler) listWorkers(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()
	all, err := h.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	statusCounts := map[string]int{}
	kindCounts := map[string]int{}
	for _, w := range all {
		statusCounts[string(w.Status)]++
		kindCounts[string(w.Kind)]++
	}
	stale, err := h.registry.DetectStaleWorkers(ctx)
	if err != nil {
		return nil, err
	}
	return gin.H{
		"workers":       all,
		"count":         len(all),
		"status_counts": statusCounts,
		"kind_counts":   kindCounts,
		"stale":         len(stale),
	}, nil
}

// GetWorker returns one worker with its control state and last heartbeat.
func (h *Handler) GetWorker(c *gin.Context) {
	handle(c, h.getWorker)
}

func (h *Handler) getWorker(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()
	id := c.Param("worker_id")
	worker, err := h.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	state, err := h.registry.GetState(ctx, id)
	if err != nil {
		return nil, err
	}
	heartbeat, err := h.registry.GetHeartbeat(ctx, id)
	if err != nil {
		return nil, err
	}
	return gin.H{
		"worker":    worker,
		"state":     state,
		"heartbeat": heartbeat,
	}, nil
}

// PauseWorker asks a worker to stop claiming tasks after finishing the
// current one.
func (h *Handler) PauseWorker(c *gin.Context) {
	handle(c, func(c *gin.Context) (interface{}, error) {
		return h.commandWorker(c, workers.CommandPause)
	})
}

// ResumeWorker lets a paused worker claim tasks again.
func (h *Handler) ResumeWorker(c *gin.Context) {
	handle(c, func(c *gin.Context) (interface{}, error) {
		return h.commandWorker(c, workers.CommandResume)
	})
}

// StopWorker asks a worker to exit its loop after the current task.
func (h *Handler) StopWorker(c *gin.Context) {
	handle(c, func(c *gin.Context) (interface{}, error) {
		return h.commandWorker(c, workers.CommandStop)
	})
}

func (h *Handler) commandWorker(c *gin.Context, command string) (interface{}, error) {
	var req WorkerCommandRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		return nil, err
	}
	ctx := c.Request.Context()
	id := c.Param("worker_id")
	if _, err := h.registry.Get(ctx, id); err != nil {
		return nil, err
	}
	if err := h.registry.SetCommand(ctx, id, command, req.Reason); err != nil {
		return nil, err
	}
	return gin.H{
		"success":   true,
		"worker_id": id,
		"command":   command,
	}, nil
}

// InitializeWorkers starts the worker pool if it is not already running.
// The loops live on the server context, not the request.
func (h *Handler) InitializeWorkers(c *gin.Context) {
	handle(c, h.initializeWorkers)
}

func (h *Handler) initializeWorkers(c *gin.Context) (interface{}, error) {
	if err := h.pool.Start(h.runCtx); err != nil {
		return nil, err
	}
	return gin.H{
		"success":    true,
		"worker_ids": h.pool.WorkerIDs(),
	}, nil
}

// CleanupWorkers deregisters workers whose heartbeats have expired and
// fails over anything they were holding.
func (h *Handler) CleanupWorkers(c *gin.Context) {
	handle(c, h.cleanupWorkers)
}

func (h *Handler) cleanupWorkers(c *gin.Context) (interface{}, error) {
	var stale []string
	cleaned, err := h.states.CleanupStaleWorkers(c.Request.Context(), func(ids []string) {
		stale = ids
	})
	if err != nil {
		return nil, err
	}
	return gin.H{
		"success":    true,
		"cleaned":    cleaned,
		"worker_ids": stale,
	}, nil
}

func (h *Handler) activeWorkerCount(ctx context.Context) (int, error) {
	all, err := h.registry.List(ctx)
	if err != nil {
		return 0, err
	}
	stale, err := h.registry.DetectStaleWorkers(ctx)
	if err != nil {
		return 0, err
	}
	return len(all) - len(stale), nil
}
