/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/ctd"
	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/metrics"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/performance"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/queue"
	jsonutils "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/utils/json"
)

// StartChallenge validates a deployment request and enqueues it. The reply
// is 202: the task id is the handle for polling actual progress.
func (h *Handler) StartChallenge(c *gin.Context) {
	handle(c, h.startChallenge)
}

func (h *Handler) startChallenge(c *gin.Context) (interface{}, error) {
	var req StartChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, commonerrors.NewBadRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	ctx := c.Request.Context()
	if err := h.limiter.Consume(ctx, deployRateKey(req.UserID)); err != nil {
		if commonerrors.IsRateLimited(err) {
			metrics.RateLimitedTotal.WithLabelValues(c.FullPath()).Inc()
		}
		return nil, err
	}

	tracker := h.monitor.StartTask(string(queue.KindDeployment), nil)
	tracker.StartPhase(performance.PhaseValidation)
	cdf, err := decodeCDF(req.CDFContent)
	if err == nil {
		err = h.verifyChallengeType(cdf.Metadata.ChallengeType)
	}
	tracker.EndPhase(performance.PhaseValidation)
	if err != nil {
		return nil, err
	}
	tracker.AddTag(performance.TagChallengeType, cdf.Metadata.ChallengeType)

	tracker.StartPhase(performance.PhasePreparation)
	payload := map[string]interface{}{
		"deployment_name": req.DeploymentName,
		"user_id":         req.UserID,
		"competition_id":  req.CompetitionID,
		"cdf_content":     req.CDFContent,
	}
	priority := priorityForRole(req.UserRole)
	tracker.EndPhase(performance.PhasePreparation)

	// Queue wait stays open until a worker picks the task up and moves on
	// to resource creation, so the record must be persisted before enqueue.
	tracker.StartPhase(performance.PhaseQueueWait)
	if err := h.monitor.Save(ctx, tracker); err != nil {
		klog.ErrorS(err, "failed to save performance record", "perfID", tracker.ID())
	}
	taskID, err := h.queues[queue.KindDeployment].Enqueue(ctx, queue.EnqueueRequest{
		Payload:       payload,
		Priority:      priority,
		PerformanceID: tracker.ID(),
	})
	if err != nil {
		h.monitor.Complete(ctx, tracker, false)
		return nil, err
	}
	position, err := h.queues[queue.KindDeployment].GetQueuePosition(ctx, taskID)
	if err != nil {
		klog.ErrorS(err, "failed to read queue position", "taskID", taskID)
	}

	c.Status(http.StatusAccepted)
	return gin.H{
		"success":        true,
		"queued":         true,
		"task_id":        taskID,
		"queue_position": position,
		"priority":       priority.String(),
		"status":         "queued",
	}, nil
}

// EndChallenge enqueues a termination task. Terminations always ride the
// high priority band so teardown is never starved by a deploy burst.
func (h *Handler) EndChallenge(c *gin.Context) {
	handle(c, h.endChallenge)
}

func (h *Handler) endChallenge(c *gin.Context) (interface{}, error) {
	var req EndChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, commonerrors.NewBadRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	payload := map[string]interface{}{
		"deployment_name": req.DeploymentName,
	}
	if req.Namespace != "" {
		payload["namespace"] = req.Namespace
	}
	if req.UserID != "" {
		payload["user_id"] = req.UserID
	}
	taskID, err := h.queues[queue.KindTermination].Enqueue(c.Request.Context(), queue.EnqueueRequest{
		Payload:  payload,
		Priority: queue.PriorityHigh,
	})
	if err != nil {
		return nil, err
	}

	c.Status(http.StatusAccepted)
	return gin.H{
		"success": true,
		"message": fmt.Sprintf("Termination of %s queued", req.DeploymentName),
		"task_id": taskID,
		"status":  "queued",
	}, nil
}

// GetTaskStatus reports the stored record for one task, whichever queue it
// came through.
func (h *Handler) GetTaskStatus(c *gin.Context) {
	handle(c, h.getTaskStatus)
}

func (h *Handler) getTaskStatus(c *gin.Context) (interface{}, error) {
	taskID := c.Param("task_id")
	// Task records share one key space, so either queue can answer.
	task, err := h.queues[queue.KindDeployment].GetTaskStatus(c.Request.Context(), taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, commonerrors.NewNotFound("Task", taskID)
	}
	return task, nil
}

// GetQueueStatus aggregates both queues plus worker liveness into one
// snapshot.
func (h *Handler) GetQueueStatus(c *gin.Context) {
	handle(c, h.getQueueStatus)
}

func (h *Handler) getQueueStatus(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()
	var (
		queued, processing int64
		priorities         = map[string]int64{}
		perQueue           = gin.H{}
		queueMetrics       = gin.H{}
	)
	for _, kind := range []queue.Kind{queue.KindDeployment, queue.KindTermination} {
		stats, err := h.queues[kind].GetQueueStats(ctx)
		if err != nil {
			return nil, err
		}
		queued += stats.Pending
		processing += stats.Processing
		for priority, count := range stats.PriorityCounts {
			priorities[priority] += count
		}
		queueMetrics[string(kind)] = stats.Metrics
		perQueue[string(kind)] = stats
	}
	active, err := h.activeWorkerCount(ctx)
	if err != nil {
		return nil, err
	}
	return gin.H{
		"queued":          queued,
		"processing":      processing,
		"priority_counts": priorities,
		"metrics":         queueMetrics,
		"worker_active":   active > 0,
		"active_workers":  active,
		"queues":          perQueue,
	}, nil
}

// ClearQueue drops pending tasks. Processing tasks are left alone so
// whatever a worker holds right now still completes or times out normally.
func (h *Handler) ClearQueue(c *gin.Context) {
	handle(c, h.clearQueue)
}

func (h *Handler) clearQueue(c *gin.Context) (interface{}, error) {
	var req ClearQueueRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		return nil, err
	}
	kinds := []queue.Kind{queue.KindDeployment, queue.KindTermination}
	if req.Queue != "" {
		kinds = []queue.Kind{queue.Kind(req.Queue)}
	}
	cleared := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		if err := h.queues[kind].ClearQueue(c.Request.Context()); err != nil {
			return nil, err
		}
		cleared = append(cleared, string(kind))
	}
	return gin.H{"success": true, "cleared": cleared}, nil
}

func deployRateKey(userID string) string {
	return "deploy:" + userID
}

func decodeCDF(content map[string]interface{}) (*ctd.CDF, error) {
	cdf := &ctd.CDF{}
	if err := jsonutils.Unmarshal(jsonutils.MarshalSilently(content), cdf); err != nil {
		return nil, commonerrors.NewInvalidDefinition(err.Error())
	}
	if err := ctd.ValidateCDF(cdf); err != nil {
		return nil, err
	}
	return cdf, nil
}

// verifyChallengeType turns the store's not-found answer into a validation
// error: a deploy request naming an unregistered type is a bad request, not
// a missing resource.
func (h *Handler) verifyChallengeType(typeID string) error {
	if _, err := h.store.Get(typeID); err != nil {
		if commonerrors.IsNotFound(err) {
			return commonerrors.NewBadRequest(fmt.Sprintf("unknown challenge type %q", typeID))
		}
		return err
	}
	return nil
}
