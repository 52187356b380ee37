/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package challenge

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/ctd"
	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/kubernetes"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/lock"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/performance"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/queue"
	jsonutils "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/utils/json"
)

// Registry routes challenge types to their handlers and adapts them to the
// worker callbacks.
type Registry struct {
	base     *Base
	monitor  *performance.Monitor
	handlers map[string]Handler
}

func NewRegistry(resolver *ctd.Resolver, cluster *kubernetes.Client,
	locks *lock.Manager, monitor *performance.Monitor) *Registry {
	base := NewBase(resolver, cluster)
	return &Registry{
		base:    base,
		monitor: monitor,
		handlers: map[string]Handler{
			TypeFullOS:       base,
			TypeWeb:          base,
			TypeMetasploit:   base,
			TypeSQLInjection: base,
			TypeRedBlue:      NewRedBlue(base, locks),
		},
	}
}

// HandlerFor returns the handler for a challenge type: the red-blue variant
// for its type, the base flow for everything else. Whether the type exists
// at all is the store's question, answered during render.
func (r *Registry) HandlerFor(challengeType string) Handler {
	if h, ok := r.handlers[challengeType]; ok {
		return h
	}
	return r.base
}

// HandleDeployTask is the deployment queue callback.
func (r *Registry) HandleDeployTask(ctx context.Context, task *queue.Task) (map[string]interface{}, error) {
	req, err := decodeDeployPayload(task)
	if err != nil {
		return failure(task.ChallengeID(), "invalid task payload"), err
	}
	req.Tracker = r.resumeTracker(ctx, task, req)
	req.Tracker.EndPhase(performance.PhaseQueueWait)

	result, err := r.HandlerFor(req.CDF.Metadata.ChallengeType).Deploy(ctx, req)
	r.monitor.Complete(ctx, req.Tracker, err == nil)
	return result, err
}

// HandleTerminateTask is the termination queue callback.
func (r *Registry) HandleTerminateTask(ctx context.Context, task *queue.Task) (map[string]interface{}, error) {
	name := task.ChallengeID()
	if !ctd.IsValidInstanceName(name) {
		return failure(name, "invalid task payload"),
			commonerrors.NewBadRequest("termination task has no valid deployment name")
	}
	challengeType, _ := task.Payload["challenge_type"].(string)
	return r.HandlerFor(challengeType).Cleanup(ctx, &CleanupRequest{DeploymentName: name})
}

// resumeTracker continues the record the API process started, or starts a
// fresh one when it is gone so the worker-side phases still land.
func (r *Registry) resumeTracker(ctx context.Context, task *queue.Task, req *DeployRequest) *performance.Tracker {
	if id := task.Metadata.PerformanceID; id != "" {
		t, err := r.monitor.Resume(ctx, id)
		if err != nil {
			klog.ErrorS(err, "failed to resume performance record", "task", task.TaskID, "performance_id", id)
		}
		if t != nil {
			return t
		}
	}
	return r.monitor.StartTask(string(task.Kind), map[string]string{
		performance.TagChallengeType: req.CDF.Metadata.ChallengeType,
	})
}

func decodeDeployPayload(task *queue.Task) (*DeployRequest, error) {
	name, _ := task.Payload["deployment_name"].(string)
	if name == "" {
		return nil, commonerrors.NewBadRequest("task payload has no deployment_name")
	}
	if !ctd.IsValidInstanceName(name) {
		return nil, commonerrors.NewBadRequest(fmt.Sprintf("deployment name %q is not valid", name))
	}
	raw, found := task.Payload["cdf_content"]
	if !found {
		return nil, commonerrors.NewBadRequest("task payload has no cdf_content")
	}
	cdf := &ctd.CDF{}
	if err := jsonutils.Unmarshal(jsonutils.MarshalSilently(raw), cdf); err != nil {
		return nil, commonerrors.NewBadRequest(fmt.Sprintf("cdf_content does not parse: %v", err))
	}
	userID, _ := task.Payload["user_id"].(string)
	competitionID, _ := task.Payload["competition_id"].(string)
	return &DeployRequest{
		DeploymentName: name,
		UserID:         userID,
		CompetitionID:  competitionID,
		CDF:            cdf,
	}, nil
}
