/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package challenge

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/config"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/ctd"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/kubernetes"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/performance"
)

// Challenge families served by the base handler, plus the red-blue variant.
const (
	TypeFullOS       = "full-os"
	TypeWeb          = "web"
	TypeMetasploit   = "metasploit"
	TypeSQLInjection = "sql-injection"
	TypeRedBlue      = "red-blue"
)

// podRunningTimeout bounds the wait for the challenge pod alone; the task
// timeout still bounds the whole deployment.
const podRunningTimeout = 5 * time.Minute

// DeployRequest is the decoded payload of one deployment task.
type DeployRequest struct {
	DeploymentName string
	UserID         string
	CompetitionID  string
	CDF            *ctd.CDF

	// Tracker is resumed from the API process or started fresh; never nil.
	Tracker *performance.Tracker
}

// CleanupRequest is the decoded payload of one termination task.
type CleanupRequest struct {
	DeploymentName string
}

// Handler deploys and tears down instances of one challenge family.
type Handler interface {
	Deploy(ctx context.Context, req *DeployRequest) (map[string]interface{}, error)
	Cleanup(ctx context.Context, req *CleanupRequest) (map[string]interface{}, error)
}

// Base implements the deployment flow shared by every challenge family:
// render the definition, create objects in dependency order, wait for the
// pod, and tear everything labeled with the instance down again when any
// step fails.
type Base struct {
	resolver *ctd.Resolver
	cluster  *kubernetes.Client
}

func NewBase(resolver *ctd.Resolver, cluster *kubernetes.Client) *Base {
	return &Base{resolver: resolver, cluster: cluster}
}

func (b *Base) Deploy(ctx context.Context, req *DeployRequest) (map[string]interface{}, error) {
	tracker := req.Tracker
	tracker.AddTag(performance.TagChallengeType, req.CDF.Metadata.ChallengeType)

	tracker.StartPhase(performance.PhaseConfig)
	inst, err := b.resolver.Render(&ctd.RenderRequest{
		CDF:           req.CDF,
		InstanceName:  req.DeploymentName,
		UserID:        req.UserID,
		CompetitionID: req.CompetitionID,
	})
	tracker.EndPhase(performance.PhaseConfig)
	if err != nil {
		return failure(req.DeploymentName, "definition did not resolve"), err
	}

	tracker.StartPhase(performance.PhaseK8sResources)
	err = b.createCore(ctx, inst)
	tracker.EndPhase(performance.PhaseK8sResources)
	if err != nil {
		b.cleanupFailed(ctx, inst.Name)
		return failure(inst.Name, "resource creation failed"), err
	}

	tracker.StartPhase(performance.PhaseWaitRunning)
	err = b.cluster.WaitForPodRunning(ctx, inst.Pod.Name, podRunningTimeout)
	tracker.EndPhase(performance.PhaseWaitRunning)
	if err != nil {
		b.cleanupFailed(ctx, inst.Name)
		return failure(inst.Name, "pod did not reach running"), err
	}

	tracker.StartPhase(performance.PhaseNetworkSetup)
	err = b.createNetwork(ctx, inst)
	tracker.EndPhase(performance.PhaseNetworkSetup)
	if err != nil {
		b.cleanupFailed(ctx, inst.Name)
		return failure(inst.Name, "network setup failed"), err
	}

	result := map[string]interface{}{
		"success":          true,
		"instance":         inst.Name,
		"challenge_type":   inst.ChallengeType,
		"flag_secret_name": inst.FlagSecretName,
	}
	if urls := kubernetes.ChallengeURLs(inst.Name, config.GetDomain()); len(urls) > 0 {
		result["urls"] = urls
	}
	return result, nil
}

func (b *Base) Cleanup(ctx context.Context, req *CleanupRequest) (map[string]interface{}, error) {
	if err := b.cluster.DeleteByInstance(ctx, req.DeploymentName); err != nil {
		return failure(req.DeploymentName, "teardown failed"), err
	}
	return map[string]interface{}{
		"success":  true,
		"instance": req.DeploymentName,
		"message":  "challenge resources deleted",
	}, nil
}

// createCore creates the objects the pod depends on, then the pod itself.
func (b *Base) createCore(ctx context.Context, inst *ctd.Instance) error {
	for _, secret := range inst.Secrets {
		if _, err := b.cluster.CreateSecret(ctx, secret); err != nil {
			return err
		}
	}
	for _, cm := range inst.ConfigMaps {
		if _, err := b.cluster.CreateConfigMap(ctx, cm); err != nil {
			return err
		}
	}
	_, err := b.cluster.CreatePod(ctx, inst.Pod)
	return err
}

// createNetwork exposes the running pod.
func (b *Base) createNetwork(ctx context.Context, inst *ctd.Instance) error {
	for _, svc := range inst.Services {
		if _, err := b.cluster.CreateService(ctx, svc); err != nil {
			return err
		}
	}
	for _, ing := range inst.Ingresses {
		if _, err := b.cluster.CreateIngress(ctx, ing); err != nil {
			return err
		}
	}
	for _, np := range inst.NetworkPolicies {
		if _, err := b.cluster.CreateNetworkPolicy(ctx, np); err != nil {
			return err
		}
	}
	return nil
}

// cleanupFailed removes everything stamped with the instance label after a
// partial deployment. Failures are logged, not returned: the original
// deployment error is the one the task records.
func (b *Base) cleanupFailed(ctx context.Context, instance string) {
	if err := b.cluster.DeleteByInstance(ctx, instance); err != nil {
		klog.ErrorS(err, "cleanup after failed deployment", "instance", instance)
	}
}

func failure(instance, reason string) map[string]interface{} {
	return map[string]interface{}{
		"success":        false,
		"instance":       instance,
		"failure_reason": reason,
	}
}
