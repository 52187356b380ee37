/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package challenge

import (
	"context"

	"k8s.io/klog/v2"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/ctd"
	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/kubernetes"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/lock"
)

const (
	defenderPrefix = "defense-"

	// defenderTypeID is the challenge type the shared defender renders from.
	defenderTypeID = "red-blue-defender"
)

// RedBlue deploys attacker workspaces that share one defender target per
// competition. The first deployment in a competition creates the defender;
// later ones find it already present. Attacker teardown never touches the
// defender, which carries its own instance label.
type RedBlue struct {
	*Base
	locks *lock.Manager
}

func NewRedBlue(base *Base, locks *lock.Manager) *RedBlue {
	return &RedBlue{Base: base, locks: locks}
}

// DefenderName returns the shared defender instance name for a competition.
func DefenderName(competitionID string) string {
	return defenderPrefix + kubernetes.SanitizeLabel(competitionID)
}

func (h *RedBlue) Deploy(ctx context.Context, req *DeployRequest) (map[string]interface{}, error) {
	if req.CompetitionID == "" {
		err := commonerrors.NewBadRequest("red-blue challenges require a competition_id")
		return failure(req.DeploymentName, "missing competition_id"), err
	}
	if err := h.ensureDefender(ctx, req.CompetitionID); err != nil {
		return failure(req.DeploymentName, "defender setup failed"), err
	}
	result, err := h.Base.Deploy(ctx, req)
	if err == nil {
		result["defender"] = DefenderName(req.CompetitionID)
	}
	return result, err
}

// ensureDefender creates the competition's shared defender once, under an
// operation lock so concurrent attacker deployments do not race. A partial
// earlier attempt is completed rather than failed: creates tolerate objects
// that already exist.
func (h *RedBlue) ensureDefender(ctx context.Context, competitionID string) error {
	name := DefenderName(competitionID)
	return h.locks.WithOperationLock(ctx, "defender:"+name, true, func(ctx context.Context) error {
		if _, err := h.cluster.GetPodStatus(ctx, name, ""); err == nil {
			return nil
		} else if !commonerrors.IsNotFound(err) {
			return err
		}

		inst, err := h.resolver.Render(&ctd.RenderRequest{
			CDF: &ctd.CDF{
				Metadata: ctd.Metadata{
					ID:            name,
					Name:          "Defense Target",
					ChallengeType: defenderTypeID,
				},
			},
			InstanceName:  name,
			CompetitionID: competitionID,
		})
		if err != nil {
			return err
		}

		for _, secret := range inst.Secrets {
			if _, err := h.cluster.CreateSecret(ctx, secret); ctrlclient.IgnoreAlreadyExists(err) != nil {
				return err
			}
		}
		for _, cm := range inst.ConfigMaps {
			if _, err := h.cluster.CreateConfigMap(ctx, cm); ctrlclient.IgnoreAlreadyExists(err) != nil {
				return err
			}
		}
		if _, err := h.cluster.CreatePod(ctx, inst.Pod); ctrlclient.IgnoreAlreadyExists(err) != nil {
			return err
		}
		if err := h.cluster.WaitForPodRunning(ctx, inst.Pod.Name, podRunningTimeout); err != nil {
			return err
		}
		if err := h.createNetworkTolerant(ctx, inst); err != nil {
			return err
		}
		klog.Infof("defender %s ready for competition %s", name, competitionID)
		return nil
	})
}

func (h *RedBlue) createNetworkTolerant(ctx context.Context, inst *ctd.Instance) error {
	for _, svc := range inst.Services {
		if _, err := h.cluster.CreateService(ctx, svc); ctrlclient.IgnoreAlreadyExists(err) != nil {
			return err
		}
	}
	for _, ing := range inst.Ingresses {
		if _, err := h.cluster.CreateIngress(ctx, ing); ctrlclient.IgnoreAlreadyExists(err) != nil {
			return err
		}
	}
	for _, np := range inst.NetworkPolicies {
		if _, err := h.cluster.CreateNetworkPolicy(ctx, np); ctrlclient.IgnoreAlreadyExists(err) != nil {
			return err
		}
	}
	return nil
}
