/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/ctd"
	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/kubernetes"
)

// ListChallengePods returns every pod carrying challenge labels.
func (h *Handler) ListChallengePods(c *gin.Context) {
	handle(c, h.listChallengePods)
}

func (h *Handler) listChallengePods(c *gin.Context) (interface{}, error) {
	pods, err := h.cluster.ListChallengePods(c.Request.Context())
	if err != nil {
		return nil, err
	}
	return gin.H{"challenge_pods": pods, "count": len(pods)}, nil
}

// GetPodStatus reports live status for one pod, queried by name.
func (h *Handler) GetPodStatus(c *gin.Context) {
	handle(c, h.getPodStatus)
}

func (h *Handler) getPodStatus(c *gin.Context) (interface{}, error) {
	name := c.Query("pod_name")
	if !ctd.IsValidInstanceName(name) {
		return nil, commonerrors.NewBadRequest("pod_name must be a DNS label or UUID")
	}
	namespace := c.Query("namespace")
	if namespace != "" && !ctd.IsDNSLabel(namespace) {
		return nil, commonerrors.NewBadRequest("namespace must be a DNS label")
	}
	status, err := h.cluster.GetPodStatus(c.Request.Context(), name, namespace)
	if err != nil {
		return nil, err
	}
	return status, nil
}

// GetSecret reads one secret value, typically a challenge flag.
func (h *Handler) GetSecret(c *gin.Context) {
	handle(c, h.getSecret)
}

func (h *Handler) getSecret(c *gin.Context) (interface{}, error) {
	var req GetSecretRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, commonerrors.NewBadRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	secret, err := h.cluster.GetSecret(c.Request.Context(), req.SecretName, req.Namespace)
	if err != nil {
		return nil, err
	}
	return gin.H{
		"secret_name":  secret.Name,
		"secret_value": kubernetes.SecretValue(secret),
	}, nil
}
