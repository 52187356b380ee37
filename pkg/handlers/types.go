/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/queue"
)

// Roles the API recognizes on deployment requests. Admin requests jump the
// queue, everyone else ranks normal.
const (
	RoleAdmin      = "admin"
	RoleInstructor = "instructor"
)

// StartChallengeRequest asks for a challenge instance to be deployed. The
// CDF travels inline so the API never has to read the type store on the
// hot path.
type StartChallengeRequest struct {
	UserID         string                 `json:"user_id" binding:"required"`
	CDFContent     map[string]interface{} `json:"cdf_content" binding:"required"`
	CompetitionID  string                 `json:"competition_id"`
	DeploymentName string                 `json:"deployment_name" binding:"required,instance_name"`
	UserRole       string                 `json:"user_role"`
}

// EndChallengeRequest asks for an instance to be torn down.
type EndChallengeRequest struct {
	DeploymentName string `json:"deployment_name" binding:"required,instance_name"`
	Namespace      string `json:"namespace" binding:"omitempty,dns_label"`
	UserID         string `json:"user_id"`
	UserRole       string `json:"user_role"`
}

// GetSecretRequest reads a secret value, usually a challenge flag.
type GetSecretRequest struct {
	SecretName string `json:"secret_name" binding:"required"`
	Namespace  string `json:"namespace" binding:"omitempty,dns_label"`
}

// WorkerCommandRequest carries the optional operator note attached to a
// pause, resume, or stop command.
type WorkerCommandRequest struct {
	Reason string `json:"reason"`
}

// ClearQueueRequest selects the queue to clear. Empty means both.
type ClearQueueRequest struct {
	Queue string `json:"queue" binding:"omitempty,oneof=deployment termination"`
}

func priorityForRole(role string) queue.Priority {
	switch role {
	case RoleAdmin:
		return queue.PriorityHigh
	case RoleInstructor:
		return queue.PriorityNormal
	default:
		return queue.PriorityNormal
	}
}
