/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package queue

import (
	"time"
)

// Kind selects one of the two logical queues.
type Kind string

const (
	KindDeployment  Kind = "deployment"
	KindTermination Kind = "termination"
)

// Priority orders tasks within a queue. Lower numeric values dispatch earlier.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// Status tags a task's position in its lifecycle.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusRecovered   Status = "recovered"
	StatusTimeout     Status = "timeout"
	StatusDataMissing Status = "data_missing"
)

// Metadata carries the queue-managed bookkeeping of a task.
type Metadata struct {
	Status            Status     `json:"status"`
	EnqueuedAt        time.Time  `json:"enqueued_at"`
	DequeuedAt        *time.Time `json:"dequeued_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ChallengeID       string     `json:"challenge_id,omitempty"`
	Priority          Priority   `json:"priority"`
	PerformanceID     string     `json:"performance_id,omitempty"`
	OriginalStartTime *time.Time `json:"original_start_time,omitempty"`
	TimedOut          bool       `json:"timed_out,omitempty"`
}

// Task represents one deploy or terminate request. Task records are owned
// exclusively by the queue; workers and recovery mutate them only through
// queue operations.
type Task struct {
	TaskID   string                 `json:"task_id"`
	Kind     Kind                   `json:"kind"`
	Priority Priority               `json:"priority"`
	Payload  map[string]interface{} `json:"payload"`
	Metadata Metadata               `json:"metadata"`
	Result   map[string]interface{} `json:"result,omitempty"`
}

// ChallengeID returns the identity used to serialize work for one challenge
// instance: the explicit payload value, then the stamped metadata value, then
// the deployment or pod name. Empty means the task carries no usable identity.
func (t *Task) ChallengeID() string {
	if id := challengeIDFromPayload(t.Payload); id != "" {
		return id
	}
	return t.Metadata.ChallengeID
}

func challengeIDFromPayload(payload map[string]interface{}) string {
	for _, key := range []string{"challenge_id", "deployment_name", "pod_name"} {
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Score computes the composite ordering key: priority band plus enqueue time
// in seconds. Ascending order yields priority-then-FIFO dispatch.
func Score(p Priority, enqueuedAt time.Time) float64 {
	return float64(p)*scoreBand + float64(enqueuedAt.Unix())
}

const scoreBand = 1e9
