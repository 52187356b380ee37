/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package workers

import (
	"fmt"
	"os"
	"sync"
	"time"

	utilrand "k8s.io/apimachinery/pkg/util/rand"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/queue"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/utils"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/utils/sets"
)

// Status is the lifecycle state of a worker.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusIdle        Status = "idle"
	StatusActive      Status = "active"
	StatusDeployment  Status = "deployment"
	StatusTermination Status = "termination"
	StatusPaused      Status = "paused"
	StatusStopped     Status = "stopped"
	StatusFailed      Status = "failed"
)

// Commands accepted by a worker through its state record.
const (
	CommandPause  = "pause"
	CommandResume = "resume"
	CommandStop   = "stop"
)

// allowedTransitions maps each status to the statuses reachable from it.
// A missing source, such as the terminal failed status, allows nothing.
var allowedTransitions = map[Status]sets.Set{
	StatusInitialized: sets.NewSetByKeys(
		string(StatusIdle), string(StatusActive), string(StatusPaused),
		string(StatusStopped), string(StatusFailed), string(StatusDeployment), string(StatusTermination)),
	StatusIdle: sets.NewSetByKeys(
		string(StatusActive), string(StatusPaused), string(StatusStopped),
		string(StatusFailed), string(StatusDeployment), string(StatusTermination)),
	StatusActive: sets.NewSetByKeys(
		string(StatusIdle), string(StatusPaused), string(StatusStopped), string(StatusFailed)),
	StatusPaused: sets.NewSetByKeys(
		string(StatusIdle), string(StatusActive), string(StatusStopped), string(StatusFailed)),
	StatusStopped: sets.NewSetByKeys(string(StatusFailed)),
	StatusDeployment: sets.NewSetByKeys(
		string(StatusIdle), string(StatusActive), string(StatusFailed), string(StatusStopped)),
	StatusTermination: sets.NewSetByKeys(
		string(StatusIdle), string(StatusActive), string(StatusFailed), string(StatusStopped)),
}

// CanTransition reports whether a worker may move between the two statuses.
func CanTransition(from, to Status) bool {
	return allowedTransitions[from].Has(string(to))
}

// Worker is the registry record for one dispatch loop.
type Worker struct {
	ID            string            `json:"worker_id"`
	Kind          queue.Kind        `json:"kind"`
	Hostname      string            `json:"hostname"`
	PID           int               `json:"pid"`
	Status        Status            `json:"status"`
	StartedAt     time.Time         `json:"started_at"`
	LastHeartbeat *time.Time        `json:"last_heartbeat,omitempty"`
	Processed     int64             `json:"processed"`
	Failed        int64             `json:"failed"`
	CurrentTaskID string            `json:"current_task_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// State is the control record polled by the worker's heartbeat loop.
type State struct {
	Status        Status    `json:"status"`
	UpdatedAt     time.Time `json:"updated_at"`
	Command       string    `json:"command,omitempty"`
	CommandReason string    `json:"command_reason,omitempty"`
}

// Heartbeat is the liveness record written on the heartbeat interval.
type Heartbeat struct {
	WorkerID      string    `json:"worker_id"`
	Status        Status    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
}

// TransitionRecord is one accepted state change in a worker's history.
type TransitionRecord struct {
	From     Status            `json:"from"`
	To       Status            `json:"to"`
	At       time.Time         `json:"at"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func newWorkerID(kind queue.Kind, now time.Time) string {
	return fmt.Sprintf("%s-%s-%d-%s-%d", kind, utils.Hostname(), os.Getpid(), utilrand.String(4), now.Unix())
}

// workerFlags is the in-process view of one worker shared by its dispatch
// and heartbeat loops.
type workerFlags struct {
	mu            sync.Mutex
	paused        bool
	stopping      bool
	currentTaskID string
}

func newWorkerFlags() *workerFlags {
	return &workerFlags{}
}

func (f *workerFlags) SetPaused(paused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = paused
}

func (f *workerFlags) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *workerFlags) RequestStop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopping = true
}

func (f *workerFlags) Stopping() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopping
}

func (f *workerFlags) SetCurrentTask(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.currentTaskID = taskID
}

func (f *workerFlags) CurrentTask() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentTaskID
}
