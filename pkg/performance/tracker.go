/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package performance

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Deployment phases tracked per task.
const (
	PhaseValidation   = "validation"
	PhasePreparation  = "preparation"
	PhaseQueueWait    = "queue_wait"
	PhaseK8sResources = "k8s_resources_creation"
	PhaseWaitRunning  = "wait_for_running"
	PhaseConfig       = "configuration"
	PhaseNetworkSetup = "network_setup"
)

// Phase is one timed step of a task.
type Phase struct {
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
}

// Record is the persisted form of one tracked task. A record travels between
// processes through Redis: the API process starts it, a worker resumes it by
// its id and completes it.
type Record struct {
	PerfID    string            `json:"perf_id"`
	Kind      string            `json:"kind"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
	Phases    map[string]*Phase `json:"phases,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Success   bool              `json:"success"`
	Completed bool              `json:"completed"`
}

// DurationSeconds returns the total tracked time, zero until completion.
func (r *Record) DurationSeconds() float64 {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt).Seconds()
}

// Tracker accumulates phases and tags for one task. It is safe for use from
// the dispatch loop and the callback goroutine at the same time.
type Tracker struct {
	monitor *Monitor

	mu     sync.Mutex
	record *Record
}

func newPerfID() string {
	return "perf-" + uuid.NewString()
}

// ID returns the tracker's performance id, carried in the task metadata.
func (t *Tracker) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record.PerfID
}

// StartPhase marks the beginning of a named phase. Restarting an open phase
// resets its start time.
func (t *Tracker) StartPhase(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.record.Phases == nil {
		t.record.Phases = map[string]*Phase{}
	}
	t.record.Phases[name] = &Phase{StartedAt: t.monitor.clock.Now()}
}

// EndPhase closes a named phase and records its duration. Ending a phase that
// was never started is a no-op.
func (t *Tracker) EndPhase(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	phase, ok := t.record.Phases[name]
	if !ok || phase.EndedAt != nil {
		return
	}
	now := t.monitor.clock.Now()
	phase.EndedAt = &now
	phase.DurationSeconds = now.Sub(phase.StartedAt).Seconds()
}

// AddTag attaches a key/value tag, such as the challenge type or user.
func (t *Tracker) AddTag(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.record.Tags == nil {
		t.record.Tags = map[string]string{}
	}
	t.record.Tags[key] = value
}

// Tag reads one tag value.
func (t *Tracker) Tag(key string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record.Tags[key]
}

// snapshot copies the record so it can be serialized without holding the lock.
func (t *Tracker) snapshot() *Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	clone := *t.record
	clone.Phases = make(map[string]*Phase, len(t.record.Phases))
	for name, phase := range t.record.Phases {
		p := *phase
		clone.Phases[name] = &p
	}
	clone.Tags = make(map[string]string, len(t.record.Tags))
	for k, v := range t.record.Tags {
		clone.Tags[k] = v
	}
	return &clone
}

// finish closes any open phases and stamps the end time.
func (t *Tracker) finish(success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.monitor.clock.Now()
	for _, phase := range t.record.Phases {
		if phase.EndedAt == nil {
			ended := now
			phase.EndedAt = &ended
			phase.DurationSeconds = now.Sub(phase.StartedAt).Seconds()
		}
	}
	t.record.EndedAt = &now
	t.record.Success = success
	t.record.Completed = true
}
