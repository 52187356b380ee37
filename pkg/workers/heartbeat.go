/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package workers

import (
	"context"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/config"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/queue"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/utils/channel"
)

// The control loop ticks faster than the heartbeat is written so commands
// are picked up promptly.
const heartbeatTick = 5 * time.Second

// HeartbeatMonitor runs one worker's liveness loop: each tick it consumes
// pending commands, and on the configured interval writes the heartbeat
// record derived from the worker's local flags.
type HeartbeatMonitor struct {
	worker   *Worker
	registry *Registry
	sm       *StateMachine
	flags    *workerFlags
	clock    clock.WithTicker
	tomb     *channel.Tomb

	writeInterval time.Duration
	lastWrite     time.Time
}

// NewHeartbeatMonitor builds the monitor for one registered worker.
func NewHeartbeatMonitor(worker *Worker, registry *Registry, sm *StateMachine, flags *workerFlags) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		worker:        worker,
		registry:      registry,
		sm:            sm,
		flags:         flags,
		clock:         clock.RealClock{},
		tomb:          channel.NewTomb(),
		writeInterval: time.Duration(config.GetWorkerHeartbeatIntervalSecond()) * time.Second,
	}
}

// Start launches the heartbeat loop.
func (m *HeartbeatMonitor) Start() {
	go m.loop()
}

// Stop signals the loop to exit and waits for it.
func (m *HeartbeatMonitor) Stop() {
	m.tomb.Stop()
}

func (m *HeartbeatMonitor) loop() {
	defer m.tomb.Done()
	klog.V(2).Infof("heartbeat loop started for worker %s", m.worker.ID)
	ticker := m.clock.NewTicker(heartbeatTick)
	defer ticker.Stop()
	for {
		select {
		case <-m.tomb.Stopping():
			klog.V(2).Infof("heartbeat loop stopped for worker %s", m.worker.ID)
			return
		case <-ticker.C():
			m.tick(context.Background())
		}
	}
}

// tick is one pass of the control loop.
func (m *HeartbeatMonitor) tick(ctx context.Context) {
	m.consumeCommand(ctx)
	if !m.lastWrite.IsZero() && m.clock.Since(m.lastWrite) < m.writeInterval {
		return
	}
	hb := &Heartbeat{
		WorkerID:      m.worker.ID,
		Status:        m.currentStatus(),
		Timestamp:     m.clock.Now(),
		CurrentTaskID: m.flags.CurrentTask(),
	}
	if err := m.registry.UpdateHeartbeat(ctx, m.worker.ID, hb); err != nil {
		klog.ErrorS(err, "heartbeat write failed", "worker", m.worker.ID)
		return
	}
	m.lastWrite = m.clock.Now()
}

// currentStatus derives the reported status from the worker's local flags.
func (m *HeartbeatMonitor) currentStatus() Status {
	switch {
	case m.flags.Stopping():
		return StatusStopped
	case m.flags.Paused():
		return StatusPaused
	case m.flags.CurrentTask() != "":
		if m.worker.Kind == queue.KindTermination {
			return StatusTermination
		}
		return StatusDeployment
	default:
		return StatusIdle
	}
}

func (m *HeartbeatMonitor) consumeCommand(ctx context.Context) {
	command, reason, err := m.registry.TakeCommand(ctx, m.worker.ID)
	if err != nil {
		klog.V(4).Infof("worker %s command poll failed: %v", m.worker.ID, err)
		return
	}
	if command == "" {
		return
	}
	klog.Infof("worker %s received command %s (%s)", m.worker.ID, command, reason)
	switch command {
	case CommandPause:
		m.flags.SetPaused(true)
		m.transition(ctx, StatusPaused, reason)
	case CommandResume:
		m.flags.SetPaused(false)
		m.transition(ctx, StatusIdle, reason)
	case CommandStop:
		// The dispatch loop finishes its current task, then exits.
		m.flags.RequestStop()
	default:
		klog.Warningf("worker %s ignoring unknown command %q", m.worker.ID, command)
	}
}

func (m *HeartbeatMonitor) transition(ctx context.Context, to Status, reason string) {
	var metadata map[string]string
	if reason != "" {
		metadata = map[string]string{"reason": reason}
	}
	if err := m.sm.Transition(ctx, m.worker.ID, to, metadata); err != nil {
		// Rejected while a task is running; the dispatch loop converges
		// to the flagged state once the task finishes.
		klog.V(4).Infof("worker %s transition to %s deferred: %v", m.worker.ID, to, err)
	}
}
