/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/config"
	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/lock"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/queue"
)

// Pool registers and runs the configured number of workers per queue kind.
type Pool struct {
	registry  *Registry
	sm        *StateMachine
	locks     *lock.Manager
	queues    map[queue.Kind]*queue.Queue
	callbacks map[queue.Kind]Callback

	mu      sync.Mutex
	members []*member
	wg      sync.WaitGroup
	started bool
}

type member struct {
	worker    *Worker
	heartbeat *HeartbeatMonitor
}

// NewPool wires the queues to their callbacks. Callbacks must cover every
// queue kind handed in.
func NewPool(registry *Registry, sm *StateMachine, locks *lock.Manager,
	queues map[queue.Kind]*queue.Queue, callbacks map[queue.Kind]Callback) *Pool {
	return &Pool{
		registry:  registry,
		sm:        sm,
		locks:     locks,
		queues:    queues,
		callbacks: callbacks,
	}
}

// Start registers the workers and launches their loops. With parallel
// workers disabled, only the instance winning the init_workers lock seeds
// them; everyone else serves the API without local workers.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		klog.Infof("worker pool already started")
		return nil
	}
	if !config.IsParallelWorkersEnabled() {
		l, err := p.locks.LockOperation(ctx, "init_workers", false)
		if errors.Is(err, commonerrors.ErrLockUnavailable) {
			klog.Infof("workers are initialized by another instance, serving API only")
			return nil
		}
		if err != nil {
			return err
		}
		defer func() {
			if _, rerr := p.locks.Release(ctx, l); rerr != nil {
				klog.ErrorS(rerr, "failed to release init_workers lock")
			}
		}()
		live, err := p.liveWorkerCount(ctx)
		if err != nil {
			return err
		}
		if live > 0 {
			klog.Infof("found %d live workers, serving API only", live)
			return nil
		}
	}

	count := config.GetWorkerCount()
	for _, kind := range []queue.Kind{queue.KindDeployment, queue.KindTermination} {
		q, ok := p.queues[kind]
		if !ok {
			continue
		}
		cb, ok := p.callbacks[kind]
		if !ok {
			return fmt.Errorf("no callback registered for %s queue", kind)
		}
		for i := 0; i < count; i++ {
			if err := p.startWorker(ctx, kind, q, cb); err != nil {
				return err
			}
		}
	}
	p.started = true
	klog.Infof("worker pool started, %d workers per kind", count)
	return nil
}

func (p *Pool) startWorker(ctx context.Context, kind queue.Kind, q *queue.Queue, cb Callback) error {
	w, err := p.registry.Register(ctx, kind, "")
	if err != nil {
		return err
	}
	if err = p.sm.Transition(ctx, w.ID, StatusIdle, nil); err != nil {
		return err
	}
	flags := newWorkerFlags()
	hb := NewHeartbeatMonitor(w, p.registry, p.sm, flags)
	d := NewDispatcher(w, q, p.registry, p.sm, cb, flags)
	hb.Start()
	p.members = append(p.members, &member{worker: w, heartbeat: hb})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		d.Run(ctx)
	}()
	return nil
}

// Stop waits for the dispatch loops to exit, stops the heartbeat loops, and
// deregisters the pool's workers. The context passed to Start must already
// be canceled, or the stop command consumed, for the loops to exit.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	members := p.members
	p.members = nil
	p.started = false
	p.mu.Unlock()

	p.wg.Wait()
	for _, m := range members {
		m.heartbeat.Stop()
		if err := p.registry.Deregister(ctx, m.worker.ID); err != nil {
			klog.ErrorS(err, "failed to deregister worker", "worker", m.worker.ID)
		}
	}
	if len(members) > 0 {
		klog.Infof("worker pool stopped, %d workers deregistered", len(members))
	}
}

// liveWorkerCount counts registered workers that are not yet stale.
func (p *Pool) liveWorkerCount(ctx context.Context) (int, error) {
	workers, err := p.registry.List(ctx)
	if err != nil {
		return 0, err
	}
	stale, err := p.registry.DetectStaleWorkers(ctx)
	if err != nil {
		return 0, err
	}
	return len(workers) - len(stale), nil
}

// WorkerIDs lists the ids of the workers this instance runs.
func (p *Pool) WorkerIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.members))
	for _, m := range p.members {
		ids = append(ids, m.worker.ID)
	}
	return ids
}
