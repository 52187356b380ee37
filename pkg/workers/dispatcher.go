/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/config"
	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/lock"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/queue"
)

const (
	// Poll cadence while paused or after a dequeue error.
	pollInterval = 250 * time.Millisecond
	// Empty-queue backoff starts here and doubles up to maxIdleSleep.
	idleSleepBase = 50 * time.Millisecond
	maxIdleSleep  = 500 * time.Millisecond
)

// Callback executes one task and returns its result payload. A nil error
// with a result carrying "success": false still counts as a failed task.
type Callback func(ctx context.Context, task *queue.Task) (map[string]interface{}, error)

// WrapWithChallengeLock serializes a callback per challenge instance so two
// workers never operate on the same instance concurrently. Tasks without a
// challenge identity fail without running the callback.
func WrapWithChallengeLock(locks *lock.Manager, expiry time.Duration, cb Callback) Callback {
	return func(ctx context.Context, task *queue.Task) (map[string]interface{}, error) {
		challengeID := task.ChallengeID()
		if challengeID == "" {
			return map[string]interface{}{
				"success": false,
				"error":   "task has no challenge identity",
			}, nil
		}
		var result map[string]interface{}
		var cbErr error
		err := locks.WithChallengeLock(ctx, challengeID, expiry, func(ctx context.Context) error {
			result, cbErr = cb(ctx, task)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return result, cbErr
	}
}

// Dispatcher is one worker's dequeue-and-execute loop.
type Dispatcher struct {
	worker   *Worker
	queue    *queue.Queue
	registry *Registry
	sm       *StateMachine
	callback Callback
	flags    *workerFlags
	clock    clock.Clock

	taskTimeout time.Duration
}

// NewDispatcher builds the dispatch loop for one registered worker.
func NewDispatcher(worker *Worker, q *queue.Queue, registry *Registry, sm *StateMachine, callback Callback, flags *workerFlags) *Dispatcher {
	return &Dispatcher{
		worker:      worker,
		queue:       q,
		registry:    registry,
		sm:          sm,
		callback:    callback,
		flags:       flags,
		clock:       clock.RealClock{},
		taskTimeout: time.Duration(config.GetTaskTimeoutSecond()) * time.Second,
	}
}

// Run polls the queue until the context is canceled or a stop command was
// consumed. Empty polls back off up to maxIdleSleep and reset on work.
func (d *Dispatcher) Run(ctx context.Context) {
	klog.Infof("dispatch loop started for worker %s", d.worker.ID)
	emptyPolls := 0
	for {
		select {
		case <-ctx.Done():
			d.shutdown("shutdown signal")
			return
		default:
		}
		if d.flags.Stopping() {
			d.shutdown("stop command")
			return
		}
		if d.flags.Paused() {
			d.sleep(ctx, pollInterval)
			continue
		}
		task, err := d.queue.Dequeue(ctx)
		if err != nil {
			klog.ErrorS(err, "dequeue failed", "worker", d.worker.ID)
			d.sleep(ctx, pollInterval)
			continue
		}
		if task == nil {
			emptyPolls++
			d.sleep(ctx, idleSleep(emptyPolls))
			continue
		}
		emptyPolls = 0
		d.execute(ctx, task)
	}
}

// execute runs one task through its callback and records the outcome.
func (d *Dispatcher) execute(ctx context.Context, task *queue.Task) {
	d.flags.SetCurrentTask(task.TaskID)
	defer d.flags.SetCurrentTask("")

	if err := d.registry.RecordTaskStarted(ctx, d.worker.ID, task.TaskID); err != nil {
		klog.ErrorS(err, "failed to record task start", "worker", d.worker.ID, "task", task.TaskID)
	}
	busy := StatusDeployment
	if task.Kind == queue.KindTermination {
		busy = StatusTermination
	}
	if err := d.sm.Transition(ctx, d.worker.ID, busy, map[string]string{"task_id": task.TaskID}); err != nil {
		klog.ErrorS(err, "failed to transition worker", "worker", d.worker.ID, "to", busy)
	}

	result, err := d.runCallback(ctx, task)
	success := err == nil && !isFailureResult(result)

	if errors.Is(err, commonerrors.ErrTaskTimeout) {
		if terr := d.queue.MarkTaskTimeout(ctx, task.TaskID); terr != nil {
			klog.ErrorS(terr, "failed to mark task timeout", "task", task.TaskID)
		}
	} else {
		if err != nil {
			if result == nil {
				result = map[string]interface{}{}
			}
			result["success"] = false
			result["error"] = err.Error()
		}
		if cerr := d.queue.CompleteTask(ctx, task.TaskID, success, result); cerr != nil {
			klog.ErrorS(cerr, "failed to complete task", "task", task.TaskID, "success", success)
		}
	}

	if rerr := d.registry.RecordTaskFinished(ctx, d.worker.ID, success); rerr != nil {
		klog.ErrorS(rerr, "failed to record task finish", "worker", d.worker.ID, "task", task.TaskID)
	}
	klog.Infof("worker %s finished task %s, success: %t", d.worker.ID, task.TaskID, success)

	if terr := d.sm.Transition(ctx, d.worker.ID, StatusIdle, nil); terr != nil {
		klog.V(4).Infof("worker %s idle transition skipped: %v", d.worker.ID, terr)
	}
	if d.flags.Paused() {
		if terr := d.sm.Transition(ctx, d.worker.ID, StatusPaused, nil); terr != nil {
			klog.V(4).Infof("worker %s paused transition skipped: %v", d.worker.ID, terr)
		}
	}
}

type callbackResult struct {
	result map[string]interface{}
	err    error
}

// runCallback executes the callback in a child goroutine bounded by the task
// timeout. On timeout the goroutine is abandoned; its side effects are
// indeterminate and reconciled by the next run.
func (d *Dispatcher) runCallback(ctx context.Context, task *queue.Task) (map[string]interface{}, error) {
	done := make(chan callbackResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				klog.Errorf("callback panicked on task %s: %v\n%s", task.TaskID, r, debug.Stack())
				done <- callbackResult{err: fmt.Errorf("callback panic: %v", r)}
			}
		}()
		result, err := d.callback(ctx, task)
		done <- callbackResult{result: result, err: err}
	}()
	select {
	case r := <-done:
		return r.result, r.err
	case <-d.clock.After(d.taskTimeout):
		klog.Warningf("task %s timed out after %s on worker %s", task.TaskID, d.taskTimeout, d.worker.ID)
		return nil, commonerrors.ErrTaskTimeout
	}
}

func (d *Dispatcher) shutdown(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.sm.Transition(ctx, d.worker.ID, StatusStopped, map[string]string{"reason": reason}); err != nil {
		klog.V(4).Infof("worker %s stopped transition skipped: %v", d.worker.ID, err)
	}
	klog.Infof("dispatch loop stopped for worker %s (%s)", d.worker.ID, reason)
}

func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) {
	t := d.clock.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C():
	}
}

func isFailureResult(result map[string]interface{}) bool {
	if result == nil {
		return false
	}
	v, found := result["success"]
	if !found {
		return false
	}
	ok, isBool := v.(bool)
	return isBool && !ok
}

func idleSleep(emptyPolls int) time.Duration {
	delay := idleSleepBase
	for i := 1; i < emptyPolls; i++ {
		delay *= 2
		if delay >= maxIdleSleep {
			return maxIdleSleep
		}
	}
	return delay
}
