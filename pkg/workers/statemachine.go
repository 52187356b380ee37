/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package workers

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/redisclient"
	jsonutils "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/utils/json"
)

// TransitionHandler runs after a worker reaches the status it is registered
// for. Handlers must not assume they run on the worker's own goroutine.
type TransitionHandler func(workerID string, from, to Status)

// StateMachine validates and persists worker state changes, keeps the
// bounded transition history, and fires registered handlers.
type StateMachine struct {
	redis    *redisclient.Client
	registry *Registry
	clock    clock.Clock

	mu       sync.RWMutex
	handlers map[Status][]TransitionHandler
}

// NewStateMachine builds a state machine over the given registry.
func NewStateMachine(redisClient *redisclient.Client, registry *Registry) *StateMachine {
	return &StateMachine{
		redis:    redisClient,
		registry: registry,
		clock:    clock.RealClock{},
		handlers: map[Status][]TransitionHandler{},
	}
}

// OnTransition registers a handler fired after any transition into the given
// status.
func (sm *StateMachine) OnTransition(to Status, handler TransitionHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.handlers[to] = append(sm.handlers[to], handler)
}

// Current returns the worker's persisted status.
func (sm *StateMachine) Current(ctx context.Context, id string) (Status, error) {
	state, err := sm.registry.GetState(ctx, id)
	if err != nil {
		return "", err
	}
	if state == nil {
		return "", commonerrors.NewNotFound("Worker", id)
	}
	return state.Status, nil
}

// Transition moves the worker to the target status when the transition table
// allows it. A rejected transition persists nothing and returns a
// StateTransitionError. On success the change is appended to the history,
// mirrored onto the registry record, and handlers fire afterwards.
func (sm *StateMachine) Transition(ctx context.Context, id string, to Status, metadata map[string]string) error {
	var from Status
	err := sm.registry.withWorkerLock(ctx, id, func(ctx context.Context) error {
		return sm.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
			state, err := sm.registry.readState(ctx, rdb, id)
			if err != nil {
				return err
			}
			if state == nil {
				return commonerrors.NewNotFound("Worker", id)
			}
			from = state.Status
			if !CanTransition(from, to) {
				return &commonerrors.StateTransitionError{WorkerID: id, From: string(from), To: string(to)}
			}
			now := sm.clock.Now()
			state.Status = to
			state.UpdatedAt = now
			if err = rdb.Set(ctx, stateKey(id), jsonutils.MarshalSilently(state), 0).Err(); err != nil {
				return err
			}
			record := &TransitionRecord{From: from, To: to, At: now, Metadata: metadata}
			pipe := rdb.TxPipeline()
			pipe.LPush(ctx, historyKey(id), jsonutils.MarshalSilently(record))
			pipe.LTrim(ctx, historyKey(id), 0, maxHistory-1)
			if _, err = pipe.Exec(ctx); err != nil {
				return err
			}
			return sm.registry.updateWorker(ctx, rdb, id, func(w *Worker) { w.Status = to })
		})
	})
	if err != nil {
		return err
	}
	klog.V(2).Infof("worker %s transitioned %s -> %s", id, from, to)
	sm.fireHandlers(id, from, to)
	return nil
}

// fireHandlers runs handlers registered for the target status. A handler
// panic is recovered and logged; the transition is never rolled back.
func (sm *StateMachine) fireHandlers(id string, from, to Status) {
	sm.mu.RLock()
	handlers := append([]TransitionHandler(nil), sm.handlers[to]...)
	sm.mu.RUnlock()
	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					klog.Errorf("transition handler panicked for worker %s (%s -> %s): %v\n%s",
						id, from, to, r, debug.Stack())
				}
			}()
			handler(id, from, to)
		}()
	}
}

// History returns up to limit newest-first transition records.
func (sm *StateMachine) History(ctx context.Context, id string, limit int) ([]TransitionRecord, error) {
	if limit <= 0 || limit > maxHistory {
		limit = maxHistory
	}
	var records []TransitionRecord
	err := sm.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		raws, err := rdb.LRange(ctx, historyKey(id), 0, int64(limit-1)).Result()
		if err != nil {
			return err
		}
		records = make([]TransitionRecord, 0, len(raws))
		for _, raw := range raws {
			var rec TransitionRecord
			if err = jsonutils.Unmarshal([]byte(raw), &rec); err != nil {
				klog.ErrorS(err, "skipping undecodable transition record", "worker", id)
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// CleanupStaleWorkers marks stale workers failed and deregisters them. The
// optional callback receives the stale ids before any cleanup happens.
// Running it twice in a row cleans the same set only once.
func (sm *StateMachine) CleanupStaleWorkers(ctx context.Context, onStale func(ids []string)) (int, error) {
	pruned, err := sm.registry.pruneOrphans(ctx)
	if err != nil {
		klog.ErrorS(err, "failed to prune orphaned worker ids")
	}
	if pruned > 0 {
		klog.Infof("pruned %d orphaned worker ids", pruned)
	}
	stale, err := sm.registry.DetectStaleWorkers(ctx)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(stale))
	for _, w := range stale {
		ids = append(ids, w.ID)
	}
	if onStale != nil {
		onStale(ids)
	}
	cleaned := 0
	for _, w := range stale {
		err := sm.Transition(ctx, w.ID, StatusFailed, map[string]string{"reason": "heartbeat timeout"})
		if err != nil && !commonerrors.IsStateTransition(err) {
			klog.ErrorS(err, "failed to mark stale worker failed", "worker", w.ID)
		}
		if err := sm.registry.Deregister(ctx, w.ID); err != nil {
			klog.ErrorS(err, "failed to deregister stale worker", "worker", w.ID)
			continue
		}
		cleaned++
	}
	klog.Infof("cleaned up %d stale workers", cleaned)
	return cleaned, nil
}
