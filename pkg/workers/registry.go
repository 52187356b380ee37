/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package workers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/config"
	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/lock"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/queue"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/redisclient"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/utils"
	jsonutils "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/utils/json"
)

const (
	registryKeyPrefix  = "worker:registry:"
	stateKeyPrefix     = "worker:state:"
	historyKeyPrefix   = "worker:state_history:"
	heartbeatKeyPrefix = "worker:heartbeat:"
	idsKey             = "worker:ids"

	maxHistory = 50
)

func registryKey(id string) string  { return registryKeyPrefix + id }
func stateKey(id string) string     { return stateKeyPrefix + id }
func historyKey(id string) string   { return historyKeyPrefix + id }
func heartbeatKey(id string) string { return heartbeatKeyPrefix + id }

// Registry stores worker records in Redis so any instance can observe and
// control the whole fleet.
type Registry struct {
	redis *redisclient.Client
	locks *lock.Manager
	clock clock.Clock
}

// NewRegistry builds a registry over the shared Redis client and lock manager.
func NewRegistry(redisClient *redisclient.Client, locks *lock.Manager) *Registry {
	return &Registry{
		redis: redisClient,
		locks: locks,
		clock: clock.RealClock{},
	}
}

func (r *Registry) withWorkerLock(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	return r.locks.WithResourceLock(ctx, "worker_"+id, true, fn)
}

func (r *Registry) expiry() time.Duration {
	return time.Duration(config.GetWorkerExpirySecond()) * time.Second
}

func (r *Registry) heartbeatTTL() time.Duration {
	return 2 * time.Duration(config.GetWorkerHeartbeatTimeoutSecond()) * time.Second
}

// Register writes a fresh worker record and seeds its state. A generated id
// embeds kind, host, pid, a random suffix, and the registration time.
func (r *Registry) Register(ctx context.Context, kind queue.Kind, id string) (*Worker, error) {
	now := r.clock.Now()
	if id == "" {
		id = newWorkerID(kind, now)
	}
	w := &Worker{
		ID:        id,
		Kind:      kind,
		Hostname:  utils.Hostname(),
		PID:       os.Getpid(),
		Status:    StatusInitialized,
		StartedAt: now,
	}
	err := r.withWorkerLock(ctx, id, func(ctx context.Context) error {
		return r.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
			if err := rdb.Set(ctx, registryKey(id), jsonutils.MarshalSilently(w), r.expiry()).Err(); err != nil {
				return err
			}
			if err := rdb.SAdd(ctx, idsKey, id).Err(); err != nil {
				return err
			}
			state := &State{Status: StatusInitialized, UpdatedAt: now}
			return rdb.Set(ctx, stateKey(id), jsonutils.MarshalSilently(state), 0).Err()
		})
	})
	if err != nil {
		return nil, err
	}
	klog.Infof("registered %s worker %s", kind, id)
	return w, nil
}

// Get loads one worker record.
func (r *Registry) Get(ctx context.Context, id string) (*Worker, error) {
	var w *Worker
	err := r.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		raw, err := rdb.Get(ctx, registryKey(id)).Result()
		if errors.Is(err, redis.Nil) {
			return commonerrors.NewNotFound("Worker", id)
		}
		if err != nil {
			return err
		}
		var decoded Worker
		if err = jsonutils.Unmarshal([]byte(raw), &decoded); err != nil {
			return fmt.Errorf("decode worker %s: %w", id, err)
		}
		w = &decoded
		return nil
	})
	return w, err
}

// List returns every registered worker whose record still exists, sorted by
// id. Ids whose records have expired are skipped here and pruned by cleanup.
func (r *Registry) List(ctx context.Context) ([]*Worker, error) {
	var workers []*Worker
	err := r.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		ids, err := rdb.SMembers(ctx, idsKey).Result()
		if err != nil {
			return err
		}
		workers = make([]*Worker, 0, len(ids))
		for _, id := range ids {
			raw, err := rdb.Get(ctx, registryKey(id)).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return err
			}
			var w Worker
			if err = jsonutils.Unmarshal([]byte(raw), &w); err != nil {
				klog.ErrorS(err, "skipping undecodable worker record", "worker", id)
				continue
			}
			workers = append(workers, &w)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return workers, nil
}

// updateWorker applies fn to the stored record and writes it back, refreshing
// the expiry. The caller must hold the per-worker lock.
func (r *Registry) updateWorker(ctx context.Context, rdb *redis.Client, id string, fn func(w *Worker)) error {
	raw, err := rdb.Get(ctx, registryKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return commonerrors.NewNotFound("Worker", id)
	}
	if err != nil {
		return err
	}
	var w Worker
	if err = jsonutils.Unmarshal([]byte(raw), &w); err != nil {
		return fmt.Errorf("decode worker %s: %w", id, err)
	}
	fn(&w)
	return rdb.Set(ctx, registryKey(id), jsonutils.MarshalSilently(&w), r.expiry()).Err()
}

func (r *Registry) mutate(ctx context.Context, id string, fn func(w *Worker)) error {
	return r.withWorkerLock(ctx, id, func(ctx context.Context) error {
		return r.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
			return r.updateWorker(ctx, rdb, id, fn)
		})
	})
}

// UpdateStatus sets the status field on the registry record only. State
// machine transitions go through StateMachine.Transition.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status Status) error {
	return r.mutate(ctx, id, func(w *Worker) { w.Status = status })
}

// RecordTaskStarted marks the task a worker is about to execute.
func (r *Registry) RecordTaskStarted(ctx context.Context, id, taskID string) error {
	return r.mutate(ctx, id, func(w *Worker) {
		if w.CurrentTaskID != "" && w.CurrentTaskID != taskID {
			klog.Warningf("worker %s replacing current task %s with %s", id, w.CurrentTaskID, taskID)
		}
		w.CurrentTaskID = taskID
	})
}

// RecordTaskFinished clears the current task and bumps the counters.
func (r *Registry) RecordTaskFinished(ctx context.Context, id string, success bool) error {
	return r.mutate(ctx, id, func(w *Worker) {
		w.CurrentTaskID = ""
		w.Processed++
		if !success {
			w.Failed++
		}
	})
}

// UpdateHeartbeat writes the heartbeat record and mirrors liveness onto the
// registry record.
func (r *Registry) UpdateHeartbeat(ctx context.Context, id string, hb *Heartbeat) error {
	return r.withWorkerLock(ctx, id, func(ctx context.Context) error {
		return r.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
			if err := rdb.Set(ctx, heartbeatKey(id), jsonutils.MarshalSilently(hb), r.heartbeatTTL()).Err(); err != nil {
				return err
			}
			return r.updateWorker(ctx, rdb, id, func(w *Worker) {
				ts := hb.Timestamp
				w.LastHeartbeat = &ts
				w.Status = hb.Status
				w.CurrentTaskID = hb.CurrentTaskID
			})
		})
	})
}

// GetHeartbeat loads the last heartbeat, returning nil once it expired.
func (r *Registry) GetHeartbeat(ctx context.Context, id string) (*Heartbeat, error) {
	var hb *Heartbeat
	err := r.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		raw, err := rdb.Get(ctx, heartbeatKey(id)).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var decoded Heartbeat
		if err = jsonutils.Unmarshal([]byte(raw), &decoded); err != nil {
			return fmt.Errorf("decode heartbeat %s: %w", id, err)
		}
		hb = &decoded
		return nil
	})
	return hb, err
}

func (r *Registry) readState(ctx context.Context, rdb *redis.Client, id string) (*State, error) {
	raw, err := rdb.Get(ctx, stateKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s State
	if err = jsonutils.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode worker state %s: %w", id, err)
	}
	return &s, nil
}

// GetState loads the control record, returning nil when it does not exist.
func (r *Registry) GetState(ctx context.Context, id string) (*State, error) {
	var state *State
	err := r.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		var err error
		state, err = r.readState(ctx, rdb, id)
		return err
	})
	return state, err
}

// SetCommand stores a pause, resume, or stop command for the worker to pick
// up on its next heartbeat tick.
func (r *Registry) SetCommand(ctx context.Context, id, command, reason string) error {
	switch command {
	case CommandPause, CommandResume, CommandStop:
	default:
		return commonerrors.NewBadRequest(fmt.Sprintf("unknown worker command %q", command))
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return r.withWorkerLock(ctx, id, func(ctx context.Context) error {
		return r.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
			state, err := r.readState(ctx, rdb, id)
			if err != nil {
				return err
			}
			if state == nil {
				state = &State{Status: StatusInitialized}
			}
			state.Command = command
			state.CommandReason = reason
			state.UpdatedAt = r.clock.Now()
			return rdb.Set(ctx, stateKey(id), jsonutils.MarshalSilently(state), 0).Err()
		})
	})
}

// TakeCommand atomically consumes a pending command, returning empty strings
// when there is none.
func (r *Registry) TakeCommand(ctx context.Context, id string) (string, string, error) {
	var command, reason string
	err := r.withWorkerLock(ctx, id, func(ctx context.Context) error {
		return r.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
			state, err := r.readState(ctx, rdb, id)
			if err != nil || state == nil || state.Command == "" {
				return err
			}
			command, reason = state.Command, state.CommandReason
			state.Command = ""
			state.CommandReason = ""
			return rdb.Set(ctx, stateKey(id), jsonutils.MarshalSilently(state), 0).Err()
		})
	})
	return command, reason, err
}

// Deregister removes every record belonging to the worker.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	err := r.withWorkerLock(ctx, id, func(ctx context.Context) error {
		return r.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
			pipe := rdb.TxPipeline()
			pipe.Del(ctx, registryKey(id), stateKey(id), historyKey(id), heartbeatKey(id))
			pipe.SRem(ctx, idsKey, id)
			_, err := pipe.Exec(ctx)
			return err
		})
	})
	if err != nil {
		return err
	}
	klog.Infof("deregistered worker %s", id)
	return nil
}

// DetectStaleWorkers returns workers whose last heartbeat, or registration
// when they never beat, is older than the heartbeat timeout.
func (r *Registry) DetectStaleWorkers(ctx context.Context) ([]*Worker, error) {
	workers, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(config.GetWorkerHeartbeatTimeoutSecond()) * time.Second
	now := r.clock.Now()
	var stale []*Worker
	for _, w := range workers {
		seen := w.StartedAt
		if w.LastHeartbeat != nil {
			seen = *w.LastHeartbeat
		}
		if now.Sub(seen) > timeout {
			stale = append(stale, w)
		}
	}
	return stale, nil
}

// pruneOrphans drops ids whose registry record expired, cleaning whatever
// auxiliary keys remain.
func (r *Registry) pruneOrphans(ctx context.Context) (int, error) {
	var pruned int
	err := r.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		ids, err := rdb.SMembers(ctx, idsKey).Result()
		if err != nil {
			return err
		}
		for _, id := range ids {
			n, err := rdb.Exists(ctx, registryKey(id)).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				continue
			}
			pipe := rdb.TxPipeline()
			pipe.Del(ctx, stateKey(id), historyKey(id), heartbeatKey(id))
			pipe.SRem(ctx, idsKey, id)
			if _, err = pipe.Exec(ctx); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}
