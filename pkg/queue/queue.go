/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/config"
	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/lock"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/metrics"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/redisclient"
	jsonutils "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/utils/json"
)

const (
	taskKeyPrefix = "challenge_task:"

	// Finished task records are kept for a day so status queries and the
	// recent-deployments view stay answerable, then expire on their own.
	taskRetention = 24 * time.Hour
)

// metrics hash fields
const (
	metricTotalEnqueued    = "total_enqueued"
	metricTotalDequeued    = "total_dequeued"
	metricCompletedSuccess = "completed_success"
	metricCompletedFailure = "completed_failure"
	metricRecovered        = "recovered"
	metricTimedOut         = "timed_out"
	metricDataMissing      = "data_missing"
)

// EnqueueRequest describes one task to enqueue. TaskID is generated when
// empty; PerformanceID links the task to its performance record.
type EnqueueRequest struct {
	Payload       map[string]interface{}
	Priority      Priority
	TaskID        string
	PerformanceID string
}

// Stats is the queue introspection snapshot served by the status endpoints.
type Stats struct {
	Kind           Kind              `json:"kind"`
	Pending        int64             `json:"pending"`
	Processing     int64             `json:"processing"`
	PriorityCounts map[string]int64  `json:"priority_counts"`
	Metrics        map[string]string `json:"metrics"`
	Redis          redisclient.Stats `json:"redis"`
}

// Queue is one of the two priority queues. Pending tasks live in a sorted
// set ordered by composite score, processing tasks in a second sorted set
// ordered by dequeue time, and task records as JSON blobs.
type Queue struct {
	kind  Kind
	redis *redisclient.Client
	locks *lock.Manager
	clock clock.Clock

	pendingKey    string
	processingKey string
	metricsKey    string
}

// New builds the queue for the given kind over the shared Redis client and
// lock manager.
func New(kind Kind, redisClient *redisclient.Client, locks *lock.Manager) *Queue {
	return &Queue{
		kind:          kind,
		redis:         redisClient,
		locks:         locks,
		clock:         clock.RealClock{},
		pendingKey:    fmt.Sprintf("challenge_%s_queue", kind),
		processingKey: fmt.Sprintf("challenge_%s_processing", kind),
		metricsKey:    fmt.Sprintf("challenge_%s_metrics", kind),
	}
}

// Kind returns the queue kind.
func (q *Queue) Kind() Kind {
	return q.kind
}

func taskKey(taskID string) string {
	return taskKeyPrefix + taskID
}

// challengeLockExpiry picks the challenge lock expiry for this queue's kind.
func (q *Queue) challengeLockExpiry() time.Duration {
	if q.kind == KindTermination {
		return time.Duration(config.GetTerminationLockTimeoutSecond()) * time.Second
	}
	return time.Duration(config.GetDeploymentLockTimeoutSecond()) * time.Second
}

// Enqueue writes the task record and adds it to the pending set under the
// challenge lock for its instance, falling back to a queue lock when the
// payload carries no challenge identity. It returns the task id.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	taskID := req.TaskID
	if taskID == "" {
		taskID = "task-" + uuid.NewString()
	}
	now := q.clock.Now()
	task := &Task{
		TaskID:   taskID,
		Kind:     q.kind,
		Priority: req.Priority,
		Payload:  req.Payload,
		Metadata: Metadata{
			Status:        StatusQueued,
			EnqueuedAt:    now,
			ChallengeID:   challengeIDFromPayload(req.Payload),
			Priority:      req.Priority,
			PerformanceID: req.PerformanceID,
		},
	}

	insert := func(ctx context.Context) error {
		return q.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
			if err := rdb.Set(ctx, taskKey(taskID), jsonutils.MarshalSilently(task), 0).Err(); err != nil {
				return err
			}
			if err := rdb.ZAdd(ctx, q.pendingKey, redis.Z{
				Score:  Score(req.Priority, now),
				Member: taskID,
			}).Err(); err != nil {
				return err
			}
			pipe := rdb.TxPipeline()
			pipe.HIncrBy(ctx, q.metricsKey, metricTotalEnqueued, 1)
			pipe.HIncrBy(ctx, q.metricsKey, "enqueued_priority_"+req.Priority.String(), 1)
			_, err := pipe.Exec(ctx)
			return err
		})
	}

	var err error
	if challengeID := task.ChallengeID(); challengeID != "" {
		err = q.locks.WithChallengeLock(ctx, challengeID, q.challengeLockExpiry(), insert)
	} else {
		err = q.locks.WithQueueLock(ctx, string(q.kind)+"_enqueue", true, insert)
	}
	if err != nil {
		klog.ErrorS(err, "enqueue failed", "queue", q.kind, "task", taskID)
		return "", err
	}
	metrics.TasksEnqueuedTotal.WithLabelValues(string(q.kind), req.Priority.String()).Inc()
	klog.Infof("enqueued task %s on %s queue, priority %s", taskID, q.kind, req.Priority)
	return taskID, nil
}

// Dequeue claims the lowest-score pending task under the queue's dequeue
// lock and moves it to the processing set. It returns nil without error when
// the queue is empty or another instance holds the dequeue lock.
func (q *Queue) Dequeue(ctx context.Context) (*Task, error) {
	var task *Task
	err := q.locks.WithQueueLock(ctx, string(q.kind)+"_dequeue", false, func(ctx context.Context) error {
		return q.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
			entries, err := rdb.ZRangeWithScores(ctx, q.pendingKey, 0, 0).Result()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return nil
			}
			taskID, _ := entries[0].Member.(string)
			if err = rdb.ZRem(ctx, q.pendingKey, taskID).Err(); err != nil {
				return err
			}
			raw, err := rdb.Get(ctx, taskKey(taskID)).Result()
			if errors.Is(err, redis.Nil) {
				// Claimed id without a record, usually racing an
				// administrative clear. Count it and drop the id.
				klog.Warningf("task %s on %s queue has no record, dropping", taskID, q.kind)
				return rdb.HIncrBy(ctx, q.metricsKey, metricDataMissing, 1).Err()
			}
			if err != nil {
				return err
			}
			var claimed Task
			if err = jsonutils.Unmarshal([]byte(raw), &claimed); err != nil {
				return fmt.Errorf("decode task %s: %w", taskID, err)
			}
			now := q.clock.Now()
			claimed.Metadata.Status = StatusProcessing
			claimed.Metadata.DequeuedAt = &now
			if err = rdb.Set(ctx, taskKey(taskID), jsonutils.MarshalSilently(&claimed), 0).Err(); err != nil {
				return err
			}
			if err = rdb.ZAdd(ctx, q.processingKey, redis.Z{
				Score:  float64(now.Unix()),
				Member: taskID,
			}).Err(); err != nil {
				return err
			}
			if err = rdb.HIncrBy(ctx, q.metricsKey, metricTotalDequeued, 1).Err(); err != nil {
				return err
			}
			task = &claimed
			return nil
		})
	})
	if errors.Is(err, commonerrors.ErrLockUnavailable) {
		klog.V(5).Infof("%s dequeue lock busy", q.kind)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// CompleteTask stamps the final status and result, removes the task from the
// processing set, and updates the success or failure counter.
func (q *Queue) CompleteTask(ctx context.Context, taskID string, success bool, result map[string]interface{}) error {
	task, err := q.GetTaskStatus(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return commonerrors.NewNotFound("Task", taskID)
	}

	var took time.Duration
	finish := func(ctx context.Context) error {
		return q.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
			// Re-read under the lock so a concurrent recovery cannot
			// interleave between our read and write.
			raw, err := rdb.Get(ctx, taskKey(taskID)).Result()
			if errors.Is(err, redis.Nil) {
				return commonerrors.NewNotFound("Task", taskID)
			}
			if err != nil {
				return err
			}
			var latest Task
			if err = jsonutils.Unmarshal([]byte(raw), &latest); err != nil {
				return fmt.Errorf("decode task %s: %w", taskID, err)
			}
			now := q.clock.Now()
			latest.Metadata.CompletedAt = &now
			latest.Result = result
			started := latest.Metadata.DequeuedAt
			if latest.Metadata.OriginalStartTime != nil {
				started = latest.Metadata.OriginalStartTime
			}
			if started != nil {
				took = now.Sub(*started)
			}
			metric := metricCompletedSuccess
			if success {
				latest.Metadata.Status = StatusCompleted
			} else {
				latest.Metadata.Status = StatusFailed
				metric = metricCompletedFailure
			}
			if err = rdb.Set(ctx, taskKey(taskID), jsonutils.MarshalSilently(&latest), taskRetention).Err(); err != nil {
				return err
			}
			pipe := rdb.TxPipeline()
			pipe.ZRem(ctx, q.processingKey, taskID)
			pipe.ZRem(ctx, q.pendingKey, taskID)
			pipe.HIncrBy(ctx, q.metricsKey, metric, 1)
			_, err = pipe.Exec(ctx)
			return err
		})
	}

	if challengeID := task.ChallengeID(); challengeID != "" {
		err = q.locks.WithChallengeLock(ctx, challengeID, q.challengeLockExpiry(), finish)
	} else {
		err = q.locks.WithOperationLock(ctx, "task_"+taskID, true, finish)
	}
	if err != nil {
		klog.ErrorS(err, "complete task failed", "queue", q.kind, "task", taskID, "success", success)
		return err
	}
	outcome := metrics.OutcomeFailure
	if success {
		outcome = metrics.OutcomeSuccess
	}
	metrics.TasksFinishedTotal.WithLabelValues(string(q.kind), outcome).Inc()
	if took > 0 {
		metrics.TaskDurationSeconds.WithLabelValues(string(q.kind)).Observe(took.Seconds())
	}
	return nil
}

// MarkTaskTimeout records a callback timeout: the task is stamped with the
// timeout status, removed from processing, and counted. The callback's side
// effects are indeterminate, so nothing is cleaned up here.
func (q *Queue) MarkTaskTimeout(ctx context.Context, taskID string) error {
	err := q.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		raw, err := rdb.Get(ctx, taskKey(taskID)).Result()
		if errors.Is(err, redis.Nil) {
			return commonerrors.NewNotFound("Task", taskID)
		}
		if err != nil {
			return err
		}
		var task Task
		if err = jsonutils.Unmarshal([]byte(raw), &task); err != nil {
			return fmt.Errorf("decode task %s: %w", taskID, err)
		}
		now := q.clock.Now()
		task.Metadata.Status = StatusTimeout
		task.Metadata.TimedOut = true
		task.Metadata.CompletedAt = &now
		if err = rdb.Set(ctx, taskKey(taskID), jsonutils.MarshalSilently(&task), taskRetention).Err(); err != nil {
			return err
		}
		if err = rdb.ZRem(ctx, q.processingKey, taskID).Err(); err != nil {
			return err
		}
		return rdb.HIncrBy(ctx, q.metricsKey, metricTimedOut, 1).Err()
	})
	if err != nil {
		return err
	}
	metrics.TasksFinishedTotal.WithLabelValues(string(q.kind), metrics.OutcomeTimeout).Inc()
	return nil
}

// RecoverStalledTasks re-enqueues tasks that have sat in the processing set
// longer than maxAge. Each candidate is re-checked under a per-task lock so
// a worker completing at the same moment wins. Ids whose records are gone
// are swept. Returns the number of recovered tasks.
func (q *Queue) RecoverStalledTasks(ctx context.Context, maxAge time.Duration) (int, error) {
	recovered := 0
	err := q.locks.WithQueueLock(ctx, string(q.kind)+"_recovery", false, func(ctx context.Context) error {
		cutoff := q.clock.Now().Add(-maxAge)
		var stalled []string
		err := q.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
			var err error
			stalled, err = rdb.ZRangeByScore(ctx, q.processingKey, &redis.ZRangeBy{
				Min: "-inf",
				Max: strconv.FormatInt(cutoff.Unix(), 10),
			}).Result()
			return err
		})
		if err != nil {
			return err
		}
		for _, taskID := range stalled {
			ok, err := q.recoverOne(ctx, taskID)
			if err != nil {
				klog.ErrorS(err, "recover stalled task failed", "queue", q.kind, "task", taskID)
				continue
			}
			if ok {
				recovered++
			}
		}
		return nil
	})
	if errors.Is(err, commonerrors.ErrLockUnavailable) {
		return 0, nil
	}
	if err != nil {
		return recovered, err
	}
	if recovered > 0 {
		metrics.TasksRecoveredTotal.WithLabelValues(string(q.kind)).Add(float64(recovered))
		klog.Infof("recovered %d stalled tasks on %s queue", recovered, q.kind)
	}
	return recovered, nil
}

func (q *Queue) recoverOne(ctx context.Context, taskID string) (bool, error) {
	taskLock, err := q.locks.LockOperation(ctx, "recover_"+taskID, false)
	if errors.Is(err, commonerrors.ErrLockUnavailable) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() {
		if _, rerr := q.locks.Release(ctx, taskLock); rerr != nil {
			klog.ErrorS(rerr, "failed to release recovery lock", "task", taskID)
		}
	}()

	recovered := false
	err = q.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		// Re-check under the lock: the worker may have completed it.
		if err := rdb.ZScore(ctx, q.processingKey, taskID).Err(); errors.Is(err, redis.Nil) {
			return nil
		} else if err != nil {
			return err
		}
		raw, err := rdb.Get(ctx, taskKey(taskID)).Result()
		if errors.Is(err, redis.Nil) {
			if err = rdb.ZRem(ctx, q.processingKey, taskID).Err(); err != nil {
				return err
			}
			return rdb.HIncrBy(ctx, q.metricsKey, metricDataMissing, 1).Err()
		}
		if err != nil {
			return err
		}
		var task Task
		if err = jsonutils.Unmarshal([]byte(raw), &task); err != nil {
			return fmt.Errorf("decode task %s: %w", taskID, err)
		}
		now := q.clock.Now()
		if task.Metadata.OriginalStartTime == nil {
			task.Metadata.OriginalStartTime = task.Metadata.DequeuedAt
		}
		task.Priority = PriorityHigh
		task.Metadata.Priority = PriorityHigh
		task.Metadata.Status = StatusRecovered
		task.Metadata.DequeuedAt = nil
		if err = rdb.Set(ctx, taskKey(taskID), jsonutils.MarshalSilently(&task), 0).Err(); err != nil {
			return err
		}
		if err = rdb.ZAdd(ctx, q.pendingKey, redis.Z{
			Score:  Score(PriorityHigh, now),
			Member: taskID,
		}).Err(); err != nil {
			return err
		}
		if err = rdb.ZRem(ctx, q.processingKey, taskID).Err(); err != nil {
			return err
		}
		if err = rdb.HIncrBy(ctx, q.metricsKey, metricRecovered, 1).Err(); err != nil {
			return err
		}
		recovered = true
		return nil
	})
	return recovered, err
}

// ClearQueue removes every pending and processing task record, both sets,
// and the metrics counters.
func (q *Queue) ClearQueue(ctx context.Context) error {
	return q.locks.WithQueueLock(ctx, string(q.kind)+"_clear", true, func(ctx context.Context) error {
		return q.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
			pending, err := rdb.ZRange(ctx, q.pendingKey, 0, -1).Result()
			if err != nil {
				return err
			}
			processing, err := rdb.ZRange(ctx, q.processingKey, 0, -1).Result()
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(pending)+len(processing)+3)
			for _, id := range pending {
				keys = append(keys, taskKey(id))
			}
			for _, id := range processing {
				keys = append(keys, taskKey(id))
			}
			keys = append(keys, q.pendingKey, q.processingKey, q.metricsKey)
			return rdb.Del(ctx, keys...).Err()
		})
	})
}

// GetTaskStatus loads the task record, returning nil when it does not exist.
func (q *Queue) GetTaskStatus(ctx context.Context, taskID string) (*Task, error) {
	var task *Task
	err := q.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		raw, err := rdb.Get(ctx, taskKey(taskID)).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var decoded Task
		if err = jsonutils.Unmarshal([]byte(raw), &decoded); err != nil {
			return fmt.Errorf("decode task %s: %w", taskID, err)
		}
		task = &decoded
		return nil
	})
	return task, err
}

// GetQueuePosition returns the 1-based rank of a pending task, or 0 when the
// task is not pending.
func (q *Queue) GetQueuePosition(ctx context.Context, taskID string) (int64, error) {
	var position int64
	err := q.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		rank, err := rdb.ZRank(ctx, q.pendingKey, taskID).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		position = rank + 1
		return nil
	})
	return position, err
}

// GetQueueStats reports pending and processing depths, per-priority pending
// counts, the metrics counters, and the Redis health snapshot.
func (q *Queue) GetQueueStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Kind:           q.kind,
		PriorityCounts: map[string]int64{},
	}
	err := q.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		var err error
		if stats.Pending, err = rdb.ZCard(ctx, q.pendingKey).Result(); err != nil {
			return err
		}
		if stats.Processing, err = rdb.ZCard(ctx, q.processingKey).Result(); err != nil {
			return err
		}
		for _, p := range []Priority{PriorityHigh, PriorityNormal, PriorityLow} {
			count, err := rdb.ZCount(ctx, q.pendingKey, priorityBandMin(p), priorityBandMax(p)).Result()
			if err != nil {
				return err
			}
			stats.PriorityCounts[p.String()] = count
		}
		if stats.Metrics, err = rdb.HGetAll(ctx, q.metricsKey).Result(); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	stats.Redis = q.redis.Stats(ctx)
	return stats, nil
}

// Scores are priority*1e9 plus enqueue seconds, so each priority occupies a
// disjoint band of width 1e9 while unix time stays below 2e9 (May 2033).
func priorityBandMin(p Priority) string {
	return strconv.FormatFloat(float64(p)*scoreBand+scoreBand, 'f', 0, 64)
}

func priorityBandMax(p Priority) string {
	return "(" + strconv.FormatFloat(float64(p)*scoreBand+2*scoreBand, 'f', 0, 64)
}
