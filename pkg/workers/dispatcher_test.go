/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/config"
	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/queue"
)

func enqueueTask(t *testing.T, q *queue.Queue, challengeID string) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), queue.EnqueueRequest{
		Payload:  map[string]interface{}{"challenge_id": challengeID},
		Priority: queue.PriorityNormal,
	})
	require.NoError(t, err)
	return id
}

func dequeueTask(t *testing.T, q *queue.Queue) *queue.Task {
	t.Helper()
	task, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func TestExecuteCompletesTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.registerIdle(t, queue.KindDeployment)
	flags := newWorkerFlags()
	callback := func(ctx context.Context, task *queue.Task) (map[string]interface{}, error) {
		return map[string]interface{}{"success": true, "url": "https://chal-1.example.edu"}, nil
	}
	d := NewDispatcher(w, f.queue, f.registry, f.sm, callback, flags)

	id := enqueueTask(t, f.queue, "chal-1")
	d.execute(ctx, dequeueTask(t, f.queue))

	task, err := f.queue.GetTaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, task.Metadata.Status)

	got, err := f.registry.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Processed)
	assert.Zero(t, got.Failed)
	assert.Empty(t, got.CurrentTaskID)

	status, err := f.sm.Current(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, status)
}

func TestExecuteFailureOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		callback  Callback
		wantError string
	}{
		{
			name: "result reports failure",
			callback: func(ctx context.Context, task *queue.Task) (map[string]interface{}, error) {
				return map[string]interface{}{"success": false, "error": "no capacity"}, nil
			},
			wantError: "no capacity",
		},
		{
			name: "callback returns error",
			callback: func(ctx context.Context, task *queue.Task) (map[string]interface{}, error) {
				return nil, errors.New("image pull failed")
			},
			wantError: "image pull failed",
		},
		{
			name: "callback panics",
			callback: func(ctx context.Context, task *queue.Task) (map[string]interface{}, error) {
				panic("deployment exploded")
			},
			wantError: "callback panic",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			w := f.registerIdle(t, queue.KindDeployment)
			d := NewDispatcher(w, f.queue, f.registry, f.sm, tt.callback, newWorkerFlags())

			id := enqueueTask(t, f.queue, "chal-1")
			d.execute(ctx, dequeueTask(t, f.queue))

			task, err := f.queue.GetTaskStatus(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, queue.StatusFailed, task.Metadata.Status)
			errText, _ := task.Result["error"].(string)
			assert.Contains(t, errText, tt.wantError)

			got, err := f.registry.Get(ctx, w.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(1), got.Processed)
			assert.Equal(t, int64(1), got.Failed)
		})
	}
}

func TestExecuteTimesOutRunawayCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.registerIdle(t, queue.KindDeployment)
	block := make(chan struct{})
	callback := func(ctx context.Context, task *queue.Task) (map[string]interface{}, error) {
		<-block
		return map[string]interface{}{"success": true}, nil
	}
	d := NewDispatcher(w, f.queue, f.registry, f.sm, callback, newWorkerFlags())
	d.clock = f.clock
	d.taskTimeout = 2 * time.Second

	id := enqueueTask(t, f.queue, "chal-slow")
	task := dequeueTask(t, f.queue)

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.execute(ctx, task)
	}()
	require.Eventually(t, f.clock.HasWaiters, time.Second, 5*time.Millisecond)
	f.clock.Step(3 * time.Second)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not return after the timeout fired")
	}
	close(block)

	stored, err := f.queue.GetTaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusTimeout, stored.Metadata.Status)
	assert.True(t, stored.Metadata.TimedOut)

	got, err := f.registry.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Failed)
}

func TestRunStopsAfterStopCommand(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := f.registerIdle(t, queue.KindDeployment)
	flags := newWorkerFlags()
	executed := make(chan string, 1)
	callback := func(ctx context.Context, task *queue.Task) (map[string]interface{}, error) {
		executed <- task.TaskID
		return map[string]interface{}{"success": true}, nil
	}
	d := NewDispatcher(w, f.queue, f.registry, f.sm, callback, flags)

	id := enqueueTask(t, f.queue, "chal-1")

	ran := make(chan struct{})
	go func() {
		defer close(ran)
		d.Run(ctx)
	}()

	select {
	case got := <-executed:
		assert.Equal(t, id, got)
	case <-time.After(3 * time.Second):
		t.Fatal("task was not dispatched")
	}

	flags.RequestStop()
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("dispatch loop did not stop")
	}

	status, err := f.sm.Current(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, status)
}

func TestWrapWithChallengeLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wrapped := WrapWithChallengeLock(f.locks, time.Minute, func(ctx context.Context, task *queue.Task) (map[string]interface{}, error) {
		_, err := f.locks.LockChallenge(ctx, "chal-1", time.Minute, false)
		assert.ErrorIs(t, err, commonerrors.ErrLockUnavailable)
		return map[string]interface{}{"success": true}, nil
	})

	task := &queue.Task{TaskID: "task-1", Payload: map[string]interface{}{"challenge_id": "chal-1"}}
	result, err := wrapped(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, true, result["success"])

	// Lock is free again once the callback returns.
	l, err := f.locks.LockChallenge(ctx, "chal-1", time.Minute, false)
	require.NoError(t, err)
	_, err = f.locks.Release(ctx, l)
	require.NoError(t, err)

	bare := &queue.Task{TaskID: "task-2", Payload: map[string]interface{}{}}
	result, err = wrapped(ctx, bare)
	require.NoError(t, err)
	assert.Equal(t, false, result["success"])
	assert.Contains(t, result["error"], "challenge")
}

func TestPoolSeedsWorkersOnce(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config.SetValue("worker.parallel_enable", false)
	config.SetValue("worker.count", 2)
	t.Cleanup(func() { config.SetValue("worker.count", 1) })

	queues := map[queue.Kind]*queue.Queue{
		queue.KindDeployment:  f.queue,
		queue.KindTermination: queue.New(queue.KindTermination, f.redis, f.locks),
	}
	callback := func(ctx context.Context, task *queue.Task) (map[string]interface{}, error) {
		return map[string]interface{}{"success": true}, nil
	}
	callbacks := map[queue.Kind]Callback{queue.KindDeployment: callback, queue.KindTermination: callback}

	p1 := NewPool(f.registry, f.sm, f.locks, queues, callbacks)
	require.NoError(t, p1.Start(ctx))
	assert.Len(t, p1.WorkerIDs(), 4)

	workers, err := f.registry.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, workers, 4)

	// A second instance finds live workers and serves the API only.
	p2 := NewPool(f.registry, f.sm, f.locks, queues, callbacks)
	require.NoError(t, p2.Start(ctx))
	assert.Empty(t, p2.WorkerIDs())

	workers, err = f.registry.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, workers, 4)

	cancel()
	p1.Stop(context.Background())

	workers, err = f.registry.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, workers)
}
