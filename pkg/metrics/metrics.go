/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package metrics holds the Prometheus instrumentation for the instance
// manager. Counters and histograms are updated at the call sites; queue
// depths are read at scrape time through a collector so the gauges never
// go stale.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "edurange"
	subsystem = "instance_manager"

	depthReadTimeout = 5 * time.Second
)

// Outcome labels for TasksFinishedTotal.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

var (
	TasksEnqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "tasks_enqueued_total",
		Help:      "Total number of tasks enqueued",
	}, []string{"queue", "priority"})

	TasksFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "tasks_finished_total",
		Help:      "Total number of tasks finished, by outcome",
	}, []string{"queue", "outcome"})

	TasksRecoveredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "tasks_recovered_total",
		Help:      "Total number of stalled tasks returned to the pending queue",
	}, []string{"queue"})

	TaskDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "task_duration_seconds",
		Help:      "Time from first dequeue to completion",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12), // 250ms to ~8.5min
	}, []string{"queue"})

	LockAcquireFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "lock_acquire_failures_total",
		Help:      "Total number of lock acquisitions that gave up on contention",
	}, []string{"kind"})

	RequestDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "request_duration_seconds",
		Help:      "Duration of API request handling in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "rate_limited_total",
		Help:      "Total number of requests rejected by the rate limiter",
	}, []string{"path"})
)

func init() {
	prometheus.MustRegister(
		TasksEnqueuedTotal,
		TasksFinishedTotal,
		TasksRecoveredTotal,
		TaskDurationSeconds,
		LockAcquireFailuresTotal,
		RequestDurationSeconds,
		RateLimitedTotal,
		depths,
	)
}

var (
	queuePendingDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "queue_pending"),
		"Tasks waiting in the queue, by priority",
		[]string{"queue", "priority"}, nil)
	queueProcessingDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "queue_processing"),
		"Tasks currently claimed by a worker",
		[]string{"queue"}, nil)

	depths = &depthCollector{}
)

// QueueDepth is one queue's reading for the depth gauges.
type QueueDepth struct {
	Queue      string
	Processing int64
	Pending    map[string]int64
}

// depthCollector reads queue depths through the registered callback at
// scrape time. The collector is registered once in init; the callback is
// wired later, when the queues exist.
type depthCollector struct {
	mu   sync.RWMutex
	read func(ctx context.Context) []QueueDepth
}

func (c *depthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queuePendingDesc
	ch <- queueProcessingDesc
}

func (c *depthCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	read := c.read
	c.mu.RUnlock()
	if read == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), depthReadTimeout)
	defer cancel()
	for _, d := range read(ctx) {
		ch <- prometheus.MustNewConstMetric(
			queueProcessingDesc, prometheus.GaugeValue, float64(d.Processing), d.Queue)
		for priority, count := range d.Pending {
			ch <- prometheus.MustNewConstMetric(
				queuePendingDesc, prometheus.GaugeValue, float64(count), d.Queue, priority)
		}
	}
}

// SetQueueDepthReader wires the callback behind the queue depth gauges.
// Passing nil turns the gauges off.
func SetQueueDepthReader(read func(ctx context.Context) []QueueDepth) {
	depths.mu.Lock()
	defer depths.mu.Unlock()
	depths.read = read
}
