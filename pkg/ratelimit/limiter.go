/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package ratelimit admits at most N operations per key inside a sliding
// window, with a block period once the window is exceeded. The window lives
// in Redis so all API replicas share one budget; when Redis is unreachable
// the limiter degrades to process-local counters with the same semantics.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/config"
	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/redisclient"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/utils"
)

const (
	windowKeyPrefix = "ratelimit:"
	blockKeyPrefix  = "ratelimit:block:"
)

// Status reports the window state for one key.
type Status struct {
	Key          string `json:"key"`
	Limit        int    `json:"limit"`
	Remaining    int    `json:"remaining"`
	ResetSeconds int    `json:"reset_seconds"`
	Blocked      bool   `json:"blocked"`
	Backend      string `json:"backend"`
}

// Limiter is a sliding-window rate limiter. All methods are safe for
// concurrent use.
type Limiter struct {
	redis  *redisclient.Client
	clock  clock.Clock
	points int
	window time.Duration
	block  time.Duration

	degraded sync.Once
	mu       sync.Mutex
	memory   *gocache.Cache
}

// NewLimiter builds a limiter from the rate_limit.* configuration. A nil or
// unhealthy Redis client puts it straight into memory mode.
func NewLimiter(redisClient *redisclient.Client) *Limiter {
	l := &Limiter{
		redis:  redisClient,
		clock:  clock.RealClock{},
		points: config.GetRateLimitPoints(),
		window: time.Duration(config.GetRateLimitDurationSecond()) * time.Second,
		block:  time.Duration(config.GetRateLimitBlockSecond()) * time.Second,
	}
	// The janitor evicts abandoned keys; admission itself always re-checks
	// timestamps against the clock.
	l.memory = gocache.New(l.window+l.block, time.Minute)
	if redisClient == nil || !redisClient.Healthy() {
		l.noteDegraded(nil)
	}
	return l
}

// Consume records one operation for key. It returns nil when admitted and a
// *commonerrors.RateLimitedError carrying the wait time when the window is
// exhausted or the key is blocked. Transport failures never reject a request
// outright: the call falls through to the in-memory window.
func (l *Limiter) Consume(ctx context.Context, key string) error {
	if l.redis == nil || !l.redis.Healthy() {
		return l.consumeMemory(key)
	}
	err := l.consumeRedis(ctx, key)
	if err == nil || commonerrors.IsRateLimited(err) {
		return err
	}
	l.noteDegraded(err)
	return l.consumeMemory(key)
}

func (l *Limiter) consumeRedis(ctx context.Context, key string) error {
	now := l.clock.Now()
	windowKey := windowKeyPrefix + key
	blockKey := blockKeyPrefix + key
	retryAfter := 0
	err := l.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		ttl, err := rdb.TTL(ctx, blockKey).Result()
		if err != nil {
			return err
		}
		if ttl > 0 {
			retryAfter = ceilSeconds(ttl)
			return nil
		}
		cutoff := now.Add(-l.window)
		if err := rdb.ZRemRangeByScore(ctx, windowKey, "-inf", strconv.FormatInt(cutoff.UnixMilli(), 10)).Err(); err != nil {
			return err
		}
		count, err := rdb.ZCard(ctx, windowKey).Result()
		if err != nil {
			return err
		}
		if count >= int64(l.points) {
			if err := rdb.Set(ctx, blockKey, now.Format(time.RFC3339), l.block).Err(); err != nil {
				return err
			}
			retryAfter = ceilSeconds(l.block)
			return nil
		}
		member := fmt.Sprintf("%d-%s", now.UnixNano(), utils.GenerateName("ev"))
		pipe := rdb.Pipeline()
		pipe.ZAdd(ctx, windowKey, redis.Z{Score: float64(now.UnixMilli()), Member: member})
		pipe.Expire(ctx, windowKey, l.window+l.block)
		_, err = pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if retryAfter > 0 {
		return &commonerrors.RateLimitedError{Key: key, SecondsBeforeNext: retryAfter}
	}
	return nil
}

func (l *Limiter) consumeMemory(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if v, ok := l.memory.Get(blockKeyPrefix + key); ok {
		until := v.(time.Time)
		if now.Before(until) {
			return &commonerrors.RateLimitedError{Key: key, SecondsBeforeNext: ceilSeconds(until.Sub(now))}
		}
		l.memory.Delete(blockKeyPrefix + key)
	}
	events := l.prunedEvents(key, now)
	if len(events) >= l.points {
		l.memory.Set(blockKeyPrefix+key, now.Add(l.block), l.block+time.Minute)
		return &commonerrors.RateLimitedError{Key: key, SecondsBeforeNext: ceilSeconds(l.block)}
	}
	events = append(events, now)
	l.memory.Set(windowKeyPrefix+key, events, l.window+l.block)
	return nil
}

// Status reports the current admission budget for key without consuming it.
func (l *Limiter) Status(ctx context.Context, key string) (*Status, error) {
	if l.redis == nil || !l.redis.Healthy() {
		return l.statusMemory(key), nil
	}
	st, err := l.statusRedis(ctx, key)
	if err != nil {
		l.noteDegraded(err)
		return l.statusMemory(key), nil
	}
	return st, nil
}

func (l *Limiter) statusRedis(ctx context.Context, key string) (*Status, error) {
	now := l.clock.Now()
	st := &Status{Key: key, Limit: l.points, Backend: "redis"}
	err := l.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		ttl, err := rdb.TTL(ctx, blockKeyPrefix+key).Result()
		if err != nil {
			return err
		}
		if ttl > 0 {
			st.Blocked = true
			st.ResetSeconds = ceilSeconds(ttl)
			return nil
		}
		windowKey := windowKeyPrefix + key
		cutoff := now.Add(-l.window)
		if err := rdb.ZRemRangeByScore(ctx, windowKey, "-inf", strconv.FormatInt(cutoff.UnixMilli(), 10)).Err(); err != nil {
			return err
		}
		count, err := rdb.ZCard(ctx, windowKey).Result()
		if err != nil {
			return err
		}
		st.Remaining = l.points - int(count)
		if st.Remaining < 0 {
			st.Remaining = 0
		}
		if count > 0 {
			oldest, err := rdb.ZRangeWithScores(ctx, windowKey, 0, 0).Result()
			if err != nil {
				return err
			}
			if len(oldest) > 0 {
				resetAt := time.UnixMilli(int64(oldest[0].Score)).Add(l.window)
				if d := resetAt.Sub(now); d > 0 {
					st.ResetSeconds = ceilSeconds(d)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (l *Limiter) statusMemory(key string) *Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	st := &Status{Key: key, Limit: l.points, Backend: "memory"}
	if v, ok := l.memory.Get(blockKeyPrefix + key); ok {
		if until := v.(time.Time); now.Before(until) {
			st.Blocked = true
			st.ResetSeconds = ceilSeconds(until.Sub(now))
			return st
		}
	}
	events := l.prunedEvents(key, now)
	st.Remaining = l.points - len(events)
	if st.Remaining < 0 {
		st.Remaining = 0
	}
	if len(events) > 0 {
		if d := events[0].Add(l.window).Sub(now); d > 0 {
			st.ResetSeconds = ceilSeconds(d)
		}
	}
	return st
}

// prunedEvents returns the in-window event times for key, oldest first.
// Callers must hold l.mu.
func (l *Limiter) prunedEvents(key string, now time.Time) []time.Time {
	var events []time.Time
	if v, ok := l.memory.Get(windowKeyPrefix + key); ok {
		events = v.([]time.Time)
	}
	cutoff := now.Add(-l.window)
	kept := make([]time.Time, 0, len(events))
	for _, at := range events {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	return kept
}

func (l *Limiter) noteDegraded(err error) {
	l.degraded.Do(func() {
		if err != nil {
			klog.Warningf("rate limiter degraded to in-memory window: %v", err)
			return
		}
		klog.Warning("rate limiter starting with in-memory window, redis unavailable")
	})
}

func ceilSeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}
