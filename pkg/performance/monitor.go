/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package performance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/redisclient"
	jsonutils "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/utils/json"
)

const (
	recordKeyPrefix = "perf:task:"
	recentKey       = "perf:recent"
	phaseKeyPrefix  = "perf:phase:"
	typeKeyPrefix   = "perf:type:"
	countersKey     = "perf:counters"

	// Each sorted set keeps the most recent maxSamples entries.
	maxSamples = 1000

	// Safety net for records missed by the retention sweep.
	recordRetention = 7 * 24 * time.Hour
)

// TagChallengeType links a record to its per-type duration series.
const TagChallengeType = "challenge_type"

func recordKey(id string) string  { return recordKeyPrefix + id }
func phaseKey(name string) string { return phaseKeyPrefix + name }
func typeKey(name string) string  { return typeKeyPrefix + name }

// Statistics summarizes one duration series.
type Statistics struct {
	Count  int64   `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
}

// Summary is the condensed view of one finished task served by the
// recent-deployments endpoint.
type Summary struct {
	PerfID          string             `json:"perf_id"`
	Kind            string             `json:"kind"`
	StartedAt       time.Time          `json:"started_at"`
	EndedAt         *time.Time         `json:"ended_at,omitempty"`
	DurationSeconds float64            `json:"duration_seconds"`
	Success         bool               `json:"success"`
	Tags            map[string]string  `json:"tags,omitempty"`
	Phases          map[string]float64 `json:"phases,omitempty"`
}

// Monitor owns the performance records in Redis: per-task blobs, the
// recent-tasks set, and the duration series used for percentile statistics.
type Monitor struct {
	redis *redisclient.Client
	clock clock.Clock
}

// NewMonitor builds a monitor over the shared Redis client.
func NewMonitor(redisClient *redisclient.Client) *Monitor {
	return &Monitor{redis: redisClient, clock: clock.RealClock{}}
}

// StartTask begins tracking a task of the given kind. The tracker is local
// until Save or Complete persists it.
func (m *Monitor) StartTask(kind string, tags map[string]string) *Tracker {
	record := &Record{
		PerfID:    newPerfID(),
		Kind:      kind,
		StartedAt: m.clock.Now(),
		Phases:    map[string]*Phase{},
		Tags:      map[string]string{},
	}
	for k, v := range tags {
		record.Tags[k] = v
	}
	return &Tracker{monitor: m, record: record}
}

// Save persists the tracker's current state so another process can resume it.
func (m *Monitor) Save(ctx context.Context, t *Tracker) error {
	record := t.snapshot()
	return m.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		return rdb.Set(ctx, recordKey(record.PerfID), jsonutils.MarshalSilently(record), recordRetention).Err()
	})
}

// Resume loads a saved tracker by its performance id, returning nil when the
// record does not exist.
func (m *Monitor) Resume(ctx context.Context, perfID string) (*Tracker, error) {
	record, err := m.getRecord(ctx, perfID)
	if err != nil || record == nil {
		return nil, err
	}
	return &Tracker{monitor: m, record: record}, nil
}

// Complete closes the tracker, persists the final record, and feeds the
// aggregate series: the recent set, per-phase and per-type durations, and the
// counters. Completion never fails the task; errors are logged and swallowed.
func (m *Monitor) Complete(ctx context.Context, t *Tracker, success bool) {
	t.finish(success)
	record := t.snapshot()
	err := m.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		if err := rdb.Set(ctx, recordKey(record.PerfID), jsonutils.MarshalSilently(record), recordRetention).Err(); err != nil {
			return err
		}
		pipe := rdb.TxPipeline()
		pipe.ZAdd(ctx, recentKey, redis.Z{Score: float64(record.EndedAt.Unix()), Member: record.PerfID})
		pipe.ZRemRangeByRank(ctx, recentKey, 0, -(maxSamples + 1))
		for name, phase := range record.Phases {
			pipe.ZAdd(ctx, phaseKey(name), redis.Z{Score: phase.DurationSeconds, Member: record.PerfID})
			pipe.ZRemRangeByRank(ctx, phaseKey(name), 0, -(maxSamples + 1))
		}
		if challengeType := record.Tags[TagChallengeType]; challengeType != "" {
			pipe.ZAdd(ctx, typeKey(challengeType), redis.Z{Score: record.DurationSeconds(), Member: record.PerfID})
			pipe.ZRemRangeByRank(ctx, typeKey(challengeType), 0, -(maxSamples + 1))
			pipe.HIncrBy(ctx, countersKey, "type_"+challengeType, 1)
		}
		pipe.HIncrBy(ctx, countersKey, "total", 1)
		if record.Success {
			pipe.HIncrBy(ctx, countersKey, "success", 1)
		} else {
			pipe.HIncrBy(ctx, countersKey, "failure", 1)
		}
		pipe.HIncrBy(ctx, countersKey, "kind_"+record.Kind, 1)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		klog.ErrorS(err, "failed to persist performance record", "perf", record.PerfID)
	}
}

func (m *Monitor) getRecord(ctx context.Context, perfID string) (*Record, error) {
	var record *Record
	err := m.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		raw, err := rdb.Get(ctx, recordKey(perfID)).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var decoded Record
		if err = jsonutils.Unmarshal([]byte(raw), &decoded); err != nil {
			return fmt.Errorf("decode performance record %s: %w", perfID, err)
		}
		record = &decoded
		return nil
	})
	return record, err
}

// GetStatistics computes duration statistics for every phase and challenge
// type series plus the raw counters.
func (m *Monitor) GetStatistics(ctx context.Context) (map[string]interface{}, error) {
	phases := map[string]*Statistics{}
	types := map[string]*Statistics{}
	var counters map[string]string
	err := m.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		for _, prefix := range []string{phaseKeyPrefix, typeKeyPrefix} {
			keys, err := rdb.Keys(ctx, prefix+"*").Result()
			if err != nil {
				return err
			}
			for _, key := range keys {
				entries, err := rdb.ZRangeWithScores(ctx, key, 0, -1).Result()
				if err != nil {
					return err
				}
				stats := computeStatistics(entries)
				if stats == nil {
					continue
				}
				if prefix == phaseKeyPrefix {
					phases[key[len(phaseKeyPrefix):]] = stats
				} else {
					types[key[len(typeKeyPrefix):]] = stats
				}
			}
		}
		var err error
		counters, err = rdb.HGetAll(ctx, countersKey).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"phases":   phases,
		"types":    types,
		"counters": counters,
	}, nil
}

// computeStatistics derives count, extremes, mean, and nearest-rank
// percentiles from an ascending sorted-set range.
func computeStatistics(entries []redis.Z) *Statistics {
	if len(entries) == 0 {
		return nil
	}
	durations := make([]float64, 0, len(entries))
	sum := 0.0
	for _, entry := range entries {
		durations = append(durations, entry.Score)
		sum += entry.Score
	}
	// ZRange returns ascending scores; keep the sort defensive for callers
	// feeding computed slices.
	sort.Float64s(durations)
	return &Statistics{
		Count:  int64(len(durations)),
		Min:    durations[0],
		Max:    durations[len(durations)-1],
		Mean:   sum / float64(len(durations)),
		Median: percentile(durations, 50),
		P95:    percentile(durations, 95),
		P99:    percentile(durations, 99),
	}
}

// percentile picks the nearest-rank percentile from an ascending slice.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// GetRecentDeployments returns newest-first summaries of the last finished
// tasks, up to limit.
func (m *Monitor) GetRecentDeployments(ctx context.Context, limit int) ([]*Summary, error) {
	if limit <= 0 || limit > maxSamples {
		limit = 10
	}
	var summaries []*Summary
	err := m.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		ids, err := rdb.ZRevRange(ctx, recentKey, 0, int64(limit-1)).Result()
		if err != nil {
			return err
		}
		summaries = make([]*Summary, 0, len(ids))
		for _, id := range ids {
			raw, err := rdb.Get(ctx, recordKey(id)).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return err
			}
			var record Record
			if err = jsonutils.Unmarshal([]byte(raw), &record); err != nil {
				klog.ErrorS(err, "skipping undecodable performance record", "perf", id)
				continue
			}
			summary := &Summary{
				PerfID:          record.PerfID,
				Kind:            record.Kind,
				StartedAt:       record.StartedAt,
				EndedAt:         record.EndedAt,
				DurationSeconds: record.DurationSeconds(),
				Success:         record.Success,
				Tags:            record.Tags,
				Phases:          make(map[string]float64, len(record.Phases)),
			}
			for name, phase := range record.Phases {
				summary.Phases[name] = phase.DurationSeconds
			}
			summaries = append(summaries, summary)
		}
		return nil
	})
	return summaries, err
}

// ClearOldData drops finished records older than the cutoff from the recent
// set and deletes their blobs. Returns the number of removed records.
func (m *Monitor) ClearOldData(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := m.clock.Now().AddDate(0, 0, -days)
	removed := 0
	err := m.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		max := strconv.FormatInt(cutoff.Unix(), 10)
		ids, err := rdb.ZRangeByScore(ctx, recentKey, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		keys := make([]string, 0, len(ids))
		members := make([]interface{}, 0, len(ids))
		for _, id := range ids {
			keys = append(keys, recordKey(id))
			members = append(members, id)
		}
		pipe := rdb.TxPipeline()
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, recentKey, members...)
		if _, err = pipe.Exec(ctx); err != nil {
			return err
		}
		removed = len(ids)
		return nil
	})
	if removed > 0 {
		klog.Infof("cleared %d performance records older than %d days", removed, days)
	}
	return removed, err
}
