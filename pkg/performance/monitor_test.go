/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package performance

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/config"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/redisclient"
)

func newTestMonitor(t *testing.T) (*Monitor, *miniredis.Miniredis, *clocktesting.FakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	config.SetValue("redis.url", "redis://"+mr.Addr())
	client, err := redisclient.New(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	m := NewMonitor(client)
	fake := clocktesting.NewFakeClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	m.clock = fake
	return m, mr, fake
}

func TestTrackerPhasesAndCompletion(t *testing.T) {
	m, _, fake := newTestMonitor(t)
	ctx := context.Background()

	tr := m.StartTask("deployment", map[string]string{TagChallengeType: "web"})
	tr.StartPhase(PhaseValidation)
	fake.Step(2 * time.Second)
	tr.EndPhase(PhaseValidation)
	tr.StartPhase(PhaseK8sResources)
	fake.Step(5 * time.Second)
	// Left open on purpose; Complete closes it.
	m.Complete(ctx, tr, true)

	loaded, err := m.getRecord(ctx, tr.ID())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.Completed)
	assert.True(t, loaded.Success)
	assert.Equal(t, 2.0, loaded.Phases[PhaseValidation].DurationSeconds)
	assert.Equal(t, 5.0, loaded.Phases[PhaseK8sResources].DurationSeconds)
	require.NotNil(t, loaded.EndedAt)
	assert.Equal(t, 7.0, loaded.DurationSeconds())
}

func TestResumeContinuesTracking(t *testing.T) {
	m, _, fake := newTestMonitor(t)
	ctx := context.Background()

	tr := m.StartTask("deployment", nil)
	tr.StartPhase(PhaseQueueWait)
	require.NoError(t, m.Save(ctx, tr))

	fake.Step(3 * time.Second)
	resumed, err := m.Resume(ctx, tr.ID())
	require.NoError(t, err)
	require.NotNil(t, resumed)
	resumed.EndPhase(PhaseQueueWait)
	m.Complete(ctx, resumed, false)

	loaded, err := m.getRecord(ctx, tr.ID())
	require.NoError(t, err)
	assert.False(t, loaded.Success)
	assert.Equal(t, 3.0, loaded.Phases[PhaseQueueWait].DurationSeconds)

	missing, err := m.Resume(ctx, "perf-not-there")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGetStatistics(t *testing.T) {
	m, _, fake := newTestMonitor(t)
	ctx := context.Background()

	durations := []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second, 8 * time.Second}
	for i, d := range durations {
		tr := m.StartTask("deployment", map[string]string{TagChallengeType: "web"})
		tr.StartPhase(PhaseK8sResources)
		fake.Step(d)
		tr.EndPhase(PhaseK8sResources)
		m.Complete(ctx, tr, i%2 == 0)
	}

	stats, err := m.GetStatistics(ctx)
	require.NoError(t, err)

	phases := stats["phases"].(map[string]*Statistics)
	k8s := phases[PhaseK8sResources]
	require.NotNil(t, k8s)
	assert.Equal(t, int64(4), k8s.Count)
	assert.Equal(t, 2.0, k8s.Min)
	assert.Equal(t, 8.0, k8s.Max)
	assert.Equal(t, 5.0, k8s.Mean)
	assert.Equal(t, 4.0, k8s.Median)
	assert.Equal(t, 8.0, k8s.P95)

	types := stats["types"].(map[string]*Statistics)
	require.NotNil(t, types["web"])
	assert.Equal(t, int64(4), types["web"].Count)

	counters := stats["counters"].(map[string]string)
	assert.Equal(t, "4", counters["total"])
	assert.Equal(t, "2", counters["success"])
	assert.Equal(t, "2", counters["failure"])
	assert.Equal(t, "4", counters["type_web"])
}

func TestGetRecentDeployments(t *testing.T) {
	m, _, fake := newTestMonitor(t)
	ctx := context.Background()

	var last string
	for i := 0; i < 3; i++ {
		tr := m.StartTask("deployment", map[string]string{TagChallengeType: "full-os"})
		fake.Step(time.Second)
		m.Complete(ctx, tr, true)
		last = tr.ID()
		fake.Step(time.Minute)
	}

	recent, err := m.GetRecentDeployments(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, last, recent[0].PerfID)
	assert.Equal(t, "full-os", recent[0].Tags[TagChallengeType])
	assert.Equal(t, 1.0, recent[0].DurationSeconds)
}

func TestClearOldData(t *testing.T) {
	m, mr, fake := newTestMonitor(t)
	ctx := context.Background()

	old := m.StartTask("deployment", nil)
	m.Complete(ctx, old, true)

	fake.Step(10 * 24 * time.Hour)
	fresh := m.StartTask("deployment", nil)
	m.Complete(ctx, fresh, true)

	removed, err := m.ClearOldData(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.False(t, mr.Exists(recordKey(old.ID())))
	assert.True(t, mr.Exists(recordKey(fresh.ID())))

	// Second run is a no-op.
	removed, err = m.ClearOldData(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}
