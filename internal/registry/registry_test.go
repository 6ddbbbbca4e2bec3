// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpsert_InsertsNewThreat(t *testing.T) {
	r := New()
	now := time.Unix(1000, 0)

	th := r.Upsert(KindSYNFlood, "10.0.0.5", SeverityHigh, map[string]any{"pps": 500}, now)
	require.Equal(t, SeverityHigh, th.Severity)
	require.Equal(t, now, th.FirstSeen)
	require.Equal(t, now, th.LastSeen)
}

func TestUpsert_HigherSeverityReplacesDetails(t *testing.T) {
	r := New()
	t0 := time.Unix(1000, 0)
	t1 := t0.Add(5 * time.Second)

	r.Upsert(KindPortScan, "10.0.0.7", SeverityMedium, map[string]any{"ports": 5}, t0)
	th := r.Upsert(KindPortScan, "10.0.0.7", SeverityHigh, map[string]any{"ports": 30}, t1)

	require.Equal(t, SeverityHigh, th.Severity)
	require.Equal(t, 30, th.Details["ports"])
	require.Equal(t, t0, th.FirstSeen)
	require.Equal(t, t1, th.LastSeen)
}

func TestUpsert_LowerSeverityExtendsLastSeenButKeepsDetails(t *testing.T) {
	r := New()
	t0 := time.Unix(1000, 0)
	t1 := t0.Add(5 * time.Second)

	r.Upsert(KindPortScan, "10.0.0.7", SeverityHigh, map[string]any{"ports": 30}, t0)
	th := r.Upsert(KindPortScan, "10.0.0.7", SeverityLow, map[string]any{"ports": 1}, t1)

	require.Equal(t, SeverityHigh, th.Severity)
	require.Equal(t, 30, th.Details["ports"])
	require.Equal(t, t1, th.LastSeen)
}

func TestEvictIdle_RemovesOnlyExpiredThreats(t *testing.T) {
	r := New()
	t0 := time.Unix(1000, 0)

	r.Upsert(KindBruteforce, "10.0.0.9", SeverityMedium, nil, t0)
	r.Upsert(KindBruteforce, "10.0.0.10", SeverityMedium, nil, t0.Add(55*time.Second))

	evicted := r.EvictIdle(t0.Add(60*time.Second), 60*time.Second)
	require.Len(t, evicted, 1)
	require.Equal(t, "10.0.0.9", evicted[0].Source)

	_, stillThere := r.Get(KindBruteforce, "10.0.0.10")
	require.True(t, stillThere)
}

func TestSnapshot_ReturnsIndependentCopy(t *testing.T) {
	r := New()
	r.Upsert(KindARPSpoofing, "10.0.0.1", SeverityCritical, nil, time.Unix(0, 0))

	snap := r.Snapshot()
	require.Len(t, snap, 1)

	snap[0].Severity = SeverityLow
	th, ok := r.Get(KindARPSpoofing, "10.0.0.1")
	require.True(t, ok)
	require.Equal(t, SeverityCritical, th.Severity)
}
