// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detect

import (
	"sync"
	"time"

	"grimm.is/flywall/internal/events"
)

// baselineWindow is how many one-second samples the tracker keeps per
// kind: a rolling minute of traffic.
const baselineWindow = 60

// baselineUpdateInterval is how often the resolved threshold is
// recomputed from the sample window. Samples are recorded every
// second, but applying the recomputation only once a minute keeps the
// adaptive threshold from chasing single-second noise.
const baselineUpdateInterval = time.Minute

// baselineBootstrapMin is the minimum sample count before the adaptive
// half of the threshold is trusted; below it, Threshold returns the
// static configured value unchanged.
const baselineBootstrapMin = 10

// BaselineTracker learns a per-kind "normal" one-second traffic rate
// and resolves it into max(static, 2×mean) per spec §4.5, so the DDoS
// detector's flood thresholds rise automatically on a network that
// normally runs hot.
type BaselineTracker struct {
	static map[events.Kind]int

	mu         sync.Mutex
	samples    map[events.Kind][]int
	resolved   map[events.Kind]int
	lastUpdate map[events.Kind]time.Time
}

// NewBaselineTracker builds a tracker seeded with the statically
// configured threshold for each kind it will be asked about.
func NewBaselineTracker(static map[events.Kind]int) *BaselineTracker {
	resolved := make(map[events.Kind]int, len(static))
	for k, v := range static {
		resolved[k] = v
	}

	return &BaselineTracker{
		static:     static,
		samples:    make(map[events.Kind][]int),
		resolved:   resolved,
		lastUpdate: make(map[events.Kind]time.Time),
	}
}

// Observe records one second's packet count for kind and, once a
// minute's worth of real time has passed since the last recomputation,
// refreshes the resolved threshold from the sample window.
func (b *BaselineTracker) Observe(kind events.Kind, oneSecondCount int, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	samples := append(b.samples[kind], oneSecondCount)
	if len(samples) > baselineWindow {
		samples = samples[len(samples)-baselineWindow:]
	}
	b.samples[kind] = samples

	last, ok := b.lastUpdate[kind]
	if ok && now.Sub(last) < baselineUpdateInterval {
		return
	}
	b.lastUpdate[kind] = now

	if len(samples) < baselineBootstrapMin {
		return
	}

	sum := 0
	for _, s := range samples {
		sum += s
	}
	mean := float64(sum) / float64(len(samples))

	adaptive := int(2 * mean)
	resolved := b.static[kind]
	if adaptive > resolved {
		resolved = adaptive
	}
	b.resolved[kind] = resolved
}

// Threshold returns the current resolved threshold for kind: the
// static configured value until enough samples have accumulated to
// trust the adaptive half, the larger of static and 2×mean after that.
func (b *BaselineTracker) Threshold(kind events.Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolved[kind]
}
