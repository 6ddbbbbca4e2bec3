// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detect

import (
	"context"
	"sync"
	"time"

	"grimm.is/flywall/internal/clock"
	"grimm.is/flywall/internal/config"
	"grimm.is/flywall/internal/events"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/registry"
)

// bruteforceDetectionTick is how often pending (attacker, target, port)
// sessions are evaluated and stale ones finalized.
const bruteforceDetectionTick = 10 * time.Second

// synTimeout is how long a SYN is allowed to go without a matching
// SYN_ACK before it's counted as a failed connection attempt.
const synTimeout = 10 * time.Second

// session is one (source, dest, port) connection-attempt history.
type session struct {
	attempts  int
	failed    int
	succeeded int

	pendingSYN map[int64]int // SYN timestamp (unix nano) -> SYNs at that instant awaiting a SYN_ACK or timeout
	lastSeen   time.Time
}

// BruteforceDetector counts failed connection attempts against the
// monitored ports, keyed per (source, target, port). A SYN with no
// answering SYN_ACK within synTimeout counts as a failed attempt; a
// SYN_ACK counts as success. Repeated failures past the configured
// threshold fire a finding. The attempt, failure and success counts
// accumulate over the session's whole life, not over the last time
// window: a session is only evaluated while its last activity lies
// inside the time window, and is dropped once it has been idle for two
// windows.
type BruteforceDetector struct {
	cfg config.Bruteforce
	reg *registry.Registry
	clk clock.Clock
	log *logging.Logger

	monitored map[int]struct{}

	mu       sync.Mutex
	sessions map[events.ServiceKey]*session
}

// NewBruteforceDetector builds a detector against cfg.
func NewBruteforceDetector(cfg config.Bruteforce, reg *registry.Registry, clk clock.Clock, log *logging.Logger) *BruteforceDetector {
	monitored := make(map[int]struct{}, len(cfg.PortsToMonitor))
	for _, p := range cfg.PortsToMonitor {
		monitored[p] = struct{}{}
	}

	return &BruteforceDetector{
		cfg:       cfg,
		reg:       reg,
		clk:       clk,
		log:       log.WithComponent("detect.bruteforce"),
		monitored: monitored,
		sessions:  make(map[events.ServiceKey]*session),
	}
}

// Handle implements router.Subscriber. Register for KindSYN and
// KindSYNACK.
func (d *BruteforceDetector) Handle(evt events.Packet) {
	if evt.SrcIP == nil || evt.DstIP == nil {
		return
	}

	switch evt.Kind {
	case events.KindSYN:
		if _, watched := d.monitored[evt.DstPort]; !watched {
			return
		}
		d.recordSYN(evt)
	case events.KindSYNACK:
		// A SYN_ACK is addressed to the original client, so the
		// service key swaps source and destination relative to the
		// SYN that opened the attempt.
		if _, watched := d.monitored[evt.SrcPort]; !watched {
			return
		}
		d.recordSYNACK(evt)
	}
}

func (d *BruteforceDetector) recordSYN(evt events.Packet) {
	key := events.ServiceKey{SrcIP: evt.SrcIP.String(), DstIP: evt.DstIP.String(), DstPort: evt.DstPort}

	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.session(key)
	s.attempts++
	s.lastSeen = evt.Timestamp
	s.pendingSYN[evt.Timestamp.UnixNano()]++
}

func (d *BruteforceDetector) recordSYNACK(evt events.Packet) {
	key := events.ServiceKey{SrcIP: evt.DstIP.String(), DstIP: evt.SrcIP.String(), DstPort: evt.SrcPort}

	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.sessions[key]
	if !ok {
		return
	}
	s.succeeded++
	s.lastSeen = evt.Timestamp

	// Clear the oldest pending SYN: the SYN_ACK answers some
	// outstanding attempt, though the wire doesn't tell us which.
	var oldest int64
	for ts := range s.pendingSYN {
		if oldest == 0 || ts < oldest {
			oldest = ts
		}
	}
	if oldest != 0 {
		if s.pendingSYN[oldest] > 1 {
			s.pendingSYN[oldest]--
		} else {
			delete(s.pendingSYN, oldest)
		}
	}
}

func (d *BruteforceDetector) session(key events.ServiceKey) *session {
	s, ok := d.sessions[key]
	if !ok {
		s = &session{pendingSYN: make(map[int64]int)}
		d.sessions[key] = s
	}
	return s
}

// Run finalizes timed-out SYNs as failures and evaluates every session
// against the threshold on bruteforceDetectionTick, until ctx is
// canceled.
func (d *BruteforceDetector) Run(ctx context.Context) error {
	ticker := time.NewTicker(bruteforceDetectionTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.tick()
		}
	}
}

func (d *BruteforceDetector) tick() {
	now := d.clk.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	evictCutoff := now.Add(-2 * d.cfg.TimeWindow)
	windowCutoff := now.Add(-d.cfg.TimeWindow)

	for key, s := range d.sessions {
		d.finalizeTimeouts(s, now)

		if s.lastSeen.Before(evictCutoff) {
			delete(d.sessions, key)
			continue
		}

		if s.lastSeen.Before(windowCutoff) {
			continue
		}

		if !d.cfg.Enabled {
			continue
		}

		ratio := 0.0
		if s.attempts > 0 {
			ratio = float64(s.failed) / float64(s.attempts)
		}

		failedOverThreshold := s.failed >= d.cfg.FailedAttemptsThreshold
		highFailureRate := s.attempts >= d.cfg.FailedAttemptsThreshold && ratio > 0.7

		if failedOverThreshold || highFailureRate {
			d.reg.Upsert(registry.KindBruteforce, key.SrcIP, registry.SeverityHigh, map[string]any{
				"target_ip":     key.DstIP,
				"target_port":   key.DstPort,
				"attempts":      s.attempts,
				"failed":        s.failed,
				"succeeded":     s.succeeded,
				"failure_ratio": ratio,
			}, now)
		}
	}
}

func (d *BruteforceDetector) finalizeTimeouts(s *session, now time.Time) {
	cutoff := now.Add(-synTimeout).UnixNano()
	for ts, n := range s.pendingSYN {
		if ts <= cutoff {
			delete(s.pendingSYN, ts)
			s.failed += n
		}
	}
}
