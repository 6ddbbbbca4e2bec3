// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detect

import (
	"context"
	"strconv"
	"sync"
	"time"

	"grimm.is/flywall/internal/clock"
	"grimm.is/flywall/internal/config"
	"grimm.is/flywall/internal/events"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/registry"
)

// scanDetectionTick is how often accumulated host/port sets are
// evaluated against their thresholds.
const scanDetectionTick = 5 * time.Second

// known-scanner informational thresholds: a source probing this many
// distinct targets inside one window resembles a default nmap sweep
// (~100 probes) or a masscan-style burst (~50 probes far faster than
// a human-driven scan would produce). These never change severity —
// spec §4.6 keeps them informational only.
const (
	nmapProbeHint     = 100
	masscanProbeHint  = 50
)

// targetSet tracks distinct string keys seen within a sliding window,
// the shared primitive behind both the horizontal and vertical scan
// rules: "how many distinct X has this source touched recently".
type targetSet struct {
	seen map[string]time.Time
}

func newTargetSet() *targetSet {
	return &targetSet{seen: make(map[string]time.Time)}
}

func (s *targetSet) touch(key string, now time.Time) {
	s.seen[key] = now
}

func (s *targetSet) prune(cutoff time.Time) {
	for k, t := range s.seen {
		if t.Before(cutoff) {
			delete(s.seen, k)
		}
	}
}

func (s *targetSet) count() int { return len(s.seen) }

// ScanDetector flags a source IP that contacts many distinct hosts on
// one port (horizontal scan) or many distinct ports on one host
// (vertical scan) within a sliding window. A source that trips both
// rules in the same window is reported once, as a combined scan. Every
// scan finding is HIGH severity.
type ScanDetector struct {
	cfg config.NetworkScan
	reg *registry.Registry
	clk clock.Clock
	log *logging.Logger

	mu         sync.Mutex
	horizontal map[string]map[int]*targetSet    // srcIP -> dstPort -> hosts touched
	vertical   map[string]map[string]*targetSet // srcIP -> dstIP -> ports touched
}

// NewScanDetector builds a detector against cfg.
func NewScanDetector(cfg config.NetworkScan, reg *registry.Registry, clk clock.Clock, log *logging.Logger) *ScanDetector {
	return &ScanDetector{
		cfg:        cfg,
		reg:        reg,
		clk:        clk,
		log:        log.WithComponent("detect.scan"),
		horizontal: make(map[string]map[int]*targetSet),
		vertical:   make(map[string]map[string]*targetSet),
	}
}

// Handle implements router.Subscriber. Register for KindSYN: a
// connection attempt, completed or not, is the scan signal — a
// finished handshake isn't required to count as a probe.
func (d *ScanDetector) Handle(evt events.Packet) {
	if evt.Kind != events.KindSYN || evt.SrcIP == nil || evt.DstIP == nil {
		return
	}
	src := evt.SrcIP.String()
	dst := evt.DstIP.String()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg.Horizontal.Enabled {
		ports, ok := d.horizontal[src]
		if !ok {
			ports = make(map[int]*targetSet)
			d.horizontal[src] = ports
		}
		set, ok := ports[evt.DstPort]
		if !ok {
			set = newTargetSet()
			ports[evt.DstPort] = set
		}
		set.touch(dst, evt.Timestamp)
	}

	if d.cfg.Vertical.Enabled {
		hosts, ok := d.vertical[src]
		if !ok {
			hosts = make(map[string]*targetSet)
			d.vertical[src] = hosts
		}
		set, ok := hosts[dst]
		if !ok {
			set = newTargetSet()
			hosts[dst] = set
		}
		set.touch(strconv.Itoa(evt.DstPort), evt.Timestamp)
	}
}

// Run evaluates every tracked source on scanDetectionTick until ctx is
// canceled.
func (d *ScanDetector) Run(ctx context.Context) error {
	ticker := time.NewTicker(scanDetectionTick)
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

func (d *ScanDetector) tick() {
	now := d.clk.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	sources := make(map[string]struct{})
	for src := range d.horizontal {
		sources[src] = struct{}{}
	}
	for src := range d.vertical {
		sources[src] = struct{}{}
	}

	for src := range sources {
		d.evaluateSource(src, now)
	}
}

func (d *ScanDetector) evaluateSource(src string, now time.Time) {
	hCutoff := now.Add(-d.cfg.Horizontal.TimeWindow)
	hHit, hMax := false, 0
	for port, set := range d.horizontal[src] {
		set.prune(hCutoff)
		if set.count() == 0 {
			delete(d.horizontal[src], port)
			continue
		}
		if set.count() > hMax {
			hMax = set.count()
		}
		if set.count() >= d.cfg.Horizontal.HostsThreshold {
			hHit = true
		}
	}

	vCutoff := now.Add(-d.cfg.Vertical.TimeWindow)
	vHit, vMax := false, 0
	for dst, set := range d.vertical[src] {
		set.prune(vCutoff)
		if set.count() == 0 {
			delete(d.vertical[src], dst)
			continue
		}
		if set.count() > vMax {
			vMax = set.count()
		}
		if set.count() >= d.cfg.Vertical.PortsThreshold {
			vHit = true
		}
	}

	if !hHit && !vHit {
		return
	}

	details := map[string]any{
		"max_hosts_per_port": hMax,
		"max_ports_per_host": vMax,
	}
	if hint := scannerHint(hMax, vMax); hint != "" {
		details["tool_hint"] = hint
	}

	reason := "horizontal_scan"
	switch {
	case hHit && vHit:
		reason = "combined_scan"
	case vHit:
		reason = "vertical_scan"
	}
	details["reason"] = reason

	d.reg.Upsert(registry.KindPortScan, src, registry.SeverityHigh, details, now)
}

// scannerHint offers an informational guess at the scanning tool
// based on probe volume. Never affects severity.
func scannerHint(hMax, vMax int) string {
	probes := hMax
	if vMax > probes {
		probes = vMax
	}
	switch {
	case probes >= nmapProbeHint:
		return "nmap-like"
	case probes >= masscanProbeHint:
		return "masscan-like"
	default:
		return ""
	}
}
