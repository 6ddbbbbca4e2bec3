// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package detect holds the five threat detectors: ARP spoofing, DDoS
// flood, network scan, brute-force, and the baseline tracker that
// feeds adaptive thresholds to the flood detector. Each detector owns
// its own state and runs its own cadence; none references another
// directly, matching the coordinator wiring in spec §2.
package detect

import (
	"context"
	"sync"
	"time"

	"grimm.is/flywall/internal/clock"
	"grimm.is/flywall/internal/config"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/neighbor"
	"grimm.is/flywall/internal/netutil"
	"grimm.is/flywall/internal/registry"
)

// historyRetention bounds how long a per-IP change history is kept;
// entries older than this are pruned on each poll.
const historyRetention = time.Hour

// macChange records one observed MAC-address binding for an IP.
type macChange struct {
	mac  string
	seen time.Time
}

// ARPDetector polls the kernel neighbor table for IP addresses bound
// to more than one MAC address (a classic ARP cache poisoning signal)
// and for IPs whose binding changes abnormally often. It never
// inspects the packet stream directly: the neighbor table already
// reflects every resolution the kernel accepted.
type ARPDetector struct {
	cfg    config.ARP
	reader *neighbor.Reader
	reg    *registry.Registry
	clk    clock.Clock
	log    *logging.Logger

	trusted map[string]struct{}

	mu        sync.Mutex
	history   map[string][]macChange // ip -> change history, newest last
	gatewayIP string
}

// NewARPDetector builds a detector reading the neighbor table through
// reader and upserting findings into reg.
func NewARPDetector(cfg config.ARP, reader *neighbor.Reader, reg *registry.Registry, clk clock.Clock, log *logging.Logger) *ARPDetector {
	trusted := make(map[string]struct{}, len(cfg.TrustedDevices))
	for _, m := range cfg.TrustedDevices {
		if raw, err := netutil.ParseMAC(m); err == nil {
			trusted[netutil.FormatMAC(raw)] = struct{}{}
		}
	}

	return &ARPDetector{
		cfg:     cfg,
		reader:  reader,
		reg:     reg,
		clk:     clk,
		log:     log.WithComponent("detect.arp"),
		trusted: trusted,
		history: make(map[string][]macChange),
	}
}

// Run polls the neighbor table on cfg.CheckInterval (minimum 1s) until
// ctx is canceled. If MonitorGateway is set, the default gateway is
// resolved once at startup; poisoning of the gateway's binding is
// always CRITICAL regardless of the multi-MAC severity rule below.
func (d *ARPDetector) Run(ctx context.Context) error {
	interval := d.cfg.CheckInterval
	if interval < time.Second {
		interval = time.Second
	}

	if d.cfg.MonitorGateway {
		if gw, err := d.reader.GatewayIP(); err == nil {
			d.gatewayIP = gw
		} else {
			d.log.WithError(err).Warn("could not resolve default gateway; gateway escalation disabled")
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.poll(); err != nil {
				d.log.WithError(err).Warn("arp table poll failed")
			}
		}
	}
}

func (d *ARPDetector) poll() error {
	entries, err := d.reader.ReadTable()
	if err != nil {
		return err
	}

	now := d.clk.Now()

	byIP := make(map[string][]string)
	for _, e := range entries {
		raw, err := netutil.ParseMAC(e.MAC)
		if err != nil {
			continue
		}
		byIP[e.IP] = append(byIP[e.IP], netutil.FormatMAC(raw))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for ip, macs := range byIP {
		d.recordObservation(ip, macs, now)
	}

	d.pruneHistory(now)
	return nil
}

// recordObservation applies the multi-MAC rule (not suppressed by the
// trusted list) and updates change history for the frequency rule.
func (d *ARPDetector) recordObservation(ip string, macs []string, now time.Time) {
	unique := uniqueStrings(macs)

	last := ""
	if h := d.history[ip]; len(h) > 0 {
		last = h[len(h)-1].mac
	}
	if len(unique) == 1 && unique[0] != last {
		d.history[ip] = append(d.history[ip], macChange{mac: unique[0], seen: now})
	}

	if len(unique) > 1 {
		severity := registry.SeverityHigh
		if ip == d.gatewayIP {
			severity = registry.SeverityCritical
		}
		d.reg.Upsert(registry.KindARPSpoofing, ip, severity, map[string]any{
			"reason": "multiple_mac_for_ip",
			"macs":   unique,
		}, now)
		return
	}

	d.evaluateFrequency(ip, now)
}

// evaluateFrequency raises a MEDIUM finding when an IP has more than
// cfg.Threshold recorded MAC bindings within the last hour, i.e. its
// binding has changed at least cfg.Threshold times. It
// is suppressed for trusted devices, unlike the multi-MAC rule.
func (d *ARPDetector) evaluateFrequency(ip string, now time.Time) {
	h := d.history[ip]
	if len(h) == 0 {
		return
	}
	if _, trusted := d.trusted[h[len(h)-1].mac]; trusted {
		return
	}

	cutoff := now.Add(-historyRetention)
	changes := 0
	for _, c := range h {
		if c.seen.After(cutoff) {
			changes++
		}
	}

	if changes > d.cfg.Threshold {
		macs := make([]string, 0, len(h))
		for _, c := range h {
			macs = append(macs, c.mac)
		}
		d.reg.Upsert(registry.KindARPSpoofing, ip, registry.SeverityMedium, map[string]any{
			"reason":       "frequent_mac_change",
			"change_count": changes,
			"macs":         macs,
		}, now)
	}
}

func (d *ARPDetector) pruneHistory(now time.Time) {
	cutoff := now.Add(-historyRetention)
	for ip, h := range d.history {
		kept := h[:0:0]
		for _, c := range h {
			if c.seen.After(cutoff) {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			delete(d.history, ip)
		} else {
			d.history[ip] = kept
		}
	}
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
