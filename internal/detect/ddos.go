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
	"grimm.is/flywall/internal/slidingwindow"
)

// sketchResetInterval is how often each kind's Count-Min Sketch is
// zeroed, bounding its error growth over a long-running process.
const sketchResetInterval = 60 * time.Second

// aggregateWindow is the window the per-source sliding counters use for
// the flood thresholds (spec §4.4 compares a one-second rate, but
// tracks it over a 60s window for the baseline tracker's mean).
const aggregateWindow = time.Second

// perSourceState is the per-source-IP bookkeeping the DDoS detector
// keeps for each tracked Kind.
type perSourceState struct {
	syn     *slidingwindow.Counter
	synack  *slidingwindow.Counter
	udp     *slidingwindow.Counter
	icmp    *slidingwindow.Counter
	incompl int // SYNs seen without a matching SYN_ACK; never reset
}

// Baseline supplies the adaptive per-kind threshold the DDoS detector
// compares observed rates against. BaselineTracker implements it.
type Baseline interface {
	Threshold(kind events.Kind) int
	Observe(kind events.Kind, oneSecondCount int, now time.Time)
}

// DDoSDetector watches per-source packet rates for SYN/UDP/ICMP flood
// signatures and the SYN/ACK ratio that flags a half-open-connection
// flood. Every SYN, UDP and ICMP event also increments that kind's
// Count-Min Sketch, but the detection rules read the per-source sliding
// counters, whose map gains an entry for every distinct source IP and is
// never pruned.
type DDoSDetector struct {
	cfg      config.DDoS
	reg      *registry.Registry
	baseline Baseline
	clk      clock.Clock
	log      *logging.Logger

	mu        sync.Mutex
	sources   map[string]*perSourceState
	synSketch *slidingwindow.CountMinSketch
	udpSketch *slidingwindow.CountMinSketch
	icmpSketch *slidingwindow.CountMinSketch

	lastReset time.Time
}

// NewDDoSDetector builds a detector against cfg, with baseline
// supplying adaptive thresholds when cfg.AdaptiveThresholds is set.
func NewDDoSDetector(cfg config.DDoS, reg *registry.Registry, baseline Baseline, clk clock.Clock, log *logging.Logger) *DDoSDetector {
	width, depth := cfg.CountMinSketchWidth, cfg.CountMinSketchDepth

	return &DDoSDetector{
		cfg:        cfg,
		reg:        reg,
		baseline:   baseline,
		clk:        clk,
		log:        log.WithComponent("detect.ddos"),
		sources:    make(map[string]*perSourceState),
		synSketch:  slidingwindow.NewCountMinSketch(width, depth),
		udpSketch:  slidingwindow.NewCountMinSketch(width, depth),
		icmpSketch: slidingwindow.NewCountMinSketch(width, depth),
		lastReset:  clk.Now(),
	}
}

// Handle implements router.Subscriber. Register for KindSYN, KindSYNACK,
// KindUDP and KindICMP.
//
// SYN_ACK bookkeeping is keyed by evt.DstIP, not evt.SrcIP: a SYN_ACK's
// source is the server answering, its destination is the original SYN
// initiator, so the half-open counter it retires belongs to the
// destination (spec §4.4, ddos.py's syn_ack branch decrements
// incomplete_connections[dst_ip]).
func (d *DDoSDetector) Handle(evt events.Packet) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch evt.Kind {
	case events.KindSYN:
		if evt.SrcIP == nil {
			return
		}
		src := evt.SrcIP.String()
		st := d.source(src)
		st.syn.Append(evt.Timestamp)
		d.synSketch.Increment(src, 1)
		st.incompl++
	case events.KindSYNACK:
		if evt.DstIP == nil {
			return
		}
		dst := evt.DstIP.String()
		st := d.source(dst)
		st.synack.Append(evt.Timestamp)
		if st.incompl > 0 {
			st.incompl--
		}
	case events.KindUDP:
		if evt.SrcIP == nil {
			return
		}
		src := evt.SrcIP.String()
		st := d.source(src)
		st.udp.Append(evt.Timestamp)
		d.udpSketch.Increment(src, 1)
	case events.KindICMP:
		if evt.SrcIP == nil {
			return
		}
		src := evt.SrcIP.String()
		st := d.source(src)
		st.icmp.Append(evt.Timestamp)
		d.icmpSketch.Increment(src, 1)
	}
}

func (d *DDoSDetector) source(ip string) *perSourceState {
	st, ok := d.sources[ip]
	if !ok {
		st = &perSourceState{
			syn:    slidingwindow.NewCounter(4096),
			synack: slidingwindow.NewCounter(4096),
			udp:    slidingwindow.NewCounter(4096),
			icmp:   slidingwindow.NewCounter(4096),
		}
		d.sources[ip] = st
	}
	return st
}

// Run evaluates every tracked source once per second until ctx is
// canceled, and resets the sketches every sketchResetInterval.
func (d *DDoSDetector) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
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

func (d *DDoSDetector) tick() {
	now := d.clk.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if now.Sub(d.lastReset) >= sketchResetInterval {
		d.synSketch.Reset()
		d.udpSketch.Reset()
		d.icmpSketch.Reset()
		d.lastReset = now
	}

	synThreshold := d.resolvedThreshold(d.cfg.SynFlood.SynPerSecondThreshold, true, events.KindSYN)
	udpThreshold := d.resolvedThreshold(d.cfg.UDPFlood.PacketsPerSecondThreshold, d.cfg.UDPFlood.AnomalyDetection, events.KindUDP)
	icmpThreshold := d.resolvedThreshold(d.cfg.ICMPFlood.PacketsPerSecondThreshold, d.cfg.ICMPFlood.AnomalyDetection, events.KindICMP)

	var aggSyn, aggSynAck, aggUDP, aggICMP int
	synSourceFired, udpSourceFired, icmpSourceFired := false, false, false

	for src, st := range d.sources {
		synCount := st.syn.CountWithin(now, aggregateWindow)
		synackCount := st.synack.CountWithin(now, aggregateWindow)
		udpCount := st.udp.CountWithin(now, aggregateWindow)
		icmpCount := st.icmp.CountWithin(now, aggregateWindow)

		aggSyn += synCount
		aggSynAck += synackCount
		aggUDP += udpCount
		aggICMP += icmpCount

		if d.cfg.SynFlood.Enabled {
			if d.evaluatePerSourceSYN(src, synCount, st.incompl, synThreshold, now) {
				synSourceFired = true
			}
		}
		if d.cfg.UDPFlood.Enabled {
			if d.evaluatePerSourceFlood(registry.KindUDPFlood, src, udpCount, udpThreshold, registry.SeverityHigh, now) {
				udpSourceFired = true
			}
		}
		if d.cfg.ICMPFlood.Enabled {
			if d.evaluatePerSourceFlood(registry.KindICMPFlood, src, icmpCount, icmpThreshold, registry.SeverityMedium, now) {
				icmpSourceFired = true
			}
		}
	}

	if d.baseline != nil {
		d.baseline.Observe(events.KindSYN, aggSyn, now)
		d.baseline.Observe(events.KindUDP, aggUDP, now)
		d.baseline.Observe(events.KindICMP, aggICMP, now)
	}

	// Aggregate, no-source-attribution rules only apply when nothing
	// already attributed this tick's traffic to a specific source,
	// matching ddos.py's get_threats: specific attack_sources suppress
	// the general/anonymous threat of the same kind.
	if d.cfg.SynFlood.Enabled && !synSourceFired {
		d.evaluateAggregateSYN(aggSyn, aggSynAck, synThreshold, now)
	}
	if d.cfg.UDPFlood.Enabled && !udpSourceFired {
		d.evaluateAggregateFlood(registry.KindUDPFlood, aggUDP, udpThreshold, registry.SeverityHigh, now)
	}
	if d.cfg.ICMPFlood.Enabled && !icmpSourceFired {
		d.evaluateAggregateFlood(registry.KindICMPFlood, aggICMP, icmpThreshold, registry.SeverityMedium, now)
	}
}

func (d *DDoSDetector) resolvedThreshold(static int, anomalyDetection bool, kind events.Kind) int {
	threshold := static
	if d.cfg.AdaptiveThresholds && anomalyDetection && d.baseline != nil {
		if adaptive := d.baseline.Threshold(kind); adaptive > threshold {
			threshold = adaptive
		}
	}
	return threshold
}

// evaluatePerSourceSYN applies spec §4.4's two source-attributed
// SYN-flood rules: a per-source rate above threshold/10, and
// incomplete[src] above incomplete_connections_threshold. The rules
// are independent; either can fire on its own. Reports whether this
// source was attributed, so the caller can suppress the anonymous
// aggregate rules for the tick.
func (d *DDoSDetector) evaluatePerSourceSYN(src string, synCount, incompl, threshold int, now time.Time) bool {
	fired := false

	perSource := threshold / 10
	if perSource > 0 && synCount > perSource {
		d.reg.Upsert(registry.KindSYNFlood, src, registry.SeverityHigh, map[string]any{
			"reason":    "syn_rate",
			"syn_count": synCount,
			"threshold": perSource,
		}, now)
		fired = true
	}

	if incompl > d.cfg.SynFlood.IncompleteConnectionsThresh {
		d.reg.Upsert(registry.KindSYNFlood, src, registry.SeverityHigh, map[string]any{
			"reason":     "incomplete_connections",
			"incomplete": incompl,
			"threshold":  d.cfg.SynFlood.IncompleteConnectionsThresh,
		}, now)
		fired = true
	}

	return fired
}

// evaluateAggregateSYN applies spec §4.4's two anonymous SYN-flood
// rules: aggregate rate above the resolved threshold, and aggregate
// SYN_ACK/SYN ratio below syn_ack_ratio_threshold while SYN traffic is
// non-zero. Neither carries a source.
func (d *DDoSDetector) evaluateAggregateSYN(synCount, synackCount, threshold int, now time.Time) {
	if threshold > 0 && synCount > threshold {
		d.reg.Upsert(registry.KindSYNFlood, "", registry.SeverityHigh, map[string]any{
			"reason":    "syn_rate",
			"syn_count": synCount,
			"threshold": threshold,
		}, now)
	}

	if synCount > 0 {
		ratio := float64(synackCount) / float64(synCount)
		if ratio < d.cfg.SynFlood.SynAckRatioThreshold {
			d.reg.Upsert(registry.KindSYNFlood, "", registry.SeverityHigh, map[string]any{
				"reason":       "low_synack_ratio",
				"syn_count":    synCount,
				"synack_count": synackCount,
				"ratio":        ratio,
			}, now)
		}
	}
}

// evaluatePerSourceFlood applies the per-source threshold/10 rule
// shared by UDP and ICMP flood detection.
func (d *DDoSDetector) evaluatePerSourceFlood(kind registry.Kind, src string, count, threshold int, severity registry.Severity, now time.Time) bool {
	perSource := threshold / 10
	if perSource <= 0 || count <= perSource {
		return false
	}
	d.reg.Upsert(kind, src, severity, map[string]any{
		"count":     count,
		"threshold": perSource,
	}, now)
	return true
}

// evaluateAggregateFlood applies the aggregate-rate, no-attribution
// rule shared by UDP and ICMP flood detection.
func (d *DDoSDetector) evaluateAggregateFlood(kind registry.Kind, count, threshold int, severity registry.Severity, now time.Time) {
	if threshold <= 0 || count <= threshold {
		return
	}
	d.reg.Upsert(kind, "", severity, map[string]any{
		"count":     count,
		"threshold": threshold,
	}, now)
}
