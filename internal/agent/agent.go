// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package agent wires every component of the network-defense core
// together in dependency order: packet source, event router, detectors
// and baseline tracker, threat registry, mitigation controller, and
// packet-filter driver. The coordinator owns every component outright;
// no component reaches back into it.
package agent

import (
	"context"
	"sync"

	"grimm.is/flywall/internal/clock"
	"grimm.is/flywall/internal/config"
	"grimm.is/flywall/internal/detect"
	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/events"
	"grimm.is/flywall/internal/firewall"
	"grimm.is/flywall/internal/ingest"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/metrics"
	"grimm.is/flywall/internal/mitigation"
	"grimm.is/flywall/internal/neighbor"
	"grimm.is/flywall/internal/registry"
	"grimm.is/flywall/internal/router"
)

// runnable is satisfied by every long-lived component the coordinator
// drives: it runs until ctx is canceled, then returns.
type runnable interface {
	Run(ctx context.Context) error
}

// Agent holds every wired component and the goroutines driving them.
type Agent struct {
	cfg *config.Config
	log *logging.Logger

	source     ingest.Source
	registry   *registry.Registry
	driver     firewall.Driver
	mitigation *mitigation.Controller
	metrics    *metrics.Collector

	runnables []runnable
}

// New builds every component from cfg and wires the detectors to the
// router as subscribers. iface is the network interface to capture on.
func New(cfg *config.Config, iface string, log *logging.Logger) (*Agent, error) {
	if log == nil {
		log = logging.New(logging.DefaultConfig())
	}

	clk := clock.System()
	reg := registry.New()
	rtr := router.New()

	source, err := newIngestSource(iface, rtr, log)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "agent: open packet source")
	}

	neighborReader := neighbor.NewReader()

	baseline := detect.NewBaselineTracker(map[events.Kind]int{
		events.KindSYN:  cfg.DDoS.SynFlood.SynPerSecondThreshold,
		events.KindUDP:  cfg.DDoS.UDPFlood.PacketsPerSecondThreshold,
		events.KindICMP: cfg.DDoS.ICMPFlood.PacketsPerSecondThreshold,
	})

	arpDetector := detect.NewARPDetector(cfg.ARP, neighborReader, reg, clk, log)
	ddosDetector := detect.NewDDoSDetector(cfg.DDoS, reg, baseline, clk, log)
	scanDetector := detect.NewScanDetector(cfg.NetworkScan, reg, clk, log)
	bruteDetector := detect.NewBruteforceDetector(cfg.Bruteforce, reg, clk, log)

	rtr.Subscribe(ddosDetector, events.KindSYN, events.KindSYNACK, events.KindUDP, events.KindICMP)
	rtr.Subscribe(scanDetector, events.KindSYN)
	rtr.Subscribe(bruteDetector, events.KindSYN, events.KindSYNACK)

	driver, err := newDriver(log)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "agent: build packet-filter driver")
	}

	mitigationCtl := mitigation.NewController(mitigation.Config{
		CheckInterval: cfg.General.CheckInterval,
		BlockDuration: cfg.ARP.BlockDuration,
		Firewall:      cfg.Firewall,
	}, driver, reg, clk, log)

	metricsCollector := metrics.NewCollector(metrics.New(), source, reg, driver, log)

	a := &Agent{
		cfg:        cfg,
		log:        log.WithComponent("agent"),
		source:     source,
		registry:   reg,
		driver:     driver,
		mitigation: mitigationCtl,
		metrics:    metricsCollector,
	}

	a.runnables = []runnable{
		source, arpDetector, ddosDetector, scanDetector, bruteDetector,
		mitigationCtl, metricsCollector,
	}

	return a, nil
}

// newIngestSource tries the libpcap-backed capture source first and
// falls back to the raw AF_PACKET socket backend if no capture handle
// can be opened, matching the two-backend design spec §4.1 describes.
func newIngestSource(iface string, rtr *router.Router, log *logging.Logger) (ingest.Source, error) {
	if src, err := ingest.NewCaptureSource(iface, rtr, log, 0); err == nil {
		return src, nil
	}
	return ingest.NewRawSocketSource(iface, rtr, log, 0)
}

// newDriver composes the IP-layer (nftables) and MAC-layer (arptables)
// drivers into one, matching the ARP-drop/IP-drop split spec §4.10
// describes.
func newDriver(log *logging.Logger) (firewall.Driver, error) {
	ip, err := firewall.NewNFTablesDriver(log)
	if err != nil {
		return nil, err
	}
	arp := firewall.NewArpTablesDriver(log)
	return firewall.NewCompositeDriver(ip, arp), nil
}

// Run starts every wired component and blocks until ctx is canceled or
// one of them returns a fatal error, at which point every other
// component is canceled too. The first non-nil error is returned.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		firstErr error
	)

	for _, r := range a.runnables {
		wg.Add(1)
		go func(r runnable) {
			defer wg.Done()
			if err := r.Run(ctx); err != nil {
				errOnce.Do(func() {
					firstErr = err
					a.log.WithError(err).Error("component exited with error; shutting down agent")
					cancel()
				})
			}
		}(r)
	}

	wg.Wait()
	return firstErr
}

// Registry exposes the live threat registry, e.g. for a status surface.
func (a *Agent) Registry() *registry.Registry { return a.registry }

// Driver exposes the packet-filter driver, e.g. for a status surface.
func (a *Agent) Driver() firewall.Driver { return a.driver }

// Mitigation exposes the mitigation controller, e.g. for a status surface.
func (a *Agent) Mitigation() *mitigation.Controller { return a.mitigation }
