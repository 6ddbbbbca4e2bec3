// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package mitigation reconciles the threat registry against the host
// packet filter: installing drop or rate-limit rules for open threats,
// extending blocks that are already live, and sweeping expired ones.
package mitigation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"grimm.is/flywall/internal/clock"
	"grimm.is/flywall/internal/config"
	"grimm.is/flywall/internal/firewall"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/registry"
)

// expirySweepInterval is how often stale blocks are reconciled against
// the driver, independent of the (faster) reconcile cadence.
const expirySweepInterval = 60 * time.Second

// blacklistDuration is how long a config-blacklisted source is blocked
// for at startup: effectively permanent. Reconcile does not refresh it;
// if the same source also has an open threat, reconcile resets the
// block's expiry to now + BlockDuration like any other existing block.
const blacklistDuration = 365 * 24 * time.Hour

// threatIdleTTL is how long a threat may go without a detector
// refreshing it before reconcile evicts it from the registry.
const threatIdleTTL = 60 * time.Second

// Config is the subset of the agent configuration the controller needs.
type Config struct {
	CheckInterval time.Duration
	BlockDuration time.Duration
	Firewall      config.Firewall
}

// defaultRateLimitPPS is used when a rate-limited threat's details
// don't carry a numeric threshold to rate-limit at.
const defaultRateLimitPPS = 100

// target is one thing the controller can ask the driver to block.
type target struct {
	kind         firewall.RuleKind
	value        string // IP or MAC, depending on kind
	ip           string // sender IP, only set for RuleKindARPDrop
	rateLimitPPS int
}

// block is the controller's bookkeeping for one installed rule.
type block struct {
	ruleID      string
	kind        firewall.RuleKind
	target      string
	targetIP    string // sender IP, only set for RuleKindARPDrop
	installedAt time.Time
	expiresAt   time.Time
}

// BlockRecord is a read-only view of a tracked block, for status
// reporting and tests.
type BlockRecord struct {
	RuleID      string
	Kind        firewall.RuleKind
	Target      string
	InstalledAt time.Time
	ExpiresAt   time.Time
}

// Controller is the mitigation controller. It owns no detectors and is
// never reached into by one; it reads registry snapshots, evicts
// threats idle for threatIdleTTL, and drives the firewall.Driver it was
// given.
type Controller struct {
	cfg    Config
	driver firewall.Driver
	reg    *registry.Registry
	clk    clock.Clock
	log    *logging.Logger

	whitelist map[string]struct{}

	mu     sync.Mutex
	blocks map[string]*block
}

// NewController builds a controller that reconciles reg against
// driver on cfg.CheckInterval.
func NewController(cfg Config, driver firewall.Driver, reg *registry.Registry, clk clock.Clock, log *logging.Logger) *Controller {
	whitelist := make(map[string]struct{}, len(cfg.Firewall.Whitelist))
	for _, ip := range cfg.Firewall.Whitelist {
		whitelist[ip] = struct{}{}
	}

	return &Controller{
		cfg:       cfg,
		driver:    driver,
		reg:       reg,
		clk:       clk,
		log:       log.WithComponent("mitigation"),
		whitelist: whitelist,
		blocks:    make(map[string]*block),
	}
}

// Run provisions the driver's chains, installs the configured
// blacklist, then reconciles on cfg.CheckInterval and sweeps expired
// blocks every 60 s until ctx is canceled.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.driver.EnsureChain(ctx); err != nil {
		return err
	}
	c.installBlacklist(ctx)

	interval := c.cfg.CheckInterval
	if interval < time.Second {
		interval = time.Second
	}

	reconcileTicker := time.NewTicker(interval)
	defer reconcileTicker.Stop()
	sweepTicker := time.NewTicker(expirySweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reconcileTicker.C:
			c.reconcile(ctx)
		case <-sweepTicker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Controller) installBlacklist(ctx context.Context) {
	now := c.clk.Now()
	for _, ip := range c.cfg.Firewall.Blacklist {
		if _, whitelisted := c.whitelist[ip]; whitelisted {
			continue
		}
		c.install(ctx, target{kind: firewall.RuleKindIPDrop, value: ip}, blacklistDuration, now)
	}
}

// reconcile evicts threats idle for longer than threatIdleTTL, then
// derives a mitigation target for every open threat and installs,
// extends, or skips a block for it.
func (c *Controller) reconcile(ctx context.Context) {
	now := c.clk.Now()
	c.reg.EvictIdle(now, threatIdleTTL)

	if !c.cfg.Firewall.AutoBlock {
		return
	}

	for _, t := range c.reg.Snapshot() {
		if t.Source == "" {
			// An anonymous, no-attribution aggregate threat: there is
			// no single IP to block without collaterally dropping
			// unrelated traffic, so it's recorded but never mitigated.
			c.log.Debug("mitigation skipped: anonymous threat carries no source", "kind", string(t.Kind))
			continue
		}
		if _, whitelisted := c.whitelist[t.Source]; whitelisted {
			c.log.Debug("mitigation refused: whitelisted source", "kind", string(t.Kind), "source", t.Source)
			continue
		}

		for _, tg := range c.targetsFor(t) {
			c.reconcileOne(ctx, tg, now)
		}
	}
}

func (c *Controller) reconcileOne(ctx context.Context, tg target, now time.Time) {
	key := blockKey(tg)

	c.mu.Lock()
	existing, ok := c.blocks[key]
	c.mu.Unlock()

	if ok {
		c.mu.Lock()
		existing.expiresAt = now.Add(c.cfg.BlockDuration)
		c.mu.Unlock()
		return
	}

	c.install(ctx, tg, c.cfg.BlockDuration, now)
}

func (c *Controller) install(ctx context.Context, tg target, duration time.Duration, now time.Time) {
	var (
		id  string
		err error
	)

	switch tg.kind {
	case firewall.RuleKindARPDrop:
		id, err = c.driver.InstallARPDrop(ctx, tg.ip, tg.value, duration)
	case firewall.RuleKindIPRateLimit:
		id, err = c.driver.InstallIPRateLimit(ctx, tg.value, tg.rateLimitPPS, duration)
	default:
		id, err = c.driver.InstallIPDrop(ctx, tg.value, duration)
	}

	if err != nil {
		c.log.WithError(err).Warn("driver install failed; will retry next reconcile", "target", tg.value, "kind", tg.kind.String())
		return
	}

	c.mu.Lock()
	c.blocks[blockKey(tg)] = &block{
		ruleID:      id,
		kind:        tg.kind,
		target:      tg.value,
		targetIP:    tg.ip,
		installedAt: now,
		expiresAt:   now.Add(duration),
	}
	c.mu.Unlock()

	c.log.Warn("installed mitigation block", "target", tg.value, "kind", tg.kind.String())
}

// sweep removes every block whose expiry has passed. A removal
// failure leaves the record in place for the next sweep, matching the
// driver's retry contract.
func (c *Controller) sweep(ctx context.Context) {
	now := c.clk.Now()

	c.mu.Lock()
	var expired []*block
	for _, b := range c.blocks {
		if b.expiresAt.Before(now) {
			expired = append(expired, b)
		}
	}
	c.mu.Unlock()

	for _, b := range expired {
		if err := c.driver.Remove(ctx, b.ruleID); err != nil {
			c.log.WithError(err).Warn("expiry sweep: remove failed, retrying next sweep", "target", b.target)
			continue
		}
		c.mu.Lock()
		delete(c.blocks, blockKey(target{kind: b.kind, value: b.target, ip: b.targetIP}))
		c.mu.Unlock()
	}
}

// Blocks returns a snapshot of every block the controller is tracking.
func (c *Controller) Blocks() []BlockRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]BlockRecord, 0, len(c.blocks))
	for _, b := range c.blocks {
		out = append(out, BlockRecord{
			RuleID: b.ruleID, Kind: b.kind, Target: b.target,
			InstalledAt: b.installedAt, ExpiresAt: b.expiresAt,
		})
	}
	return out
}

func blockKey(tg target) string {
	if tg.kind == firewall.RuleKindARPDrop {
		return fmt.Sprintf("%d|%s|%s", tg.kind, tg.ip, tg.value)
	}
	return fmt.Sprintf("%d|%s", tg.kind, tg.value)
}

// targetsFor derives the mitigation target(s) for a threat per its
// kind: ARP spoofing blocks every offending MAC (always a hard drop);
// DDoS and scan sources are rate-limited instead of hard-blocked when
// config.Firewall.RateLimit is set; brute-force is always a hard block.
func (c *Controller) targetsFor(t registry.Threat) []target {
	switch t.Kind {
	case registry.KindARPSpoofing:
		macs, _ := t.Details["macs"].([]string)
		targets := make([]target, 0, len(macs))
		for _, mac := range macs {
			targets = append(targets, target{kind: firewall.RuleKindARPDrop, value: mac, ip: t.Source})
		}
		return targets
	case registry.KindSYNFlood, registry.KindUDPFlood, registry.KindICMPFlood, registry.KindPortScan:
		if c.cfg.Firewall.RateLimit {
			pps := defaultRateLimitPPS
			if v, ok := t.Details["threshold"].(int); ok && v > 0 {
				pps = v
			}
			return []target{{kind: firewall.RuleKindIPRateLimit, value: t.Source, rateLimitPPS: pps}}
		}
		return []target{{kind: firewall.RuleKindIPDrop, value: t.Source}}
	default:
		return []target{{kind: firewall.RuleKindIPDrop, value: t.Source}}
	}
}
