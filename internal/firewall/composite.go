// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"context"
	"sync"
	"time"

	"grimm.is/flywall/internal/errors"
)

// ipDriver is the subset of Driver the composite needs from its
// IP-layer half; NFTablesDriver and the non-Linux stub both satisfy it.
type ipDriver interface {
	EnsureChain(ctx context.Context) error
	InstallIPDrop(ctx context.Context, ip string, duration time.Duration) (string, error)
	InstallIPRateLimit(ctx context.Context, ip string, packetsPerSecond int, duration time.Duration) (string, error)
	Remove(ctx context.Context, id string) error
	ListActive() []ActiveRule
}

// arpDriver is the subset the composite needs from its MAC-layer half.
type arpDriver interface {
	EnsureChain(ctx context.Context) error
	InstallARPDrop(ctx context.Context, ip, mac string, duration time.Duration) (string, error)
	Remove(ctx context.Context, id string) error
	ListActive() []ActiveRule
}

// CompositeDriver implements Driver by routing IP-kind installs to an
// nftables-backed driver and ARP-kind installs to an arptables-backed
// driver, tracking which one owns each rule ID so Remove can route
// without the caller needing to know.
type CompositeDriver struct {
	ip  ipDriver
	arp arpDriver

	mu    sync.Mutex
	owner map[string]RuleKind
}

// NewCompositeDriver composes an IP-layer and ARP-layer driver into
// one Driver.
func NewCompositeDriver(ip ipDriver, arp arpDriver) *CompositeDriver {
	return &CompositeDriver{ip: ip, arp: arp, owner: make(map[string]RuleKind)}
}

func (c *CompositeDriver) EnsureChain(ctx context.Context) error {
	if err := c.ip.EnsureChain(ctx); err != nil {
		return err
	}
	return c.arp.EnsureChain(ctx)
}

func (c *CompositeDriver) InstallIPDrop(ctx context.Context, ip string, duration time.Duration) (string, error) {
	id, err := c.ip.InstallIPDrop(ctx, ip, duration)
	if err != nil {
		return "", err
	}
	c.track(id, RuleKindIPDrop)
	return id, nil
}

func (c *CompositeDriver) InstallIPRateLimit(ctx context.Context, ip string, pps int, duration time.Duration) (string, error) {
	id, err := c.ip.InstallIPRateLimit(ctx, ip, pps, duration)
	if err != nil {
		return "", err
	}
	c.track(id, RuleKindIPRateLimit)
	return id, nil
}

func (c *CompositeDriver) InstallARPDrop(ctx context.Context, ip, mac string, duration time.Duration) (string, error) {
	id, err := c.arp.InstallARPDrop(ctx, ip, mac, duration)
	if err != nil {
		return "", err
	}
	c.track(id, RuleKindARPDrop)
	return id, nil
}

func (c *CompositeDriver) track(id string, kind RuleKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owner[id] = kind
}

func (c *CompositeDriver) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	kind, ok := c.owner[id]
	c.mu.Unlock()
	if !ok {
		return errors.Errorf(errors.KindNotFound, "firewall: no active rule %s", id)
	}

	var err error
	if kind == RuleKindARPDrop {
		err = c.arp.Remove(ctx, id)
	} else {
		err = c.ip.Remove(ctx, id)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.owner, id)
	c.mu.Unlock()
	return nil
}

func (c *CompositeDriver) ListActive() []ActiveRule {
	out := c.ip.ListActive()
	return append(out, c.arp.ListActive()...)
}
