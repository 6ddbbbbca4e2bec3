// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package firewall

import (
	"context"
	"sync"
	"time"

	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/logging"
)

// NFTablesDriver is a no-op stand-in on non-Linux platforms: nftables
// is a Linux-only facility. It still tracks "active" rules in memory
// so the mitigation controller's bookkeeping and tests behave the same
// regardless of host OS.
type NFTablesDriver struct {
	log *logging.Logger

	mu     sync.Mutex
	active map[string]ActiveRule
}

// NewNFTablesDriver returns the non-Linux stub; it always succeeds and
// never touches the kernel.
func NewNFTablesDriver(log *logging.Logger) (*NFTablesDriver, error) {
	return &NFTablesDriver{log: log.WithComponent("firewall.nftables"), active: make(map[string]ActiveRule)}, nil
}

func (d *NFTablesDriver) EnsureChain(ctx context.Context) error { return nil }

func (d *NFTablesDriver) InstallIPDrop(ctx context.Context, ip string, duration time.Duration) (string, error) {
	return d.record(RuleKindIPDrop, ip, duration), nil
}

func (d *NFTablesDriver) InstallIPRateLimit(ctx context.Context, ip string, packetsPerSecond int, duration time.Duration) (string, error) {
	return d.record(RuleKindIPRateLimit, ip, duration), nil
}

func (d *NFTablesDriver) InstallARPDrop(ctx context.Context, ip, mac string, duration time.Duration) (string, error) {
	return "", errors.New(errors.KindInternal, "firewall: nftables driver does not handle ARP drops")
}

func (d *NFTablesDriver) record(kind RuleKind, target string, duration time.Duration) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	id := target + ":" + kind.String() + ":" + now.String()
	d.active[id] = ActiveRule{ID: id, Kind: kind, Target: target, InstalledAt: now, ExpiresAt: now.Add(duration)}
	return id
}

func (d *NFTablesDriver) Remove(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.active[id]; !ok {
		return errors.Errorf(errors.KindNotFound, "firewall: no active rule %s", id)
	}
	delete(d.active, id)
	return nil
}

func (d *NFTablesDriver) ListActive() []ActiveRule {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]ActiveRule, 0, len(d.active))
	for _, r := range d.active {
		out = append(out, r)
	}
	return out
}
