// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/logging"
)

// arpChain is the arptables chain the driver appends DROP rules to.
const arpChain = "INPUT"

// commandRunner executes an external command and returns its combined
// output, the seam tests replace to avoid shelling out to a real
// arptables binary.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ArpTablesDriver blocks a MAC address by appending a DROP rule to the
// arptables INPUT chain. Unlike the nftables set-membership approach,
// arptables has no portable timeout primitive, so every rule here is
// removed explicitly by ID; EnsureChain is a no-op since the default
// chain always exists.
type ArpTablesDriver struct {
	run commandRunner
	log *logging.Logger

	mu     sync.Mutex
	active map[string]ActiveRule
}

// NewArpTablesDriver builds a driver that shells out to the real
// arptables binary.
func NewArpTablesDriver(log *logging.Logger) *ArpTablesDriver {
	return NewArpTablesDriverWithRunner(execRunner, log)
}

// NewArpTablesDriverWithRunner builds a driver against an injected
// commandRunner, the seam tests use.
func NewArpTablesDriverWithRunner(run commandRunner, log *logging.Logger) *ArpTablesDriver {
	return &ArpTablesDriver{
		run:    run,
		log:    log.WithComponent("firewall.arptables"),
		active: make(map[string]ActiveRule),
	}
}

// EnsureChain is a no-op: arptables' INPUT chain always exists.
func (d *ArpTablesDriver) EnsureChain(ctx context.Context) error { return nil }

func (d *ArpTablesDriver) InstallARPDrop(ctx context.Context, ip, mac string, duration time.Duration) (string, error) {
	out, err := d.run(ctx, "arptables", "-A", arpChain, "--source-ip", ip, "--source-mac", mac, "-j", "DROP")
	if err != nil {
		return "", errors.Wrapf(err, errors.KindUnavailable, "firewall: arptables append failed: %s", strings.TrimSpace(string(out)))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	id := uuid.NewString()
	d.active[id] = ActiveRule{
		ID: id, Kind: RuleKindARPDrop, Target: mac, TargetIP: ip,
		InstalledAt: now, ExpiresAt: now.Add(duration),
	}
	return id, nil
}

func (d *ArpTablesDriver) InstallIPDrop(ctx context.Context, ip string, duration time.Duration) (string, error) {
	return "", errors.New(errors.KindInternal, "firewall: arptables driver does not handle IP drops")
}

func (d *ArpTablesDriver) InstallIPRateLimit(ctx context.Context, ip string, packetsPerSecond int, duration time.Duration) (string, error) {
	return "", errors.New(errors.KindInternal, "firewall: arptables driver does not handle rate limits")
}

func (d *ArpTablesDriver) Remove(ctx context.Context, id string) error {
	d.mu.Lock()
	rule, ok := d.active[id]
	d.mu.Unlock()
	if !ok {
		return errors.Errorf(errors.KindNotFound, "firewall: no active rule %s", id)
	}

	out, err := d.run(ctx, "arptables", "-D", arpChain, "--source-ip", rule.TargetIP, "--source-mac", rule.Target, "-j", "DROP")
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "firewall: arptables delete failed: %s", strings.TrimSpace(string(out)))
	}

	d.mu.Lock()
	delete(d.active, id)
	d.mu.Unlock()
	return nil
}

func (d *ArpTablesDriver) ListActive() []ActiveRule {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]ActiveRule, 0, len(d.active))
	for _, r := range d.active {
		out = append(out, r)
	}
	return out
}
