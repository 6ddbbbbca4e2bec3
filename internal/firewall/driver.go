// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package firewall translates mitigation decisions into kernel packet
// filtering. Driver is the seam: one nftables-backed implementation
// handles IP-layer drops and rate limits, one arptables-backed
// implementation handles MAC-layer drops, composed behind a single
// interface the mitigation controller depends on.
package firewall

import (
	"context"
	"time"
)

// RuleKind identifies what an installed rule matches on.
type RuleKind int

const (
	RuleKindIPDrop RuleKind = iota
	RuleKindARPDrop
	RuleKindIPRateLimit
)

func (k RuleKind) String() string {
	switch k {
	case RuleKindIPDrop:
		return "ip_drop"
	case RuleKindARPDrop:
		return "arp_drop"
	case RuleKindIPRateLimit:
		return "ip_rate_limit"
	default:
		return "unknown"
	}
}

// ActiveRule is one rule the driver currently has installed.
type ActiveRule struct {
	ID          string
	Kind        RuleKind
	Target      string // IP address or MAC address, depending on Kind
	TargetIP    string // sender IP, only set for RuleKindARPDrop
	InstalledAt time.Time
	ExpiresAt   time.Time
}

// Driver installs and removes the packet-filter rules mitigation
// decides on. Every Install method returns an opaque rule ID that
// Remove later takes; duration is advisory for drivers that support a
// kernel-side timeout; the mitigation controller's expiry sweeper is
// the authority that eventually calls Remove regardless.
type Driver interface {
	// EnsureChain provisions the tables/chains/sets a driver needs.
	// Idempotent: safe to call every time the agent starts.
	EnsureChain(ctx context.Context) error

	InstallIPDrop(ctx context.Context, ip string, duration time.Duration) (string, error)
	// InstallARPDrop drops frames matching both the sender IP and the
	// sender MAC: the specific poisoned binding, not every frame from
	// that MAC regardless of its claimed address.
	InstallARPDrop(ctx context.Context, ip, mac string, duration time.Duration) (string, error)
	InstallIPRateLimit(ctx context.Context, ip string, packetsPerSecond int, duration time.Duration) (string, error)

	Remove(ctx context.Context, id string) error
	ListActive() []ActiveRule
}
