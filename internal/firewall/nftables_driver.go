// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package firewall

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/google/uuid"
	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/logging"
)

const (
	nftTableName        = "sentineld"
	nftChainNameInput   = "sentineld_input"
	nftChainNameForward = "sentineld_forward"
	nftBlockedSet       = "blocked_ips"
	nftRateLimitedSet   = "rate_limited_ips"
)

// NFTablesConn is the subset of *nftables.Conn the driver depends on,
// narrowed to an interface so tests can inject a fake instead of
// touching the real kernel netlink socket.
type NFTablesConn interface {
	AddTable(t *nftables.Table) *nftables.Table
	AddChain(c *nftables.Chain) *nftables.Chain
	AddSet(s *nftables.Set, elems []nftables.SetElement) error
	AddRule(r *nftables.Rule) *nftables.Rule
	SetAddElements(s *nftables.Set, elems []nftables.SetElement) error
	SetDeleteElements(s *nftables.Set, elems []nftables.SetElement) error
	Flush() error
}

// realNFTablesConn adapts *nftables.Conn to NFTablesConn; every method
// is a direct pass-through.
type realNFTablesConn struct{ conn *nftables.Conn }

// NewRealNFTablesConn wraps a live nftables.Conn.
func NewRealNFTablesConn(conn *nftables.Conn) NFTablesConn { return &realNFTablesConn{conn: conn} }

func (r *realNFTablesConn) AddTable(t *nftables.Table) *nftables.Table { return r.conn.AddTable(t) }
func (r *realNFTablesConn) AddChain(c *nftables.Chain) *nftables.Chain { return r.conn.AddChain(c) }
func (r *realNFTablesConn) AddSet(s *nftables.Set, elems []nftables.SetElement) error {
	return r.conn.AddSet(s, elems)
}
func (r *realNFTablesConn) AddRule(rule *nftables.Rule) *nftables.Rule { return r.conn.AddRule(rule) }
func (r *realNFTablesConn) SetAddElements(s *nftables.Set, elems []nftables.SetElement) error {
	return r.conn.SetAddElements(s, elems)
}
func (r *realNFTablesConn) SetDeleteElements(s *nftables.Set, elems []nftables.SetElement) error {
	return r.conn.SetDeleteElements(s, elems)
}
func (r *realNFTablesConn) Flush() error { return r.conn.Flush() }

// NFTablesDriver installs IP-layer drops and rate limits as membership
// in two sets referenced by standing rules, rather than one rule per
// blocked address: the ruleset never grows, only the set contents do.
type NFTablesDriver struct {
	conn  NFTablesConn
	log   *logging.Logger
	table *nftables.Table

	blocked    *nftables.Set
	rateLimited *nftables.Set

	mu       sync.Mutex
	ensured  bool
	active   map[string]ActiveRule
}

// NewNFTablesDriver opens a real nftables netlink connection.
func NewNFTablesDriver(log *logging.Logger) (*NFTablesDriver, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "firewall: open nftables connection")
	}
	return NewNFTablesDriverWithConn(NewRealNFTablesConn(conn), log), nil
}

// NewNFTablesDriverWithConn builds a driver against an injected conn,
// the seam tests use to avoid touching the real kernel.
func NewNFTablesDriverWithConn(conn NFTablesConn, log *logging.Logger) *NFTablesDriver {
	return &NFTablesDriver{
		conn:   conn,
		log:    log.WithComponent("firewall.nftables"),
		active: make(map[string]ActiveRule),
	}
}

// EnsureChain provisions the table, the two membership sets, and a base
// chain hooked to both INPUT and FORWARD, each carrying the same
// standing rules against the shared sets. The device this agent runs
// on is a router/AP: traffic it needs to police is routed through it
// (FORWARD), not just addressed to it (INPUT), so a block installed
// against INPUT alone would never touch the attack traffic transiting
// the device. Safe to call more than once; only the first call does
// anything.
func (d *NFTablesDriver) EnsureChain(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ensured {
		return nil
	}

	d.table = d.conn.AddTable(&nftables.Table{Name: nftTableName, Family: nftables.TableFamilyINet})

	d.blocked = &nftables.Set{
		Table: d.table, Name: nftBlockedSet,
		KeyType: nftables.TypeIPAddr, HasTimeout: true,
	}
	if err := d.conn.AddSet(d.blocked, nil); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "firewall: create blocked_ips set")
	}

	d.rateLimited = &nftables.Set{
		Table: d.table, Name: nftRateLimitedSet,
		KeyType: nftables.TypeIPAddr, HasTimeout: true,
	}
	if err := d.conn.AddSet(d.rateLimited, nil); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "firewall: create rate_limited_ips set")
	}

	policy := nftables.ChainPolicyAccept
	inputChain := d.conn.AddChain(&nftables.Chain{
		Name:     nftChainNameInput,
		Table:    d.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &policy,
	})
	forwardChain := d.conn.AddChain(&nftables.Chain{
		Name:     nftChainNameForward,
		Table:    d.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &policy,
	})

	for _, chain := range []*nftables.Chain{inputChain, forwardChain} {
		d.conn.AddRule(&nftables.Rule{
			Table: d.table, Chain: chain,
			Exprs: srcIPSetMatch(d.blocked.Name, &expr.Verdict{Kind: expr.VerdictDrop}),
		})
		d.conn.AddRule(&nftables.Rule{
			Table: d.table, Chain: chain,
			Exprs: srcIPSetMatch(d.rateLimited.Name, &expr.Verdict{Kind: expr.VerdictDrop}),
		})
	}

	if err := d.conn.Flush(); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "firewall: provision base chains")
	}

	d.ensured = true
	return nil
}

// srcIPSetMatch builds the expr chain for "ip saddr @setName <verdict>".
func srcIPSetMatch(setName string, verdict expr.Any) []expr.Any {
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 12, Len: 4},
		&expr.Lookup{SourceRegister: 1, SetName: setName},
		verdict,
	}
}

func (d *NFTablesDriver) InstallIPDrop(ctx context.Context, ip string, duration time.Duration) (string, error) {
	return d.addToSet(d.blocked, RuleKindIPDrop, ip, duration)
}

// InstallIPRateLimit adds ip to the rate-limited set. The pps argument
// is informational bookkeeping only: the standing rule installed by
// EnsureChain drops every packet from a rate-limited source outright;
// no token-bucket limit is applied.
func (d *NFTablesDriver) InstallIPRateLimit(ctx context.Context, ip string, packetsPerSecond int, duration time.Duration) (string, error) {
	return d.addToSet(d.rateLimited, RuleKindIPRateLimit, ip, duration)
}

func (d *NFTablesDriver) addToSet(set *nftables.Set, kind RuleKind, ip string, duration time.Duration) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return "", errors.Errorf(errors.KindValidation, "firewall: invalid IPv4 address %q", ip)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.conn.SetAddElements(set, []nftables.SetElement{
		{Key: parsed.To4(), Timeout: duration},
	}); err != nil {
		return "", errors.Wrapf(err, errors.KindUnavailable, "firewall: add %s to %s", ip, set.Name)
	}
	if err := d.conn.Flush(); err != nil {
		return "", errors.Wrap(err, errors.KindUnavailable, "firewall: flush set update")
	}

	now := time.Now()
	id := uuid.NewString()
	d.active[id] = ActiveRule{
		ID: id, Kind: kind, Target: ip,
		InstalledAt: now, ExpiresAt: now.Add(duration),
	}
	return id, nil
}

// InstallARPDrop is not implemented by the nftables driver: MAC-layer
// matching belongs to the arptables driver composed alongside it.
func (d *NFTablesDriver) InstallARPDrop(ctx context.Context, ip, mac string, duration time.Duration) (string, error) {
	return "", errors.New(errors.KindInternal, "firewall: nftables driver does not handle ARP drops")
}

func (d *NFTablesDriver) Remove(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rule, ok := d.active[id]
	if !ok {
		return errors.Errorf(errors.KindNotFound, "firewall: no active rule %s", id)
	}

	set := d.blocked
	if rule.Kind == RuleKindIPRateLimit {
		set = d.rateLimited
	}

	ip := net.ParseIP(rule.Target).To4()
	if err := d.conn.SetDeleteElements(set, []nftables.SetElement{{Key: ip}}); err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "firewall: remove %s from %s", rule.Target, set.Name)
	}
	if err := d.conn.Flush(); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "firewall: flush set removal")
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
