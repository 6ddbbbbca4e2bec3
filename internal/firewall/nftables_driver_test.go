// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package firewall

import (
	"context"
	"testing"
	"time"

	"github.com/google/nftables"
	"github.com/stretchr/testify/require"
	"grimm.is/flywall/internal/logging"
)

// fakeNFTablesConn records the operations a driver issues against it
// without touching netlink, so the driver's set/rule bookkeeping can
// be exercised in a normal test binary.
type fakeNFTablesConn struct {
	sets        map[string]map[string][]byte // set name -> element key (as string) -> raw key
	flushCalled int
	flushErr    error
}

func newFakeConn() *fakeNFTablesConn {
	return &fakeNFTablesConn{sets: make(map[string]map[string][]byte)}
}

func (f *fakeNFTablesConn) AddTable(t *nftables.Table) *nftables.Table { return t }
func (f *fakeNFTablesConn) AddChain(c *nftables.Chain) *nftables.Chain { return c }
func (f *fakeNFTablesConn) AddSet(s *nftables.Set, elems []nftables.SetElement) error {
	f.sets[s.Name] = make(map[string][]byte)
	return nil
}
func (f *fakeNFTablesConn) AddRule(r *nftables.Rule) *nftables.Rule { return r }

func (f *fakeNFTablesConn) SetAddElements(s *nftables.Set, elems []nftables.SetElement) error {
	for _, e := range elems {
		f.sets[s.Name][string(e.Key)] = e.Key
	}
	return nil
}

func (f *fakeNFTablesConn) SetDeleteElements(s *nftables.Set, elems []nftables.SetElement) error {
	for _, e := range elems {
		delete(f.sets[s.Name], string(e.Key))
	}
	return nil
}

func (f *fakeNFTablesConn) Flush() error {
	f.flushCalled++
	return f.flushErr
}

func newTestDriver(t *testing.T) (*NFTablesDriver, *fakeNFTablesConn) {
	t.Helper()
	conn := newFakeConn()
	d := NewNFTablesDriverWithConn(conn, logging.New(logging.DefaultConfig()))
	require.NoError(t, d.EnsureChain(context.Background()))
	return d, conn
}

func TestNFTablesDriver_EnsureChainIsIdempotent(t *testing.T) {
	d, conn := newTestDriver(t)
	firstFlushes := conn.flushCalled

	require.NoError(t, d.EnsureChain(context.Background()))
	require.Equal(t, firstFlushes, conn.flushCalled)
}

func TestNFTablesDriver_InstallIPDropAddsToBlockedSet(t *testing.T) {
	d, conn := newTestDriver(t)

	id, err := d.InstallIPDrop(context.Background(), "10.0.0.5", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Len(t, conn.sets[nftBlockedSet], 1)
}

func TestNFTablesDriver_RemoveClearsSetMembership(t *testing.T) {
	d, conn := newTestDriver(t)

	id, err := d.InstallIPDrop(context.Background(), "10.0.0.6", time.Minute)
	require.NoError(t, err)

	require.NoError(t, d.Remove(context.Background(), id))
	require.Len(t, conn.sets[nftBlockedSet], 0)
	require.Empty(t, d.ListActive())
}

func TestNFTablesDriver_InstallIPRateLimitUsesRateLimitedSet(t *testing.T) {
	d, conn := newTestDriver(t)

	_, err := d.InstallIPRateLimit(context.Background(), "10.0.0.7", 50, time.Minute)
	require.NoError(t, err)
	require.Len(t, conn.sets[nftRateLimitedSet], 1)
	require.Len(t, conn.sets[nftBlockedSet], 0)
}

func TestNFTablesDriver_InvalidIPRejected(t *testing.T) {
	d, _ := newTestDriver(t)
	_, err := d.InstallIPDrop(context.Background(), "not-an-ip", time.Minute)
	require.Error(t, err)
}

func TestNFTablesDriver_RemoveUnknownIDFails(t *testing.T) {
	d, _ := newTestDriver(t)
	err := d.Remove(context.Background(), "nonexistent")
	require.Error(t, err)
}
