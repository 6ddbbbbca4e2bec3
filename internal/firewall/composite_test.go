// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package firewall

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"grimm.is/flywall/internal/logging"
)

func newTestComposite(t *testing.T) *CompositeDriver {
	t.Helper()
	log := logging.New(logging.DefaultConfig())
	ipDrv := NewNFTablesDriverWithConn(newFakeConn(), log)

	var calls []string
	arpDrv := NewArpTablesDriverWithRunner(fakeRunner(&calls, false), log)

	c := NewCompositeDriver(ipDrv, arpDrv)
	require.NoError(t, c.EnsureChain(context.Background()))
	return c
}

func TestCompositeDriver_RoutesInstallsAndRemovals(t *testing.T) {
	c := newTestComposite(t)

	ipID, err := c.InstallIPDrop(context.Background(), "10.0.0.40", time.Minute)
	require.NoError(t, err)

	arpID, err := c.InstallARPDrop(context.Background(), "10.0.0.99", "aa:aa:aa:aa:aa:aa", time.Minute)
	require.NoError(t, err)

	require.Len(t, c.ListActive(), 2)

	require.NoError(t, c.Remove(context.Background(), ipID))
	require.Len(t, c.ListActive(), 1)

	require.NoError(t, c.Remove(context.Background(), arpID))
	require.Len(t, c.ListActive(), 0)
}

func TestCompositeDriver_RemoveUnknownIDFails(t *testing.T) {
	c := newTestComposite(t)
	require.Error(t, c.Remove(context.Background(), "missing"))
}

func TestCompositeDriver_RateLimitRoutesToIPDriver(t *testing.T) {
	c := newTestComposite(t)

	id, err := c.InstallIPRateLimit(context.Background(), "10.0.0.41", 100, time.Minute)
	require.NoError(t, err)
	require.NoError(t, c.Remove(context.Background(), id))
}
