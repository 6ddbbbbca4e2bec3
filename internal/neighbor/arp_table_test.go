// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package neighbor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleARPTable = `IP address       HW type     Flags       HW address            Mask     Device
192.168.1.1      0x1         0x2         aa:aa:aa:aa:aa:aa     *        eth0
192.168.1.1      0x1         0x2         bb:bb:bb:bb:bb:bb     *        eth0
192.168.1.50     0x1         0x6         cc:cc:cc:cc:cc:cc     *        eth0
192.168.1.60     0x1         0x0         dd:dd:dd:dd:dd:dd     *        eth0
`

func TestParseARPTable_OnlyResolvedEntries(t *testing.T) {
	entries, err := parseARPTable(strings.NewReader(sampleARPTable))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	for _, e := range entries {
		require.NotEqual(t, "192.168.1.60", e.IP)
	}
}

func TestParseARPTable_MultipleMACsForSameIP(t *testing.T) {
	entries, err := parseARPTable(strings.NewReader(sampleARPTable))
	require.NoError(t, err)

	var macsFor1 []string
	for _, e := range entries {
		if e.IP == "192.168.1.1" {
			macsFor1 = append(macsFor1, e.MAC)
		}
	}
	require.ElementsMatch(t, []string{"aa:aa:aa:aa:aa:aa", "bb:bb:bb:bb:bb:bb"}, macsFor1)
}

const sampleRouteTable = `Iface	Destination	Gateway 	Flags	RefCnt	Use	Metric	Mask		MTU	Window	IRTT
eth0	00000000	0101A8C0	0003	0	0	0	00000000	0	0	0
eth0	0001A8C0	00000000	0001	0	0	0	00FFFFFF	0	0	0
`

func TestParseDefaultGateway(t *testing.T) {
	gw, err := parseDefaultGateway(strings.NewReader(sampleRouteTable))
	require.NoError(t, err)
	require.Equal(t, "192.168.1.1", gw)
}

func TestReader_ReadTable_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arp")
	require.NoError(t, os.WriteFile(path, []byte(sampleARPTable), 0644))

	r := &Reader{ARPTablePath: path}
	entries, err := r.ReadTable()
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestReader_GatewayIP_MissingFile(t *testing.T) {
	r := &Reader{RouteTablePath: filepath.Join(t.TempDir(), "missing")}
	_, err := r.GatewayIP()
	require.Error(t, err)
}
