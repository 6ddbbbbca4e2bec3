// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ingest

import (
	"net"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"
	"grimm.is/flywall/internal/events"
)

func buildEthernet(t *testing.T, eth *layers.Ethernet, l3 gopacket.SerializableLayer, l4 gopacket.SerializableLayer) []byte {
	t.Helper()

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	var layersToSerialize []gopacket.SerializableLayer
	layersToSerialize = append(layersToSerialize, eth)
	if l3 != nil {
		layersToSerialize = append(layersToSerialize, l3)
	}
	if l4 != nil {
		layersToSerialize = append(layersToSerialize, l4)
	}

	require.NoError(t, gopacket.SerializeLayers(buf, opts, layersToSerialize...))
	return buf.Bytes()
}

func TestClassifyLayers_TCPSyn(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IPv4(10, 0, 0, 1), DstIP: net.IPv4(10, 0, 0, 2),
	}
	tcp := &layers.TCP{SrcPort: 4444, DstPort: 80, SYN: true}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	raw := buildEthernet(t, eth, ip, tcp)
	pkt := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.Default)

	evt, ok := ClassifyLayers(pkt, time.Unix(0, 0))
	require.True(t, ok)
	require.Equal(t, events.KindSYN, evt.Kind)
	require.Equal(t, 80, evt.DstPort)
	require.True(t, evt.SrcIP.Equal(net.IPv4(10, 0, 0, 1)))
}

func TestClassifyLayers_TCPSynAck(t *testing.T) {
	eth := &layers.Ethernet{EthernetType: layers.EthernetTypeIPv4, SrcMAC: net.HardwareAddr{1, 1, 1, 1, 1, 1}, DstMAC: net.HardwareAddr{2, 2, 2, 2, 2, 2}}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: net.IPv4(10, 0, 0, 2), DstIP: net.IPv4(10, 0, 0, 1)}
	tcp := &layers.TCP{SrcPort: 80, DstPort: 4444, SYN: true, ACK: true}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	raw := buildEthernet(t, eth, ip, tcp)
	pkt := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.Default)

	evt, ok := ClassifyLayers(pkt, time.Unix(0, 0))
	require.True(t, ok)
	require.Equal(t, events.KindSYNACK, evt.Kind)
}

func TestClassifyLayers_PlainACKIgnored(t *testing.T) {
	eth := &layers.Ethernet{EthernetType: layers.EthernetTypeIPv4, SrcMAC: net.HardwareAddr{1, 1, 1, 1, 1, 1}, DstMAC: net.HardwareAddr{2, 2, 2, 2, 2, 2}}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: net.IPv4(10, 0, 0, 2), DstIP: net.IPv4(10, 0, 0, 1)}
	tcp := &layers.TCP{SrcPort: 80, DstPort: 4444, ACK: true}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	raw := buildEthernet(t, eth, ip, tcp)
	pkt := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.Default)

	_, ok := ClassifyLayers(pkt, time.Unix(0, 0))
	require.False(t, ok)
}

func TestClassifyLayers_UDP(t *testing.T) {
	eth := &layers.Ethernet{EthernetType: layers.EthernetTypeIPv4, SrcMAC: net.HardwareAddr{1, 1, 1, 1, 1, 1}, DstMAC: net.HardwareAddr{2, 2, 2, 2, 2, 2}}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.IPv4(10, 0, 0, 2), DstIP: net.IPv4(10, 0, 0, 1)}
	udp := &layers.UDP{SrcPort: 53000, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	raw := buildEthernet(t, eth, ip, udp)
	pkt := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.Default)

	evt, ok := ClassifyLayers(pkt, time.Unix(0, 0))
	require.True(t, ok)
	require.Equal(t, events.KindUDP, evt.Kind)
	require.Equal(t, 53, evt.DstPort)
}

func TestClassifyLayers_ARP(t *testing.T) {
	eth := &layers.Ethernet{EthernetType: layers.EthernetTypeARP, SrcMAC: net.HardwareAddr{1, 1, 1, 1, 1, 1}, DstMAC: net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}}
	arp := &layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPReply,
		SourceHwAddress:   []byte{1, 1, 1, 1, 1, 1},
		SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress:      []byte{2, 2, 2, 2, 2, 2},
		DstProtAddress:    []byte{10, 0, 0, 2},
	}

	raw := buildEthernet(t, eth, arp, nil)
	pkt := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.Default)

	evt, ok := ClassifyLayers(pkt, time.Unix(0, 0))
	require.True(t, ok)
	require.Equal(t, events.KindARP, evt.Kind)
	require.True(t, evt.SrcIP.Equal(net.IPv4(10, 0, 0, 1)))
}

func TestClassifyRaw_TruncatedFrameDropped(t *testing.T) {
	_, ok := ClassifyRaw([]byte{1, 2, 3}, time.Unix(0, 0))
	require.False(t, ok)
}

func TestClassifyRaw_TCPSyn(t *testing.T) {
	frame := rawEthIPv4TCP(t, 6, 0x02)
	evt, ok := ClassifyRaw(frame, time.Unix(0, 0))
	require.True(t, ok)
	require.Equal(t, events.KindSYN, evt.Kind)
}

func TestClassifyRaw_TCPSynAck(t *testing.T) {
	frame := rawEthIPv4TCP(t, 6, 0x12)
	evt, ok := ClassifyRaw(frame, time.Unix(0, 0))
	require.True(t, ok)
	require.Equal(t, events.KindSYNACK, evt.Kind)
}

func TestClassifyRaw_UDPShortPayloadDropped(t *testing.T) {
	eth := make([]byte, 14)
	eth[12], eth[13] = 0x08, 0x00 // IPv4
	ip := make([]byte, 20)
	ip[0] = 0x45
	ip[9] = 17 // UDP
	frame := append(eth, ip...)
	frame = append(frame, []byte{0, 1}...) // truncated UDP header

	_, ok := ClassifyRaw(frame, time.Unix(0, 0))
	require.False(t, ok)
}

// rawEthIPv4TCP builds a minimal Ethernet+IPv4+TCP frame with the given
// IP protocol number and TCP flag byte, for exercising ClassifyRaw
// without pulling in gopacket's serializer.
func rawEthIPv4TCP(t *testing.T, ipProto byte, tcpFlags byte) []byte {
	t.Helper()

	eth := make([]byte, 14)
	eth[12], eth[13] = 0x08, 0x00 // EtherType IPv4

	ip := make([]byte, 20)
	ip[0] = 0x45 // version 4, IHL 5
	ip[9] = ipProto
	copy(ip[12:16], net.IPv4(10, 0, 0, 1).To4())
	copy(ip[16:20], net.IPv4(10, 0, 0, 2).To4())

	tcp := make([]byte, 20)
	tcp[0], tcp[1] = 0x1F, 0x90 // src port 8080
	tcp[2], tcp[3] = 0x00, 0x50 // dst port 80
	tcp[13] = tcpFlags

	frame := append(eth, ip...)
	frame = append(frame, tcp...)
	return frame
}
