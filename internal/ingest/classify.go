// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ingest turns link-layer capture into the classified Packet
// event stream every detector consumes. Two backends share the same
// classification rules and emit identical event shapes: a
// gopacket-based classifier over a capture handle, and a raw-socket
// fallback that parses headers by hand when no capture library handle
// is available.
package ingest

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"grimm.is/flywall/internal/events"
)

// minimum on-wire header sizes, used by the raw fallback to silently
// drop truncated frames per spec §4.1.
const (
	ethHeaderLen  = 14
	arpHeaderLen  = 28 // Ethernet ARP payload (hw/proto addr lens fixed at 6/4)
	ipv4MinLen    = 20
	tcpMinLen     = 20
	udpHeaderLen  = 8
	icmpMinLen    = 8
)

const (
	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806

	ipProtoICMP = 1
	ipProtoTCP  = 6
	ipProtoUDP  = 17
)

// ClassifyLayers applies the classification rules of spec §4.1 to a
// gopacket.Packet already decoded by the capture-library backend. It
// returns false if the packet doesn't map to any tracked Kind (e.g. a
// bare TCP packet that is neither SYN nor SYN_ACK).
func ClassifyLayers(pkt gopacket.Packet, captured time.Time) (events.Packet, bool) {
	if arp := pkt.Layer(layers.LayerTypeARP); arp != nil {
		a := arp.(*layers.ARP)
		return events.Packet{
			Kind:      events.KindARP,
			Timestamp: captured,
			SrcIP:     net.IP(a.SourceProtAddress),
			DstIP:     net.IP(a.DstProtAddress),
			SrcMAC:    net.HardwareAddr(a.SourceHwAddress),
			DstMAC:    net.HardwareAddr(a.DstHwAddress),
		}, true
	}

	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return events.Packet{}, false
	}
	ip := ipLayer.(*layers.IPv4)

	if tcpLayer := pkt.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp := tcpLayer.(*layers.TCP)
		return classifyTCP(ip.SrcIP, ip.DstIP, int(tcp.SrcPort), int(tcp.DstPort), tcp.SYN, tcp.ACK, captured)
	}

	if udpLayer := pkt.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp := udpLayer.(*layers.UDP)
		return events.Packet{
			Kind:      events.KindUDP,
			Timestamp: captured,
			SrcIP:     ip.SrcIP,
			DstIP:     ip.DstIP,
			SrcPort:   int(udp.SrcPort),
			DstPort:   int(udp.DstPort),
		}, true
	}

	if pkt.Layer(layers.LayerTypeICMPv4) != nil {
		return events.Packet{
			Kind:      events.KindICMP,
			Timestamp: captured,
			SrcIP:     ip.SrcIP,
			DstIP:     ip.DstIP,
		}, true
	}

	return events.Packet{}, false
}

func classifyTCP(srcIP, dstIP net.IP, srcPort, dstPort int, syn, ack bool, captured time.Time) (events.Packet, bool) {
	switch {
	case syn && !ack:
		return events.Packet{
			Kind: events.KindSYN, Timestamp: captured,
			SrcIP: srcIP, DstIP: dstIP, SrcPort: srcPort, DstPort: dstPort,
		}, true
	case syn && ack:
		return events.Packet{
			Kind: events.KindSYNACK, Timestamp: captured,
			SrcIP: srcIP, DstIP: dstIP, SrcPort: srcPort, DstPort: dstPort,
		}, true
	default:
		return events.Packet{}, false
	}
}

// ClassifyRaw parses an Ethernet frame by hand and applies the same
// rules as ClassifyLayers, for the raw-socket fallback backend. Frames
// shorter than the minimum header size for their claimed protocol are
// dropped silently, per spec §4.1.
func ClassifyRaw(frame []byte, captured time.Time) (events.Packet, bool) {
	if len(frame) < ethHeaderLen {
		return events.Packet{}, false
	}

	etherType := binary.BigEndian.Uint16(frame[12:14])
	payload := frame[ethHeaderLen:]

	switch etherType {
	case etherTypeARP:
		return classifyRawARP(payload, captured)
	case etherTypeIPv4:
		return classifyRawIPv4(payload, captured)
	default:
		return events.Packet{}, false
	}
}

func classifyRawARP(payload []byte, captured time.Time) (events.Packet, bool) {
	if len(payload) < arpHeaderLen {
		return events.Packet{}, false
	}

	// ARP header: hwType(2) protoType(2) hwLen(1) protoLen(1) op(2)
	// senderHW(6) senderProto(4) targetHW(6) targetProto(4)
	senderHW := net.HardwareAddr(payload[8:14])
	senderProto := net.IP(payload[14:18])
	targetHW := net.HardwareAddr(payload[18:24])
	targetProto := net.IP(payload[24:28])

	return events.Packet{
		Kind:      events.KindARP,
		Timestamp: captured,
		SrcIP:     senderProto,
		DstIP:     targetProto,
		SrcMAC:    senderHW,
		DstMAC:    targetHW,
	}, true
}

func classifyRawIPv4(payload []byte, captured time.Time) (events.Packet, bool) {
	if len(payload) < ipv4MinLen {
		return events.Packet{}, false
	}

	ihl := int(payload[0]&0x0F) * 4
	if ihl < ipv4MinLen || len(payload) < ihl {
		return events.Packet{}, false
	}

	proto := payload[9]
	srcIP := net.IP(payload[12:16])
	dstIP := net.IP(payload[16:20])
	l4 := payload[ihl:]

	switch proto {
	case ipProtoTCP:
		return classifyRawTCP(srcIP, dstIP, l4, captured)
	case ipProtoUDP:
		return classifyRawUDP(srcIP, dstIP, l4, captured)
	case ipProtoICMP:
		if len(l4) < icmpMinLen {
			return events.Packet{}, false
		}
		return events.Packet{Kind: events.KindICMP, Timestamp: captured, SrcIP: srcIP, DstIP: dstIP}, true
	default:
		return events.Packet{}, false
	}
}

func classifyRawTCP(srcIP, dstIP net.IP, l4 []byte, captured time.Time) (events.Packet, bool) {
	if len(l4) < tcpMinLen {
		return events.Packet{}, false
	}

	srcPort := int(binary.BigEndian.Uint16(l4[0:2]))
	dstPort := int(binary.BigEndian.Uint16(l4[2:4]))
	flags := l4[13]

	syn := flags&0x02 != 0
	ack := flags&0x10 != 0

	return classifyTCP(srcIP, dstIP, srcPort, dstPort, syn, ack, captured)
}

func classifyRawUDP(srcIP, dstIP net.IP, l4 []byte, captured time.Time) (events.Packet, bool) {
	if len(l4) < udpHeaderLen {
		return events.Packet{}, false
	}

	srcPort := int(binary.BigEndian.Uint16(l4[0:2]))
	dstPort := int(binary.BigEndian.Uint16(l4[2:4]))

	return events.Packet{
		Kind: events.KindUDP, Timestamp: captured,
		SrcIP: srcIP, DstIP: dstIP, SrcPort: srcPort, DstPort: dstPort,
	}, true
}
