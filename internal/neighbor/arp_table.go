// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package neighbor reads the kernel's ARP neighbor table and default
// route, the two pieces of external state the ARP spoofing detector
// needs that the packet stream alone cannot provide.
package neighbor

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"grimm.is/flywall/internal/errors"
)

const (
	// DefaultARPTablePath is the kernel's neighbor cache, exposed as a
	// newline-delimited text file with a header row.
	DefaultARPTablePath = "/proc/net/arp"

	// DefaultRouteTablePath is the kernel's routing table, used to
	// locate the default gateway.
	DefaultRouteTablePath = "/proc/net/route"
)

// flagReachable and flagComplete are the /proc/net/arp HW flag values
// for entries with a resolved IP-to-MAC translation. Other flags (e.g.
// an incomplete or permanent-but-unresolved entry) are ignored.
const (
	flagReachable = "0x2"
	flagComplete  = "0x6"
)

// Entry is one resolved row of the neighbor table.
type Entry struct {
	IP  string
	MAC string
}

// Reader reads the neighbor table and default route from the kernel's
// /proc/net exposition. Both paths are overridable for testing.
type Reader struct {
	ARPTablePath   string
	RouteTablePath string
}

// NewReader creates a Reader pointed at the default kernel paths.
func NewReader() *Reader {
	return &Reader{
		ARPTablePath:   DefaultARPTablePath,
		RouteTablePath: DefaultRouteTablePath,
	}
}

// ReadTable parses the current neighbor table, keeping only rows whose
// flag field indicates a resolved (reachable or complete) entry.
func (r *Reader) ReadTable() ([]Entry, error) {
	f, err := os.Open(r.ARPTablePath)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "neighbor: open %s", r.ARPTablePath)
	}
	defer f.Close()

	return parseARPTable(f)
}

func parseARPTable(r io.Reader) ([]Entry, error) {
	scanner := bufio.NewScanner(r)

	// Header: "IP address       HW type     Flags       HW address            Mask     Device"
	if !scanner.Scan() {
		return nil, nil
	}

	var entries []Entry
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 {
			continue
		}

		ip := fields[0]
		flags := fields[2]
		mac := fields[3]

		if flags != flagReachable && flags != flagComplete {
			continue
		}

		entries = append(entries, Entry{IP: ip, MAC: mac})
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "neighbor: scan arp table")
	}

	return entries, nil
}

// GatewayIP reads the default route and returns the gateway's dotted-
// quad address, resolved once at startup and cached by the caller.
func (r *Reader) GatewayIP() (string, error) {
	f, err := os.Open(r.RouteTablePath)
	if err != nil {
		return "", errors.Wrapf(err, errors.KindUnavailable, "neighbor: open %s", r.RouteTablePath)
	}
	defer f.Close()

	return parseDefaultGateway(f)
}

func parseDefaultGateway(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)

	if !scanner.Scan() {
		return "", errors.New(errors.KindUnavailable, "neighbor: empty route table")
	}

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		// Iface Destination Gateway Flags RefCnt Use Metric Mask MTU Window IRTT
		if len(fields) < 3 {
			continue
		}

		destination := fields[1]
		if destination != "00000000" {
			continue
		}

		gateway := fields[2]
		ip, err := hexToIP(gateway)
		if err != nil {
			return "", errors.Wrapf(err, errors.KindValidation, "neighbor: parse gateway %q", gateway)
		}
		return ip, nil
	}

	return "", errors.New(errors.KindNotFound, "neighbor: no default route")
}

// hexToIP converts the little-endian 32-bit hex integer /proc/net/route
// uses for addresses into dotted-quad form.
func hexToIP(hexStr string) (string, error) {
	raw, err := strconv.ParseUint(hexStr, 16, 32)
	if err != nil {
		return "", fmt.Errorf("invalid hex address %q: %w", hexStr, err)
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(raw))
	ip := net.IPv4(buf[0], buf[1], buf[2], buf[3])
	return ip.String(), nil
}
