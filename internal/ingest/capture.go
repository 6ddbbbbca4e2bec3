// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ingest

import (
	"context"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/pcap"
	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/router"
)

// snapLen is large enough to capture full headers through at least one
// layer of VLAN tagging; detectors never need payload bytes.
const snapLen = 128

// CaptureSource is the primary ingest backend: a libpcap live capture
// handle decoded through gopacket's layer framework. It requires
// CAP_NET_RAW (or running as root) and a working libpcap; when neither
// is available, use RawSocketSource instead.
type CaptureSource struct {
	iface string
	log   *logging.Logger
	disp  *dispatcher

	handle *pcap.Handle
}

// NewCaptureSource opens a live capture handle on iface. The handle is
// opened eagerly so configuration errors surface before Run is called.
func NewCaptureSource(iface string, r *router.Router, log *logging.Logger, queueLen int) (*CaptureSource, error) {
	handle, err := pcap.OpenLive(iface, snapLen, true, 250*time.Millisecond)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "ingest: open capture on %s", iface)
	}

	return &CaptureSource{
		iface:  iface,
		log:    log.WithComponent("ingest.capture"),
		disp:   newDispatcher(r, queueLen, log),
		handle: handle,
	}, nil
}

// Run decodes packets off the capture handle until ctx is canceled.
func (s *CaptureSource) Run(ctx context.Context) error {
	defer s.handle.Close()

	go s.disp.run(ctx)

	src := gopacket.NewPacketSource(s.handle, s.handle.LinkType())
	src.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	packets := src.Packets()

	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-packets:
			if !ok {
				return nil
			}
			evt, matched := ClassifyLayers(pkt, pkt.Metadata().Timestamp)
			if !matched {
				continue
			}
			s.disp.offer(evt)
		}
	}
}

// Stats reports lifetime capture/classification counters.
func (s *CaptureSource) Stats() Stats {
	return Stats{
		Classified: s.disp.counted.Load(),
		Dropped:    s.disp.dropped.Load(),
	}
}
