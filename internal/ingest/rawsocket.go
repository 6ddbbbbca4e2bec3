// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ingest

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/mdlayher/packet"
	flyerrors "grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/router"
)

// etherTypeAll asks the kernel for every ethertype on the interface;
// ClassifyRaw does the protocol filtering on the Go side.
const etherTypeAll = 0x0003 // ETH_P_ALL

// readBufLen is large enough for any Ethernet frame this package
// classifies; it never inspects payload past the L4 header.
const readBufLen = 1600

// RawSocketSource is the fallback ingest backend: an AF_PACKET raw
// socket read directly with mdlayher/packet, with headers parsed by
// hand. It's used when no libpcap build is available on the host, or
// when CaptureSource fails to open a handle.
type RawSocketSource struct {
	iface string
	log   *logging.Logger
	disp  *dispatcher

	conn *packet.Conn
}

// NewRawSocketSource opens a raw AF_PACKET socket bound to iface.
func NewRawSocketSource(iface string, r *router.Router, log *logging.Logger, queueLen int) (*RawSocketSource, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, flyerrors.Wrapf(err, flyerrors.KindUnavailable, "ingest: resolve interface %s", iface)
	}

	conn, err := packet.Listen(ifi, packet.Raw, etherTypeAll, nil)
	if err != nil {
		return nil, flyerrors.Wrapf(err, flyerrors.KindUnavailable, "ingest: open raw socket on %s", iface)
	}

	return &RawSocketSource{
		iface: iface,
		log:   log.WithComponent("ingest.rawsocket"),
		disp:  newDispatcher(r, queueLen, log),
		conn:  conn,
	}, nil
}

// Run reads and classifies frames until ctx is canceled.
func (s *RawSocketSource) Run(ctx context.Context) error {
	defer s.conn.Close()

	go s.disp.run(ctx)
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, readBufLen)
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return flyerrors.Wrap(err, flyerrors.KindUnavailable, "ingest: set read deadline")
		}

		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return flyerrors.Wrap(err, flyerrors.KindUnavailable, "ingest: read raw socket")
		}

		evt, matched := ClassifyRaw(buf[:n], time.Now())
		if !matched {
			continue
		}
		s.disp.offer(evt)
	}
}

// Stats reports lifetime capture/classification counters.
func (s *RawSocketSource) Stats() Stats {
	return Stats{
		Classified: s.disp.counted.Load(),
		Dropped:    s.disp.dropped.Load(),
	}
}
