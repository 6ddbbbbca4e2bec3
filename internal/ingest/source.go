// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ingest

import (
	"context"
	"sync/atomic"

	"grimm.is/flywall/internal/events"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/router"
)

// Source captures and classifies link-layer traffic on one interface
// and dispatches the result onto a Router. Run blocks until ctx is
// canceled or the underlying capture fails.
type Source interface {
	Run(ctx context.Context) error
	Stats() Stats
}

// Stats reports the lifetime counters a Source keeps. Dropped counts
// packets discarded because the dispatch path could not keep up;
// Classified counts packets successfully handed to the router.
// Captured is not set by either backend and always reads zero.
type Stats struct {
	Captured   uint64
	Classified uint64
	Dropped    uint64
}

// classifyFunc is a closure shape that turns a raw capture into a
// Packet event, or reports that the frame didn't match any tracked
// kind. Neither backend uses it: they call ClassifyLayers and
// ClassifyRaw directly.
type classifyFunc func() (events.Packet, bool, error)

// dispatcher owns the bounded hand-off between a backend's blocking
// capture loop and the Router. A full queue means the consumer side
// (detectors) is behind; rather than block the capture loop and risk
// losing frames at the NIC, the dispatcher drops the newest event and
// counts it. Spec §5 calls this out explicitly: the ingest layer never
// blocks on downstream consumers.
type dispatcher struct {
	router  *router.Router
	queue   chan events.Packet
	log     *logging.Logger
	counted atomic.Uint64 // classified
	dropped atomic.Uint64
}

func newDispatcher(r *router.Router, queueLen int, log *logging.Logger) *dispatcher {
	if queueLen <= 0 {
		queueLen = 4096
	}
	d := &dispatcher{
		router: r,
		queue:  make(chan events.Packet, queueLen),
		log:    log,
	}
	return d
}

// offer enqueues evt without blocking, dropping it if the queue is full.
func (d *dispatcher) offer(evt events.Packet) {
	select {
	case d.queue <- evt:
	default:
		d.dropped.Add(1)
	}
}

// run drains the queue and dispatches to the router until ctx is done.
func (d *dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-d.queue:
			d.router.Dispatch(evt)
			d.counted.Add(1)
		}
	}
}
