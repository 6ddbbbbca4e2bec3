// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package router implements the single-producer-multi-consumer fan-out
// between the packet source and the detectors. It holds no state
// beyond the subscription list: no copying, no buffering per
// subscriber.
package router

import "grimm.is/flywall/internal/events"

// Subscriber receives Packet events of the kinds it declared interest
// in at subscription time. Handle must not block on anything but its
// own bookkeeping; the router delivers synchronously, in subscription
// order, and a slow subscriber holds up every subscriber after it.
type Subscriber interface {
	Handle(evt events.Packet)
}

// Router dispatches each event to every current subscriber of its kind,
// in the order subscriptions were registered.
type Router struct {
	subscribers map[events.Kind][]Subscriber
}

// New creates an empty Router.
func New() *Router {
	return &Router{subscribers: make(map[events.Kind][]Subscriber)}
}

// Subscribe registers sub to receive every event of the given kinds.
// Subscriptions are not safe to add concurrently with Dispatch; all
// subscribers must be registered before the packet source starts
// delivering events.
func (r *Router) Subscribe(sub Subscriber, kinds ...events.Kind) {
	for _, k := range kinds {
		r.subscribers[k] = append(r.subscribers[k], sub)
	}
}

// Dispatch delivers evt to every subscriber of evt.Kind, in
// subscription order.
func (r *Router) Dispatch(evt events.Packet) {
	for _, sub := range r.subscribers[evt.Kind] {
		sub.Handle(evt)
	}
}

// SubscriberFunc adapts a plain function to the Subscriber interface.
type SubscriberFunc func(evt events.Packet)

// Handle implements Subscriber.
func (f SubscriberFunc) Handle(evt events.Packet) { f(evt) }
