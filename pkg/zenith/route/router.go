// Package route delivers processed events to downstream channels keyed
// by source identifier.
//
// The route table is read on every event and mutated rarely, so it uses
// a copy-on-write discipline: Route reads an immutable snapshot through
// an atomic pointer, and mutations clone the table and swap the pointer.
// An in-flight dispatch therefore sees either the pre-update or the
// post-update route set, never a partial fan-out.
package route

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/wahyuard/zenith/pkg/zenith/event"
)

// table maps a source id to its output channels. Tables are immutable
// once published; mutation replaces the whole map.
type table map[uint32][]*Channel

// Delivery summarizes one Route call.
type Delivery struct {
	// Delivered is the number of channels that accepted the event.
	Delivered int
	// Saturated is the number of channels skipped because their buffer
	// was full.
	Saturated int
	// Routed reports whether the source had any route at all.
	Routed bool
}

// Dropped reports whether the event reached no channel.
func (d Delivery) Dropped() bool { return d.Delivered == 0 }

// Router maps source ids to channels and fans processed events out.
type Router struct {
	mu    sync.Mutex // serializes mutations only; Route never takes it
	table atomic.Pointer[table]

	unrouted    atomic.Uint64
	channelFull atomic.Uint64
	delivered   atomic.Uint64
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	r := &Router{}
	empty := make(table)
	r.table.Store(&empty)
	return r
}

// Add registers a channel for a source. Adding the same channel twice is
// a no-op (idempotent append).
func (r *Router) Add(sourceID uint32, ch *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.table.Load()
	for _, existing := range cur[sourceID] {
		if existing.ID() == ch.ID() {
			return
		}
	}

	next := r.clone(cur)
	next[sourceID] = append(next[sourceID], ch)
	r.table.Store(&next)
}

// Remove unregisters a channel from a source. Removing an absent route
// is a no-op.
func (r *Router) Remove(sourceID uint32, channelID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.table.Load()
	chans, ok := cur[sourceID]
	if !ok {
		return
	}

	kept := make([]*Channel, 0, len(chans))
	for _, ch := range chans {
		if ch.ID() != channelID {
			kept = append(kept, ch)
		}
	}
	if len(kept) == len(chans) {
		return
	}

	next := r.clone(cur)
	if len(kept) == 0 {
		delete(next, sourceID)
	} else {
		next[sourceID] = kept
	}
	r.table.Store(&next)
}

// Channels returns the channels currently routed for a source.
func (r *Router) Channels(sourceID uint32) []*Channel {
	return (*r.table.Load())[sourceID]
}

// Route hands a reference to the event to every channel registered for
// its source id. A source with no route drops the event and counts it as
// unrouted - not an error. A full channel is skipped without delaying
// delivery to its siblings; only when every channel is saturated is the
// event dropped.
func (r *Router) Route(evt *event.Event) Delivery {
	chans := (*r.table.Load())[evt.SourceID]
	if len(chans) == 0 {
		r.unrouted.Add(1)
		return Delivery{}
	}

	d := Delivery{Routed: true}
	for _, ch := range chans {
		if ch.send(evt) {
			d.Delivered++
		} else {
			d.Saturated++
			r.channelFull.Add(1)
		}
	}
	r.delivered.Add(uint64(d.Delivered))
	return d
}

// Counters returns the unrouted, channel-full, and delivered totals.
func (r *Router) Counters() (unrouted, channelFull, delivered uint64) {
	return r.unrouted.Load(), r.channelFull.Load(), r.delivered.Load()
}

func (r *Router) clone(cur table) table {
	next := make(table, len(cur)+1)
	for src, chans := range cur {
		copied := make([]*Channel, len(chans))
		copy(copied, chans)
		next[src] = copied
	}
	return next
}
