package route

import (
	"github.com/google/uuid"

	"github.com/wahyuard/zenith/pkg/zenith/event"
)

// Channel is one downstream output: a named, bounded queue of event
// references. Consumers read from Events; the router hands the same
// *event.Event to every channel of a fan-out, so consumers must treat
// the payload as read-only.
type Channel struct {
	id   uuid.UUID
	name string
	ch   chan *event.Event
}

// NewChannel creates a channel with the given buffer size.
func NewChannel(name string, buffer int) *Channel {
	if buffer <= 0 {
		buffer = 256
	}
	return &Channel{
		id:   uuid.New(),
		name: name,
		ch:   make(chan *event.Event, buffer),
	}
}

// ID returns the channel's unique identity.
func (c *Channel) ID() uuid.UUID { return c.id }

// Name returns the channel's configured name.
func (c *Channel) Name() string { return c.name }

// Events returns the receive side of the channel.
func (c *Channel) Events() <-chan *event.Event { return c.ch }

// Len returns the number of events waiting in the channel.
func (c *Channel) Len() int { return len(c.ch) }

// Cap returns the channel's buffer size.
func (c *Channel) Cap() int { return cap(c.ch) }

// send delivers without blocking. A full channel reports false; the
// router counts it and moves on - backpressure is channel-local.
func (c *Channel) send(evt *event.Event) bool {
	select {
	case c.ch <- evt:
		return true
	default:
		return false
	}
}
