// Package event defines the envelope carried through the zenith data plane.
//
// An Event is the canonical unit of data moving through the system: a
// fixed-width header identifying its origin plus an opaque payload
// (semantically a serialized columnar batch, but the transport never
// inspects it). Events are immutable once handed to the ring buffer -
// processing stages that change the payload produce a new envelope via
// WithData rather than mutating fields in place.
package event

import (
	"time"
)

// Flag bits for the envelope flags field.
const (
	// FlagHeartbeat marks a header-only no-op event. Heartbeats carry an
	// empty payload and exist only to signal source liveness.
	FlagHeartbeat uint32 = 1 << 0
)

// Event is one envelope in transit through the data plane.
//
// ID is process-unique and assigned by the producer or by the engine on
// ingest. SourceID identifies the logical producer stream. SeqNo is
// strictly increasing per source and, together with SourceID, forms the
// unique key under which the event is later persisted. The transport
// itself only guarantees FIFO delivery relative to a single producer's
// enqueue order; it does not enforce sequence order.
type Event struct {
	ID          uint64
	SourceID    uint32
	SeqNo       uint64
	TimestampNS uint64
	Flags       uint32
	Data        []byte
}

// New creates an event stamped with the current ingest time.
func New(sourceID uint32, seqNo uint64, data []byte) *Event {
	return &Event{
		SourceID:    sourceID,
		SeqNo:       seqNo,
		TimestampNS: uint64(time.Now().UnixNano()),
		Data:        data,
	}
}

// Heartbeat creates a header-only liveness marker for a source.
func Heartbeat(sourceID uint32, seqNo uint64) *Event {
	evt := New(sourceID, seqNo, nil)
	evt.Flags |= FlagHeartbeat
	return evt
}

// IsHeartbeat reports whether the event is a header-only no-op marker.
func (e *Event) IsHeartbeat() bool {
	return e.Flags&FlagHeartbeat != 0
}

// WithData returns a copy of the envelope carrying a different payload.
// All header fields other than the payload are preserved. This is the
// only sanctioned way for a transform stage to change event content.
func (e *Event) WithData(data []byte) *Event {
	clone := *e
	clone.Data = data
	return &clone
}

// Clone returns a deep copy, including the payload bytes. Used when an
// event must cross an ownership boundary that outlives the envelope.
func (e *Event) Clone() *Event {
	clone := *e
	if e.Data != nil {
		clone.Data = make([]byte, len(e.Data))
		copy(clone.Data, e.Data)
	}
	return &clone
}
