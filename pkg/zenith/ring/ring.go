// Package ring provides the bounded, lock-free buffer that decouples
// event producers from the engine's consumer loop.
//
// The buffer is a fixed-capacity slot array with atomically advanced
// cursors: any number of producers may Push concurrently, while a single
// logical consumer drains with Pop or PopWait. Capacity is enforced
// strictly - a full buffer rejects the push with ErrFull rather than
// overwriting an unconsumed slot, pushing the retry decision to the
// producer (backpressure, not failure).
//
// Each slot carries its own published sequence number, advanced only
// after the slot's event pointer is fully written. A consumer that
// observes a committed sequence therefore observes complete event
// content; there is no torn-read window. Producer and consumer cursors
// live on separate cache lines so contended pushes do not invalidate the
// consumer's line.
package ring

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"

	"github.com/wahyuard/zenith/pkg/zenith/event"
)

// Sentinel errors for buffer operations.
var (
	// ErrInvalidCapacity is returned by New when capacity is not a
	// positive power of two.
	ErrInvalidCapacity = errors.New("ring: capacity must be a power of two")

	// ErrFull signals backpressure: every slot holds an unconsumed
	// event. Callers retry or shed load; this is never fatal.
	ErrFull = errors.New("ring: buffer full")

	// ErrClosed is returned once the buffer has been shut down.
	ErrClosed = errors.New("ring: buffer closed")

	// ErrCorrupted indicates a slot sequence that can only arise from a
	// commit without a matching claim. It must never occur under correct
	// concurrent use; the engine halts ingestion when it sees this.
	ErrCorrupted = errors.New("ring: slot sequence corrupted")
)

const cacheLineSize = 64

// slot is one buffer position. seq encodes the claim/commit state:
//
//	seq == pos             free, awaiting the producer that claims pos
//	seq == pos + 1         committed, awaiting the consumer at pos
//	seq == pos + capacity  consumed, free for the next lap
//
// A producer owns the slot between its claim (cursor CAS) and its commit
// (seq store); both happen within a single Push call, so a claimed slot
// can never be abandoned across calls.
type slot struct {
	seq atomic.Uint64
	evt *event.Event
	// pad the slot to a full cache line so neighbouring slots written by
	// different producers do not share one.
	_ [cacheLineSize - 16]byte
}

// Buffer is a multi-producer single-consumer bounded FIFO.
type Buffer struct {
	slots    []slot
	mask     uint64
	capacity uint64

	_     [cacheLineSize]byte
	write atomic.Uint64 // next sequence to claim (producers)
	_     [cacheLineSize]byte
	read  atomic.Uint64 // next sequence to consume
	_     [cacheLineSize]byte

	closed atomic.Bool
	notify chan struct{} // wakes a parked consumer after a commit
	done   chan struct{} // closed by Close to release parked consumers
}

// New creates a buffer with the given capacity, which must be a power of
// two (index arithmetic uses a bit mask instead of modulo).
func New(capacity int) (*Buffer, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, ErrInvalidCapacity
	}

	b := &Buffer{
		slots:    make([]slot, capacity),
		mask:     uint64(capacity - 1),
		capacity: uint64(capacity),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for i := range b.slots {
		b.slots[i].seq.Store(uint64(i))
	}
	return b, nil
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return int(b.capacity) }

// Len returns the approximate number of committed, unconsumed events.
func (b *Buffer) Len() int {
	w := b.write.Load()
	r := b.read.Load()
	if w < r {
		return 0
	}
	n := w - r
	if n > b.capacity {
		n = b.capacity
	}
	return int(n)
}

// Push claims the next free slot, writes the event, and commits it.
// It never blocks: a full buffer returns ErrFull immediately and the
// caller decides whether to retry, back off, or drop.
func (b *Buffer) Push(evt *event.Event) error {
	if b.closed.Load() {
		return ErrClosed
	}

	pos := b.write.Load()
	for {
		s := &b.slots[pos&b.mask]
		seq := s.seq.Load()

		switch {
		case seq == pos:
			// Slot free for this sequence: claim it by advancing the
			// write cursor past pos.
			if b.write.CompareAndSwap(pos, pos+1) {
				s.evt = evt
				// Commit: publishing pos+1 is the release store the
				// consumer's seq load synchronizes with.
				s.seq.Store(pos + 1)
				b.wake()
				return nil
			}
			// Another producer claimed pos; reload and retry.
			pos = b.write.Load()

		case seq < pos:
			// The consumer has not freed this slot for the current lap.
			if b.write.Load()-b.read.Load() >= b.capacity {
				return ErrFull
			}
			// Consumer freed a slot between our loads; retry.
			pos = b.write.Load()

		default:
			// seq > pos: a later lap already claimed pos. Catch up.
			pos = b.write.Load()
		}
	}
}

// Pop returns the oldest committed event, or false when the buffer is
// empty. Empty is the normal idle state, not a failure. Pop must only be
// called from the single consumer.
func (b *Buffer) Pop() (*event.Event, bool) {
	pos := b.read.Load()
	s := &b.slots[pos&b.mask]
	seq := s.seq.Load()

	if seq != pos+1 {
		// Not yet committed for this lap. Anything between the expected
		// free value and the committed value is a protocol violation.
		if seq > pos+1 && seq < pos+b.capacity {
			panic(ErrCorrupted)
		}
		return nil, false
	}

	evt := s.evt
	s.evt = nil
	// Free the slot for the producer one lap ahead.
	s.seq.Store(pos + b.capacity)
	b.read.Store(pos + 1)
	return evt, true
}

// PopWait returns the oldest committed event, parking the consumer until
// one is committed, the context is cancelled, or the buffer is closed.
// A parked consumer wakes promptly on Close, bounding engine shutdown.
func (b *Buffer) PopWait(ctx context.Context) (*event.Event, error) {
	for {
		if evt, ok := b.Pop(); ok {
			return evt, nil
		}
		if err := b.Wait(ctx); err != nil {
			return nil, err
		}
	}
}

// Wait parks the consumer until an event is likely available, without
// popping it. Returns ErrClosed once the buffer is closed and empty,
// or the context error on cancellation. Wakes can be spurious; callers
// re-check with Pop.
func (b *Buffer) Wait(ctx context.Context) error {
	if b.Len() > 0 {
		return nil
	}
	if b.closed.Load() {
		if b.Len() > 0 {
			return nil
		}
		return ErrClosed
	}

	select {
	case <-b.notify:
		return nil
	case <-b.done:
		// Anything committed before the close is still poppable.
		if b.Len() > 0 {
			return nil
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the buffer down. Subsequent pushes fail with ErrClosed and
// parked consumers wake immediately. Committed events already in the
// buffer remain poppable so the engine can drain on shutdown. Close is
// idempotent.
func (b *Buffer) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.done)
	}
}

// Drain pops every committed event into fn. Used on shutdown when the
// engine discards rather than processes the backlog.
func (b *Buffer) Drain(fn func(*event.Event)) int {
	n := 0
	for {
		evt, ok := b.Pop()
		if !ok {
			return n
		}
		if fn != nil {
			fn(evt)
		}
		n++
	}
}

func (b *Buffer) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Spin is a producer-side helper for busy retry loops: it yields the
// processor between Push attempts without sleeping.
func Spin() {
	runtime.Gosched()
}
