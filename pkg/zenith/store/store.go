// Package store persists delivered events keyed by (source_id, seq_no).
//
// The store is the downstream durability collaborator of the data plane:
// writes are append-only, the pair (source_id, seq_no) is the unique
// lookup key, and source_id alone is the scan prefix for a single
// producer's history in ascending sequence order. Flush is an explicit
// durability barrier, separate from Append.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/wahyuard/zenith/pkg/zenith/event"
)

// KeySize is the encoded key length: 4-byte source id plus 8-byte
// sequence number, both big-endian so byte order equals scan order.
const KeySize = 12

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates no event exists under the key.
	ErrNotFound = errors.New("store: event not found")

	// ErrDuplicate indicates an append under an already-used key. The
	// store is append-only; keys are never overwritten.
	ErrDuplicate = errors.New("store: duplicate (source_id, seq_no)")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("store: closed")
)

// StoredEvent is the persistence-facing projection of an envelope.
type StoredEvent struct {
	SourceID    uint32
	SeqNo       uint64
	TimestampNS uint64
	Flags       uint32
	Payload     []byte
}

// FromEvent projects an envelope for persistence.
func FromEvent(evt *event.Event) *StoredEvent {
	return &StoredEvent{
		SourceID:    evt.SourceID,
		SeqNo:       evt.SeqNo,
		TimestampNS: evt.TimestampNS,
		Flags:       evt.Flags,
		Payload:     evt.Data,
	}
}

// Key returns the 12-byte lookup key.
func (e *StoredEvent) Key() []byte {
	return EncodeKey(e.SourceID, e.SeqNo)
}

// EncodeKey builds the big-endian (source_id, seq_no) key.
func EncodeKey(sourceID uint32, seqNo uint64) []byte {
	key := make([]byte, KeySize)
	binary.BigEndian.PutUint32(key[0:4], sourceID)
	binary.BigEndian.PutUint64(key[4:12], seqNo)
	return key
}

// DecodeKey splits a 12-byte key back into its components.
func DecodeKey(key []byte) (sourceID uint32, seqNo uint64, err error) {
	if len(key) != KeySize {
		return 0, 0, fmt.Errorf("store: key must be %d bytes, got %d", KeySize, len(key))
	}
	return binary.BigEndian.Uint32(key[0:4]), binary.BigEndian.Uint64(key[4:12]), nil
}

// Store persists delivered events. Implementations must be safe for
// concurrent use.
type Store interface {
	// Append stores an event. Returns ErrDuplicate if the key is taken.
	Append(ctx context.Context, evt *StoredEvent) error

	// Get retrieves the event under an exact (source_id, seq_no) key.
	// Returns ErrNotFound if absent.
	Get(ctx context.Context, sourceID uint32, seqNo uint64) (*StoredEvent, error)

	// Scan returns all events for a source in ascending seq_no order.
	// Returns an empty slice (not an error) for an unknown source.
	Scan(ctx context.Context, sourceID uint32) ([]*StoredEvent, error)

	// ScanRange returns events for a source with fromSeq <= seq_no < toSeq,
	// ascending.
	ScanRange(ctx context.Context, sourceID uint32, fromSeq, toSeq uint64) ([]*StoredEvent, error)

	// Count returns the number of events stored for a source.
	Count(ctx context.Context, sourceID uint32) (int, error)

	// Flush is the explicit durability barrier: it returns only after
	// previously appended events are on stable storage.
	Flush(ctx context.Context) error

	// Close releases the underlying resources.
	Close() error
}
