package event

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire layout for an envelope crossing a process boundary. All multi-byte
// fields are big-endian, matching the persistence key encoding.
//
//	offset  width  field
//	0       4      source_id
//	4       8      seq_no
//	12      8      ts_ns
//	20      4      flags
//	24      4      payload_len
//	28      var    payload
const (
	// HeaderSize is the fixed size of the wire header in bytes.
	HeaderSize = 28

	// MaxPayloadSize bounds a single envelope payload. Receivers reject
	// anything larger before allocating.
	MaxPayloadSize = 1 << 30
)

// Sentinel errors for wire decoding.
var (
	// ErrShortBuffer indicates the input ends before the declared layout.
	ErrShortBuffer = errors.New("event: buffer too short for envelope")

	// ErrPayloadLength indicates a payload_len field that is inconsistent
	// with the buffer or exceeds MaxPayloadSize.
	ErrPayloadLength = errors.New("event: invalid payload length")
)

// WireSize returns the encoded size of the event in bytes.
func (e *Event) WireSize() int {
	return HeaderSize + len(e.Data)
}

// MarshalBinary encodes the envelope into the wire layout.
func (e *Event) MarshalBinary() ([]byte, error) {
	if len(e.Data) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadLength, len(e.Data))
	}
	buf := make([]byte, HeaderSize+len(e.Data))
	e.AppendTo(buf[:0])
	return buf, nil
}

// AppendTo appends the wire encoding to dst and returns the extended
// slice. Callers on the hot path pre-reserve capacity to avoid the
// allocation MarshalBinary performs.
func (e *Event) AppendTo(dst []byte) []byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], e.SourceID)
	binary.BigEndian.PutUint64(hdr[4:12], e.SeqNo)
	binary.BigEndian.PutUint64(hdr[12:20], e.TimestampNS)
	binary.BigEndian.PutUint32(hdr[20:24], e.Flags)
	binary.BigEndian.PutUint32(hdr[24:28], uint32(len(e.Data)))
	dst = append(dst, hdr[:]...)
	return append(dst, e.Data...)
}

// UnmarshalBinary decodes an envelope from the wire layout. The payload
// is copied out of buf, so buf may be reused after the call.
func (e *Event) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrShortBuffer
	}
	payloadLen := binary.BigEndian.Uint32(buf[24:28])
	if payloadLen > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadLength, payloadLen)
	}
	if len(buf) < HeaderSize+int(payloadLen) {
		return fmt.Errorf("%w: header declares %d payload bytes, %d available",
			ErrPayloadLength, payloadLen, len(buf)-HeaderSize)
	}

	e.SourceID = binary.BigEndian.Uint32(buf[0:4])
	e.SeqNo = binary.BigEndian.Uint64(buf[4:12])
	e.TimestampNS = binary.BigEndian.Uint64(buf[12:20])
	e.Flags = binary.BigEndian.Uint32(buf[20:24])
	if payloadLen == 0 {
		e.Data = nil
		return nil
	}
	e.Data = make([]byte, payloadLen)
	copy(e.Data, buf[HeaderSize:HeaderSize+payloadLen])
	return nil
}
