package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wahyuard/zenith/pkg/zenith/event"
	"github.com/wahyuard/zenith/pkg/zenith/route"
	"github.com/wahyuard/zenith/pkg/zenith/store"
)

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func stored(source uint32, seq uint64, payload []byte) *store.StoredEvent {
	return &store.StoredEvent{
		SourceID:    source,
		SeqNo:       seq,
		TimestampNS: uint64(time.Now().UnixNano()),
		Payload:     payload,
	}
}

func TestAppendGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	evt := stored(1, 7, []byte{1, 2, 3})
	require.NoError(t, s.Append(ctx, evt))

	got, err := s.Get(ctx, 1, 7)
	require.NoError(t, err)
	assert.Equal(t, evt.SourceID, got.SourceID)
	assert.Equal(t, evt.SeqNo, got.SeqNo)
	assert.Equal(t, evt.TimestampNS, got.TimestampNS)
	assert.Equal(t, evt.Payload, got.Payload)

	_, err = s.Get(ctx, 1, 8)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Get(ctx, 2, 7)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAppendIsAppendOnly(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, stored(1, 0, []byte{1})))
	err := s.Append(ctx, stored(1, 0, []byte{2}))
	assert.ErrorIs(t, err, store.ErrDuplicate)

	// The original value is untouched.
	got, err := s.Get(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, got.Payload)
}

func TestScanAscendingPerSource(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// Interleave sources and insert out of order.
	for _, seq := range []uint64{3, 0, 2, 1} {
		require.NoError(t, s.Append(ctx, stored(10, seq, []byte{byte(seq)})))
	}
	require.NoError(t, s.Append(ctx, stored(20, 5, nil)))

	events, err := s.Scan(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, evt := range events {
		assert.Equal(t, uint64(i), evt.SeqNo, "scan must be ascending")
		assert.Equal(t, uint32(10), evt.SourceID)
	}

	empty, err := s.Scan(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestScanRange(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for seq := uint64(0); seq < 10; seq++ {
		require.NoError(t, s.Append(ctx, stored(1, seq, nil)))
	}

	events, err := s.ScanRange(ctx, 1, 3, 7)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, uint64(3), events[0].SeqNo)
	assert.Equal(t, uint64(6), events[3].SeqNo)
}

func TestCountAndFlush(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for seq := uint64(0); seq < 5; seq++ {
		require.NoError(t, s.Append(ctx, stored(1, seq, nil)))
	}

	n, err := s.Count(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	require.NoError(t, s.Flush(ctx))
}

func TestClosedStore(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close()) // idempotent

	ctx := context.Background()
	assert.ErrorIs(t, s.Append(ctx, stored(1, 0, nil)), store.ErrStoreClosed)
	_, err := s.Get(ctx, 1, 0)
	assert.ErrorIs(t, err, store.ErrStoreClosed)
	_, err = s.Scan(ctx, 1)
	assert.ErrorIs(t, err, store.ErrStoreClosed)
	assert.ErrorIs(t, s.Flush(ctx), store.ErrStoreClosed)
}

func TestKeyRoundTrip(t *testing.T) {
	key := store.EncodeKey(0xDEADBEEF, 0x0123456789ABCDEF)
	require.Len(t, key, store.KeySize)

	// Big-endian: source id bytes first, so byte order equals scan order.
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, key[:4])

	source, seq, err := store.DecodeKey(key)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), source)
	assert.Equal(t, uint64(0x0123456789ABCDEF), seq)

	_, _, err = store.DecodeKey(key[:5])
	assert.Error(t, err)
}

func TestKeyOrderMatchesSeqOrder(t *testing.T) {
	prev := store.EncodeKey(1, 0)
	for seq := uint64(1); seq < 300; seq += 17 {
		key := store.EncodeKey(1, seq)
		assert.Equal(t, -1, compare(prev, key), "keys must sort in seq order")
		prev = key
	}
}

func compare(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func TestSinkDrainsChannel(t *testing.T) {
	s := newStore(t)
	ch := route.NewChannel("persist", 16)
	sink := store.NewSink(s, ch, store.SinkConfig{FlushInterval: 10 * time.Millisecond})

	sink.Start(context.Background())

	r := route.NewRouter()
	r.Add(1, ch)
	for seq := uint64(0); seq < 5; seq++ {
		r.Route(event.New(1, seq, []byte{byte(seq)}))
	}
	r.Route(event.Heartbeat(1, 5)) // not persisted

	// Wait for the sink to drain.
	deadline := time.Now().Add(2 * time.Second)
	for {
		appended, _ := sink.Counters()
		if appended == 5 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	sink.Stop()

	events, err := s.Scan(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, events, 5, "five data events persisted, heartbeat skipped")
	for i, evt := range events {
		assert.Equal(t, uint64(i), evt.SeqNo)
	}

	appended, failed := sink.Counters()
	assert.Equal(t, uint64(5), appended)
	assert.Equal(t, uint64(0), failed)
}

func TestSinkStopDrainsBacklog(t *testing.T) {
	s := newStore(t)
	ch := route.NewChannel("persist", 16)
	sink := store.NewSink(s, ch, store.SinkConfig{})

	r := route.NewRouter()
	r.Add(1, ch)
	// Fill the channel before the sink starts.
	for seq := uint64(0); seq < 8; seq++ {
		r.Route(event.New(1, seq, nil))
	}

	sink.Start(context.Background())
	sink.Stop()

	n, err := s.Count(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 8, n, "backlog must be drained on stop")
}
