package plugin_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wahyuard/zenith/pkg/zenith/event"
	"github.com/wahyuard/zenith/pkg/zenith/observability"
	"github.com/wahyuard/zenith/pkg/zenith/plugin"
)

func newHost(t *testing.T) *plugin.Host {
	t.Helper()
	h := plugin.NewHost(context.Background(), plugin.HostConfig{})
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

func TestLoadRejectsMalformedBytecode(t *testing.T) {
	h := newHost(t)

	_, err := h.Load(context.Background(), "bad", []byte("definitely not wasm"))
	assert.ErrorIs(t, err, plugin.ErrCompileFailed)
}

func TestLoadRejectsMissingExports(t *testing.T) {
	h := newHost(t)

	_, err := h.Load(context.Background(), "empty", emptyGuest())
	assert.ErrorIs(t, err, plugin.ErrInvalidInterface)
}

func TestLoadRejectsWrongSignature(t *testing.T) {
	h := newHost(t)

	_, err := h.Load(context.Background(), "wrong", wrongSignatureGuest())
	assert.ErrorIs(t, err, plugin.ErrInvalidInterface)
}

func TestLoadDuplicateName(t *testing.T) {
	h := newHost(t)

	_, err := h.Load(context.Background(), "p", acceptGuest())
	require.NoError(t, err)
	_, err = h.Load(context.Background(), "p", acceptGuest())
	assert.Error(t, err)
}

func TestInvokeAccept(t *testing.T) {
	h := newHost(t)
	p, err := h.Load(context.Background(), "accept", acceptGuest())
	require.NoError(t, err)

	out, err := p.Invoke(context.Background(), event.New(1, 0, []byte{1, 2, 3}), time.Second)
	require.NoError(t, err)
	assert.Equal(t, plugin.VerdictAccept, out.Verdict)
	assert.Nil(t, out.Payload)
}

func TestInvokeReject(t *testing.T) {
	h := newHost(t)
	p, err := h.Load(context.Background(), "reject", rejectGuest())
	require.NoError(t, err)

	out, err := p.Invoke(context.Background(), event.New(1, 0, []byte{1}), time.Second)
	require.NoError(t, err)
	assert.Equal(t, plugin.VerdictReject, out.Verdict)
}

func TestInvokeReplaceCopiesPayloadOut(t *testing.T) {
	h := newHost(t)
	p, err := h.Load(context.Background(), "replace", replaceGuest())
	require.NoError(t, err)

	out, err := p.Invoke(context.Background(), event.New(1, 0, []byte{1, 2, 3}), time.Second)
	require.NoError(t, err)
	assert.Equal(t, plugin.VerdictReplace, out.Verdict)
	assert.Equal(t, []byte{99}, out.Payload)
}

func TestInvokeHeartbeatEmptyPayload(t *testing.T) {
	h := newHost(t)
	p, err := h.Load(context.Background(), "accept", acceptGuest())
	require.NoError(t, err)

	out, err := p.Invoke(context.Background(), event.Heartbeat(1, 0), time.Second)
	require.NoError(t, err)
	assert.Equal(t, plugin.VerdictAccept, out.Verdict)
}

// A runaway plugin is cut off at its deadline, reported as a resource
// breach, and stays loaded: the next invocation runs on a fresh
// instance.
func TestInvokeDeadlineExceeded(t *testing.T) {
	h := newHost(t)
	p, err := h.Load(context.Background(), "hang", hangGuest())
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Invoke(context.Background(), event.New(1, 0, []byte{1}), 100*time.Millisecond)
	assert.ErrorIs(t, err, plugin.ErrResourceExceeded)
	assert.Less(t, time.Since(start), 5*time.Second, "deadline not enforced")
}

// A guest fault degrades to a per-event error: the host survives, the
// plugin survives, repeated invocations keep failing cleanly.
func TestTrapIsContained(t *testing.T) {
	h := newHost(t)
	trap, err := h.Load(context.Background(), "trap", trapGuest())
	require.NoError(t, err)
	ok, err := h.Load(context.Background(), "ok", acceptGuest())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = trap.Invoke(context.Background(), event.New(1, uint64(i), []byte{1}), time.Second)
		assert.ErrorIs(t, err, plugin.ErrTrap)
	}

	// Other plugins are unaffected.
	out, err := ok.Invoke(context.Background(), event.New(1, 0, []byte{1}), time.Second)
	require.NoError(t, err)
	assert.Equal(t, plugin.VerdictAccept, out.Verdict)
}

// invokeMetrics captures plugin invocation recordings.
type invokeMetrics struct {
	observability.NoopMetrics
	mu      sync.Mutex
	invokes int
	failed  int
	name    string
	last    time.Duration
}

func (m *invokeMetrics) RecordPluginInvoke(_ context.Context, name string, d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invokes++
	if err != nil {
		m.failed++
	}
	m.name = name
	m.last = d
}

func TestInvokeRecordsMetrics(t *testing.T) {
	metrics := &invokeMetrics{}
	h := plugin.NewHost(context.Background(), plugin.HostConfig{Metrics: metrics})
	defer h.Close(context.Background())

	ok, err := h.Load(context.Background(), "accept", acceptGuest())
	require.NoError(t, err)
	trap, err := h.Load(context.Background(), "trap", trapGuest())
	require.NoError(t, err)

	_, err = ok.Invoke(context.Background(), event.New(1, 0, []byte{1}), time.Second)
	require.NoError(t, err)

	metrics.mu.Lock()
	assert.Equal(t, 1, metrics.invokes)
	assert.Zero(t, metrics.failed)
	assert.Equal(t, "accept", metrics.name)
	assert.Greater(t, metrics.last, time.Duration(0))
	metrics.mu.Unlock()

	_, err = trap.Invoke(context.Background(), event.New(1, 1, []byte{1}), time.Second)
	require.Error(t, err)

	metrics.mu.Lock()
	assert.Equal(t, 2, metrics.invokes)
	assert.Equal(t, 1, metrics.failed)
	assert.Equal(t, "trap", metrics.name)
	metrics.mu.Unlock()
}

func TestPayloadViewLimit(t *testing.T) {
	h := plugin.NewHost(context.Background(), plugin.HostConfig{MaxPayloadBytes: 16})
	defer h.Close(context.Background())

	p, err := h.Load(context.Background(), "accept", acceptGuest())
	require.NoError(t, err)

	_, err = p.Invoke(context.Background(), event.New(1, 0, make([]byte, 17)), time.Second)
	assert.ErrorIs(t, err, plugin.ErrResourceExceeded)
}

func TestABIVersionExport(t *testing.T) {
	h := newHost(t)
	p, err := h.Load(context.Background(), "versioned", versionedGuest())
	require.NoError(t, err)

	info := p.Info()
	assert.Equal(t, int32(3), info.ABIVersion)
	assert.Equal(t, "versioned", info.Name)
	assert.NotEmpty(t, info.Handle)
}

func TestReplaceSwapsAtomically(t *testing.T) {
	h := newHost(t)
	p1, err := h.Load(context.Background(), "p", acceptGuest())
	require.NoError(t, err)

	p2, err := h.Replace(context.Background(), "p", rejectGuest())
	require.NoError(t, err)
	assert.NotEqual(t, p1.Handle(), p2.Handle())

	got, err := h.Get("p")
	require.NoError(t, err)
	out, err := got.Invoke(context.Background(), event.New(1, 0, []byte{1}), time.Second)
	require.NoError(t, err)
	assert.Equal(t, plugin.VerdictReject, out.Verdict)

	// Replacing with broken bytecode keeps the old plugin in place.
	_, err = h.Replace(context.Background(), "p", []byte("garbage"))
	assert.ErrorIs(t, err, plugin.ErrCompileFailed)
	still, err := h.Get("p")
	require.NoError(t, err)
	assert.Equal(t, p2.Handle(), still.Handle())
}

func TestUnloadAndList(t *testing.T) {
	h := newHost(t)
	_, err := h.Load(context.Background(), "a", acceptGuest())
	require.NoError(t, err)
	_, err = h.Load(context.Background(), "b", rejectGuest())
	require.NoError(t, err)

	assert.Len(t, h.List(), 2)

	require.NoError(t, h.Unload(context.Background(), "a"))
	assert.Len(t, h.List(), 1)
	_, err = h.Get("a")
	assert.ErrorIs(t, err, plugin.ErrNotFound)

	assert.ErrorIs(t, h.Unload(context.Background(), "a"), plugin.ErrNotFound)
}

func TestStageAdapter(t *testing.T) {
	h := newHost(t)
	acceptP, err := h.Load(context.Background(), "accept", acceptGuest())
	require.NoError(t, err)
	rejectP, err := h.Load(context.Background(), "reject", rejectGuest())
	require.NoError(t, err)
	replaceP, err := h.Load(context.Background(), "replace", replaceGuest())
	require.NoError(t, err)

	evt := event.New(1, 0, []byte{1, 2, 3})

	out, err := plugin.NewStage(acceptP, time.Second).Process(context.Background(), evt)
	require.NoError(t, err)
	assert.Same(t, evt, out)

	out, err = plugin.NewStage(rejectP, time.Second).Process(context.Background(), evt)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = plugin.NewStage(replaceP, time.Second).Process(context.Background(), evt)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, bytes.Equal(out.Data, []byte{99}))
	assert.Equal(t, evt.SourceID, out.SourceID)
}

func TestHostCloseRejectsLoad(t *testing.T) {
	h := plugin.NewHost(context.Background(), plugin.HostConfig{})
	require.NoError(t, h.Close(context.Background()))
	require.NoError(t, h.Close(context.Background())) // idempotent

	_, err := h.Load(context.Background(), "p", acceptGuest())
	assert.ErrorIs(t, err, plugin.ErrHostClosed)
}
