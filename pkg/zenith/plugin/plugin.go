package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wahyuard/zenith/pkg/zenith/event"
)

// rejectSentinel is the zenith_process return value that drops the
// event: all ones, so it can never collide with a valid packed
// (ptr, len) pair or with the zero value that means accept-unchanged.
const rejectSentinel = ^uint64(0)

// Verdict is a plugin's decision about one event.
type Verdict int

// Possible verdicts.
const (
	// VerdictAccept passes the event through unchanged.
	VerdictAccept Verdict = iota
	// VerdictReject drops the event (filter semantics).
	VerdictReject
	// VerdictReplace substitutes the event payload.
	VerdictReplace
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictReject:
		return "reject"
	case VerdictReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// Outcome is the result of one plugin invocation.
type Outcome struct {
	Verdict Verdict
	// Payload is the replacement payload when Verdict is VerdictReplace,
	// copied out of guest memory before the invocation returned.
	Payload []byte
}

// Info describes a loaded plugin.
type Info struct {
	Name       string
	Handle     uuid.UUID
	ABIVersion int32
	LoadedAt   time.Time
}

// Plugin is one loaded, instantiated module. Instances are not
// reentrant; a mutex serializes invocations.
type Plugin struct {
	host       *Host
	name       string
	handle     uuid.UUID
	abiVersion int32
	loadedAt   time.Time
	compiled   wazero.CompiledModule

	mu     sync.Mutex
	mod    api.Module
	closed bool
}

// newPlugin instantiates a validated compiled module.
func newPlugin(ctx context.Context, h *Host, name string, compiled wazero.CompiledModule) (*Plugin, error) {
	p := &Plugin{
		host:     h,
		name:     name,
		handle:   uuid.New(),
		loadedAt: time.Now(),
		compiled: compiled,
	}
	if err := p.instantiate(ctx); err != nil {
		return nil, err
	}

	// ABI version export is optional; absence means version 0.
	if fn := p.mod.ExportedFunction(exportABIVersion); fn != nil {
		res, err := fn.Call(ctx)
		if err != nil {
			p.mod.Close(ctx)
			return nil, fmt.Errorf("%w: %s failed: %v", ErrInvalidInterface, exportABIVersion, err)
		}
		p.abiVersion = int32(res[0])
	}
	return p, nil
}

// instantiate creates a fresh anonymous instance. No start functions run
// and no WASI or host imports are linked.
func (p *Plugin) instantiate(ctx context.Context) error {
	mod, err := p.host.runtime.InstantiateModule(ctx, p.compiled,
		wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		return fmt.Errorf("%w: instantiate: %v", ErrInvalidInterface, err)
	}
	p.mod = mod
	return nil
}

// Name returns the plugin name.
func (p *Plugin) Name() string { return p.name }

// Handle returns the unique load handle.
func (p *Plugin) Handle() uuid.UUID { return p.handle }

// Info returns the plugin descriptor.
func (p *Plugin) Info() Info {
	return Info{Name: p.name, Handle: p.handle, ABIVersion: p.abiVersion, LoadedAt: p.loadedAt}
}

// Invoke runs the plugin entry point against a bounded view of the event
// payload. The deadline on ctx (or the timeout argument, if ctx carries
// no deadline) is mandatory: a runaway guest is cut off and reported as
// ErrResourceExceeded. Guest faults surface as ErrTrap. Both are
// per-event failures - the plugin remains loaded and subsequent
// invocations proceed on a fresh instance if the old one was torn down.
func (p *Plugin) Invoke(ctx context.Context, evt *event.Event, timeout time.Duration) (Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Outcome{}, fmt.Errorf("%w: %q", ErrNotFound, p.name)
	}
	if uint32(len(evt.Data)) > p.host.config.MaxPayloadBytes {
		return Outcome{}, fmt.Errorf("%w: payload %d bytes exceeds view limit %d",
			ErrResourceExceeded, len(evt.Data), p.host.config.MaxPayloadBytes)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// A prior invocation may have been force-closed at its deadline;
	// isolation demands later invocations still work.
	if p.mod.IsClosed() {
		if err := p.instantiate(ctx); err != nil {
			return Outcome{}, err
		}
	}

	start := time.Now()
	out, err := p.call(ctx, evt.Data)
	if err != nil {
		err = p.classify(ctx, err)
	}
	p.host.config.Metrics.RecordPluginInvoke(ctx, p.name, time.Since(start), err)
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// call performs one guest round-trip: alloc, copy in, process, decode.
func (p *Plugin) call(ctx context.Context, payload []byte) (Outcome, error) {
	mem := p.mod.Memory()
	n := uint32(len(payload))

	var inPtr uint32
	if n > 0 {
		res, err := p.mod.ExportedFunction(exportAlloc).Call(ctx, uint64(n))
		if err != nil {
			return Outcome{}, err
		}
		inPtr = uint32(res[0])
		if ok := mem.Write(inPtr, payload); !ok {
			return Outcome{}, fmt.Errorf("%w: alloc returned out-of-bounds region [%d,%d)",
				ErrResourceExceeded, inPtr, inPtr+n)
		}
	}

	res, err := p.mod.ExportedFunction(exportProcess).Call(ctx, uint64(inPtr), uint64(n))
	if err != nil {
		return Outcome{}, err
	}

	packed := res[0]
	if packed == rejectSentinel {
		return Outcome{Verdict: VerdictReject}, nil
	}
	if packed == 0 {
		return Outcome{Verdict: VerdictAccept}, nil
	}

	outPtr := uint32(packed >> 32)
	outLen := uint32(packed)
	if outPtr == inPtr && outLen == n {
		return Outcome{Verdict: VerdictAccept}, nil
	}
	if outLen > p.host.config.MaxPayloadBytes {
		return Outcome{}, fmt.Errorf("%w: replacement payload %d bytes exceeds view limit",
			ErrResourceExceeded, outLen)
	}

	// Copy the replacement out; the view into guest memory is revoked
	// the moment this call returns.
	view, ok := mem.Read(outPtr, outLen)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: result region [%d,%d) out of bounds",
			ErrTrap, outPtr, outPtr+outLen)
	}
	replacement := make([]byte, outLen)
	copy(replacement, view)
	return Outcome{Verdict: VerdictReplace, Payload: replacement}, nil
}

// classify maps a guest error to the invoke error taxonomy. A call cut
// off by the deadline is a resource breach; anything else is a trap.
func (p *Plugin) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrResourceExceeded, ctx.Err())
	}
	return fmt.Errorf("%w: %v", ErrTrap, err)
}

// close tears down the instance. Callers hold h.mu.
func (p *Plugin) close(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.mod.Close(ctx)
	p.compiled.Close(ctx)
}
