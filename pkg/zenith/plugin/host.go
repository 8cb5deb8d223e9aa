// Package plugin loads sandboxed WebAssembly modules and invokes them as
// pipeline stages with bounded resources and a restricted view of event
// data.
//
// A plugin is compiled once, invoked many times, and unloaded on engine
// shutdown or explicit replacement. The guest ABI is deliberately small:
//
//	memory                              exported linear memory
//	zenith_alloc(size i32) -> i32       returns a guest offset with at
//	                                    least size writable bytes
//	zenith_process(ptr, len i32) -> i64 processes the payload copied to
//	                                    [ptr, ptr+len); returns a packed
//	                                    (ptr<<32 | len) result
//	zenith_abi_version() -> i32         optional declared ABI version
//
// An all-ones result rejects the event. Zero, or an echo of the input
// ptr/len, accepts it unchanged. Any other pair designates a replacement
// payload at that guest offset, which the host copies out of guest
// memory before the call returns. A plugin never holds a reference into
// engine memory beyond one invocation.
//
// No WASI, filesystem, or network capability is linked. Each invocation
// runs under a deadline and the module's memory is capped at a fixed
// page count; exceeding either aborts the invocation without affecting
// the host or other plugins.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wahyuard/zenith/pkg/zenith/observability"
)

// Guest export names making up the plugin ABI.
const (
	exportMemory     = "memory"
	exportAlloc      = "zenith_alloc"
	exportProcess    = "zenith_process"
	exportABIVersion = "zenith_abi_version"
)

// Load and invoke errors.
var (
	// ErrCompileFailed indicates malformed or non-WebAssembly bytecode.
	ErrCompileFailed = errors.New("plugin: bytecode failed to compile")

	// ErrInvalidInterface indicates the module does not export the
	// required entry points with the expected signatures.
	ErrInvalidInterface = errors.New("plugin: module does not satisfy the plugin interface")

	// ErrResourceExceeded indicates an invocation breached its time or
	// memory budget. Scoped to the one event; the plugin stays loaded.
	ErrResourceExceeded = errors.New("plugin: invocation exceeded resource budget")

	// ErrTrap indicates the guest faulted (unreachable, out-of-bounds
	// access, division by zero). Contained to the invocation.
	ErrTrap = errors.New("plugin: guest trapped")

	// ErrNotFound indicates no plugin is loaded under the given name.
	ErrNotFound = errors.New("plugin: not loaded")

	// ErrHostClosed is returned after the host has shut down.
	ErrHostClosed = errors.New("plugin: host closed")
)

// HostConfig bounds plugin resource usage.
type HostConfig struct {
	// MemoryLimitPages caps each module's linear memory, in 64KiB wasm
	// pages. Default: 64 pages (4 MiB).
	MemoryLimitPages uint32

	// MaxPayloadBytes caps the event view handed to a plugin.
	// Default: 1 MiB.
	MaxPayloadBytes uint32

	// Metrics records invocation latency and errors per plugin. Nil
	// disables recording.
	Metrics observability.MetricsRecorder
}

// DefaultHostConfig provides reasonable defaults.
var DefaultHostConfig = HostConfig{
	MemoryLimitPages: 64,
	MaxPayloadBytes:  1 << 20,
}

// Host owns the WebAssembly runtime and all loaded plugins. Per-plugin
// state is exclusively owned by the host; engine and pipeline code only
// reach it through Invoke.
type Host struct {
	config  HostConfig
	runtime wazero.Runtime

	mu      sync.RWMutex
	plugins map[string]*Plugin
	closed  bool
}

// NewHost creates a plugin host.
func NewHost(ctx context.Context, config HostConfig) *Host {
	if config.MemoryLimitPages == 0 {
		config.MemoryLimitPages = DefaultHostConfig.MemoryLimitPages
	}
	if config.MaxPayloadBytes == 0 {
		config.MaxPayloadBytes = DefaultHostConfig.MaxPayloadBytes
	}
	if config.Metrics == nil {
		config.Metrics = observability.NoopMetrics{}
	}

	rc := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(config.MemoryLimitPages)

	return &Host{
		config:  config,
		runtime: wazero.NewRuntimeWithConfig(ctx, rc),
		plugins: make(map[string]*Plugin),
	}
}

// Load compiles, validates, and instantiates a plugin module under the
// given name. Loading a name that is already taken fails; use Replace to
// swap bytecode.
func (h *Host) Load(ctx context.Context, name string, bytecode []byte) (*Plugin, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHostClosed
	}
	if _, exists := h.plugins[name]; exists {
		return nil, fmt.Errorf("plugin: %q already loaded", name)
	}

	p, err := h.load(ctx, name, bytecode)
	if err != nil {
		return nil, err
	}
	h.plugins[name] = p
	return p, nil
}

// Replace atomically swaps the bytecode behind a loaded plugin. The old
// instance is closed only after the new one loads successfully.
func (h *Host) Replace(ctx context.Context, name string, bytecode []byte) (*Plugin, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHostClosed
	}
	old, exists := h.plugins[name]
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	p, err := h.load(ctx, name, bytecode)
	if err != nil {
		return nil, err
	}
	h.plugins[name] = p
	old.close(ctx)
	return p, nil
}

// Unload removes a plugin and releases its module.
func (h *Host) Unload(ctx context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, exists := h.plugins[name]
	if !exists {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	delete(h.plugins, name)
	p.close(ctx)
	return nil
}

// Get returns a loaded plugin by name.
func (h *Host) Get(name string) (*Plugin, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	p, exists := h.plugins[name]
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return p, nil
}

// List returns descriptors of every loaded plugin.
func (h *Host) List() []Info {
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := make([]Info, 0, len(h.plugins))
	for _, p := range h.plugins {
		infos = append(infos, p.Info())
	}
	return infos
}

// Close unloads all plugins and tears down the runtime. Idempotent.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	h.plugins = make(map[string]*Plugin)
	return h.runtime.Close(ctx)
}

// load compiles and instantiates under h.mu.
func (h *Host) load(ctx context.Context, name string, bytecode []byte) (*Plugin, error) {
	compiled, err := h.runtime.CompileModule(ctx, bytecode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompileFailed, err)
	}

	if err := validateInterface(compiled); err != nil {
		compiled.Close(ctx)
		return nil, err
	}

	p, err := newPlugin(ctx, h, name, compiled)
	if err != nil {
		compiled.Close(ctx)
		return nil, err
	}
	return p, nil
}

// validateInterface checks the compiled module against the declared ABI
// before any code runs.
func validateInterface(compiled wazero.CompiledModule) error {
	if _, ok := compiled.ExportedMemories()[exportMemory]; !ok {
		return fmt.Errorf("%w: missing %q export", ErrInvalidInterface, exportMemory)
	}

	fns := compiled.ExportedFunctions()

	alloc, ok := fns[exportAlloc]
	if !ok {
		return fmt.Errorf("%w: missing %q export", ErrInvalidInterface, exportAlloc)
	}
	if !signatureIs(alloc, []api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}) {
		return fmt.Errorf("%w: %q has wrong signature", ErrInvalidInterface, exportAlloc)
	}

	process, ok := fns[exportProcess]
	if !ok {
		return fmt.Errorf("%w: missing %q export", ErrInvalidInterface, exportProcess)
	}
	if !signatureIs(process,
		[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
		[]api.ValueType{api.ValueTypeI64}) {
		return fmt.Errorf("%w: %q has wrong signature", ErrInvalidInterface, exportProcess)
	}

	if version, ok := fns[exportABIVersion]; ok {
		if !signatureIs(version, nil, []api.ValueType{api.ValueTypeI32}) {
			return fmt.Errorf("%w: %q has wrong signature", ErrInvalidInterface, exportABIVersion)
		}
	}
	return nil
}

func signatureIs(def api.FunctionDefinition, params, results []api.ValueType) bool {
	return typesEqual(def.ParamTypes(), params) && typesEqual(def.ResultTypes(), results)
}

func typesEqual(got, want []api.ValueType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
