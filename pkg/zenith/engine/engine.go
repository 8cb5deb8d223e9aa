// Package engine wires the data plane together: producers push events
// into the ring buffer, a single consumer goroutine runs each event
// through the pipeline and hands survivors to the router.
//
// The engine owns the lifecycle of its collaborators. Start spawns the
// consumer; Stop closes the ring, drains or discards the backlog, and
// cancels any in-flight plugin call. Both are idempotent. Runtime
// reconfiguration (plugin swaps, route changes, pause/resume) goes
// through OnControlCommand so the data path itself stays lock-free.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wahyuard/zenith/pkg/zenith/event"
	"github.com/wahyuard/zenith/pkg/zenith/observability"
	"github.com/wahyuard/zenith/pkg/zenith/pipeline"
	"github.com/wahyuard/zenith/pkg/zenith/plugin"
	"github.com/wahyuard/zenith/pkg/zenith/ring"
	"github.com/wahyuard/zenith/pkg/zenith/route"
)

// Sentinel errors for engine lifecycle operations.
var (
	// ErrNotRunning is returned by Publish when the engine has not been
	// started or has already stopped.
	ErrNotRunning = errors.New("engine: not running")

	// ErrHalted is returned by Publish after the engine detected ring
	// corruption and stopped accepting events. The engine does not
	// recover from this state; restart the process.
	ErrHalted = errors.New("engine: halted on corruption")
)

// PollPolicy selects how the consumer waits for work when the ring is
// empty.
type PollPolicy string

const (
	// PollPark parks the consumer on a wake signal. Near-zero idle CPU,
	// one channel wake of added latency.
	PollPark PollPolicy = "park"

	// PollSpin busy-polls the ring, yielding the processor between
	// attempts. Lowest latency, burns a core while idle.
	PollSpin PollPolicy = "spin"
)

// Config configures engine behavior.
type Config struct {
	// RingCapacity is the ring buffer capacity. Must be a power of two.
	// Default: 1024
	RingCapacity int

	// PollPolicy selects the consumer's idle strategy.
	// Default: PollPark
	PollPolicy PollPolicy

	// PluginTimeout bounds each plugin invocation.
	// Default: 5ms
	PluginTimeout time.Duration

	// DiscardOnStop drops the ring backlog on Stop instead of processing
	// it through the pipeline. Discarded events are counted as shutdown
	// drops.
	// Default: false (the backlog is drained)
	DiscardOnStop bool

	// Logger receives structured lifecycle and error logs. Nil disables
	// logging.
	Logger *slog.Logger

	// Metrics records data-plane metrics. Nil selects the default
	// recorder.
	Metrics observability.MetricsRecorder

	// Spans opens a trace span around each event's pipeline run and
	// routing. Nil disables tracing; a span per event is too expensive
	// for the hot-path default.
	Spans observability.SpanManager
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	RingCapacity:  1024,
	PollPolicy:    PollPark,
	PluginTimeout: 5 * time.Millisecond,
}

// Stats is a point-in-time snapshot of engine counters. Counters are
// read individually, so a snapshot taken while events are in flight may
// be momentarily inconsistent between fields; each field is monotonic.
type Stats struct {
	Ingested           uint64
	Processed          uint64
	Heartbeats         uint64
	Routed             uint64
	DroppedFiltered    uint64
	DroppedStageError  uint64
	DroppedUnrouted    uint64
	DroppedChannelFull uint64
	DroppedShutdown    uint64
}

// Dropped returns the total across all drop reasons.
func (s Stats) Dropped() uint64 {
	return s.DroppedFiltered + s.DroppedStageError + s.DroppedUnrouted +
		s.DroppedChannelFull + s.DroppedShutdown
}

// Engine is the data-plane orchestrator.
type Engine struct {
	config  Config
	buf     *ring.Buffer
	pipe    *pipeline.Pipeline
	router  *route.Router
	host    *plugin.Host
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	nextID atomic.Uint64

	seqMu sync.Mutex
	seqs  map[uint32]*atomic.Uint64

	started atomic.Bool
	stopped atomic.Bool
	halted  atomic.Bool
	paused  atomic.Bool
	discard atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	resumeCh chan struct{}

	ingested           atomic.Uint64
	processed          atomic.Uint64
	heartbeats         atomic.Uint64
	routed             atomic.Uint64
	droppedFiltered    atomic.Uint64
	droppedStageError  atomic.Uint64
	droppedUnrouted    atomic.Uint64
	droppedChannelFull atomic.Uint64
	droppedShutdown    atomic.Uint64
}

// New creates an engine from the given collaborators. Nil pipeline,
// router, or host arguments get fresh empty instances.
func New(config Config, pipe *pipeline.Pipeline, router *route.Router, host *plugin.Host) (*Engine, error) {
	if config.RingCapacity <= 0 {
		config.RingCapacity = DefaultConfig.RingCapacity
	}
	if config.PollPolicy == "" {
		config.PollPolicy = DefaultConfig.PollPolicy
	}
	if config.PluginTimeout <= 0 {
		config.PluginTimeout = DefaultConfig.PluginTimeout
	}
	if config.Metrics == nil {
		config.Metrics = observability.NewMetricsRecorder()
	}

	buf, err := ring.New(config.RingCapacity)
	if err != nil {
		return nil, err
	}
	if pipe == nil {
		pipe = pipeline.New()
	}
	if router == nil {
		router = route.NewRouter()
	}

	return &Engine{
		config:   config,
		buf:      buf,
		pipe:     pipe,
		router:   router,
		host:     host,
		logger:   observability.EnrichLogger(config.Logger, "engine"),
		metrics:  config.Metrics,
		spans:    config.Spans,
		seqs:     make(map[uint32]*atomic.Uint64),
		resumeCh: make(chan struct{}, 1),
	}, nil
}

// Pipeline returns the engine's stage list for registration.
func (e *Engine) Pipeline() *pipeline.Pipeline { return e.pipe }

// Router returns the engine's route table.
func (e *Engine) Router() *route.Router { return e.router }

// Host returns the plugin host, or nil when the engine runs without one.
func (e *Engine) Host() *plugin.Host { return e.host }

// Start spawns the consumer goroutine. Calling Start on a running or
// stopped engine is a no-op.
func (e *Engine) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	observability.LogEngineStart(e.logger, e.buf.Cap(), string(e.config.PollPolicy))

	e.wg.Add(1)
	go e.consume(runCtx)
}

// Stop shuts the engine down: the ring stops accepting pushes, the
// consumer drains or discards the backlog per Config.DiscardOnStop, and
// any in-flight plugin call is cancelled once the drain completes.
// Stop blocks until the consumer exits and is idempotent.
func (e *Engine) Stop() {
	if !e.started.Load() || !e.stopped.CompareAndSwap(false, true) {
		return
	}

	timed := observability.TimedOperation()
	backlog := e.buf.Len()

	// The discard flag must be visible before the consumer wakes, or it
	// races the close and processes part of the backlog.
	if e.config.DiscardOnStop {
		e.discard.Store(true)
	}

	// Closing the ring wakes a parked consumer; committed events stay
	// poppable for the drain. A paused consumer resumes so the drain can
	// proceed.
	e.buf.Close()
	e.paused.Store(false)

	if e.config.DiscardOnStop {
		e.cancel()
		e.wg.Wait()
		discarded := e.buf.Drain(nil)
		e.droppedShutdown.Add(uint64(discarded))
		for i := 0; i < discarded; i++ {
			e.metrics.RecordDrop(context.Background(), observability.DropShutdown)
		}
		observability.LogEngineStop(e.logger, 0, timed())
		return
	}

	// Drain path: the consumer keeps processing until the closed ring is
	// empty, then exits. Cancel afterwards so in-flight plugin calls are
	// not cut short mid-drain.
	e.wg.Wait()
	e.cancel()
	observability.LogEngineStop(e.logger, backlog, timed())
}

// Publish builds an event for the given source and enqueues it. The
// engine assigns the envelope ID, the per-source sequence number, and
// the ingest timestamp. A full ring returns ring.ErrFull untranslated:
// backpressure is the caller's retry decision, not an engine failure.
func (e *Engine) Publish(sourceID uint32, data []byte) error {
	return e.PublishEvent(event.New(sourceID, e.nextSeq(sourceID), data))
}

// PublishHeartbeat enqueues a header-only liveness event for the source.
func (e *Engine) PublishHeartbeat(sourceID uint32) error {
	return e.PublishEvent(event.Heartbeat(sourceID, e.nextSeq(sourceID)))
}

// PublishEvent enqueues a caller-built event, assigning the envelope ID
// if unset. The caller keeps control of SeqNo; use Publish for
// engine-assigned sequencing.
func (e *Engine) PublishEvent(evt *event.Event) error {
	if e.halted.Load() {
		return ErrHalted
	}
	if !e.started.Load() || e.stopped.Load() {
		return ErrNotRunning
	}
	if evt.ID == 0 {
		evt.ID = e.nextID.Add(1)
	}

	if err := e.buf.Push(evt); err != nil {
		if errors.Is(err, ring.ErrClosed) {
			return ErrNotRunning
		}
		if errors.Is(err, ring.ErrFull) {
			// Rejected pushes show up in metrics but not Stats: the event
			// never entered the ring and the caller decides whether to
			// retry.
			e.metrics.RecordDrop(context.Background(), observability.DropBackpressure)
		}
		return err
	}

	e.ingested.Add(1)
	e.metrics.RecordIngest(context.Background(), evt.SourceID, len(evt.Data))
	return nil
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Ingested:           e.ingested.Load(),
		Processed:          e.processed.Load(),
		Heartbeats:         e.heartbeats.Load(),
		Routed:             e.routed.Load(),
		DroppedFiltered:    e.droppedFiltered.Load(),
		DroppedStageError:  e.droppedStageError.Load(),
		DroppedUnrouted:    e.droppedUnrouted.Load(),
		DroppedChannelFull: e.droppedChannelFull.Load(),
		DroppedShutdown:    e.droppedShutdown.Load(),
	}
}

// Halted reports whether the engine stopped ingesting after detecting
// ring corruption.
func (e *Engine) Halted() bool { return e.halted.Load() }

// nextSeq returns the next per-source sequence number, starting at 0.
func (e *Engine) nextSeq(sourceID uint32) uint64 {
	e.seqMu.Lock()
	counter, ok := e.seqs[sourceID]
	if !ok {
		counter = &atomic.Uint64{}
		e.seqs[sourceID] = counter
	}
	e.seqMu.Unlock()
	return counter.Add(1) - 1
}

// consume is the single consumer loop: pop, pipeline, route. A panic
// carrying ring.ErrCorrupted halts ingestion but does not crash the
// process; any other panic propagates.
func (e *Engine) consume(ctx context.Context) {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok || !errors.Is(err, ring.ErrCorrupted) {
				panic(r)
			}
			e.halted.Store(true)
			observability.LogEngineFatal(e.logger, err)
		}
	}()

	for {
		if e.discard.Load() {
			return
		}
		if e.paused.Load() {
			if !e.waitResume(ctx) {
				return
			}
			continue
		}

		// Pop and Wait are separate so every wake re-checks the pause and
		// discard flags before an event leaves the ring.
		evt, ok := e.buf.Pop()
		if !ok {
			if !e.idle(ctx) {
				return
			}
			continue
		}
		if e.discard.Load() {
			// Popped concurrently with a discarding Stop; the event can
			// no longer be returned to the ring.
			e.droppedShutdown.Add(1)
			e.metrics.RecordDrop(context.Background(), observability.DropShutdown)
			return
		}
		e.process(ctx, evt)
	}
}

// idle waits for work per the configured poll policy. Returns false
// when the consumer should exit: the ring is closed and empty, or the
// run context was cancelled.
func (e *Engine) idle(ctx context.Context) bool {
	if e.config.PollPolicy == PollSpin {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if e.stopped.Load() && e.buf.Len() == 0 {
			return false
		}
		ring.Spin()
		return true
	}
	return e.buf.Wait(ctx) == nil
}

// process wraps one event's traversal in a trace span when tracing is
// configured.
func (e *Engine) process(ctx context.Context, evt *event.Event) {
	if e.spans == nil {
		e.dispatch(ctx, evt)
		return
	}
	spanCtx, span := e.spans.StartEventSpan(ctx, evt.SourceID, evt.SeqNo)
	e.spans.EndSpanWithError(span, e.dispatch(spanCtx, evt))
}

// dispatch runs one event through the pipeline and routes the survivor.
// Heartbeats skip the pipeline: liveness signals must not be filtered
// or transformed away. The returned error is the contained stage
// failure, already counted and logged; it only feeds the event span.
func (e *Engine) dispatch(ctx context.Context, evt *event.Event) error {
	if evt.IsHeartbeat() {
		e.heartbeats.Add(1)
		e.route(ctx, evt)
		return nil
	}

	start := time.Now()
	out, err := e.pipe.Run(ctx, evt)
	if err != nil {
		var stageErr *pipeline.StageError
		stage := ""
		if errors.As(err, &stageErr) {
			stage = stageErr.Stage
		}
		observability.LogStageError(e.logger, stage, evt.SourceID, evt.SeqNo, err)
		e.droppedStageError.Add(1)
		e.metrics.RecordDrop(ctx, observability.DropStageError)
		return err
	}
	if out == nil {
		e.droppedFiltered.Add(1)
		e.metrics.RecordDrop(ctx, observability.DropFiltered)
		return nil
	}

	e.processed.Add(1)
	e.metrics.RecordProcessed(ctx, time.Since(start))
	e.route(ctx, out)
	return nil
}

func (e *Engine) route(ctx context.Context, evt *event.Event) {
	d := e.router.Route(evt)
	if d.Delivered > 0 {
		e.routed.Add(uint64(d.Delivered))
		e.metrics.RecordRouted(ctx, d.Delivered)
	}
	if d.Dropped() {
		if !d.Routed {
			e.droppedUnrouted.Add(1)
			e.metrics.RecordDrop(ctx, observability.DropUnrouted)
		} else {
			e.droppedChannelFull.Add(1)
			e.metrics.RecordDrop(ctx, observability.DropChannelFull)
		}
	}
}

// waitResume parks the consumer until Resume or cancellation. Stop
// clears the pause flag itself, so a periodic re-check is enough to
// observe shutdown. Returns false when the consumer should exit.
func (e *Engine) waitResume(ctx context.Context) bool {
	select {
	case <-e.resumeCh:
		return true
	case <-ctx.Done():
		return false
	case <-time.After(time.Millisecond):
		return true
	}
}
