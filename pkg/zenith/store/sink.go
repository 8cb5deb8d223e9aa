package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wahyuard/zenith/pkg/zenith/event"
	"github.com/wahyuard/zenith/pkg/zenith/route"
)

// Sink drains a router channel into a Store, making persistence a
// regular downstream consumer of the data plane. Heartbeats are not
// persisted; they carry no data and exist only in transit.
type Sink struct {
	store    Store
	channel  *route.Channel
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	appended uint64
	failed   uint64
}

// SinkConfig configures a persistence sink.
type SinkConfig struct {
	// FlushInterval is how often the sink issues a durability barrier.
	// Default: 1s. Zero disables periodic flushing.
	FlushInterval time.Duration

	// Logger receives append failures. Nil disables logging.
	Logger *slog.Logger
}

// NewSink creates a sink draining ch into st. Call Start to begin.
func NewSink(st Store, ch *route.Channel, config SinkConfig) *Sink {
	return &Sink{
		store:    st,
		channel:  ch,
		logger:   config.Logger,
		interval: config.FlushInterval,
	}
}

// Start launches the drain loop.
func (s *Sink) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop terminates the drain loop and flushes what was appended.
func (s *Sink) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Counters returns the number of appended and failed events.
func (s *Sink) Counters() (appended, failed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appended, s.failed
}

func (s *Sink) run(ctx context.Context) {
	defer s.wg.Done()

	var flushC <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		flushC = ticker.C
	}

	for {
		select {
		case evt := <-s.channel.Events():
			s.append(ctx, evt)

		case <-flushC:
			if err := s.store.Flush(ctx); err != nil && s.logger != nil {
				s.logger.Warn("sink flush failed", slog.String("error", err.Error()))
			}

		case <-ctx.Done():
			s.drainRemaining()
			return
		}
	}
}

// drainRemaining empties the channel buffer after cancellation so events
// already routed are not lost, then issues a final barrier.
func (s *Sink) drainRemaining() {
	ctx := context.Background()
	for {
		select {
		case evt := <-s.channel.Events():
			s.append(ctx, evt)
		default:
			if err := s.store.Flush(ctx); err != nil && s.logger != nil {
				s.logger.Warn("sink final flush failed", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (s *Sink) append(ctx context.Context, evt *event.Event) {
	if evt.IsHeartbeat() {
		return
	}
	if err := s.store.Append(ctx, FromEvent(evt)); err != nil {
		s.mu.Lock()
		s.failed++
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.Warn("sink append failed",
				slog.Uint64("source_id", uint64(evt.SourceID)),
				slog.Uint64("seq_no", evt.SeqNo),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	s.mu.Lock()
	s.appended++
	s.mu.Unlock()
}
