package main

import (
	"log/slog"

	"github.com/wahyuard/zenith/pkg/zenith/config"
	"github.com/wahyuard/zenith/pkg/zenith/observability"
	"github.com/wahyuard/zenith/pkg/zenith/route"
)

// routeBinder reconciles the router against a config's route section,
// so a hot reload adds and removes only what changed. Channels
// themselves are fixed at startup; a reload that names an undeclared
// channel has already been rejected by validation, but a channel added
// to the file after startup cannot be bound and is skipped.
type routeBinder struct {
	router *route.Router
	logger *slog.Logger
	bound  map[uint32][]*route.Channel
}

func newRouteBinder(r *route.Router, logger *slog.Logger) *routeBinder {
	return &routeBinder{
		router: r,
		logger: logger,
		bound:  make(map[uint32][]*route.Channel),
	}
}

func (b *routeBinder) apply(cfg *config.Config, channels map[string]*route.Channel) {
	next := make(map[uint32][]*route.Channel, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		for _, name := range rc.Channels {
			ch, ok := channels[name]
			if !ok {
				continue
			}
			next[rc.SourceID] = append(next[rc.SourceID], ch)
		}
	}

	// Remove bindings dropped by the new config.
	for sourceID, chans := range b.bound {
		for _, ch := range chans {
			if !contains(next[sourceID], ch) {
				b.router.Remove(sourceID, ch.ID())
				observability.LogRouteChange(b.logger, "remove", sourceID, ch.Name())
			}
		}
	}

	// Add new bindings. Router.Add is idempotent, so re-adding survivors
	// is harmless, but skipping them keeps the log quiet.
	for sourceID, chans := range next {
		for _, ch := range chans {
			if !contains(b.bound[sourceID], ch) {
				b.router.Add(sourceID, ch)
				observability.LogRouteChange(b.logger, "add", sourceID, ch.Name())
			}
		}
	}

	b.bound = next
}

func contains(chans []*route.Channel, ch *route.Channel) bool {
	for _, c := range chans {
		if c == ch {
			return true
		}
	}
	return false
}
