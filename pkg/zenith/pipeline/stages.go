package pipeline

import (
	"context"

	"github.com/wahyuard/zenith/pkg/zenith/event"
)

// FilterStage drops events whose predicate returns false.
type FilterStage struct {
	name      string
	predicate func(*event.Event) bool
}

// Filter creates a filter stage. Events failing the predicate are
// dropped; this is normal pipeline behavior, not an error.
func Filter(name string, predicate func(*event.Event) bool) *FilterStage {
	return &FilterStage{name: name, predicate: predicate}
}

// Name implements Stage.
func (s *FilterStage) Name() string { return s.name }

// Process implements Stage.
func (s *FilterStage) Process(_ context.Context, evt *event.Event) (*event.Event, error) {
	if s.predicate(evt) {
		return evt, nil
	}
	return nil, nil
}

// TransformStage maps an event to a modified event.
type TransformStage struct {
	name string
	fn   func(*event.Event) (*event.Event, error)
}

// Transform creates a transform stage. The function always yields an
// event (possibly the input unchanged) or an error scoped to that event.
func Transform(name string, fn func(*event.Event) (*event.Event, error)) *TransformStage {
	return &TransformStage{name: name, fn: fn}
}

// Name implements Stage.
func (s *TransformStage) Name() string { return s.name }

// Process implements Stage.
func (s *TransformStage) Process(_ context.Context, evt *event.Event) (*event.Event, error) {
	return s.fn(evt)
}

// InspectStage observes events without modifying them. Used for taps and
// counters in front of the router.
type InspectStage struct {
	name string
	fn   func(*event.Event)
}

// Inspect creates a pass-through stage that observes each event.
func Inspect(name string, fn func(*event.Event)) *InspectStage {
	return &InspectStage{name: name, fn: fn}
}

// Name implements Stage.
func (s *InspectStage) Name() string { return s.name }

// Process implements Stage.
func (s *InspectStage) Process(_ context.Context, evt *event.Event) (*event.Event, error) {
	s.fn(evt)
	return evt, nil
}
