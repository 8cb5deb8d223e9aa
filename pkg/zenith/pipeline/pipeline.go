// Package pipeline applies an ordered sequence of processing stages to
// each event after it leaves the ring buffer.
//
// Stages run in insertion order. A filter stage that rejects an event
// short-circuits the remainder - nothing reaches the router for that
// event. A stage that errors (plugin trap, resource budget exceeded)
// fails only that event; the pipeline itself never becomes unusable.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/wahyuard/zenith/pkg/zenith/event"
)

// Stage is one unit of pipeline processing over the capability set
// {inspect, transform, filter}.
//
// Process returns the event to pass to the next stage. Returning
// (nil, nil) filters the event: no further stages run and nothing is
// routed. Returning an error drops the event and reports a per-event
// failure. Stages must be deterministic for a fixed input unless they
// explicitly document otherwise.
type Stage interface {
	Name() string
	Process(ctx context.Context, evt *event.Event) (*event.Event, error)
}

// StageError wraps a failure inside a single stage. It is scoped to the
// one event being processed, never fatal to the pipeline.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: stage %q: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Pipeline is an ordered, mutable list of stages.
//
// Run is called from the engine's single consumer loop; Add and Remove
// may be called concurrently from the control path, so the stage list is
// read under a read-lock per event.
type Pipeline struct {
	mu     sync.RWMutex
	stages []Stage
}

// New creates an empty pipeline.
func New(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// Add appends a stage to the execution order.
func (p *Pipeline) Add(stage Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stages = append(p.stages, stage)
}

// Remove deletes the first stage with the given name. Returns false if
// no such stage exists.
func (p *Pipeline) Remove(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.stages {
		if s.Name() == name {
			p.stages = append(p.stages[:i], p.stages[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.stages)
}

// Run applies each stage in order.
//
// Returns (nil, nil) when a filter rejected the event - expected
// behavior, not an error. Returns (nil, *StageError) when a stage
// failed; the caller counts and continues with the next event.
func (p *Pipeline) Run(ctx context.Context, evt *event.Event) (*event.Event, error) {
	p.mu.RLock()
	stages := p.stages
	p.mu.RUnlock()

	for _, stage := range stages {
		out, err := stage.Process(ctx, evt)
		if err != nil {
			return nil, &StageError{Stage: stage.Name(), Err: err}
		}
		if out == nil {
			return nil, nil
		}
		evt = out
	}
	return evt, nil
}
