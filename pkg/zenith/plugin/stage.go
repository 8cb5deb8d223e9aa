package plugin

import (
	"context"
	"time"

	"github.com/wahyuard/zenith/pkg/zenith/event"
	"github.com/wahyuard/zenith/pkg/zenith/pipeline"
)

// Stage adapts a loaded plugin to the pipeline.Stage contract: a reject
// verdict filters the event, a replace verdict swaps the payload, and an
// invoke error (trap, budget breach) becomes a contained stage failure.
type Stage struct {
	plugin  *Plugin
	timeout time.Duration
}

var _ pipeline.Stage = (*Stage)(nil)

// NewStage wraps a plugin as a pipeline stage. The timeout bounds every
// invocation and must be positive.
func NewStage(p *Plugin, timeout time.Duration) *Stage {
	if timeout <= 0 {
		timeout = 5 * time.Millisecond
	}
	return &Stage{plugin: p, timeout: timeout}
}

// Name implements pipeline.Stage.
func (s *Stage) Name() string { return "plugin:" + s.plugin.Name() }

// Process implements pipeline.Stage.
func (s *Stage) Process(ctx context.Context, evt *event.Event) (*event.Event, error) {
	out, err := s.plugin.Invoke(ctx, evt, s.timeout)
	if err != nil {
		return nil, err
	}
	switch out.Verdict {
	case VerdictReject:
		return nil, nil
	case VerdictReplace:
		return evt.WithData(out.Payload), nil
	default:
		return evt, nil
	}
}
