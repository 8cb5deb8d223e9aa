package benchmarks

import (
	"context"
	"errors"
	"testing"

	"github.com/wahyuard/zenith/pkg/zenith/engine"
	"github.com/wahyuard/zenith/pkg/zenith/event"
	"github.com/wahyuard/zenith/pkg/zenith/pipeline"
	"github.com/wahyuard/zenith/pkg/zenith/ring"
	"github.com/wahyuard/zenith/pkg/zenith/route"
)

// BenchmarkEngineEndToEnd measures the full publish -> pipeline ->
// route path, retrying on backpressure like a real producer.
func BenchmarkEngineEndToEnd(b *testing.B) {
	pipe := pipeline.New(
		pipeline.Filter("all", func(*event.Event) bool { return true }),
	)
	e, err := engine.New(engine.Config{RingCapacity: 4096}, pipe, nil, nil)
	if err != nil {
		b.Fatal(err)
	}
	ch := route.NewChannel("out", 4096)
	e.Router().Add(1, ch)

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch.Events():
			case <-stop:
				return
			}
		}
	}()
	defer close(stop)

	e.Start(context.Background())
	defer e.Stop()

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for {
			err := e.Publish(1, payload)
			if err == nil {
				break
			}
			if !errors.Is(err, ring.ErrFull) {
				b.Fatal(err)
			}
			ring.Spin()
		}
	}
}
