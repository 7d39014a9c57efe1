package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/buildwatch/internal/event"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Record) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit demonstrates emitting a record and flushing via Close.
func ExampleHub_Emit() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{
		BufferSize:   4,
		MaxBatch:     1,
		MaxBatchWait: time.Second,
	}, sink)

	hub.Emit(NewRecord(event.New("github.com/qfarm/qfarm", "golint-done", ""), OriginRelay, time.Unix(0, 0)))
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("records forwarded: %d\n", sink.total)
	// Output:
	// records forwarded: 1
}

// ExampleSink implements a custom Sink that counts finished builds.
func ExampleSink() {
	finished := 0
	capture := sinkFunc(func(_ context.Context, batch []Record) error {
		for _, rec := range batch {
			if rec.Event.Terminal() {
				finished++
			}
		}
		return nil
	})
	hub := NewHub(Config{
		BufferSize:   4,
		MaxBatch:     1,
		MaxBatchWait: time.Second,
	}, capture)

	hub.Emit(NewRecord(event.New("A", "vet-done", ""), OriginRelay, time.Unix(0, 0)))
	hub.Emit(NewRecord(event.New("A", event.KindAllDone, "3"), OriginRelay, time.Unix(1, 0)))
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("builds finished: %d\n", finished)
	// Output:
	// builds finished: 1
}

type sinkFunc func(context.Context, []Record) error

func (f sinkFunc) Consume(ctx context.Context, batch []Record) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}
