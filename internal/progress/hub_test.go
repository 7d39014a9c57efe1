package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/buildwatch/internal/event"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:   8,
		MaxBatch:     2,
		MaxBatchWait: time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleRecord("golint-done"))
	hub.Emit(sampleRecord("vet-done"))
	require.Eventually(t, func() bool {
		batches := sink.Batches()
		return len(batches) == 1 && len(batches[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:   4,
		MaxBatch:     10,
		MaxBatchWait: 25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleRecord(event.KindAllDone))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(1), hub.Stats().Flushed)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:     Config{},
		records: make(chan Record),
		logger:  zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleRecord("golint-done"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, Stats{Dropped: 1}, hub.Stats())
}

// TestHubFlushOnClose ensures Close drains any buffered records before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:   4,
		MaxBatch:     100,
		MaxBatchWait: time.Minute,
	}, sink)

	hub.Emit(sampleRecord("golint-done"))
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.closed)

	hub.Emit(sampleRecord("vet-done"))
	require.Equal(t, int64(1), hub.Stats().Accepted)
}

func TestHubDiscardsInvalidRecords(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatch: 1}, sink)
	hub.Emit(Record{})
	hub.Emit(Record{ID: sampleRecord("x-done").ID, TS: time.Now()})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
	require.Zero(t, hub.Stats().Accepted)
}

func TestHubCountsSinkErrors(t *testing.T) {
	t.Parallel()

	failing := sinkFunc(func(context.Context, []Record) error { return errors.New("db down") })
	healthy := newStubSink()
	hub := NewHub(Config{MaxBatch: 1}, failing, healthy)
	hub.Emit(sampleRecord(event.KindError))
	require.NoError(t, hub.Close(context.Background()))

	require.Equal(t, int64(1), hub.Stats().SinkErrors)
	require.Len(t, healthy.Batches(), 1)
}

type fakeStream struct {
	ch   chan event.Event
	once sync.Once
	done chan struct{}
}

func (s *fakeStream) Events() <-chan event.Event { return s.ch }
func (s *fakeStream) Close()                     { s.once.Do(func() { close(s.done) }) }

func TestHubObserveRecordsStream(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatch: 100, MaxBatchWait: time.Minute}, sink)
	stream := &fakeStream{ch: make(chan event.Event, 2), done: make(chan struct{})}
	stream.ch <- event.New("A", "golint-done", "")
	stream.ch <- event.New("A", event.KindAllDone, "4")
	close(stream.ch)

	hub.Observe(context.Background(), stream, OriginWatch)
	<-stream.done
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	require.Equal(t, OriginWatch, batches[0][1].Origin)
	require.Equal(t, "4", batches[0][1].Event.Payload)
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Record
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Record{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Record(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Record, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Record(nil), b...)
	}
	return out
}

func sampleRecord(kind string) Record {
	return NewRecord(event.New("github.com/qfarm/bad-go-code", kind, ""), OriginRelay, time.Now())
}
