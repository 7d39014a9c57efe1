package sinks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/buildwatch/internal/event"
	"github.com/JakeFAU/buildwatch/internal/progress"
	"github.com/JakeFAU/buildwatch/internal/store"
)

// TestStoreSinkRecordsResolvedRuns ensures stages are folded into one row per resolved build.
func TestStoreSinkRecordsResolvedRuns(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	start := time.Unix(1700000000, 0).UTC()

	first := record("A", "download-done", "", start)
	batch := []progress.Record{
		first,
		record("B", "download-done", "", start.Add(time.Second)),
		record("A", "golint-done", "", start.Add(2*time.Second)),
		record("A", event.KindAllDone, "42", start.Add(3*time.Second)),
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.NoError(t, sink.Consume(context.Background(), []progress.Record{
		record("B", event.KindError, "timeout", start.Add(4*time.Second)),
	}))

	runs := repo.Runs()
	require.Len(t, runs, 2)
	require.Equal(t, store.BuildRun{
		ID:         first.ID,
		Repo:       "A",
		Status:     store.RunSucceeded,
		BuildID:    "42",
		Stages:     []string{"download-done", "golint-done"},
		StartedAt:  start,
		FinishedAt: start.Add(3 * time.Second),
	}, runs[0])
	require.Equal(t, store.RunFailed, runs[1].Status)
	require.Equal(t, "timeout", runs[1].Reason)
}

// TestStoreSinkIgnoresUnknownEvents keeps unrelated kinds out of the audit trail.
func TestStoreSinkIgnoresUnknownEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Record{
		record("A", event.KindAlreadyAnalyzed, "", time.Now()),
	}))
	require.Empty(t, repo.Runs())
	require.Empty(t, sink.pending)

	require.NoError(t, sink.Consume(context.Background(), []progress.Record{
		record("A", "vet-done", "", time.Now()),
	}))
	require.NoError(t, sink.Close(context.Background()))
	require.Empty(t, sink.pending)
	require.Empty(t, repo.Runs())
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Record{
		record("A", event.KindAllDone, "1", time.Now()),
	})
	require.Error(t, err)
}

func TestStoreSinkNilRepository(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(nil, nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Record{
		record("A", event.KindAllDone, "1", time.Now()),
	}))
}

type fakeRunRepo struct {
	mu   sync.Mutex
	fail bool
	runs []store.BuildRun
}

func (f *fakeRunRepo) RecordOutcome(_ context.Context, run store.BuildRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("insert failed")
	}
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeRunRepo) GetRun(context.Context, uuid.UUID) (store.BuildRun, error) {
	return store.BuildRun{}, store.ErrNotFound
}

func (f *fakeRunRepo) ListRuns(context.Context, string, int) ([]store.BuildRun, error) {
	return f.Runs(), nil
}

func (f *fakeRunRepo) Runs() []store.BuildRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.BuildRun(nil), f.runs...)
}
