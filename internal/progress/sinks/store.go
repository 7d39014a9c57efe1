package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/buildwatch/internal/event"
	"github.com/JakeFAU/buildwatch/internal/progress"
	"github.com/JakeFAU/buildwatch/internal/store"
)

// StoreSink writes one audit row per resolved build via a
// store.BuildRunRepository. Stage events are accumulated in memory until the
// terminal event of the same repository arrives.
type StoreSink struct {
	repo   store.BuildRunRepository
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingRun
}

type pendingRun struct {
	id        uuid.UUID
	startedAt time.Time
	stages    []string
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.BuildRunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger, pending: make(map[string]*pendingRun)}
}

// Consume folds the batch into pending runs and records every run that
// resolved. It respects ctx deadlines and returns repository errors wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Record) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, rec := range batch {
		run, ok := s.apply(rec)
		if !ok {
			continue
		}
		if err := s.repo.RecordOutcome(ctx, run); err != nil {
			return fmt.Errorf("record build run %s: %w", run.Repo, err)
		}
		s.logger.Debug("build run recorded", zap.String("repo", run.Repo), zap.String("status", string(run.Status)))
	}
	return nil
}

// apply updates in-memory state and returns a completed run on terminal events.
func (s *StoreSink) apply(rec progress.Record) (store.BuildRun, bool) {
	e := rec.Event
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pending[e.Repo]
	if p == nil {
		if e.Class() != event.ClassStage && !e.Terminal() {
			return store.BuildRun{}, false
		}
		p = &pendingRun{id: rec.ID, startedAt: rec.TS}
		s.pending[e.Repo] = p
	}

	switch e.Class() {
	case event.ClassStage:
		p.stages = append(p.stages, e.Kind)
		return store.BuildRun{}, false
	case event.ClassSucceeded, event.ClassFailed:
		delete(s.pending, e.Repo)
		run := store.BuildRun{
			ID:         p.id,
			Repo:       e.Repo,
			Stages:     p.stages,
			StartedAt:  p.startedAt,
			FinishedAt: rec.TS,
		}
		if e.Class() == event.ClassSucceeded {
			run.Status = store.RunSucceeded
			run.BuildID = e.Payload
		} else {
			run.Status = store.RunFailed
			run.Reason = e.Payload
		}
		return run, true
	}
	return store.BuildRun{}, false
}

// Close logs builds that never resolved; they are not written.
func (s *StoreSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for repo := range s.pending {
		s.logger.Info("discarding unresolved build", zap.String("repo", repo))
	}
	s.pending = make(map[string]*pendingRun)
	return nil
}
