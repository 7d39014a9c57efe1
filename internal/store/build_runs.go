package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("build run not found")

// RunStatus mirrors the build_runs status column.
type RunStatus string

// Build run statuses persisted in build_runs.status.
const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// BuildRun is one observed build attempt, written when it resolves.
type BuildRun struct {
	// ID is the primary key of build_runs.
	ID uuid.UUID
	// Repo is the analysed repository.
	Repo string
	// Status is succeeded or failed.
	Status RunStatus
	// BuildID is the backend build number reported on success.
	BuildID string
	// Reason is the failure reason reported on error.
	Reason string
	// Stages lists the stage kinds seen before resolution, in arrival order.
	Stages []string
	// StartedAt is when the first event of the attempt was observed.
	StartedAt time.Time
	// FinishedAt is when the terminal event was observed.
	FinishedAt time.Time
}

// BuildRunRepository persists resolved build attempts. It is an audit trail
// only and is never used to replay events.
type BuildRunRepository interface {
	// RecordOutcome inserts a resolved run. Recording the same ID twice is a no-op.
	RecordOutcome(ctx context.Context, run BuildRun) error
	// GetRun fetches a single run or returns ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (BuildRun, error)
	// ListRuns returns the most recent runs of repo, newest first. An empty
	// repo lists across all repositories.
	ListRuns(ctx context.Context, repo string, limit int) ([]BuildRun, error)
}
