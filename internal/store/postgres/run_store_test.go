package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/buildwatch/internal/store"
)

var runColumns = []string{"id", "repo", "status", "build_id", "reason", "stages", "started_at", "finished_at"}

func newMockStore(t *testing.T) (*RunStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewRunStoreWithPool(mock, "")
	require.NoError(t, err)
	return s, mock
}

func TestNewRunStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRunStoreWithPool(mock, "runs; DROP TABLE users")
	require.Error(t, err)
	_, err = NewRunStoreWithPool(nil, "")
	require.Error(t, err)
	s, err := NewRunStoreWithPool(mock, "audit_runs")
	require.NoError(t, err)
	require.Equal(t, "audit_runs", s.table)
}

func TestNewRunStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewRunStore(context.Background(), Config{})
	require.Error(t, err)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS build_runs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordOutcomeInsertsRow(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	started := time.Unix(1700000000, 0).UTC()
	run := store.BuildRun{
		ID:         uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		Repo:       "github.com/qfarm/bad-go-code",
		Status:     store.RunSucceeded,
		BuildID:    "42",
		Stages:     []string{"download-done", "golint-done"},
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
	}

	mock.ExpectExec("INSERT INTO build_runs").
		WithArgs(
			run.ID.String(),
			run.Repo,
			"succeeded",
			"42",
			"",
			run.Stages,
			run.StartedAt,
			run.FinishedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.RecordOutcome(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordOutcomeRequiresID(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	require.Error(t, s.RecordOutcome(context.Background(), store.BuildRun{Repo: "A"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordOutcomeWrapsErrors(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	boom := errors.New("connection reset")
	mock.ExpectExec("INSERT INTO build_runs").
		WithArgs(pgxmock.AnyArg(), "A", "failed", "", "clone failed", []string{}, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(boom)

	err := s.RecordOutcome(context.Background(), store.BuildRun{
		ID:     uuid.New(),
		Repo:   "A",
		Status: store.RunFailed,
		Reason: "clone failed",
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	id := uuid.New()
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT (.+) FROM build_runs").
		WithArgs(id.String()).
		WillReturnRows(pgxmock.NewRows(runColumns).
			AddRow(id.String(), "A", "failed", "", "timeout", []string{"vet-error"}, now, now.Add(time.Second)))

	run, err := s.GetRun(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, id, run.ID)
	require.Equal(t, store.RunFailed, run.Status)
	require.Equal(t, "timeout", run.Reason)
	require.Equal(t, []string{"vet-error"}, run.Stages)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM build_runs").
		WithArgs(id.String()).
		WillReturnRows(pgxmock.NewRows(runColumns))

	_, err := s.GetRun(context.Background(), id)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRuns(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	now := time.Unix(1700000000, 0).UTC()
	first, second := uuid.New(), uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM build_runs").
		WithArgs("A", 50).
		WillReturnRows(pgxmock.NewRows(runColumns).
			AddRow(first.String(), "A", "succeeded", "7", "", []string{}, now, now.Add(2*time.Minute)).
			AddRow(second.String(), "A", "failed", "", "boom", []string{"golint-done"}, now, now.Add(time.Minute)))

	runs, err := s.ListRuns(context.Background(), "A", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, first, runs[0].ID)
	require.Equal(t, "7", runs[0].BuildID)
	require.Equal(t, store.RunFailed, runs[1].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRunsQueryError(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM build_runs").
		WithArgs("", 5).
		WillReturnError(errors.New("syntax error"))

	_, err := s.ListRuns(context.Background(), "", 5)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
