package relay

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/buildwatch/internal/store"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	runsTimeout     = 3 * time.Second
)

// RunsHandler exposes the build-run audit read-only.
type RunsHandler struct {
	repo    store.BuildRunRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunsHandler wires the repository and logger. repo may be nil, in which
// case every request answers 503.
func NewRunsHandler(repo store.BuildRunRepository, logger *zap.Logger) *RunsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunsHandler{
		repo:    repo,
		timeout: runsTimeout,
		logger:  logger,
	}
}

// ListRuns handles GET /api/runs?repo=&limit=. It returns {"runs": [...]},
// 400 for an invalid limit, 503 without a repository, or 500 on store errors.
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "build run store unavailable")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	repo := strings.TrimSpace(r.URL.Query().Get("repo"))
	runs, err := h.repo.ListRuns(ctx, repo, limit)
	if err != nil {
		h.logger.Error("list build runs failed", zap.String("repo", repo), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list build runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": toRunDTOs(runs)})
}

// GetRun handles GET /api/runs/{run_id}. It returns {"run": {...}}, 400 for a
// malformed id, 404 for an unknown run, 503 without a repository, or 500.
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "build run store unavailable")
		return
	}
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "build run not found")
			return
		}
		h.logger.Error("get build run failed", zap.Stringer("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load build run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "run_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("run_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid run_id")
	}
	return id, nil
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultRunLimit, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxRunLimit), nil
}

type runDTO struct {
	ID         string    `json:"id"`
	Repo       string    `json:"repo"`
	Status     string    `json:"status"`
	BuildID    string    `json:"build_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Stages     []string  `json:"stages"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func toRunDTOs(in []store.BuildRun) []runDTO {
	out := make([]runDTO, 0, len(in))
	for _, run := range in {
		out = append(out, toRunDTO(run))
	}
	return out
}

func toRunDTO(run store.BuildRun) runDTO {
	stages := run.Stages
	if stages == nil {
		stages = []string{}
	}
	return runDTO{
		ID:         run.ID.String(),
		Repo:       run.Repo,
		Status:     string(run.Status),
		BuildID:    run.BuildID,
		Reason:     run.Reason,
		Stages:     stages,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
}
