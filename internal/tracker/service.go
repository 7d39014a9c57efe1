package tracker

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/buildwatch/internal/backend"
	"github.com/JakeFAU/buildwatch/internal/event"
	"github.com/JakeFAU/buildwatch/internal/telemetry"
)

// Submitter queues builds on the backend.
type Submitter interface {
	SubmitBuild(ctx context.Context, repo string) (backend.Build, error)
}

// Service submits builds and tracks them on a shared event source.
type Service struct {
	source    event.Source
	submitter Submitter
	logger    *zap.Logger
	opts      []Option
}

// NewService wires a Service. opts apply to every Watch it creates.
func NewService(source event.Source, submitter Submitter, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		source:    source,
		submitter: submitter,
		logger:    logger,
		opts:      append([]Option{WithLogger(logger)}, opts...),
	}
}

// SubmitAndWatch subscribes before submitting so that no event of the new
// build can be missed. Events that arrive while the submission is in flight
// are held in the subscription buffer (events.subscriber_buffer) and applied
// once the submission succeeds; anything beyond that buffer is dropped like
// any other overflow. On a failed submission the subscription is released and
// no watch is returned.
func (s *Service) SubmitAndWatch(ctx context.Context, repo string) (*Watch, backend.Build, error) {
	repo = backend.NormalizeRepo(repo)
	if repo == "" {
		return nil, backend.Build{}, errors.New("tracker: repo is required")
	}
	ctx, span := telemetry.Tracer().Start(ctx, "tracker.SubmitAndWatch",
		trace.WithAttributes(attribute.String("repo", repo)))
	defer span.End()

	stream, err := s.source.Subscribe()
	if err != nil {
		span.SetStatus(codes.Error, "subscribe failed")
		return nil, backend.Build{}, fmt.Errorf("watch %s: subscribe: %w", repo, err)
	}
	w := newWatch(stream, repo, s.opts...)

	build, err := s.submitter.SubmitBuild(ctx, repo)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		w.Close()
		s.logger.Warn("build submission failed", zap.String("repo", repo), zap.Error(err))
		return nil, backend.Build{}, err
	}
	w.arm()
	span.SetAttributes(attribute.Int("build.no", build.No))
	s.logger.Info("build submitted", zap.String("repo", repo), zap.Int("no", build.No))
	return w, build, nil
}

// Watch tracks repo without submitting a build.
func (s *Service) Watch(repo string) (*Watch, error) {
	return New(s.source, backend.NormalizeRepo(repo), s.opts...)
}
