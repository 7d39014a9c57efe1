package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/buildwatch/internal/progress"
)

// LogSink emits one structured log line per observed event. It is useful
// during development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each record in the batch. Terminal events log at info level,
// everything else at debug.
func (s *LogSink) Consume(_ context.Context, batch []progress.Record) error {
	for _, rec := range batch {
		e := rec.Event
		fields := []zap.Field{
			zap.Stringer("id", rec.ID),
			zap.Time("ts", rec.TS),
			zap.String("origin", string(rec.Origin)),
			zap.String("repo", e.Repo),
			zap.String("kind", e.Kind),
			zap.Stringer("class", e.Class()),
		}
		if stage := e.Stage(); stage != "" {
			fields = append(fields, zap.String("stage", stage), zap.Bool("stage_failed", e.StageFailed()))
		}
		if e.Payload != "" {
			fields = append(fields, zap.String("payload", e.Payload))
		}
		if e.Terminal() {
			s.logger.Info("build event", fields...)
			continue
		}
		s.logger.Debug("build event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
