package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/buildwatch/internal/event"
	"github.com/JakeFAU/buildwatch/internal/progress"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []progress.Record{
		record("A", "vet-error", "", time.Now()),
		record("A", event.KindError, "boom", time.Now()),
	}))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zapcore.DebugLevel, entries[0].Level)
	require.Equal(t, "vet", entries[0].ContextMap()["stage"])
	require.Equal(t, true, entries[0].ContextMap()["stage_failed"])
	require.Equal(t, zapcore.InfoLevel, entries[1].Level)
	require.Equal(t, "boom", entries[1].ContextMap()["payload"])
	require.Equal(t, "failed", entries[1].ContextMap()["class"])
}
