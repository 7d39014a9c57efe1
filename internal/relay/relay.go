package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/buildwatch/internal/event"
	"github.com/JakeFAU/buildwatch/internal/metrics"
	"github.com/JakeFAU/buildwatch/internal/progress"
)

const shutdownTimeout = 5 * time.Second

// Relay moves frames from a Source to a Hub. Frames that do not decode as
// events are dropped with the same rules the event channel applies.
type Relay struct {
	source   Source
	hub      *Hub
	recorder progress.Emitter
	logger   *zap.Logger
}

// New constructs a Relay. recorder may be nil.
func New(source Source, hub *Hub, recorder progress.Emitter, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{source: source, hub: hub, recorder: recorder, logger: logger.Named("relay")}
}

// Run consumes the source until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.source.Run(ctx, r.handle); err != nil {
		return fmt.Errorf("relay source: %w", err)
	}
	return nil
}

func (r *Relay) handle(frame []byte) {
	e, err := event.Decode(frame)
	if err != nil {
		metrics.ObserveFrame(metrics.FrameMalformed)
		r.logger.Debug("dropping malformed frame", zap.Error(err))
		return
	}
	metrics.ObserveFrame(metrics.FrameAccepted)
	if r.recorder != nil {
		r.recorder.Emit(progress.NewRecord(e, progress.OriginRelay, time.Now()))
	}
	r.hub.Broadcast(frame)
}

// Serve runs the relay and its HTTP server until ctx ends or either fails.
// Clients are disconnected before the listener shuts down.
func Serve(ctx context.Context, addr string, relay *Relay, server *Server) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		relay.logger.Info("relay listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := relay.Run(gctx); err != nil {
			return err
		}
		if gctx.Err() == nil {
			return errors.New("relay source stopped")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		relay.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("relay http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
