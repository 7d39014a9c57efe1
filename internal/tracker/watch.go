// Package tracker follows a single build attempt on the shared event feed and
// resolves it to success or failure.
package tracker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/buildwatch/internal/event"
	"github.com/JakeFAU/buildwatch/internal/metrics"
)

// Status is the resolution state of a watch.
type Status int

// Watch states. A watch leaves Pending at most once.
const (
	Pending Status = iota
	Succeeded
	Failed
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// Outcome is the result of a build attempt. BuildID is set on success and
// Reason on failure.
type Outcome struct {
	Status  Status
	BuildID string
	Reason  string
}

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o.Status {
	case Succeeded:
		return fmt.Sprintf("succeeded(%s)", o.BuildID)
	case Failed:
		return fmt.Sprintf("failed(%s)", o.Reason)
	default:
		return "pending"
	}
}

// StageResult is the last reported state of an analysis stage.
type StageResult int

// Stage results.
const (
	StageDone StageResult = iota + 1
	StageError
)

// String implements fmt.Stringer.
func (r StageResult) String() string {
	if r == StageError {
		return "error"
	}
	return "done"
}

// StageUpdate is published on the progress feed for every stage event of the
// watched repository.
type StageUpdate struct {
	Repo   string
	Kind   string
	Stage  string
	Result StageResult
}

const defaultProgressBuffer = 32

type watchOptions struct {
	logger         *zap.Logger
	progressBuffer int
}

// Option customizes a Watch.
type Option func(*watchOptions)

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *watchOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithProgressBuffer sizes the progress feed. Updates that do not fit are
// dropped.
func WithProgressBuffer(n int) Option {
	return func(o *watchOptions) {
		if n > 0 {
			o.progressBuffer = n
		}
	}
}

// Watch tracks one build attempt of one repository.
type Watch struct {
	repo   string
	stream event.Stream
	logger *zap.Logger

	mu         sync.Mutex
	armed      bool
	outcome    Outcome
	stageFlags map[string]bool
	stages     map[string]StageResult

	progress chan StageUpdate
	done     chan struct{}
	armCh    chan struct{}
	stop     chan struct{}
	exited   chan struct{}

	armOnce   sync.Once
	closeOnce sync.Once
}

// New subscribes to source and starts tracking repo immediately.
func New(source event.Source, repo string, opts ...Option) (*Watch, error) {
	stream, err := source.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("watch %s: subscribe: %w", repo, err)
	}
	w := newWatch(stream, repo, opts...)
	w.arm()
	return w, nil
}

// newWatch builds a disarmed watch. Events queue in the stream until arm is
// called.
func newWatch(stream event.Stream, repo string, opts ...Option) *Watch {
	o := watchOptions{logger: zap.NewNop(), progressBuffer: defaultProgressBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	w := &Watch{
		repo:       repo,
		stream:     stream,
		logger:     o.logger.Named("tracker").With(zap.String("repo", repo)),
		stageFlags: make(map[string]bool),
		stages:     make(map[string]StageResult),
		progress:   make(chan StageUpdate, o.progressBuffer),
		done:       make(chan struct{}),
		armCh:      make(chan struct{}),
		stop:       make(chan struct{}),
		exited:     make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Watch) arm() {
	w.armOnce.Do(func() {
		w.mu.Lock()
		w.armed = true
		w.mu.Unlock()
		close(w.armCh)
	})
}

// Repo returns the watched repository.
func (w *Watch) Repo() string {
	return w.repo
}

// Done is closed once the watch resolves. It never closes for an abandoned
// watch.
func (w *Watch) Done() <-chan struct{} {
	return w.done
}

// Outcome returns the current outcome.
func (w *Watch) Outcome() Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outcome
}

// Wait blocks until the watch resolves or ctx ends. A context error leaves
// the outcome untouched; callers decide what a timeout means.
func (w *Watch) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-w.done:
		return w.Outcome(), nil
	case <-ctx.Done():
		return w.Outcome(), ctx.Err()
	}
}

// Flags returns a snapshot of the stage kinds seen so far.
func (w *Watch) Flags() map[string]bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]bool, len(w.stageFlags))
	for k, v := range w.stageFlags {
		out[k] = v
	}
	return out
}

// Stages returns a snapshot of the latest result per stage name.
func (w *Watch) Stages() map[string]StageResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]StageResult, len(w.stages))
	for k, v := range w.stages {
		out[k] = v
	}
	return out
}

// Progress is an informational feed of stage updates. It is closed when the
// watch stops consuming events.
func (w *Watch) Progress() <-chan StageUpdate {
	return w.progress
}

// Close abandons the watch. A pending outcome stays pending and the
// subscription is released. It is safe to call after resolution.
func (w *Watch) Close() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.armed = false
		w.mu.Unlock()
		close(w.stop)
		w.stream.Close()
		<-w.exited
	})
}

func (w *Watch) run() {
	defer close(w.exited)
	defer close(w.progress)

	select {
	case <-w.armCh:
	case <-w.stop:
		return
	}
	events := w.stream.Events()
	for {
		select {
		case <-w.stop:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if w.handle(e) {
				w.stream.Close()
				return
			}
		}
	}
}

// handle applies one event and reports whether the watch resolved.
func (w *Watch) handle(e event.Event) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.armed || e.Repo != w.repo {
		return false
	}
	switch e.Class() {
	case event.ClassSucceeded:
		w.resolveLocked(Outcome{Status: Succeeded, BuildID: e.Payload})
		return true
	case event.ClassFailed:
		w.resolveLocked(Outcome{Status: Failed, Reason: e.Payload})
		return true
	case event.ClassStage:
		w.stageFlags[e.Kind] = true
		result := StageDone
		if e.StageFailed() {
			result = StageError
		}
		w.stages[e.Stage()] = result
		w.logger.Debug("stage reported", zap.String("stage", e.Stage()), zap.Stringer("result", result))
		select {
		case w.progress <- StageUpdate{Repo: e.Repo, Kind: e.Kind, Stage: e.Stage(), Result: result}:
		default:
			metrics.ObserveDropped(1)
		}
	default:
		w.logger.Debug("ignoring event", zap.String("kind", e.Kind))
	}
	return false
}

func (w *Watch) resolveLocked(o Outcome) {
	w.armed = false
	w.outcome = o
	close(w.done)
	metrics.ObserveWatchOutcome(o.Status.String())
	w.logger.Info("build resolved", zap.Stringer("outcome", o))
}
