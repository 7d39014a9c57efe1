package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/buildwatch/internal/backend"
	"github.com/JakeFAU/buildwatch/internal/channel"
	"github.com/JakeFAU/buildwatch/internal/progress"
	"github.com/JakeFAU/buildwatch/internal/tracker"
)

// errStillRunning reports a watch that hit its timeout before the backend
// resolved the build. The build itself may still finish.
var errStillRunning = errors.New("build still running")

func newWatchCmd() *cobra.Command {
	var (
		noSubmit bool
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch <repo>",
		Short: "Submit a build and follow it until it finishes",
		Long: `Submits the repository for analysis, then follows the shared event
channel until the backend reports all-done or error. Stage completions are
printed as they arrive. With --no-submit an already running build is followed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("timeout") {
				timeout = a.Config().Watch.Timeout
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			// Record what this process observes alongside the watch.
			if stream, err := a.Channel().Subscribe(); err == nil {
				go a.Progress().Observe(ctx, stream, progress.OriginWatch)
			}
			var status <-chan channel.State
			if st, err := a.Channel().SubscribeStatus(); err == nil {
				defer st.Close()
				status = st.States()
			}

			var w *tracker.Watch
			if noSubmit {
				w, err = a.Tracker().Watch(args[0])
				if err != nil {
					return err
				}
			} else {
				var build backend.Build
				w, build, err = a.Tracker().SubmitAndWatch(ctx, args[0])
				if err != nil {
					return fmt.Errorf("submit build: %w", err)
				}
				fmt.Fprintf(out, "submitted %s (build #%d)\n", build.Repo, build.No)
			}
			defer w.Close()

			outcome, err := followWatch(ctx, out, w, status, timeout)
			if err != nil {
				return err
			}
			if outcome.Status == tracker.Failed {
				return fmt.Errorf("build failed: %s", outcome.Reason)
			}
			printSummary(ctx, out, a.Backend(), w.Repo(), outcome.BuildID, a.Logger())
			return nil
		},
	}
	cmd.Flags().BoolVar(&noSubmit, "no-submit", false, "follow an already running build instead of submitting")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting after this long (0 waits forever; defaults to watch.timeout)")
	return cmd
}

// followWatch prints stage updates until w resolves, ctx ends, or timeout
// elapses. A zero timeout waits indefinitely. Connectivity changes read from
// status are printed after the first, which is the starting state; status may
// be nil.
func followWatch(ctx context.Context, out io.Writer, w *tracker.Watch, status <-chan channel.State, timeout time.Duration) (tracker.Outcome, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	fmt.Fprintf(out, "watching %s\n", w.Repo())
	updates := w.Progress()
	var (
		last     channel.State
		seenLast bool
	)
	for {
		select {
		case st, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			if seenLast && st != last {
				printStatus(out, st)
			}
			last, seenLast = st, true
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			printUpdate(out, u)
		case <-w.Done():
			drainUpdates(out, updates)
			o := w.Outcome()
			fmt.Fprintf(out, "%s: %s\n", w.Repo(), o)
			return o, nil
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				fmt.Fprintf(out, "%s: still running after %s\n", w.Repo(), timeout)
				return w.Outcome(), errStillRunning
			}
			return w.Outcome(), ctx.Err()
		}
	}
}

// drainUpdates prints stage updates that were queued before resolution.
func drainUpdates(out io.Writer, updates <-chan tracker.StageUpdate) {
	for updates != nil {
		select {
		case u, ok := <-updates:
			if !ok {
				return
			}
			printUpdate(out, u)
		default:
			return
		}
	}
}

func printStatus(out io.Writer, st channel.State) {
	if st == channel.Connected {
		fmt.Fprintln(out, "event channel connected")
		return
	}
	fmt.Fprintln(out, "event channel lost, reconnecting")
}

func printUpdate(out io.Writer, u tracker.StageUpdate) {
	fmt.Fprintf(out, "  %-14s %s\n", u.Stage, u.Result)
}

type summaryFetcher interface {
	FetchBuildSummary(ctx context.Context, repo string, no int) (backend.Report, error)
}

// printSummary shows the score of a finished build. Failures only warn; the
// build already succeeded.
func printSummary(ctx context.Context, out io.Writer, api summaryFetcher, repo, buildID string, logger *zap.Logger) {
	no, err := strconv.Atoi(buildID)
	if err != nil {
		no = 0
	}
	report, err := api.FetchBuildSummary(ctx, repo, no)
	if err != nil {
		logger.Warn("fetch build summary", zap.String("repo", repo), zap.Error(err))
		return
	}
	fmt.Fprintf(out, "score: %d\n", report.Score)
}
