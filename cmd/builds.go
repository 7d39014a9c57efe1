package cmd

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/buildwatch/internal/backend"
	"github.com/JakeFAU/buildwatch/internal/store"
)

func newBuildsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "builds [repo]",
		Short: "List recent builds, optionally for one repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var builds []backend.Build
			if len(args) == 1 {
				builds, err = a.Backend().FetchRepoBuilds(cmd.Context(), args[0])
			} else {
				builds, err = a.Backend().FetchLastBuilds(cmd.Context())
			}
			if err != nil {
				return err
			}
			return printBuilds(cmd.OutOrStdout(), builds)
		},
	}
}

func newSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <repo> [build-no]",
		Short: "Print the report of a build (latest when no number is given)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			no, err := buildNumber(args)
			if err != nil {
				return err
			}
			report, err := a.Backend().FetchBuildSummary(cmd.Context(), args[0], no)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s #%d score %d\n", report.Repo, report.No, report.Score)
			_, err = fmt.Fprintln(out, string(report.Raw))
			return err
		},
	}
}

func newIssuesCmd() *cobra.Command {
	var filter backend.IssueFilter
	cmd := &cobra.Command{
		Use:   "issues <repo> [build-no]",
		Short: "List the issues found by a build",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			no, err := buildNumber(args)
			if err != nil {
				return err
			}
			issues, err := a.Backend().FetchIssues(cmd.Context(), args[0], no, filter)
			if err != nil {
				return err
			}
			return printIssues(cmd.OutOrStdout(), issues)
		},
	}
	cmd.Flags().StringVar(&filter.Filter, "filter", "", "only issues whose path or linter matches")
	cmd.Flags().IntVar(&filter.Skip, "skip", 0, "issues to skip")
	cmd.Flags().IntVar(&filter.Size, "size", 50, "page size")
	return cmd
}

func newRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [repo]",
		Short: "List recorded build runs from the audit store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			runs := a.Runs()
			if runs == nil {
				return errors.New("db.dsn is not configured")
			}
			repo := ""
			if len(args) == 1 {
				repo = args[0]
			}
			list, err := runs.ListRuns(cmd.Context(), repo, limit)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum runs to list")
	return cmd
}

func buildNumber(args []string) (int, error) {
	if len(args) < 2 {
		return 0, nil
	}
	no, err := strconv.Atoi(args[1])
	if err != nil || no <= 0 {
		return 0, fmt.Errorf("invalid build number %q", args[1])
	}
	return no, nil
}

func printBuilds(out io.Writer, builds []backend.Build) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REPO\tNO\tSCORE\tCOMMIT\tTIME")
	for _, b := range builds {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", b.Repo, b.No, b.Score, shortHash(b.CommitHash), formatTime(b.Time))
	}
	return tw.Flush()
}

func printIssues(out io.Writer, issues []backend.Issue) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEVERITY\tLOCATION\tLINTER\tMESSAGE")
	for _, i := range issues {
		fmt.Fprintf(tw, "%s\t%s:%d:%d\t%s\t%s\n", i.Severity, i.Path, i.Line, i.Col, linterName(i.Linter), i.Message)
	}
	return tw.Flush()
}

func printRuns(out io.Writer, runs []store.BuildRun) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REPO\tSTATUS\tDETAIL\tSTAGES\tDURATION\tFINISHED")
	for _, r := range runs {
		detail := r.BuildID
		if r.Status == store.RunFailed {
			detail = r.Reason
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.Repo, r.Status, detail, len(r.Stages),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Second), formatTime(r.FinishedAt))
	}
	return tw.Flush()
}

func linterName(l *backend.Linter) string {
	if l == nil {
		return "-"
	}
	return l.Name
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
