package cmd

import (
	"github.com/spf13/cobra"
)

func newEmitCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "emit <repo> <kind> [payload]",
		Short: "Publish one build event on the event bus",
		Long: `Publishes an event the way the analysis workers do, e.g.
  buildwatch emit github.com/qfarm/qfarm golint-done
  buildwatch emit github.com/qfarm/qfarm all-done 12
Useful for exercising the relay and watchers without a backend.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := a.Notifier(cmd.Context())
			if err != nil {
				return err
			}
			payload := ""
			if len(args) == 3 {
				payload = args[2]
			}
			return n.SendEventWithPayload(cmd.Context(), args[0], description, args[1], payload)
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "free-text description attached to the event")
	return cmd
}
