package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/buildwatch/internal/relay"
)

func newRelayCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Bridge worker events to websocket clients",
		Long: `Reads event frames from the configured bus (Redis channel or Pub/Sub
subscription), records them, and broadcasts every valid frame to connected
websocket clients on / and /ws. /healthz, /metrics and the read-only
/api/runs audit endpoints are served alongside.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := a.Config()
			if !cmd.Flags().Changed("port") {
				port = cfg.Relay.Port
				// Container platforms inject PORT.
				if env := os.Getenv("PORT"); env != "" {
					if p, err := strconv.Atoi(env); err == nil && p > 0 {
						port = p
					}
				}
			}
			if port <= 0 {
				return errors.New("port must be > 0")
			}

			source, err := a.RelaySource(cmd.Context())
			if err != nil {
				return err
			}
			hub := relay.NewHub(relay.HubConfig{SendBuffer: cfg.Relay.SendBuffer, Logger: a.Logger()})
			r := relay.New(source, hub, a.Progress(), a.Logger())
			return relay.Serve(cmd.Context(), fmt.Sprintf(":%d", port), r, relay.NewServer(hub, a.Runs(), a.Logger()))
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (defaults to relay.port or $PORT)")
	return cmd
}
