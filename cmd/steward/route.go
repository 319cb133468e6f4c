package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kevin-mind/nopo-steward/pkg/config"
	"github.com/kevin-mind/nopo-steward/pkg/router"
)

// newRouteCmd routes one event offline and prints the decision. Routing is
// pure, so this needs neither database nor upstream credentials; CI uses it
// to decide whether a workflow job should run at all.
func newRouteCmd() *cobra.Command {
	var eventFile, eventName string
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Route one event and print the decision",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ev, _, err := readEvent(eventFile)
			if err != nil {
				return err
			}
			if eventName != "" {
				ev.Name = eventName
			}
			if ev.Name == "" {
				return fmt.Errorf("event name missing: set event_name or --event-name")
			}

			rt := router.New(router.Config{
				BotUsername:      cfg.GitHub.BotUsername,
				ReviewerUsername: cfg.GitHub.ReviewerUsername,
				BaseBranch:       cfg.Defaults.BaseBranch,
			})
			dec := rt.Route(ev)

			out, err := json.MarshalIndent(dec.ContextJSON(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&eventFile, "event", "-", "event JSON file, - for stdin")
	cmd.Flags().StringVar(&eventName, "event-name", "", "event name when the payload lacks event_name")
	return cmd
}

// readEvent decodes an event from the file, or stdin for "-". The event name
// comes from event_name in the payload or the --event-name flag.
func readEvent(path string) (*router.Event, []byte, error) {
	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read event: %w", err)
	}

	var ev router.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, nil, fmt.Errorf("parse event: %w", err)
	}
	return &ev, raw, nil
}
