package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/fcsandbox/internal/storage"
)

var (
	eventsSandboxFlag string
	eventsKindFlag    string
	eventsLimitFlag   int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the server's event journal",
	Long: `Show lifecycle and execution events recorded by the server, newest first.

Examples:
  fcsandbox events
  fcsandbox events --sandbox vm-1a2b3c4d
  fcsandbox events --kind start_failed --limit 5`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().StringVar(&eventsSandboxFlag, "sandbox", "", "Only events of this sandbox")
	eventsCmd.Flags().StringVar(&eventsKindFlag, "kind", "", "Only events of this kind (created, started, start_failed, executed, destroyed)")
	eventsCmd.Flags().IntVar(&eventsLimitFlag, "limit", 50, "Max events to show")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	events, err := newAPIClient().Events(context.Background(), storage.EventListOptions{
		SandboxID: eventsSandboxFlag,
		Kind:      storage.EventKind(eventsKindFlag),
		Limit:     eventsLimitFlag,
	})
	if err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Println("No events.")
		return nil
	}
	printEvents(events)
	return nil
}

func printEvents(events []storage.Event) {
	fmt.Printf("%-20s %-12s %-13s %s\n", "TIME", "SANDBOX", "EVENT", "DETAIL")
	fmt.Println(strings.Repeat("─", 70))
	for _, e := range events {
		fmt.Printf("%-20s %-12s %-13s %s\n",
			e.CreatedAt.Local().Format(time.DateTime), e.SandboxID, e.Kind, truncate(e.Detail, 60))
	}
}
