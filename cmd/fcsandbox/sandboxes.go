package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/fcsandbox/internal/storage"
	"github.com/michaelbrown/fcsandbox/internal/storage/sqlite"
)

// maxExportEvents caps the events written by export.
const maxExportEvents = 10000

var (
	statusFilter string
	limitFlag    int
	exportFormat string
	exportOutput string
	forceFlag    bool
)

var sandboxesCmd = &cobra.Command{
	Use:     "sandboxes",
	Aliases: []string{"sandbox", "sb"},
	Short:   "Manage sandboxes",
}

var sandboxesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List running sandboxes",
	RunE:  runSandboxesList,
}

var sandboxesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Start a new sandbox and print its id",
	Args:  cobra.NoArgs,
	RunE:  runSandboxesCreate,
}

var sandboxesDestroyCmd = &cobra.Command{
	Use:   "destroy <sandbox-id>",
	Short: "Stop a sandbox and remove its jail",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxesDestroy,
}

var sandboxesHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded sandboxes, including destroyed ones",
	RunE:  runSandboxesHistory,
}

var sandboxesShowCmd = &cobra.Command{
	Use:   "show <sandbox-id>",
	Short: "Show a recorded sandbox and its events",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxesShow,
}

var sandboxesForgetCmd = &cobra.Command{
	Use:   "forget <sandbox-id>",
	Short: "Delete the record of a finished sandbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxesForget,
}

var sandboxesExportCmd = &cobra.Command{
	Use:   "export <sandbox-id>",
	Short: "Export a recorded sandbox and its events as markdown or JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxesExport,
}

func init() {
	rootCmd.AddCommand(sandboxesCmd)
	sandboxesCmd.AddCommand(sandboxesListCmd, sandboxesCreateCmd, sandboxesDestroyCmd,
		sandboxesHistoryCmd, sandboxesShowCmd, sandboxesForgetCmd, sandboxesExportCmd)

	sandboxesHistoryCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (starting, running, failed, destroyed)")
	sandboxesHistoryCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max sandboxes to show")

	sandboxesExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	sandboxesExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	sandboxesDestroyCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
	sandboxesForgetCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

// openStore opens the journal read side. The server keeps writing to the
// same database while this runs.
func openStore() (storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

func runSandboxesList(cmd *cobra.Command, args []string) error {
	infos, err := newAPIClient().List(context.Background())
	if err != nil {
		return err
	}

	if len(infos) == 0 {
		fmt.Println("No running sandboxes.")
		return nil
	}

	fmt.Printf("%-12s %-10s %-8s %s\n", "ID", "STATE", "PID", "STARTED")
	fmt.Println(strings.Repeat("─", 50))

	for _, s := range infos {
		fmt.Printf("%-12s %-10s %-8d %s\n", s.ID, s.State, s.Pid, timeAgo(s.StartedAt))
	}
	return nil
}

func runSandboxesCreate(cmd *cobra.Command, args []string) error {
	id, err := newAPIClient().Create(context.Background())
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func runSandboxesDestroy(cmd *cobra.Command, args []string) error {
	id := args[0]
	if !forceFlag && !confirm(fmt.Sprintf("Destroy sandbox %s? Its interpreter state is lost.", id)) {
		fmt.Println("Cancelled.")
		return nil
	}

	if err := newAPIClient().Destroy(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("Destroyed sandbox %s\n", id)
	return nil
}

func runSandboxesHistory(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sandboxes, err := store.ListSandboxes(context.Background(), storage.SandboxListOptions{
		Status: storage.SandboxStatus(statusFilter),
		Limit:  limitFlag,
	})
	if err != nil {
		return err
	}

	if len(sandboxes) == 0 {
		fmt.Println("No sandboxes recorded.")
		return nil
	}

	// Header
	fmt.Printf("%-12s %-10s %-6s %-12s %s\n", "ID", "STATUS", "RUNS", "CREATED", "UPDATED")
	fmt.Println(strings.Repeat("─", 60))

	for _, s := range sandboxes {
		fmt.Printf("%-12s %-10s %-6d %-12s %s\n",
			s.ID, s.Status, s.Executions, timeAgo(s.CreatedAt), timeAgo(s.UpdatedAt))
	}
	return nil
}

func runSandboxesShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	sb, err := store.GetSandbox(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Sandbox:    %s\n", sb.ID)
	fmt.Printf("Status:     %s\n", sb.Status)
	fmt.Printf("Executions: %d\n", sb.Executions)
	fmt.Printf("Created:    %s\n", sb.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:    %s\n", sb.UpdatedAt.Format(time.RFC3339))

	events, err := store.ListEvents(ctx, storage.EventListOptions{SandboxID: sb.ID})
	if err != nil {
		return err
	}

	fmt.Printf("\nEvents: %d\n", len(events))
	fmt.Println(strings.Repeat("─", 60))
	printEvents(events)
	return nil
}

func runSandboxesForget(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	sb, err := store.GetSandbox(ctx, args[0])
	if err != nil {
		return err
	}
	if sb.Status != storage.StatusDestroyed && sb.Status != storage.StatusFailed {
		return fmt.Errorf("sandbox %s is %s; destroy it first", sb.ID, sb.Status)
	}

	if !forceFlag && !confirm(fmt.Sprintf("Forget sandbox %s and its %d executions?", sb.ID, sb.Executions)) {
		fmt.Println("Cancelled.")
		return nil
	}

	if err := store.DeleteSandbox(ctx, sb.ID); err != nil {
		return err
	}
	fmt.Printf("Forgot sandbox %s\n", sb.ID)
	return nil
}

func runSandboxesExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	sb, err := store.GetSandbox(ctx, args[0])
	if err != nil {
		return err
	}

	events, err := store.ListEvents(ctx, storage.EventListOptions{SandboxID: sb.ID, Limit: maxExportEvents})
	if err != nil {
		return err
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(sb, events)
		if err != nil {
			return err
		}
		output = string(data)
	default:
		output = storage.ExportMarkdown(sb, events)
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	var answer string
	fmt.Scanln(&answer)
	return strings.ToLower(answer) == "y"
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
