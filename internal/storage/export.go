package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExportMarkdown renders a sandbox record and its events, oldest first, as a
// markdown document.
func ExportMarkdown(sb *Sandbox, events []Event) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Sandbox %s\n\n", sb.ID))
	b.WriteString(fmt.Sprintf("- **Status:** %s\n", sb.Status))
	b.WriteString(fmt.Sprintf("- **Executions:** %d\n", sb.Executions))
	b.WriteString(fmt.Sprintf("- **Created:** %s\n", sb.CreatedAt.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("- **Updated:** %s\n", sb.UpdatedAt.Format("2006-01-02 15:04:05")))
	b.WriteString("\n---\n\n")

	if len(events) == 0 {
		b.WriteString("_No events recorded._\n")
		return b.String()
	}

	b.WriteString("| Time | Event | Detail |\n|---|---|---|\n")
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		detail := strings.ReplaceAll(e.Detail, "|", `\|`)
		detail = strings.ReplaceAll(detail, "\n", " ")
		b.WriteString(fmt.Sprintf("| %s | %s | %s |\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Kind, detail))
	}

	return b.String()
}

// ExportJSON renders a sandbox record and its events as formatted JSON.
func ExportJSON(sb *Sandbox, events []Event) ([]byte, error) {
	if events == nil {
		events = []Event{}
	}
	export := struct {
		Sandbox *Sandbox `json:"sandbox"`
		Events  []Event  `json:"events"`
	}{
		Sandbox: sb,
		Events:  events,
	}
	return json.MarshalIndent(export, "", "  ")
}
