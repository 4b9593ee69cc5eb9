package storage

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exportFixture() (*Sandbox, []Event) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sb := &Sandbox{ID: "vm-1234abcd", Status: StatusDestroyed, Executions: 1, CreatedAt: at, UpdatedAt: at.Add(time.Minute)}
	// Newest first, as ListEvents returns them.
	events := []Event{
		{ID: 3, SandboxID: sb.ID, Kind: EventDestroyed, CreatedAt: at.Add(time.Minute)},
		{ID: 2, SandboxID: sb.ID, Kind: EventExecuted, Detail: "error|boom\nline", CreatedAt: at.Add(30 * time.Second)},
		{ID: 1, SandboxID: sb.ID, Kind: EventCreated, CreatedAt: at},
	}
	return sb, events
}

func TestExportMarkdown(t *testing.T) {
	sb, events := exportFixture()
	md := ExportMarkdown(sb, events)

	require.True(t, strings.HasPrefix(md, "# Sandbox vm-1234abcd\n"), "unexpected header:\n%s", md)
	created := strings.Index(md, "| created |")
	destroyed := strings.Index(md, "| destroyed |")
	require.GreaterOrEqual(t, created, 0)
	require.GreaterOrEqual(t, destroyed, 0)
	assert.Less(t, created, destroyed, "events should be listed oldest first")
	assert.Contains(t, md, `error\|boom line`, "detail should be escaped for a table cell")
}

func TestExportMarkdownNoEvents(t *testing.T) {
	sb, _ := exportFixture()
	assert.Contains(t, ExportMarkdown(sb, nil), "No events recorded")
}

func TestExportJSON(t *testing.T) {
	sb, events := exportFixture()
	data, err := ExportJSON(sb, events)
	require.NoError(t, err)

	var decoded struct {
		Sandbox Sandbox `json:"sandbox"`
		Events  []Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, sb.ID, decoded.Sandbox.ID)
	assert.Len(t, decoded.Events, 3)

	data, err = ExportJSON(sb, nil)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"events": []`, "nil events should encode as an empty list")
}
