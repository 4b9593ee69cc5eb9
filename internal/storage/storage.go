package storage

import (
	"context"
	"time"
)

// SandboxStatus represents the lifecycle state of a sandbox record.
type SandboxStatus string

const (
	StatusStarting  SandboxStatus = "starting"
	StatusRunning   SandboxStatus = "running"
	StatusFailed    SandboxStatus = "failed"
	StatusDestroyed SandboxStatus = "destroyed"
)

// EventKind names a lifecycle or execution event.
type EventKind string

const (
	EventCreated     EventKind = "created"
	EventStarted     EventKind = "started"
	EventStartFailed EventKind = "start_failed"
	EventExecuted    EventKind = "executed"
	EventDestroyed   EventKind = "destroyed"
)

// Status returns the sandbox status an event moves its sandbox to, or ""
// when the event leaves the status alone.
func (k EventKind) Status() SandboxStatus {
	switch k {
	case EventCreated:
		return StatusStarting
	case EventStarted:
		return StatusRunning
	case EventStartFailed:
		return StatusFailed
	case EventDestroyed:
		return StatusDestroyed
	}
	return ""
}

// Sandbox is the persisted history of one sandbox.
type Sandbox struct {
	ID         string        `json:"id"`
	Status     SandboxStatus `json:"status"`
	Executions int           `json:"executions"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Event is one journal entry.
type Event struct {
	ID        int64     `json:"id"`
	SandboxID string    `json:"sandbox_id"`
	Kind      EventKind `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SandboxListOptions controls filtering and pagination for ListSandboxes.
type SandboxListOptions struct {
	Status SandboxStatus
	Limit  int
	Offset int
}

// EventListOptions controls filtering for ListEvents.
type EventListOptions struct {
	SandboxID string
	Kind      EventKind
	Limit     int
}

// Store is the persistence interface for the sandbox journal.
type Store interface {
	// RecordEvent appends an event and updates the sandbox record it
	// belongs to, creating the record on first sight.
	RecordEvent(ctx context.Context, e *Event) error

	// ListEvents returns events newest first.
	ListEvents(ctx context.Context, opts EventListOptions) ([]Event, error)

	// GetSandbox returns a sandbox record by ID or ID prefix.
	GetSandbox(ctx context.Context, id string) (*Sandbox, error)

	// ListSandboxes returns sandbox records ordered by updated_at descending.
	ListSandboxes(ctx context.Context, opts SandboxListOptions) ([]Sandbox, error)

	// DeleteSandbox removes a sandbox record and its events.
	DeleteSandbox(ctx context.Context, id string) error

	// Close releases resources.
	Close() error
}
