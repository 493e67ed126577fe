package wal

import "github.com/ChuLiYu/scene-forge/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for the generation journal
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventSubmitted EventType = "SUBMITTED" // Remote service accepted the task (task id known)
	EventSucceeded EventType = "SUCCEEDED" // Task reached SUCCEEDED, model cached
	EventFailed    EventType = "FAILED"    // Task failed, timed out, or polling aborted
	EventCancelled EventType = "CANCELLED" // Task dropped locally
)

// IsTerminal reports whether the event closes the task for its key.
func (t EventType) IsTerminal() bool {
	return t == EventSucceeded || t == EventFailed || t == EventCancelled
}

// Event represents a WAL event record
type Event struct {
	Seq         uint64       `json:"seq"`                   // Event sequence number (monotonically increasing)
	Type        EventType    `json:"type"`                  // Event type
	Key         types.Key    `json:"key"`                   // Hotspot key
	TaskID      types.TaskID `json:"task_id,omitempty"`     // Remote task id
	Description string       `json:"description,omitempty"` // Only on SUBMITTED
	ModelURL    string       `json:"model_url,omitempty"`   // Only on SUCCEEDED
	Timestamp   int64        `json:"timestamp"`             // Unix millisecond timestamp
	Checksum    uint32       `json:"checksum"`              // CRC32 checksum
}

// Record is the caller-supplied part of an event.
type Record struct {
	Key         types.Key
	TaskID      types.TaskID
	Description string
	ModelURL    string
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
