package transport

import (
	"encoding/json"

	"github.com/zjrosen/strand/internal/conversation/message"
)

// EventKind identifies the kind of stream event.
type EventKind string

const (
	// EventStreamStarted carries the backend stream id once a turn opens.
	EventStreamStarted EventKind = "stream_started"
	// EventChunk appends text (or reasoning) to the assistant message.
	EventChunk EventKind = "chunk"
	// EventToolCall reports a tool invocation state change.
	EventToolCall EventKind = "tool_call"
	// EventUsage reports one API call's token usage inside the turn.
	EventUsage EventKind = "usage"
	// EventFinished marks natural completion of the turn.
	EventFinished EventKind = "finished"
	// EventErrored marks turn failure.
	EventErrored EventKind = "errored"
)

// Event is one element of a turn's update stream.
type Event struct {
	Kind EventKind `json:"kind"`

	// StreamID accompanies stream_started.
	StreamID string `json:"stream_id,omitempty"`

	// Chunk payload.
	Text      string `json:"text,omitempty"`
	Reasoning bool   `json:"reasoning,omitempty"`

	// Tool payload.
	Tool *ToolUpdate `json:"tool,omitempty"`

	// Usage payload (usage and finished events).
	Usage *message.Usage `json:"usage,omitempty"`

	// Error payload (errored events). Canceled marks failures caused by
	// turn cancellation, which settle quietly instead of surfacing.
	Err      string `json:"error,omitempty"`
	Canceled bool   `json:"canceled,omitempty"`
}

// ToolUpdate describes a tool invocation's current state.
type ToolUpdate struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Input  json.RawMessage   `json:"input,omitempty"`
	State  message.ToolState `json:"state"`
	Output string            `json:"output,omitempty"`
}

// IsTerminal reports whether the event settles the turn.
func (e Event) IsTerminal() bool {
	return e.Kind == EventFinished || e.Kind == EventErrored
}
