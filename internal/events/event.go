// Package events carries the activity stream of agent runs from the
// loop to its observers: run log files, metrics, MQTT, and live
// websocket clients.
package events

import "time"

// Kind identifies the loop sub-step an event records.
type Kind string

const (
	// KindStart opens a run. Data: patient_id, model, max_iterations.
	KindStart Kind = "start"
	// KindIteration marks the start of one model call.
	KindIteration Kind = "iteration"
	// KindThinking carries one text fragment from a tool-use turn.
	KindThinking Kind = "thinking"
	// KindToolCall records a requested tool call. Data: input.
	KindToolCall Kind = "tool_call"
	// KindToolResult records a tool result. Data: ok, duration_ms.
	KindToolResult Kind = "tool_result"
	// KindComplete closes a successful run. Content is the final answer.
	KindComplete Kind = "complete"
	// KindError closes a failed or cancelled run. Data: status.
	KindError Kind = "error"
)

// Event is one record of the activity stream.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	RunID     string         `json:"run_id"`
	Kind      Kind           `json:"kind"`
	Iteration int            `json:"iteration,omitempty"`
	ToolName  string         `json:"tool,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Observer receives activity events. Notify is best-effort and must
// not assume it can influence the run.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// Notify calls f.
func (f ObserverFunc) Notify(e Event) { f(e) }
