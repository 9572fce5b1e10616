package model

// EventKind discriminates stream events.
type EventKind string

const (
	// EventTextDelta carries an incremental text fragment.
	EventTextDelta EventKind = "text_delta"

	// EventToolCallStart opens a tool invocation; ToolCallID and ToolName
	// are set, arguments follow as deltas.
	EventToolCallStart EventKind = "tool_call_start"

	// EventToolCallDelta carries a fragment of the tool call's JSON
	// arguments. Fragments concatenate in order; only the concatenation is
	// valid JSON.
	EventToolCallDelta EventKind = "tool_call_delta"

	// EventToolCallStop closes the current tool invocation; its arguments
	// are complete.
	EventToolCallStop EventKind = "tool_call_stop"

	// EventMessageStop ends the completion and carries the stop reason.
	EventMessageStop EventKind = "message_stop"
)

// StopReason says why the model stopped.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
)

// Event is one unit of streamed model output.
type Event struct {
	Kind EventKind

	// EventTextDelta
	Text string

	// EventToolCallStart
	ToolCallID string
	ToolName   string

	// EventToolCallDelta
	PartialJSON string

	// EventMessageStop
	StopReason StopReason
}

// Stream iterates a completion's events, bufio.Scanner style: Next reports
// whether an event is available, Current returns it, Err explains a false
// Next. Close releases the underlying connection and is safe to call twice.
type Stream interface {
	Next() bool
	Current() Event
	Err() error
	Close() error
}
