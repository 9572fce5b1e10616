package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType discriminates the events a run emits toward the client.
type EventType string

const (
	// EventMessageStart opens every run. Always the first event.
	EventMessageStart EventType = "message_start"

	// EventToken carries one fragment of assistant text, in order.
	EventToken EventType = "token"

	// EventToolUseStart announces a tool call with its parsed input.
	EventToolUseStart EventType = "tool_use_start"

	// EventToolResult carries a successful tool outcome.
	EventToolResult EventType = "tool_result"

	// EventToolError carries a failed tool outcome. The run continues.
	EventToolError EventType = "tool_error"

	// EventError terminates a failed run. Terminal.
	EventError EventType = "error"

	// EventDone terminates a successful run. Terminal.
	EventDone EventType = "done"
)

// Event is one unit of run output. Payload is the typed payload for Type and
// marshals as the event's data body.
type Event struct {
	Type    EventType
	Payload any
}

// MessageStartPayload identifies the run that is about to stream.
type MessageStartPayload struct {
	Model          string    `json:"model"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// TokenPayload is one text fragment.
type TokenPayload struct {
	Text string `json:"text"`
}

// ToolUseStartPayload announces a dispatched tool call.
type ToolUseStartPayload struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
}

// ToolResultPayload is a successful tool outcome.
type ToolResultPayload struct {
	Tool   string `json:"tool"`
	Result string `json:"result"`
}

// ToolErrorPayload is a failed tool outcome.
type ToolErrorPayload struct {
	Tool  string `json:"tool"`
	Error string `json:"error"`
}

// ErrorPayload terminates a failed run.
type ErrorPayload struct {
	Message string `json:"message"`
}

// DonePayload terminates a successful run.
type DonePayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

// EmitFunc delivers one event to the client. A non-nil return stops the run;
// the orchestrator emits nothing further through a func that has failed.
type EmitFunc func(Event) error

func messageStartEvent(model string, convID uuid.UUID) Event {
	return Event{Type: EventMessageStart, Payload: MessageStartPayload{
		Model:          model,
		ConversationID: convID,
		Timestamp:      time.Now().UTC(),
	}}
}

func tokenEvent(text string) Event {
	return Event{Type: EventToken, Payload: TokenPayload{Text: text}}
}

func toolUseStartEvent(tool string, input json.RawMessage) Event {
	return Event{Type: EventToolUseStart, Payload: ToolUseStartPayload{Tool: tool, Input: input}}
}

func toolResultEvent(tool, result string) Event {
	return Event{Type: EventToolResult, Payload: ToolResultPayload{Tool: tool, Result: result}}
}

func toolErrorEvent(tool, message string) Event {
	return Event{Type: EventToolError, Payload: ToolErrorPayload{Tool: tool, Error: message}}
}

func errorEvent(message string) Event {
	return Event{Type: EventError, Payload: ErrorPayload{Message: message}}
}

func doneEvent(convID uuid.UUID) Event {
	return Event{Type: EventDone, Payload: DonePayload{ConversationID: convID}}
}

// DebugKind labels an observer record.
type DebugKind string

const (
	DebugRunStarted DebugKind = "run_started"
	DebugModelCall  DebugKind = "model_call"
	DebugDelta      DebugKind = "delta"
	DebugToolCall   DebugKind = "tool_call"
	DebugRunDone    DebugKind = "run_done"
	DebugError      DebugKind = "error"
)

// DebugEvent is one structured record of run activity: model calls, streamed
// deltas, tool executions, failures. Observers receive every record as it
// happens.
type DebugEvent struct {
	Time           time.Time     `json:"time"`
	Kind           DebugKind     `json:"kind"`
	ConversationID uuid.UUID     `json:"conversation_id"`
	Turn           int           `json:"turn"`
	Tool           string        `json:"tool,omitempty"`
	Detail         string        `json:"detail,omitempty"`
	Elapsed        time.Duration `json:"elapsed,omitempty"`
}

// Observer receives debug events. Observe is called inline on the streaming
// path and must not block.
type Observer interface {
	Observe(DebugEvent)
}
