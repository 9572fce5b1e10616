package testutil

import (
	"bufio"
	"encoding/json"
	"strings"
	"testing"
)

// SSEEvent is one parsed frame of a chat stream. The server emits every
// frame with an explicit event name and a single JSON payload, so Data is
// kept raw for the test to unmarshal into the payload type it expects.
type SSEEvent struct {
	Type string
	Data json.RawMessage
}

// ParseSSEEvents parses an SSE response body into frames.
//
// The stream grammar the chat endpoint produces is enforced strictly:
// every frame names its event (message_start, token, tool_use_start,
// tool_result, tool_error, done, error), carries JSON data, and ends with
// a blank line. Multiple data lines are joined per the SSE spec before the
// JSON check; comment lines (leading ":") are skipped. Anything else fails
// the test, so a malformed stream is reported at the parse site rather
// than as a confusing assertion later.
func ParseSSEEvents(t *testing.T, body string) []SSEEvent {
	t.Helper()

	var (
		events    []SSEEvent
		eventType string
		dataLines []string
		lineNum   int
	)

	flush := func() {
		if eventType == "" && len(dataLines) == 0 {
			return
		}
		if eventType == "" {
			t.Fatalf("sse: frame ending at line %d has data but no event name", lineNum)
		}
		data := strings.Join(dataLines, "\n")
		if !json.Valid([]byte(data)) {
			t.Fatalf("sse: event %q carries non-JSON data %q", eventType, data)
		}
		events = append(events, SSEEvent{Type: eventType, Data: json.RawMessage(data)})
		eventType = ""
		dataLines = nil
	}

	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// comment, e.g. a keep-alive
		case strings.HasPrefix(line, "event: "):
			if eventType != "" {
				t.Fatalf("sse: line %d renames event %q before a blank line", lineNum, eventType)
			}
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		default:
			t.Fatalf("sse: line %d is not an SSE field: %q", lineNum, line)
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("sse: scanning body: %v", err)
	}
	if eventType != "" || len(dataLines) > 0 {
		t.Fatalf("sse: stream ended inside event %q (missing blank line)", eventType)
	}
	return events
}

// EventTypes lists the frame names in order, for asserting a whole stream
// sequence in one comparison.
func EventTypes(events []SSEEvent) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

// FindEvent returns the first frame of the given type, nil when absent.
func FindEvent(events []SSEEvent, eventType string) *SSEEvent {
	for i := range events {
		if events[i].Type == eventType {
			return &events[i]
		}
	}
	return nil
}

// FindAllEvents returns every frame of the given type, e.g. all token
// frames of a streamed reply.
func FindAllEvents(events []SSEEvent, eventType string) []SSEEvent {
	var found []SSEEvent
	for _, ev := range events {
		if ev.Type == eventType {
			found = append(found, ev)
		}
	}
	return found
}

// UnmarshalEventData decodes a frame's payload into out.
func UnmarshalEventData(t *testing.T, ev SSEEvent, out any) {
	t.Helper()
	if err := json.Unmarshal(ev.Data, out); err != nil {
		t.Fatalf("sse: decoding %s payload: %v (data %q)", ev.Type, err, ev.Data)
	}
}
