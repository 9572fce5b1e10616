package testutil

import (
	"context"
	"sync"

	"github.com/porterhq/porter/internal/model"
)

// ScriptedModel is a model.Client that replays scripted turns. Each Stream
// call consumes the next turn; once the script runs out the last turn
// repeats, which keeps loop-cap tests simple. Requests are recorded for
// assertion.
type ScriptedModel struct {
	mu    sync.Mutex
	turns []ScriptedTurn
	next  int
	calls []model.Request
}

// ScriptedTurn is one scripted Stream call.
type ScriptedTurn struct {
	// OpenErr fails the Stream call itself.
	OpenErr error

	// Events are replayed in order.
	Events []model.Event

	// StreamErr is surfaced by Err after Events drain, simulating a
	// connection that died mid-stream.
	StreamErr error
}

// NewScriptedModel builds a client replaying turns in order.
func NewScriptedModel(turns ...ScriptedTurn) *ScriptedModel {
	return &ScriptedModel{turns: turns}
}

// Stream implements model.Client.
func (m *ScriptedModel) Stream(_ context.Context, req model.Request) (model.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)
	if len(m.turns) == 0 {
		return &scriptedStream{}, nil
	}
	turn := m.turns[min(m.next, len(m.turns)-1)]
	m.next++
	if turn.OpenErr != nil {
		return nil, turn.OpenErr
	}
	return &scriptedStream{events: turn.Events, streamErr: turn.StreamErr}, nil
}

// Calls returns a copy of every recorded request.
func (m *ScriptedModel) Calls() []model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Request, len(m.calls))
	copy(out, m.calls)
	return out
}

type scriptedStream struct {
	events    []model.Event
	pos       int
	current   model.Event
	streamErr error
}

func (s *scriptedStream) Next() bool {
	if s.pos >= len(s.events) {
		return false
	}
	s.current = s.events[s.pos]
	s.pos++
	return true
}

func (s *scriptedStream) Current() model.Event { return s.current }

func (s *scriptedStream) Err() error { return s.streamErr }

func (s *scriptedStream) Close() error { return nil }

// TextTurn scripts a turn that streams text fragments and stops cleanly.
func TextTurn(fragments ...string) ScriptedTurn {
	events := make([]model.Event, 0, len(fragments)+1)
	for _, f := range fragments {
		events = append(events, model.Event{Kind: model.EventTextDelta, Text: f})
	}
	events = append(events, model.Event{Kind: model.EventMessageStop, StopReason: model.StopEndTurn})
	return ScriptedTurn{Events: events}
}

// ToolCallTurn scripts a turn that requests one tool call, its arguments
// split across the given fragments.
func ToolCallTurn(id, name string, fragments ...string) ScriptedTurn {
	return ScriptedTurn{Events: ToolCallEvents(id, name, fragments...)}
}

// ToolCallEvents builds the event run of a single tool call, message stop
// included. Callers composing multi-call turns can slice off the trailing
// stop event.
func ToolCallEvents(id, name string, fragments ...string) []model.Event {
	events := make([]model.Event, 0, len(fragments)+3)
	events = append(events, model.Event{Kind: model.EventToolCallStart, ToolCallID: id, ToolName: name})
	for _, f := range fragments {
		events = append(events, model.Event{Kind: model.EventToolCallDelta, ToolCallID: id, PartialJSON: f})
	}
	events = append(events,
		model.Event{Kind: model.EventToolCallStop, ToolCallID: id},
		model.Event{Kind: model.EventMessageStop, StopReason: model.StopToolUse},
	)
	return events
}
