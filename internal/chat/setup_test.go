package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"

	"github.com/porterhq/porter/internal/conversation"
	"github.com/porterhq/porter/internal/log"
	"github.com/porterhq/porter/internal/testutil"
	"github.com/porterhq/porter/internal/toolproxy"
)

// fakeStore is an in-memory HistoryStore. Sequence numbers are assigned the
// way the real store assigns them, so windowing and ordering assertions
// carry over.
type fakeStore struct {
	mu        sync.Mutex
	msgs      map[uuid.UUID][]*conversation.Message
	appendErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{msgs: make(map[uuid.UUID][]*conversation.Message)}
}

func (s *fakeStore) AppendMessages(_ context.Context, convID, _ uuid.UUID, msgs []*conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	for i, msg := range msgs {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	seq := int32(len(s.msgs[convID])) //nolint:gosec // test sizes
	for i, msg := range msgs {
		stored := *msg
		stored.ID = uuid.New()
		stored.ConversationID = convID
		stored.SequenceNumber = seq + int32(i) + 1 //nolint:gosec // test sizes
		stored.CreatedAt = time.Now()
		s.msgs[convID] = append(s.msgs[convID], &stored)
	}
	return nil
}

func (s *fakeStore) RecentMessages(_ context.Context, conv *conversation.Conversation, windowSize int, _ uuid.UUID) ([]*conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.msgs[conv.ID]
	if windowSize > 0 && len(msgs) > windowSize {
		msgs = msgs[len(msgs)-windowSize:]
	}
	return slices.Clone(msgs), nil
}

// seed installs prior history without going through AppendMessages error
// injection.
func (s *fakeStore) seed(convID uuid.UUID, msgs ...*conversation.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, msg := range msgs {
		stored := *msg
		stored.ID = uuid.New()
		stored.ConversationID = convID
		stored.SequenceNumber = int32(len(s.msgs[convID]) + i + 1) //nolint:gosec // test sizes
		s.msgs[convID] = append(s.msgs[convID], &stored)
	}
}

func (s *fakeStore) messages(convID uuid.UUID) []*conversation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.msgs[convID])
}

// scriptedResult is one fakeTools response.
type scriptedResult struct {
	content string
	isError bool
	err     error
	delay   time.Duration
}

// recordedCall is one Execute invocation seen by fakeTools.
type recordedCall struct {
	name   string
	input  string
	caller toolproxy.Caller
}

// fakeTools is an in-memory ToolExecutor with scripted per-tool results.
type fakeTools struct {
	mu         sync.Mutex
	catalog    []toolproxy.Descriptor
	catalogErr error
	results    map[string]scriptedResult
	calls      []recordedCall
	completed  int
}

func newFakeTools() *fakeTools {
	return &fakeTools{
		catalog: []toolproxy.Descriptor{
			{
				Name:        "get_room_status",
				Description: "Current occupancy and cleaning state of a room.",
				InputSchema: &jsonschema.Schema{Type: "object"},
				Origin:      toolproxy.OriginProxied,
				Server:      "pms",
				RemoteName:  "get_room_status",
			},
		},
		results: make(map[string]scriptedResult),
	}
}

func (f *fakeTools) respond(name string, res scriptedResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[name] = res
}

func (f *fakeTools) Catalog(_ context.Context, _ conversation.Persona) ([]toolproxy.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.catalogErr != nil {
		return nil, f.catalogErr
	}
	return slices.Clone(f.catalog), nil
}

func (f *fakeTools) Execute(ctx context.Context, caller toolproxy.Caller, toolName string, input json.RawMessage) (toolproxy.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{name: toolName, input: string(input), caller: caller})
	res, ok := f.results[toolName]
	f.mu.Unlock()

	if !ok {
		return toolproxy.Result{}, fmt.Errorf("%w: %q", toolproxy.ErrUnknownTool, toolName)
	}
	if res.delay > 0 {
		select {
		case <-time.After(res.delay):
		case <-ctx.Done():
			return toolproxy.Result{}, ctx.Err()
		}
	}

	f.mu.Lock()
	f.completed++
	f.mu.Unlock()

	if res.err != nil {
		return toolproxy.Result{}, res.err
	}
	return toolproxy.Result{Content: res.content, IsError: res.isError}, nil
}

func (f *fakeTools) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTools) completedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

func (f *fakeTools) lastCall(t *testing.T) recordedCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("no tool calls recorded")
	}
	return f.calls[len(f.calls)-1]
}

// errEmitClosed simulates a client that went away mid-stream.
var errEmitClosed = errors.New("client gone")

// eventRecorder captures emitted events, optionally failing after a set
// count to simulate a dead client.
type eventRecorder struct {
	mu        sync.Mutex
	events    []Event
	failAfter int
}

func (r *eventRecorder) emit(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAfter > 0 && len(r.events) >= r.failAfter {
		return errEmitClosed
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// text concatenates every token payload in emission order.
func (r *eventRecorder) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out string
	for _, ev := range r.events {
		if ev.Type == EventToken {
			out += ev.Payload.(TokenPayload).Text
		}
	}
	return out
}

func (r *eventRecorder) byType(want EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == want {
			out = append(out, ev)
		}
	}
	return out
}

// harness wires an Orchestrator to scripted fakes.
type harness struct {
	orch  *Orchestrator
	model *testutil.ScriptedModel
	store *fakeStore
	tools *fakeTools
	wg    *sync.WaitGroup
}

func newHarness(t *testing.T, m *testutil.ScriptedModel, opts ...func(*Config)) *harness {
	t.Helper()

	store := newFakeStore()
	tools := newFakeTools()
	wg := &sync.WaitGroup{}

	cfg := Config{
		Model:        m,
		Tools:        tools,
		Store:        store,
		Logger:       log.NewNop(),
		ModelName:    "test-model",
		SystemPrompt: "You are the assistant of a small hotel.",
		ToolTimeout:  time.Second,
		Retry: RetryConfig{
			MaxRetries:      2,
			InitialInterval: time.Millisecond,
			MaxInterval:     4 * time.Millisecond,
		},
		WG: wg,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	orch, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &harness{orch: orch, model: m, store: store, tools: tools, wg: wg}
}

func guestConversation() *conversation.Conversation {
	return &conversation.Conversation{
		ID:      uuid.New(),
		UserID:  uuid.New(),
		Persona: conversation.PersonaGuest,
	}
}

func staffConversation() *conversation.Conversation {
	return &conversation.Conversation{
		ID:      uuid.New(),
		UserID:  uuid.New(),
		Persona: conversation.PersonaStaff,
	}
}

func runRequest(conv *conversation.Conversation, message string) Request {
	return Request{Conversation: conv, UserID: conv.UserID, Message: message}
}

// assertEventShape checks the framing invariant: message_start first, then
// exactly one terminal done or error event, at the end.
func assertEventShape(t *testing.T, events []Event) {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	if events[0].Type != EventMessageStart {
		t.Errorf("first event = %s, want %s", events[0].Type, EventMessageStart)
	}
	last := events[len(events)-1].Type
	if last != EventDone && last != EventError {
		t.Errorf("last event = %s, want %s or %s", last, EventDone, EventError)
	}
	terminals := 0
	for _, ev := range events {
		if ev.Type == EventDone || ev.Type == EventError {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("terminal events = %d, want exactly 1", terminals)
	}
}

// partTypes flattens a message's content block types for quick comparison.
func partTypes(msg *conversation.Message) []conversation.PartType {
	out := make([]conversation.PartType, len(msg.Content))
	for i, part := range msg.Content {
		out[i] = part.Type
	}
	return out
}
