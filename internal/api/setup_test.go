package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"

	"github.com/porterhq/porter/internal/chat"
	"github.com/porterhq/porter/internal/conversation"
	"github.com/porterhq/porter/internal/identity"
	"github.com/porterhq/porter/internal/log"
	"github.com/porterhq/porter/internal/toolproxy"
)

// Test credentials resolved by the fake bridge.
const (
	guestCredential = "guest-token"
	staffCredential = "staff-token"
)

// fakeBridge resolves static credentials and records refresh attempts.
type fakeBridge struct {
	mu           sync.Mutex
	idents       map[string]*identity.Identity
	expired      map[string]string // expired credential -> fresh credential
	refreshErr   error
	refreshCalls int
}

func (b *fakeBridge) Resolve(_ context.Context, credential string) (*identity.Identity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.idents[credential]; ok {
		return id, nil
	}
	if _, ok := b.expired[credential]; ok {
		return nil, identity.ErrCredentialExpired
	}
	return nil, identity.ErrUnknownCredential
}

func (b *fakeBridge) Refresh(_ context.Context, credential string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshCalls++
	if b.refreshErr != nil {
		return "", b.refreshErr
	}
	fresh, ok := b.expired[credential]
	if !ok {
		return "", identity.ErrUnknownCredential
	}
	return fresh, nil
}

func (b *fakeBridge) refreshCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshCalls
}

// fakeRunner replays a scripted event sequence instead of a real chat run.
type fakeRunner struct {
	mu             sync.Mutex
	reqs           []chat.Request
	events         []chat.Event
	err            error
	failBeforeEmit bool
}

func (f *fakeRunner) Run(_ context.Context, req chat.Request, emit chat.EmitFunc) error {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	if f.failBeforeEmit {
		return f.err
	}
	for _, ev := range f.events {
		if err := emit(ev); err != nil {
			return err
		}
	}
	return f.err
}

func (f *fakeRunner) requests() []chat.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.Request(nil), f.reqs...)
}

// fakeConvStore is an in-memory ConversationStore with the same ownership
// semantics as the real one: foreign rows read as missing.
type fakeConvStore struct {
	mu        sync.Mutex
	convs     map[uuid.UUID]*conversation.Conversation
	msgs      map[uuid.UUID][]*conversation.Message
	createErr error
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{
		convs: make(map[uuid.UUID]*conversation.Conversation),
		msgs:  make(map[uuid.UUID][]*conversation.Message),
	}
}

func (s *fakeConvStore) Create(_ context.Context, userID uuid.UUID, persona conversation.Persona) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	now := time.Now().UTC()
	conv := &conversation.Conversation{
		ID:        uuid.New(),
		UserID:    userID,
		Persona:   persona,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.convs[conv.ID] = conv
	return conv, nil
}

func (s *fakeConvStore) Get(_ context.Context, id, userID uuid.UUID) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok || conv.UserID != userID {
		return nil, conversation.ErrNotFound
	}
	return conv, nil
}

func (s *fakeConvStore) List(_ context.Context, userID uuid.UUID, limit, offset int32) ([]*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var own []*conversation.Conversation
	for _, conv := range s.convs {
		if conv.UserID == userID {
			own = append(own, conv)
		}
	}
	sort.Slice(own, func(i, j int) bool { return own[i].UpdatedAt.After(own[j].UpdatedAt) })
	if int(offset) >= len(own) {
		return nil, nil
	}
	own = own[offset:]
	if int(limit) < len(own) {
		own = own[:limit]
	}
	return own, nil
}

func (s *fakeConvStore) Messages(_ context.Context, convID, userID uuid.UUID, limit, offset int32) ([]*conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[convID]
	if !ok || conv.UserID != userID {
		return nil, conversation.ErrNotFound
	}
	msgs := s.msgs[convID]
	if int(offset) >= len(msgs) {
		return nil, nil
	}
	msgs = msgs[offset:]
	if int(limit) < len(msgs) {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (s *fakeConvStore) Delete(_ context.Context, id, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok || conv.UserID != userID {
		return conversation.ErrNotFound
	}
	delete(s.convs, id)
	delete(s.msgs, id)
	return nil
}

func (s *fakeConvStore) seed(userID uuid.UUID, persona conversation.Persona) *conversation.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	conv := &conversation.Conversation{
		ID:        uuid.New(),
		UserID:    userID,
		Persona:   persona,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.convs[conv.ID] = conv
	return conv
}

func (s *fakeConvStore) seedMessage(convID uuid.UUID, role conversation.Role, parts ...*conversation.Part) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[convID] = append(s.msgs[convID], &conversation.Message{
		ID:             uuid.New(),
		ConversationID: convID,
		Role:           role,
		Content:        parts,
		SequenceNumber: int32(len(s.msgs[convID]) + 1), //nolint:gosec // test data
		CreatedAt:      time.Now().UTC(),
	})
}

func (s *fakeConvStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}

// fakeCatalog returns a fixed descriptor list and records the persona asked
// for.
type fakeCatalog struct {
	mu       sync.Mutex
	descs    []toolproxy.Descriptor
	err      error
	personas []conversation.Persona
}

func (c *fakeCatalog) Catalog(_ context.Context, persona conversation.Persona) ([]toolproxy.Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.personas = append(c.personas, persona)
	if c.err != nil {
		return nil, c.err
	}
	return c.descs, nil
}

func stringSchema(names ...string) *jsonschema.Schema {
	props := make(map[string]*jsonschema.Schema, len(names))
	for _, n := range names {
		props[n] = &jsonschema.Schema{Type: "string"}
	}
	return &jsonschema.Schema{Type: "object", Properties: props, Required: names}
}

// fixture bundles a server wired entirely to in-memory fakes.
type fixture struct {
	srv     *Server
	runner  *fakeRunner
	store   *fakeConvStore
	bridge  *fakeBridge
	catalog *fakeCatalog
	guest   *identity.Identity
	staff   *identity.Identity
}

func newFixture(t *testing.T, opts ...func(*ServerConfig)) *fixture {
	t.Helper()

	guest := &identity.Identity{UserID: uuid.New(), Persona: conversation.PersonaGuest, Name: "Dana Guest"}
	staff := &identity.Identity{UserID: uuid.New(), Persona: conversation.PersonaStaff, Name: "Robin Staff"}

	f := &fixture{
		runner: &fakeRunner{events: scriptedAnswer("Checkout is at 11 AM.")},
		store:  newFakeConvStore(),
		bridge: &fakeBridge{
			idents:  map[string]*identity.Identity{guestCredential: guest, staffCredential: staff},
			expired: map[string]string{},
		},
		catalog: &fakeCatalog{},
		guest:   guest,
		staff:   staff,
	}

	cfg := ServerConfig{
		Logger:        log.NewNop(),
		Runner:        f.runner,
		Conversations: f.store,
		Tools:         f.catalog,
		Bridge:        f.bridge,
		RateBurst:     1000,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	f.srv = srv
	return f
}

// scriptedAnswer builds the event sequence of a plain text-only run.
func scriptedAnswer(text string) []chat.Event {
	return []chat.Event{
		{Type: chat.EventMessageStart, Payload: chat.MessageStartPayload{Model: "test-model", Timestamp: time.Now().UTC()}},
		{Type: chat.EventToken, Payload: chat.TokenPayload{Text: text}},
		{Type: chat.EventDone, Payload: chat.DonePayload{}},
	}
}

// do sends a request through the full middleware stack.
func (f *fixture) do(t *testing.T, method, target, credential string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, target, body)
	if credential != "" {
		r.Header.Set("Authorization", "Bearer "+credential)
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, r)
	return w
}

func chatBody(t *testing.T, message, conversationID string) io.Reader {
	t.Helper()
	raw, err := json.Marshal(chatRequest{Message: message, ConversationID: conversationID})
	if err != nil {
		t.Fatalf("marshal chat body: %v", err)
	}
	return bytes.NewReader(raw)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) apiError {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope: %v (body %q)", err, w.Body.String())
	}
	return env.Error
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode data envelope: %v (body %q)", err, w.Body.String())
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		t.Fatalf("decode data payload: %v (data %q)", err, env.Data)
	}
}
