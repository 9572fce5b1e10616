package toolproxy

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/porterhq/porter/internal/conversation"
	"github.com/porterhq/porter/internal/log"
	"github.com/porterhq/porter/internal/tokens"
)

const testServerKey = "pms"

// fakeLedger keeps records in memory, in issue order.
type fakeLedger struct {
	mu       sync.Mutex
	records  map[string]*tokens.Record
	order    []string
	issueErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{records: make(map[string]*tokens.Record)}
}

func (l *fakeLedger) Issue(_ context.Context, p tokens.IssueParams) (*tokens.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.issueErr != nil {
		return nil, l.issueErr
	}
	if _, err := tokens.ParseKind(string(p.Kind)); err != nil {
		return nil, err
	}
	if p.ToolName == "" {
		return nil, errors.New("fakeLedger: tool name is required")
	}
	payload := p.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	rec := &tokens.Record{
		ID:         uuid.New(),
		Token:      tokens.NewToken(),
		Kind:       p.Kind,
		ToolName:   p.ToolName,
		GuestID:    p.GuestID,
		RoomNumber: p.RoomNumber,
		Payload:    payload,
		CreatedAt:  time.Now(),
	}
	l.records[rec.Token] = rec
	l.order = append(l.order, rec.Token)
	return rec, nil
}

func (l *fakeLedger) Resolve(_ context.Context, token string, remoteRefs json.RawMessage) (*tokens.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[token]
	if !ok {
		return nil, tokens.ErrNotFound
	}
	rec.ResolvedAt = time.Now()
	rec.RemoteRefs = remoteRefs
	return rec, nil
}

func (l *fakeLedger) FindByToken(_ context.Context, token string) (*tokens.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[token]
	if !ok {
		return nil, tokens.ErrNotFound
	}
	return rec, nil
}

func (l *fakeLedger) ListForGuest(_ context.Context, guestID uuid.UUID, status tokens.Status, _ int32) ([]*tokens.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*tokens.Record
	for i := len(l.order) - 1; i >= 0; i-- {
		rec := l.records[l.order[i]]
		if rec.GuestID == guestID && matchesStatus(rec, status) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (l *fakeLedger) ListForRoom(_ context.Context, roomNumber string, status tokens.Status, _ int32) ([]*tokens.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*tokens.Record
	for i := len(l.order) - 1; i >= 0; i-- {
		rec := l.records[l.order[i]]
		if rec.RoomNumber == roomNumber && matchesStatus(rec, status) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func matchesStatus(rec *tokens.Record, status tokens.Status) bool {
	return status == tokens.StatusAny || rec.Status() == status
}

func (l *fakeLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// issued returns all records in issue order.
func (l *fakeLedger) issued() []*tokens.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*tokens.Record, 0, len(l.order))
	for _, token := range l.order {
		out = append(out, l.records[token])
	}
	return out
}

type providerCall struct {
	tool string
	args map[string]any
}

// fakeProvider backs the in-memory MCP server. Handlers record every call;
// failWith scripts IsError responses per tool, onCall runs inside the
// handler before it responds.
type fakeProvider struct {
	mu       sync.Mutex
	calls    []providerCall
	failWith map[string]string
	onCall   func(tool string, args map[string]any)
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{failWith: make(map[string]string)}
}

func (f *fakeProvider) handler(tool, response string) func(context.Context, *mcp.CallToolRequest, map[string]any) (*mcp.CallToolResult, any, error) {
	return func(_ context.Context, _ *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
		f.mu.Lock()
		f.calls = append(f.calls, providerCall{tool: tool, args: args})
		failText := f.failWith[tool]
		hook := f.onCall
		f.mu.Unlock()

		if hook != nil {
			hook(tool, args)
		}
		if failText != "" {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: failText}},
			}, nil, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: response}},
		}, nil, nil
	}
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeProvider) lastCall(t *testing.T) providerCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("provider received no calls")
	}
	return f.calls[len(f.calls)-1]
}

func objectSchema(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", Properties: props, Required: required}
}

// newProviderSession starts an in-memory hotel PMS server and returns a
// connected client session. Both ends are cleaned up via t.Cleanup.
func newProviderSession(t *testing.T, f *fakeProvider) *mcp.ClientSession {
	t.Helper()

	server := mcp.NewServer(&mcp.Implementation{Name: "hotel-pms", Version: "0.1.0"}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "create_booking",
		Description: "Create a booking in the property management system.",
		InputSchema: objectSchema(map[string]*jsonschema.Schema{
			"room_number":       {Type: "string"},
			"nights":            {Type: "integer"},
			"guest_id":          {Type: "string"},
			"channel":           {Type: "string"},
			"idempotency_token": {Type: "string"},
		}, "room_number", "idempotency_token"),
	}, f.handler("create_booking", `{"booking_id":"B-1001","status":"confirmed"}`))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "set_housekeeping_status",
		Description: "Update the housekeeping status of a room.",
		InputSchema: objectSchema(map[string]*jsonschema.Schema{
			"room":              {Type: "string"},
			"status":            {Type: "string"},
			"idempotency_token": {Type: "string"},
		}, "room", "status", "idempotency_token"),
	}, f.handler("set_housekeeping_status", `{"ticket_id":"HK-77"}`))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_room_status",
		Description: "Read the current status of a room.",
		InputSchema: objectSchema(map[string]*jsonschema.Schema{
			"room": {Type: "string"},
		}, "room"),
	}, f.handler("get_room_status", `{"room":"305","status":"occupied"}`))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "purge_guest_data",
		Description: "Remove all records for a guest.",
		InputSchema: objectSchema(map[string]*jsonschema.Schema{
			"guest_id": {Type: "string"},
		}, "guest_id"),
	}, f.handler("purge_guest_data", `{"purged":true}`))

	ctx := context.Background()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	serverSession, err := server.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server.Connect() unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.1.0"}, nil)
	clientSession, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client.Connect() unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = clientSession.Close() })

	return clientSession
}

// defaultRoles wraps create_booking for guests and the housekeeping update
// plus guest-attributed booking for staff. purge_guest_data stays hidden
// from everyone.
func defaultRoles() map[conversation.Persona]RoleConfig {
	return map[conversation.Persona]RoleConfig{
		conversation.PersonaGuest: {
			Servers: []string{testServerKey},
			Wrap: []WrapRule{{
				Server:     testServerKey,
				RemoteName: "create_booking",
				LocalName:  "book_room",
				Kind:       tokens.KindBooking,
				RoomArg:    "room_number",
				Inject:     map[string]string{"channel": "porter-chat"},
			}},
			Exclude: []string{"purge_guest_data", "set_housekeeping_status"},
		},
		conversation.PersonaStaff: {
			Servers: []string{testServerKey},
			Wrap: []WrapRule{
				{
					Server:     testServerKey,
					RemoteName: "set_housekeeping_status",
					LocalName:  "update_room_cleaning_status",
					Kind:       tokens.KindRequest,
					RoomArg:    "room",
				},
				{
					Server:     testServerKey,
					RemoteName: "create_booking",
					LocalName:  "create_booking_for_guest",
					Kind:       tokens.KindBooking,
					RoomArg:    "room_number",
					GuestArg:   "guest_id",
				},
			},
			Exclude: []string{"purge_guest_data"},
		},
	}
}

type testProxy struct {
	proxy    *Proxy
	ledger   *fakeLedger
	provider *fakeProvider
	session  *mcp.ClientSession
}

func newTestProxy(t *testing.T) *testProxy {
	t.Helper()
	return newTestProxyWithLogger(t, log.NewNop())
}

func newTestProxyWithLogger(t *testing.T, logger log.Logger) *testProxy {
	t.Helper()

	ledger := newFakeLedger()
	provider := newFakeProvider()
	session := newProviderSession(t, provider)

	proxy, err := New(Config{
		Sessions: map[string]*mcp.ClientSession{testServerKey: session},
		Roles:    defaultRoles(),
		Ledger:   ledger,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}
	return &testProxy{proxy: proxy, ledger: ledger, provider: provider, session: session}
}

func guestCaller() Caller {
	return Caller{UserID: uuid.New(), Persona: conversation.PersonaGuest}
}

func staffCaller() Caller {
	return Caller{UserID: uuid.New(), Persona: conversation.PersonaStaff}
}
