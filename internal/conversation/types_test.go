package conversation

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestParsePersona(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Persona
		wantErr bool
	}{
		{name: "guest", input: "guest", want: PersonaGuest},
		{name: "staff", input: "staff", want: PersonaStaff},
		{name: "unknown", input: "manager", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "case sensitive", input: "Guest", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePersona(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPersona) {
					t.Fatalf("ParsePersona(%q) error = %v, want ErrInvalidPersona", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePersona(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParsePersona(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestPartValidate(t *testing.T) {
	tests := []struct {
		name    string
		part    *Part
		wantErr bool
	}{
		{name: "text", part: NewTextPart("hello"), wantErr: false},
		{name: "empty text allowed", part: NewTextPart(""), wantErr: false},
		{name: "tool use", part: NewToolUsePart("tu_1", "find_booking_by_token", json.RawMessage(`{"token":"abc"}`)), wantErr: false},
		{name: "tool use nil input defaults to empty object", part: NewToolUsePart("tu_1", "list_requests_for_guest", nil), wantErr: false},
		{name: "tool result", part: NewToolResultPart("tu_1", json.RawMessage(`{"ok":true}`), false), wantErr: false},
		{name: "tool error result", part: NewToolResultPart("tu_1", json.RawMessage(`"execution timed out"`), true), wantErr: false},
		{
			name:    "text with tool payload",
			part:    &Part{Type: PartText, Text: "x", ToolUse: &ToolUse{ID: "a", Name: "b"}},
			wantErr: true,
		},
		{name: "tool use missing payload", part: &Part{Type: PartToolUse}, wantErr: true},
		{name: "tool use missing id", part: &Part{Type: PartToolUse, ToolUse: &ToolUse{Name: "x"}}, wantErr: true},
		{name: "tool use missing name", part: &Part{Type: PartToolUse, ToolUse: &ToolUse{ID: "x"}}, wantErr: true},
		{name: "tool result missing payload", part: &Part{Type: PartToolResult}, wantErr: true},
		{name: "tool result missing tool use id", part: &Part{Type: PartToolResult, ToolResult: &ToolResult{}}, wantErr: true},
		{name: "unknown type", part: &Part{Type: "image"}, wantErr: true},
		{name: "empty type", part: &Part{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.part.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidPart) {
				t.Fatalf("Validate() error = %v, want ErrInvalidPart", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestPartUnmarshalValidatesAtBoundary(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{name: "valid text", data: `{"type":"text","text":"hi"}`, wantErr: false},
		{
			name:    "valid tool use",
			data:    `{"type":"tool_use","tool_use":{"id":"tu_1","name":"update_room_cleaning_status","input":{"room":"305"}}}`,
			wantErr: false,
		},
		{name: "unknown type rejected", data: `{"type":"thinking","text":"?"}`, wantErr: true},
		{name: "tool use without payload rejected", data: `{"type":"tool_use"}`, wantErr: true},
		{name: "not json", data: `nonsense`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Part
			err := json.Unmarshal([]byte(tt.data), &p)
			if tt.wantErr && err == nil {
				t.Fatal("Unmarshal succeeded, want error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Unmarshal unexpected error: %v", err)
			}
		})
	}
}

func TestPartRoundTrip(t *testing.T) {
	original := []*Part{
		NewTextPart("Room 305 is ready."),
		NewToolUsePart("tu_9", "update_room_cleaning_status", json.RawMessage(`{"room":"305","status":"cleaned"}`)),
		NewToolResultPart("tu_9", json.RawMessage(`{"updated":true}`), false),
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal() unexpected error: %v", err)
	}

	var decoded []*Part
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() unexpected error: %v", err)
	}

	if len(decoded) != len(original) {
		t.Fatalf("round trip length = %d, want %d", len(decoded), len(original))
	}
	if decoded[0].Text != "Room 305 is ready." {
		t.Errorf("text part = %q, want %q", decoded[0].Text, "Room 305 is ready.")
	}
	if decoded[1].ToolUse.Name != "update_room_cleaning_status" {
		t.Errorf("tool_use name = %q, want %q", decoded[1].ToolUse.Name, "update_room_cleaning_status")
	}
	if decoded[2].ToolResult.ToolUseID != "tu_9" {
		t.Errorf("tool_result id = %q, want %q", decoded[2].ToolResult.ToolUseID, "tu_9")
	}
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     *Message
		wantErr bool
	}{
		{
			name: "valid user message",
			msg:  &Message{Role: RoleUser, Content: []*Part{NewTextPart("hello")}},
		},
		{
			name: "valid assistant tool message",
			msg: &Message{Role: RoleAssistant, Content: []*Part{
				NewTextPart("checking"),
				NewToolUsePart("tu_1", "list_requests_for_room", json.RawMessage(`{"room":"305"}`)),
			}},
		},
		{name: "invalid role", msg: &Message{Role: "tool", Content: []*Part{NewTextPart("x")}}, wantErr: true},
		{name: "empty content", msg: &Message{Role: RoleUser}, wantErr: true},
		{name: "nil part", msg: &Message{Role: RoleUser, Content: []*Part{nil}}, wantErr: true},
		{name: "invalid part", msg: &Message{Role: RoleUser, Content: []*Part{{Type: "bogus"}}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("Validate() succeeded, want error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestNormalizeWindow(t *testing.T) {
	tests := []struct {
		name  string
		input int
		want  int
	}{
		{name: "zero selects default", input: 0, want: DefaultWindow},
		{name: "negative selects default", input: -3, want: DefaultWindow},
		{name: "below min clamps", input: 1, want: MinWindow},
		{name: "in range", input: 25, want: 25},
		{name: "above max clamps", input: 10000, want: MaxWindow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeWindow(tt.input); got != tt.want {
				t.Errorf("NormalizeWindow(%d) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestHasToolHelpers(t *testing.T) {
	msg := &Message{
		ID:   uuid.New(),
		Role: RoleUser,
		Content: []*Part{
			NewToolResultPart("tu_1", json.RawMessage(`{}`), false),
		},
	}
	if !msg.HasToolResult() {
		t.Error("HasToolResult() = false, want true")
	}
	if msg.HasToolUse() {
		t.Error("HasToolUse() = true, want false")
	}

	text := &Message{Role: RoleUser, Content: []*Part{NewTextPart("hi")}}
	if text.HasToolResult() || text.HasToolUse() {
		t.Error("text message reported tool content")
	}
}
