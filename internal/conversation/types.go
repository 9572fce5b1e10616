// Package conversation provides persistence for assistant conversations.
//
// A conversation is an append-only, strictly ordered list of messages owned
// by exactly one user. Message content is a list of typed blocks (text,
// tool_use, tool_result) validated at the storage boundary, so malformed
// blocks never enter or leave the database unnoticed.
package conversation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Persona identifies which tool catalog and system-prompt context a
// conversation runs under.
type Persona string

const (
	PersonaGuest Persona = "guest"
	PersonaStaff Persona = "staff"
)

// ParsePersona validates a persona name.
func ParsePersona(s string) (Persona, error) {
	switch Persona(s) {
	case PersonaGuest, PersonaStaff:
		return Persona(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPersona, s)
}

// Role is the author of a message. Tool results travel in user-role
// messages, mirroring the inference wire format.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType tags the variants of the content-block union.
type PartType string

const (
	PartText       PartType = "text"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"
)

// Part is one content block of a message. Exactly one variant field is set,
// matching Type. Use the New*Part constructors; Validate enforces the shape
// wherever parts cross a boundary.
type Part struct {
	Type       PartType    `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolUse    *ToolUse    `json:"tool_use,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ToolUse records the assistant invoking a tool.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult answers a ToolUse with the same id. Content carries the raw
// tool output, or the error text when IsError is set.
type ToolResult struct {
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error,omitempty"`
}

// NewTextPart creates a text block.
func NewTextPart(text string) *Part {
	return &Part{Type: PartText, Text: text}
}

// NewToolUsePart creates a tool_use block. A nil input is stored as the
// empty object.
func NewToolUsePart(id, name string, input json.RawMessage) *Part {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	return &Part{Type: PartToolUse, ToolUse: &ToolUse{ID: id, Name: name, Input: input}}
}

// NewToolResultPart creates a tool_result block answering toolUseID.
func NewToolResultPart(toolUseID string, content json.RawMessage, isError bool) *Part {
	return &Part{Type: PartToolResult, ToolResult: &ToolResult{
		ToolUseID: toolUseID,
		Content:   content,
		IsError:   isError,
	}}
}

// Validate checks that exactly the fields implied by Type are set.
func (p *Part) Validate() error {
	switch p.Type {
	case PartText:
		if p.ToolUse != nil || p.ToolResult != nil {
			return fmt.Errorf("%w: text part carries tool fields", ErrInvalidPart)
		}
	case PartToolUse:
		if p.ToolUse == nil {
			return fmt.Errorf("%w: tool_use part missing tool_use payload", ErrInvalidPart)
		}
		if p.ToolResult != nil || p.Text != "" {
			return fmt.Errorf("%w: tool_use part carries extra fields", ErrInvalidPart)
		}
		if p.ToolUse.ID == "" || p.ToolUse.Name == "" {
			return fmt.Errorf("%w: tool_use part missing id or name", ErrInvalidPart)
		}
	case PartToolResult:
		if p.ToolResult == nil {
			return fmt.Errorf("%w: tool_result part missing tool_result payload", ErrInvalidPart)
		}
		if p.ToolUse != nil || p.Text != "" {
			return fmt.Errorf("%w: tool_result part carries extra fields", ErrInvalidPart)
		}
		if p.ToolResult.ToolUseID == "" {
			return fmt.Errorf("%w: tool_result part missing tool_use_id", ErrInvalidPart)
		}
	default:
		return fmt.Errorf("%w: unknown part type %q", ErrInvalidPart, p.Type)
	}
	return nil
}

// UnmarshalJSON decodes and validates in one step, so content read back from
// storage or received from a client is checked at the boundary.
func (p *Part) UnmarshalJSON(data []byte) error {
	type alias Part
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = Part(a)
	return p.Validate()
}

// Conversation is the stored metadata of one conversation.
type Conversation struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Persona   Persona
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one stored message. Content is serialized as JSONB.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Role           Role
	Content        []*Part
	SequenceNumber int32
	CreatedAt      time.Time
}

// Validate checks role and content-block shape before persistence.
func (m *Message) Validate() error {
	if m.Role != RoleUser && m.Role != RoleAssistant {
		return fmt.Errorf("%w: role %q", ErrInvalidMessage, m.Role)
	}
	if len(m.Content) == 0 {
		return fmt.Errorf("%w: empty content", ErrInvalidMessage)
	}
	for i, part := range m.Content {
		if part == nil {
			return fmt.Errorf("%w: nil part at index %d", ErrInvalidMessage, i)
		}
		if err := part.Validate(); err != nil {
			return fmt.Errorf("part %d: %w", i, err)
		}
	}
	return nil
}

// HasToolResult reports whether any content block is a tool_result. Used by
// the windowing logic to detect an exchange split at the window head.
func (m *Message) HasToolResult() bool {
	for _, part := range m.Content {
		if part.Type == PartToolResult {
			return true
		}
	}
	return false
}

// HasToolUse reports whether any content block is a tool_use.
func (m *Message) HasToolUse() bool {
	for _, part := range m.Content {
		if part.Type == PartToolUse {
			return true
		}
	}
	return false
}
