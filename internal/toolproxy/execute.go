package toolproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/porterhq/porter/internal/conversation"
	"github.com/porterhq/porter/internal/tokens"
)

// Caller identifies who a tool call runs on behalf of.
type Caller struct {
	UserID  uuid.UUID
	Persona conversation.Persona
}

// Result is a completed tool call. IsError means the tool itself reported
// failure; transport and validation failures come back as Go errors instead.
type Result struct {
	Content string
	IsError bool
}

// Execute runs the named tool from the caller's catalog. For wrapped tools
// the ledger record is written before the provider is contacted, so a later
// token lookup can always answer whether the action was attempted.
func (p *Proxy) Execute(ctx context.Context, caller Caller, toolName string, input json.RawMessage) (Result, error) {
	c, err := p.catalogFor(ctx, caller.Persona)
	if err != nil {
		return Result{}, err
	}
	desc := c.byName[toolName]
	if desc == nil {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownTool, toolName)
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	if desc.Origin == OriginLocal {
		return p.executeLocal(ctx, desc, input, caller)
	}
	return p.executeProxied(ctx, desc, input, caller)
}

func (p *Proxy) executeProxied(ctx context.Context, desc *Descriptor, input json.RawMessage, caller Caller) (Result, error) {
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if args == nil {
		args = make(map[string]any)
	}

	var token string
	if desc.Wrapped() {
		rec, err := p.ledger.Issue(ctx, tokens.IssueParams{
			Kind:       desc.Kind,
			ToolName:   desc.RemoteName,
			GuestID:    p.guestForLedger(desc, caller, args),
			RoomNumber: stringArg(args, desc.RoomArg),
			Payload:    input,
		})
		if err != nil {
			return Result{}, fmt.Errorf("toolproxy: recording intent for %s: %w", desc.Name, err)
		}
		token = rec.Token
		args[desc.TokenField] = token
	}
	for key, value := range desc.Inject {
		args[key] = value
	}

	session := p.sessions[desc.Server]
	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      desc.RemoteName,
		Arguments: args,
	})
	if err != nil {
		p.logger.Warn("tool call failed in transit",
			"tool", desc.Name,
			"server", desc.Server,
			"token", token,
			"error", err)
		return Result{}, &ProviderError{Server: desc.Server, Err: err}
	}

	content := textContent(result)
	if result.IsError {
		// The record stays pending so the attempt remains explainable.
		p.logger.Warn("provider rejected tool call",
			"tool", desc.Name,
			"server", desc.Server,
			"token", token)
		return Result{Content: content, IsError: true}, nil
	}

	if token != "" {
		if _, err := p.ledger.Resolve(ctx, token, remoteRefs(content)); err != nil {
			p.logger.Warn("token left unresolved after successful call",
				"tool", desc.Name,
				"token", token,
				"error", err)
		}
	}
	return Result{Content: content}, nil
}

// guestForLedger attributes the record. A guest always acts for themselves;
// for staff the wrap rule may name an argument carrying the guest id.
func (p *Proxy) guestForLedger(desc *Descriptor, caller Caller, args map[string]any) uuid.UUID {
	if caller.Persona == conversation.PersonaGuest {
		return caller.UserID
	}
	if desc.GuestArg == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(stringArg(args, desc.GuestArg))
	if err != nil {
		return uuid.Nil
	}
	return id
}

func stringArg(args map[string]any, key string) string {
	if key == "" {
		return ""
	}
	s, _ := args[key].(string)
	return s
}

func textContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// remoteRefs shapes provider output for the record's resolved identifiers.
// JSON objects are stored as-is; anything else is kept verbatim under "raw".
func remoteRefs(content string) json.RawMessage {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	raw, err := json.Marshal(map[string]string{"raw": content})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
