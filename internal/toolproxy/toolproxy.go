// Package toolproxy builds the per-persona tool catalog and executes tool
// calls on the orchestrator's behalf.
//
// Some tools answer from the local ledger directly; the rest are rewrites of
// remote provider tools. A rewritten tool gets a fresh idempotency token on
// every call, persisted before the remote call leaves the process, so the
// remote side can suppress duplicates and the ledger can explain every
// attempt. The model never sees or supplies a token: the token field is
// stripped from the advertised schema and injected at execution time.
package toolproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"

	"github.com/porterhq/porter/internal/tokens"
)

var (
	// ErrUnknownTool indicates a name outside the persona's catalog.
	ErrUnknownTool = errors.New("toolproxy: unknown tool")

	// ErrInvalidArguments indicates tool input that does not parse against
	// the declared schema. Contained to the one call, never fatal.
	ErrInvalidArguments = errors.New("toolproxy: invalid arguments")
)

// ProviderError is a failed remote call: transport failure, provider down,
// or a non-protocol response. The issued token stays unresolved.
type ProviderError struct {
	Server string
	Err    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("toolproxy: provider %q: %v", e.Server, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Origin tags a descriptor's execution path.
type Origin string

const (
	// OriginLocal answers from the ledger with no remote call.
	OriginLocal Origin = "local"

	// OriginProxied forwards to a remote provider, with token wrapping
	// when Kind is set.
	OriginProxied Origin = "proxied"
)

// Descriptor is one entry in a persona's resolved catalog. Name is the only
// identity the model sees; for proxied tools RemoteName and Server say where
// the call really goes.
type Descriptor struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
	Origin      Origin

	// Proxied tools only.
	Server     string
	RemoteName string
	Kind       tokens.Kind // empty for passthrough tools
	TokenField string
	Inject     map[string]string
	GuestArg   string
	RoomArg    string
}

// Wrapped reports whether executions of this descriptor issue a token.
func (d *Descriptor) Wrapped() bool {
	return d.Origin == OriginProxied && d.Kind != ""
}

// WrapRule declares that one remote tool requires idempotency wrapping for
// a persona.
type WrapRule struct {
	Server     string      // provider the remote tool lives on
	RemoteName string      // name declared by the provider
	LocalName  string      // name exposed to the model; must differ
	Kind       tokens.Kind // ledger entity kind this call produces

	// TokenField is the schema field carrying the token on the remote
	// side. Empty means DefaultTokenField.
	TokenField string

	// Inject holds role-scoped parameters merged into every call, e.g.
	// the acting staff id. Values come from configuration, never from
	// model input; on collision the injected value wins.
	Inject map[string]string

	// GuestArg and RoomArg name argument fields copied into the ledger
	// record as lookup handles.
	GuestArg string
	RoomArg  string
}

// DefaultTokenField is the conventional remote-side token field.
const DefaultTokenField = "idempotency_token"

func (r WrapRule) tokenField() string {
	if r.TokenField == "" {
		return DefaultTokenField
	}
	return r.TokenField
}

func (r WrapRule) validate() error {
	if r.Server == "" {
		return errors.New("toolproxy: wrap rule needs a server")
	}
	if r.RemoteName == "" {
		return errors.New("toolproxy: wrap rule needs a remote tool name")
	}
	if r.LocalName == "" {
		return errors.New("toolproxy: wrap rule needs a local name")
	}
	if r.LocalName == r.RemoteName {
		return fmt.Errorf("toolproxy: wrap rule for %q must expose a different local name", r.RemoteName)
	}
	if _, err := tokens.ParseKind(string(r.Kind)); err != nil {
		return fmt.Errorf("toolproxy: wrap rule for %q: %w", r.RemoteName, err)
	}
	return nil
}

// RoleConfig shapes one persona's catalog.
type RoleConfig struct {
	// Servers lists the providers whose tools this persona sees.
	Servers []string

	// Wrap lists the remote tools that require idempotency wrapping.
	Wrap []WrapRule

	// Exclude hides remote tools from this persona entirely.
	Exclude []string
}

func (rc RoleConfig) validate() error {
	remoteNames := make(map[string]bool, len(rc.Wrap))
	localNames := make(map[string]bool, len(rc.Wrap))
	for _, rule := range rc.Wrap {
		if err := rule.validate(); err != nil {
			return err
		}
		remoteNames[rule.RemoteName] = true
		if localNames[rule.LocalName] {
			return fmt.Errorf("toolproxy: local name %q declared by more than one wrap rule", rule.LocalName)
		}
		localNames[rule.LocalName] = true
	}

	excluded := make(map[string]bool, len(rc.Exclude))
	for _, name := range rc.Exclude {
		excluded[name] = true
	}

	// An exposed name must never coincide with an excluded or wrapped
	// remote name: either would resurrect a tool the role hides.
	for _, rule := range rc.Wrap {
		if excluded[rule.LocalName] {
			return fmt.Errorf("toolproxy: local name %q collides with an excluded tool", rule.LocalName)
		}
		if remoteNames[rule.LocalName] {
			return fmt.Errorf("toolproxy: local name %q collides with wrapped remote tool %q", rule.LocalName, rule.LocalName)
		}
	}
	return nil
}

// Ledger is the token store surface the proxy needs. *tokens.Store
// satisfies it.
type Ledger interface {
	Issue(ctx context.Context, p tokens.IssueParams) (*tokens.Record, error)
	Resolve(ctx context.Context, token string, remoteRefs json.RawMessage) (*tokens.Record, error)
	FindByToken(ctx context.Context, token string) (*tokens.Record, error)
	ListForGuest(ctx context.Context, guestID uuid.UUID, status tokens.Status, limit int32) ([]*tokens.Record, error)
	ListForRoom(ctx context.Context, roomNumber string, status tokens.Status, limit int32) ([]*tokens.Record, error)
}
