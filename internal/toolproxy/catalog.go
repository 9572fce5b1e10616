package toolproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/singleflight"

	"github.com/porterhq/porter/internal/conversation"
	"github.com/porterhq/porter/internal/log"
)

// tokenNote is appended to every wrapped tool's description so the model
// knows not to invent a token of its own.
const tokenNote = "A tracking token is generated and recorded automatically for this action; do not supply one."

// Config configures a Proxy.
type Config struct {
	// Sessions maps server keys to connected MCP client sessions. The
	// sessions are owned by the caller and must outlive the proxy.
	Sessions map[string]*mcp.ClientSession

	// Roles shapes each persona's catalog.
	Roles map[conversation.Persona]RoleConfig

	Ledger Ledger
	Logger log.Logger
}

func (c Config) validate() error {
	if c.Ledger == nil {
		return errors.New("toolproxy: ledger is required")
	}
	for persona, rc := range c.Roles {
		if _, err := conversation.ParsePersona(string(persona)); err != nil {
			return err
		}
		if err := rc.validate(); err != nil {
			return err
		}
		for _, server := range rc.Servers {
			if _, ok := c.Sessions[server]; !ok {
				return fmt.Errorf("toolproxy: role %q references unknown server %q", persona, server)
			}
		}
		for _, rule := range rc.Wrap {
			if !slices.Contains(rc.Servers, rule.Server) {
				return fmt.Errorf("toolproxy: role %q wraps tool on unlisted server %q", persona, rule.Server)
			}
		}
	}
	return nil
}

// Proxy serves tool catalogs and executes calls. Safe for concurrent use.
// Each persona's catalog is fetched from the providers once and cached for
// the process lifetime; concurrent first requests collapse into a single
// upstream fetch.
type Proxy struct {
	sessions map[string]*mcp.ClientSession
	roles    map[conversation.Persona]RoleConfig
	ledger   Ledger
	logger   log.Logger

	group    singleflight.Group
	mu       sync.RWMutex
	catalogs map[conversation.Persona]*catalog
}

type catalog struct {
	descriptors []Descriptor
	byName      map[string]*Descriptor
}

// New creates a Proxy from cfg.
func New(cfg Config) (*Proxy, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Proxy{
		sessions: cfg.Sessions,
		roles:    cfg.Roles,
		ledger:   cfg.Ledger,
		logger:   log.Or(cfg.Logger),
		catalogs: make(map[conversation.Persona]*catalog),
	}, nil
}

// Catalog returns the persona's resolved tool descriptors, building and
// caching them on first use. The returned slice is the caller's to keep.
func (p *Proxy) Catalog(ctx context.Context, persona conversation.Persona) ([]Descriptor, error) {
	c, err := p.catalogFor(ctx, persona)
	if err != nil {
		return nil, err
	}
	return slices.Clone(c.descriptors), nil
}

func (p *Proxy) catalogFor(ctx context.Context, persona conversation.Persona) (*catalog, error) {
	if _, err := conversation.ParsePersona(string(persona)); err != nil {
		return nil, err
	}

	p.mu.RLock()
	c := p.catalogs[persona]
	p.mu.RUnlock()
	if c != nil {
		return c, nil
	}

	// A failed build is not cached; the next request retries the fetch.
	v, err, _ := p.group.Do(string(persona), func() (any, error) {
		p.mu.RLock()
		cached := p.catalogs[persona]
		p.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}

		built, err := p.buildCatalog(ctx, persona)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.catalogs[persona] = built
		p.mu.Unlock()
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*catalog), nil
}

func (p *Proxy) buildCatalog(ctx context.Context, persona conversation.Persona) (*catalog, error) {
	role := p.roles[persona]

	wrapBy := make(map[string]map[string]WrapRule)
	for _, rule := range role.Wrap {
		if wrapBy[rule.Server] == nil {
			wrapBy[rule.Server] = make(map[string]WrapRule)
		}
		wrapBy[rule.Server][rule.RemoteName] = rule
	}
	excluded := make(map[string]bool, len(role.Exclude))
	for _, name := range role.Exclude {
		excluded[name] = true
	}

	descs, err := localDescriptors(persona)
	if err != nil {
		return nil, err
	}

	for _, server := range role.Servers {
		session := p.sessions[server]
		listed, err := session.ListTools(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("toolproxy: listing tools on %q: %w", server, err)
		}

		matched := make(map[string]bool)
		for _, tool := range listed.Tools {
			if rule, ok := wrapBy[server][tool.Name]; ok {
				matched[tool.Name] = true
				desc, err := wrapDescriptor(server, tool, rule)
				if err != nil {
					return nil, err
				}
				descs = append(descs, desc)
				// The remote name never reappears as a passthrough.
				continue
			}
			if excluded[tool.Name] {
				continue
			}
			schema, err := decodeSchema(tool.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("toolproxy: tool %s/%s: %w", server, tool.Name, err)
			}
			descs = append(descs, Descriptor{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: schema,
				Origin:      OriginProxied,
				Server:      server,
				RemoteName:  tool.Name,
			})
		}

		for remoteName := range wrapBy[server] {
			if !matched[remoteName] {
				return nil, fmt.Errorf("toolproxy: server %q does not declare wrapped tool %q", server, remoteName)
			}
		}
	}

	byName := make(map[string]*Descriptor, len(descs))
	for i := range descs {
		name := descs[i].Name
		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("toolproxy: duplicate exposed tool name %q for role %q", name, persona)
		}
		byName[name] = &descs[i]
	}

	p.logger.Info("built tool catalog",
		"persona", persona,
		"tools", len(descs),
		"servers", len(role.Servers))

	return &catalog{descriptors: descs, byName: byName}, nil
}

// wrapDescriptor synthesizes the local descriptor for a wrapped remote
// tool: live description plus the token note, schema minus the token field.
func wrapDescriptor(server string, tool *mcp.Tool, rule WrapRule) (Descriptor, error) {
	schema, err := stripSchemaField(tool.InputSchema, rule.tokenField())
	if err != nil {
		return Descriptor{}, fmt.Errorf("toolproxy: wrapping %s/%s: %w", server, tool.Name, err)
	}

	description := tool.Description
	if description != "" {
		description += " "
	}
	description += tokenNote

	return Descriptor{
		Name:        rule.LocalName,
		Description: description,
		InputSchema: schema,
		Origin:      OriginProxied,
		Server:      server,
		RemoteName:  tool.Name,
		Kind:        rule.Kind,
		TokenField:  rule.tokenField(),
		Inject:      rule.Inject,
		GuestArg:    rule.GuestArg,
		RoomArg:     rule.RoomArg,
	}, nil
}

// decodeSchema converts a provider-declared input schema into a typed one.
// ListTools delivers the schema as decoded JSON (a map, not a typed schema),
// so a JSON round trip is the lossless conversion. A nil schema becomes the
// permissive empty object.
func decodeSchema(schema any) (*jsonschema.Schema, error) {
	if schema == nil {
		return &jsonschema.Schema{Type: "object"}, nil
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encoding schema: %w", err)
	}
	var decoded jsonschema.Schema
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}
	return &decoded, nil
}

// stripSchemaField decodes schema into a fresh copy and removes field from
// its properties and required list. The provider's schema object is never
// mutated.
func stripSchemaField(schema any, field string) (*jsonschema.Schema, error) {
	clone, err := decodeSchema(schema)
	if err != nil {
		return nil, err
	}

	if clone.Properties != nil {
		delete(clone.Properties, field)
	}
	if len(clone.Required) > 0 {
		required := clone.Required[:0:0]
		for _, name := range clone.Required {
			if name != field {
				required = append(required, name)
			}
		}
		clone.Required = required
	}
	return clone, nil
}
