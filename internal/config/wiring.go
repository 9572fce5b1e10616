package config

import (
	"encoding/json"
	"fmt"
)

// Provider is one remote tool provider: a command porter launches and talks
// to over stdio. The map key in Config.Providers is the server identifier
// role wiring refers to.
type Provider struct {
	Command string            `mapstructure:"command" json:"command"`
	Args    []string          `mapstructure:"args" json:"args"`
	Env     map[string]string `mapstructure:"env" json:"env"`
}

// Role wires one persona's tool catalog.
type Role struct {
	// Servers lists the providers whose tools this persona sees.
	Servers []string `mapstructure:"servers" json:"servers"`

	// Wrap lists remote tools that get idempotency wrapping.
	Wrap []Wrap `mapstructure:"wrap" json:"wrap"`

	// Exclude hides remote tools from this persona entirely.
	Exclude []string `mapstructure:"exclude" json:"exclude"`
}

// Wrap declares idempotency wrapping for one remote tool.
type Wrap struct {
	Server     string `mapstructure:"server" json:"server"`
	RemoteName string `mapstructure:"remote_name" json:"remote_name"`
	LocalName  string `mapstructure:"local_name" json:"local_name"`

	// Kind is the ledger entity kind this call produces: booking, ticket,
	// request, or transaction.
	Kind string `mapstructure:"kind" json:"kind"`

	// TokenField overrides the remote-side token field name. Empty uses
	// the convention (idempotency_token).
	TokenField string `mapstructure:"token_field" json:"token_field"`

	// Inject holds fixed parameters merged into every call, e.g. the
	// acting staff id. Never sourced from model input.
	Inject map[string]string `mapstructure:"inject" json:"inject"`

	// GuestArg and RoomArg name input fields copied into the ledger
	// record as lookup handles.
	GuestArg string `mapstructure:"guest_arg" json:"guest_arg"`
	RoomArg  string `mapstructure:"room_arg" json:"room_arg"`
}

// User is one static credential-to-identity entry for the development
// bridge. Production deployments point the API at a real identity provider
// instead.
type User struct {
	Credential string `mapstructure:"credential" json:"credential"` // SENSITIVE: masked in MarshalJSON
	UserID     string `mapstructure:"user_id" json:"user_id"`
	Persona    string `mapstructure:"persona" json:"persona"`
	Name       string `mapstructure:"name" json:"name"`
}

// MarshalJSON masks the credential.
func (u User) MarshalJSON() ([]byte, error) {
	type alias User
	a := alias(u)
	a.Credential = maskSecret(a.Credential)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal user: %w", err)
	}
	return data, nil
}
