package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/porterhq/porter/internal/conversation"
)

// StaticUser is one configured credential-to-identity mapping.
type StaticUser struct {
	Credential string
	UserID     uuid.UUID
	Persona    conversation.Persona
	Name       string
}

// StaticBridge resolves credentials from static configuration. It backs
// development and single-tenant deployments where a full identity provider
// is overkill. Static credentials never expire, so Refresh always fails.
type StaticBridge struct {
	users map[string]Identity
}

// NewStaticBridge builds a bridge from the configured users.
func NewStaticBridge(users []StaticUser) (*StaticBridge, error) {
	if len(users) == 0 {
		return nil, errors.New("identity: at least one static user is required")
	}

	m := make(map[string]Identity, len(users))
	for i, u := range users {
		if u.Credential == "" {
			return nil, fmt.Errorf("identity: static user %d has empty credential", i)
		}
		if u.UserID == uuid.Nil {
			return nil, fmt.Errorf("identity: static user %d has empty user id", i)
		}
		if _, err := conversation.ParsePersona(string(u.Persona)); err != nil {
			return nil, fmt.Errorf("identity: static user %d: %w", i, err)
		}
		if _, dup := m[u.Credential]; dup {
			return nil, fmt.Errorf("identity: duplicate static credential at index %d", i)
		}
		m[u.Credential] = Identity{UserID: u.UserID, Persona: u.Persona, Name: u.Name}
	}
	return &StaticBridge{users: m}, nil
}

// Resolve implements Bridge.
func (b *StaticBridge) Resolve(_ context.Context, credential string) (*Identity, error) {
	id, ok := b.users[credential]
	if !ok {
		return nil, ErrUnknownCredential
	}
	return &id, nil
}

// Refresh implements Bridge. Static credentials are not refreshable.
func (b *StaticBridge) Refresh(_ context.Context, _ string) (string, error) {
	return "", ErrUnknownCredential
}
