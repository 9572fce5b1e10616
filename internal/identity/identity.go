// Package identity defines the credential bridge porter consumes.
//
// Credential issuance lives in an external system; porter only resolves the
// short-lived credential attached to each request into a user identity. An
// expired credential gets exactly one transparent refresh attempt at the
// HTTP boundary; if that also fails the caller must re-authenticate.
package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/porterhq/porter/internal/conversation"
)

var (
	// ErrUnknownCredential indicates the credential resolves to nobody.
	ErrUnknownCredential = errors.New("identity: unknown credential")

	// ErrCredentialExpired indicates the credential was valid once and may
	// be refreshable.
	ErrCredentialExpired = errors.New("identity: credential expired")
)

// Identity is the resolved owner of a request.
type Identity struct {
	UserID  uuid.UUID
	Persona conversation.Persona
	Name    string
}

// Bridge resolves and refreshes session credentials.
type Bridge interface {
	// Resolve maps a credential to the identity it belongs to. Expired
	// credentials return ErrCredentialExpired, unknown ones
	// ErrUnknownCredential.
	Resolve(ctx context.Context, credential string) (*Identity, error)

	// Refresh exchanges an expired credential for a fresh one. Bridges
	// that cannot refresh return ErrUnknownCredential.
	Refresh(ctx context.Context, credential string) (string, error)
}
