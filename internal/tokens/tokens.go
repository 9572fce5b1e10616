// Package tokens maintains the idempotency token ledger.
//
// Every proxied tool call is tagged with a locally generated token that is
// persisted before the remote call leaves the process. The ledger therefore
// answers "was this action ever attempted" even when the remote provider
// failed or timed out. Records are never deleted, only resolved: once the
// remote call succeeds the record gains the foreign identifiers the provider
// returned. An old unresolved record is not garbage, it is a diagnostic.
package tokens

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the domain entity a token will eventually identify.
type Kind string

const (
	KindBooking     Kind = "booking"
	KindTicket      Kind = "ticket"
	KindRequest     Kind = "request"
	KindTransaction Kind = "transaction"
)

// ParseKind validates s against the known entity kinds.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindBooking, KindTicket, KindRequest, KindTransaction:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

// Status filters ledger listings. StatusAny matches every record.
type Status string

const (
	StatusAny      Status = ""
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
)

// ParseStatus validates s as a listing filter. The empty string means no
// filter.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusAny, StatusPending, StatusResolved:
		return Status(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// Record is one ledger entry. GuestID and RoomNumber are optional lookup
// handles set from the call arguments; RemoteRefs holds whatever identifiers
// the provider returned on success.
type Record struct {
	ID         uuid.UUID       `json:"id"`
	Token      string          `json:"token"`
	Kind       Kind            `json:"kind"`
	ToolName   string          `json:"tool_name"`
	GuestID    uuid.UUID       `json:"guest_id,omitzero"`
	RoomNumber string          `json:"room_number,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt time.Time       `json:"resolved_at,omitzero"`
	RemoteRefs json.RawMessage `json:"remote_refs,omitempty"`
}

// Resolved reports whether the remote call this token tagged has completed.
func (r *Record) Resolved() bool {
	return !r.ResolvedAt.IsZero()
}

// Status returns the record's listing status.
func (r *Record) Status() Status {
	if r.Resolved() {
		return StatusResolved
	}
	return StatusPending
}

// NewToken returns a fresh globally unique idempotency token.
func NewToken() string {
	return uuid.NewString()
}
