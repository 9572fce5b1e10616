package tokens

import "errors"

var (
	// ErrNotFound indicates no ledger record carries the given token.
	ErrNotFound = errors.New("tokens: record not found")

	// ErrInvalidKind indicates an entity kind outside the known set.
	ErrInvalidKind = errors.New("tokens: invalid entity kind")

	// ErrInvalidStatus indicates a status filter outside pending/resolved.
	ErrInvalidStatus = errors.New("tokens: invalid status filter")
)
