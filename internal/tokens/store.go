package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/porterhq/porter/internal/log"
)

// Listing limits. Callers asking for nothing get the default page; nobody
// gets more than the cap.
const (
	DefaultListLimit int32 = 50
	MaxListLimit     int32 = 200
)

const recordColumns = `id, token, entity_kind, tool_name, guest_id, room_number, payload, created_at, resolved_at, remote_refs`

// Store persists ledger records in PostgreSQL. Safe for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Pool   *pgxpool.Pool
	Logger log.Logger
}

func (c StoreConfig) validate() error {
	if c.Pool == nil {
		return errors.New("tokens: pool is required")
	}
	return nil
}

// NewStore creates a Store backed by the given pool.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Store{
		pool:   cfg.Pool,
		logger: log.Or(cfg.Logger),
	}, nil
}

// IssueParams describes the proxied call a token is about to tag.
type IssueParams struct {
	Kind       Kind
	ToolName   string
	GuestID    uuid.UUID
	RoomNumber string
	Payload    json.RawMessage
}

func (p IssueParams) validate() error {
	if _, err := ParseKind(string(p.Kind)); err != nil {
		return err
	}
	if p.ToolName == "" {
		return errors.New("tokens: tool name is required")
	}
	return nil
}

// Issue generates a fresh token and durably records it. The returned record
// is unresolved; callers transmit the token to the remote provider only
// after Issue returns.
func (s *Store) Issue(ctx context.Context, p IssueParams) (*Record, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	payload := p.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	const q = `
		INSERT INTO idempotency_tokens (token, entity_kind, tool_name, guest_id, room_number, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + recordColumns

	rec, err := scanRecord(s.pool.QueryRow(ctx, q,
		NewToken(), string(p.Kind), p.ToolName,
		nullableUUID(p.GuestID), nullableText(p.RoomNumber), payload))
	if err != nil {
		return nil, fmt.Errorf("issuing token: %w", err)
	}

	s.logger.Debug("issued idempotency token",
		"token", rec.Token, "kind", rec.Kind, "tool", rec.ToolName)
	return rec, nil
}

// Resolve marks the record for token as completed and attaches the foreign
// identifiers the provider returned. Resolving an already resolved record
// overwrites its refs; resolving an unknown token is ErrNotFound.
func (s *Store) Resolve(ctx context.Context, token string, remoteRefs json.RawMessage) (*Record, error) {
	const q = `
		UPDATE idempotency_tokens
		SET resolved_at = now(), remote_refs = $2
		WHERE token = $1
		RETURNING ` + recordColumns

	rec, err := scanRecord(s.pool.QueryRow(ctx, q, token, remoteRefs))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolving token: %w", err)
	}

	s.logger.Debug("resolved idempotency token", "token", rec.Token, "kind", rec.Kind)
	return rec, nil
}

// FindByToken returns the record carrying token, resolved or not.
func (s *Store) FindByToken(ctx context.Context, token string) (*Record, error) {
	const q = `
		SELECT ` + recordColumns + `
		FROM idempotency_tokens
		WHERE token = $1`

	rec, err := scanRecord(s.pool.QueryRow(ctx, q, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("finding token: %w", err)
	}
	return rec, nil
}

// ListForGuest returns a guest's records, newest first, optionally filtered
// by status.
func (s *Store) ListForGuest(ctx context.Context, guestID uuid.UUID, status Status, limit int32) ([]*Record, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return nil, err
	}

	const q = `
		SELECT ` + recordColumns + `
		FROM idempotency_tokens
		WHERE guest_id = $1
		  AND ($2 = ''
		       OR ($2 = 'pending' AND resolved_at IS NULL)
		       OR ($2 = 'resolved' AND resolved_at IS NOT NULL))
		ORDER BY created_at DESC
		LIMIT $3`

	return s.list(ctx, q, uuidToPg(guestID), string(status), clampLimit(limit))
}

// ListForRoom returns a room's records, newest first, optionally filtered
// by status.
func (s *Store) ListForRoom(ctx context.Context, roomNumber string, status Status, limit int32) ([]*Record, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return nil, err
	}

	const q = `
		SELECT ` + recordColumns + `
		FROM idempotency_tokens
		WHERE room_number = $1
		  AND ($2 = ''
		       OR ($2 = 'pending' AND resolved_at IS NULL)
		       OR ($2 = 'resolved' AND resolved_at IS NOT NULL))
		ORDER BY created_at DESC
		LIMIT $3`

	return s.list(ctx, q, roomNumber, string(status), clampLimit(limit))
}

// ListUnresolvedBefore returns unresolved records issued before cutoff,
// oldest first. These are calls that were attempted but never confirmed and
// usually deserve a human look.
func (s *Store) ListUnresolvedBefore(ctx context.Context, cutoff time.Time, limit int32) ([]*Record, error) {
	const q = `
		SELECT ` + recordColumns + `
		FROM idempotency_tokens
		WHERE resolved_at IS NULL AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`

	return s.list(ctx, q, cutoff, clampLimit(limit))
}

func (s *Store) list(ctx context.Context, q string, args ...any) ([]*Record, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning token record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}
	return recs, nil
}

func clampLimit(limit int32) int32 {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

// rowScanner covers both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		id, guestID           pgtype.UUID
		token, kind, toolName string
		roomNumber            pgtype.Text
		payload, remoteRefs   []byte
		createdAt, resolvedAt pgtype.Timestamptz
	)
	if err := row.Scan(&id, &token, &kind, &toolName, &guestID, &roomNumber, &payload, &createdAt, &resolvedAt, &remoteRefs); err != nil {
		return nil, err
	}

	rec := &Record{
		ID:         pgToUUID(id),
		Token:      token,
		Kind:       Kind(kind),
		ToolName:   toolName,
		GuestID:    pgToUUID(guestID),
		RoomNumber: roomNumber.String,
		Payload:    payload,
		CreatedAt:  createdAt.Time,
		RemoteRefs: remoteRefs,
	}
	if resolvedAt.Valid {
		rec.ResolvedAt = resolvedAt.Time
	}
	return rec, nil
}

func uuidToPg(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

// nullableUUID maps uuid.Nil to SQL NULL.
func nullableUUID(id uuid.UUID) pgtype.UUID {
	if id == uuid.Nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: id, Valid: true}
}

// nullableText maps the empty string to SQL NULL.
func nullableText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

func pgToUUID(id pgtype.UUID) uuid.UUID {
	if !id.Valid {
		return uuid.Nil
	}
	return id.Bytes
}
