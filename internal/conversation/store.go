package conversation

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

// Store persists conversations and messages in PostgreSQL.
//
// The connection pool is owned by the caller (opened and closed by the
// application container); Store holds a reference and is safe for concurrent
// use by multiple goroutines. Every query is scoped by user id, so a
// conversation belonging to another user behaves exactly like a missing one.
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
		return errors.New("conversation: pool is required")
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

// Create inserts a new conversation for userID under the given persona.
func (s *Store) Create(ctx context.Context, userID uuid.UUID, persona Persona) (*Conversation, error) {
	if _, err := ParsePersona(string(persona)); err != nil {
		return nil, err
	}

	const q = `
		INSERT INTO conversations (user_id, persona)
		VALUES ($1, $2)
		RETURNING id, user_id, persona, created_at, updated_at`

	conv, err := scanConversation(s.pool.QueryRow(ctx, q, uuidToPg(userID), string(persona)))
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Debug("created conversation", "conversation_id", conv.ID, "persona", persona)
	return conv, nil
}

// Get loads a conversation by id for userID. A missing id and a foreign
// owner both return ErrNotFound.
func (s *Store) Get(ctx context.Context, id, userID uuid.UUID) (*Conversation, error) {
	const q = `
		SELECT id, user_id, persona, created_at, updated_at
		FROM conversations
		WHERE id = $1 AND user_id = $2`

	conv, err := scanConversation(s.pool.QueryRow(ctx, q, uuidToPg(id), uuidToPg(userID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting conversation %s: %w", id, err)
	}
	return conv, nil
}

// List returns userID's conversations ordered by most recent activity.
func (s *Store) List(ctx context.Context, userID uuid.UUID, limit, offset int32) ([]*Conversation, error) {
	const q = `
		SELECT id, user_id, persona, created_at, updated_at
		FROM conversations
		WHERE user_id = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.pool.Query(ctx, q, uuidToPg(userID), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return convs, nil
}

// Delete removes a conversation and its messages. ErrNotFound for unknown
// ids and foreign owners alike.
func (s *Store) Delete(ctx context.Context, id, userID uuid.UUID) error {
	const q = `DELETE FROM conversations WHERE id = $1 AND user_id = $2`

	tag, err := s.pool.Exec(ctx, q, uuidToPg(id), uuidToPg(userID))
	if err != nil {
		return fmt.Errorf("deleting conversation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted conversation", "conversation_id", id)
	return nil
}

// DeleteIdleBefore removes conversations whose last activity predates
// cutoff, regardless of owner. Used by the retention sweeper; token records
// are intentionally untouched.
func (s *Store) DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM conversations WHERE updated_at < $1`

	tag, err := s.pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting idle conversations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AppendMessages appends msgs to a conversation in order, in a single
// transaction: the conversation row is locked, sequence numbers continue
// from the current maximum, and updated_at is touched. One call is one
// atomic unit; no transaction ever spans multiple appends.
func (s *Store) AppendMessages(ctx context.Context, convID, userID uuid.UUID, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	for i, msg := range msgs {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning append transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Debug("append rollback", "error", err)
		}
	}()

	// Lock the row; this also performs the ownership check.
	const lockQ = `SELECT id FROM conversations WHERE id = $1 AND user_id = $2 FOR UPDATE`
	var locked pgtype.UUID
	if err := tx.QueryRow(ctx, lockQ, uuidToPg(convID), uuidToPg(userID)).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("locking conversation %s: %w", convID, err)
	}

	const maxSeqQ = `SELECT COALESCE(MAX(sequence_number), 0) FROM messages WHERE conversation_id = $1`
	var maxSeq int32
	if err := tx.QueryRow(ctx, maxSeqQ, uuidToPg(convID)).Scan(&maxSeq); err != nil {
		return fmt.Errorf("reading max sequence number: %w", err)
	}

	const insertQ = `
		INSERT INTO messages (conversation_id, role, content, sequence_number)
		VALUES ($1, $2, $3, $4)`
	for i, msg := range msgs {
		content, err := json.Marshal(msg.Content)
		if err != nil {
			return fmt.Errorf("marshaling message %d content: %w", i, err)
		}
		seq := maxSeq + int32(i) + 1 // #nosec G115 -- i bounded by len(msgs)
		if _, err := tx.Exec(ctx, insertQ, uuidToPg(convID), string(msg.Role), content, seq); err != nil {
			return fmt.Errorf("inserting message %d: %w", i, err)
		}
	}

	const touchQ = `UPDATE conversations SET updated_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, touchQ, uuidToPg(convID)); err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing append: %w", err)
	}

	s.logger.Debug("appended messages", "conversation_id", convID, "count", len(msgs))
	return nil
}

// Messages returns a page of a conversation's messages in sequence order.
func (s *Store) Messages(ctx context.Context, convID, userID uuid.UUID, limit, offset int32) ([]*Message, error) {
	if err := s.checkOwnership(ctx, convID, userID); err != nil {
		return nil, err
	}

	const q = `
		SELECT id, conversation_id, role, content, sequence_number, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY sequence_number ASC
		LIMIT $2 OFFSET $3`

	rows, err := s.pool.Query(ctx, q, uuidToPg(convID), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("getting messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// RecentMessages returns the newest windowSize messages in sequence order,
// never splitting a tool_use/tool_result exchange: when the cut would orphan
// a tool_result message at the window head, the preceding assistant message
// is retained as well.
func (s *Store) RecentMessages(ctx context.Context, conv *Conversation, windowSize int, userID uuid.UUID) ([]*Message, error) {
	if conv == nil {
		return nil, ErrNotFound
	}
	if err := s.checkOwnership(ctx, conv.ID, userID); err != nil {
		return nil, err
	}
	windowSize = NormalizeWindow(windowSize)

	// Fetch one extra so the head fix-up never needs a second round trip.
	const q = `
		SELECT id, conversation_id, role, content, sequence_number, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY sequence_number DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, q, uuidToPg(conv.ID), int32(windowSize)+1) // #nosec G115 -- window clamped to MaxWindow
	if err != nil {
		return nil, fmt.Errorf("getting recent messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Rows arrive newest first; restore sequence order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	return windowRetainingPairs(msgs, windowSize), nil
}

// checkOwnership resolves to ErrNotFound unless convID exists and belongs
// to userID.
func (s *Store) checkOwnership(ctx context.Context, convID, userID uuid.UUID) error {
	const q = `SELECT 1 FROM conversations WHERE id = $1 AND user_id = $2`

	var one int
	if err := s.pool.QueryRow(ctx, q, uuidToPg(convID), uuidToPg(userID)).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("checking conversation ownership: %w", err)
	}
	return nil
}

// rowScanner covers both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		id, userID           pgtype.UUID
		persona              string
		createdAt, updatedAt pgtype.Timestamptz
	)
	if err := row.Scan(&id, &userID, &persona, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	return &Conversation{
		ID:        pgToUUID(id),
		UserID:    pgToUUID(userID),
		Persona:   Persona(persona),
		CreatedAt: createdAt.Time,
		UpdatedAt: updatedAt.Time,
	}, nil
}

func scanMessages(rows pgx.Rows) ([]*Message, error) {
	var msgs []*Message
	for rows.Next() {
		var (
			id, convID pgtype.UUID
			role       string
			content    []byte
			seq        int32
			createdAt  pgtype.Timestamptz
		)
		if err := rows.Scan(&id, &convID, &role, &content, &seq, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}

		var parts []*Part
		if err := json.Unmarshal(content, &parts); err != nil {
			return nil, fmt.Errorf("decoding message %s content: %w", pgToUUID(id), err)
		}

		msgs = append(msgs, &Message{
			ID:             pgToUUID(id),
			ConversationID: pgToUUID(convID),
			Role:           Role(role),
			Content:        parts,
			SequenceNumber: seq,
			CreatedAt:      createdAt.Time,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}
	return msgs, nil
}

func uuidToPg(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func pgToUUID(id pgtype.UUID) uuid.UUID {
	if !id.Valid {
		return uuid.Nil
	}
	return id.Bytes
}
