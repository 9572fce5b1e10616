package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/porterhq/porter/internal/conversation"
	"github.com/porterhq/porter/internal/identity"
	"github.com/porterhq/porter/internal/log"
)

const (
	conversationsDefaultLimit = 50
	messagesDefaultLimit      = 100
)

// conversationsHandler serves conversation metadata and transcript
// endpoints. Ownership is enforced by the store: foreign conversations are
// indistinguishable from missing ones.
type conversationsHandler struct {
	logger log.Logger
	store  ConversationStore
}

// conversationItem is the JSON representation of a conversation.
type conversationItem struct {
	ID        string `json:"id"`
	Persona   string `json:"persona"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// messageItem is the JSON representation of a stored message. Content
// carries the typed blocks exactly as persisted.
type messageItem struct {
	ID        string               `json:"id"`
	Role      string               `json:"role"`
	Sequence  int32                `json:"sequence"`
	Content   []*conversation.Part `json:"content"`
	CreatedAt string               `json:"createdAt"`
}

func newConversationItem(c *conversation.Conversation) conversationItem {
	return conversationItem{
		ID:        c.ID.String(),
		Persona:   string(c.Persona),
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
		UpdatedAt: c.UpdatedAt.Format(time.RFC3339),
	}
}

// create handles POST /api/v1/conversations. The persona comes from the
// authenticated identity, never from the request body.
func (ch *conversationsHandler) create(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	conv, err := ch.store.Create(r.Context(), id.UserID, id.Persona)
	if err != nil {
		ch.logger.Error("creating conversation", "error", err, "user_id", id.UserID)
		writeError(w, http.StatusInternalServerError, "create_failed", "failed to create conversation")
		return
	}

	writeData(w, http.StatusCreated, newConversationItem(conv))
}

// list handles GET /api/v1/conversations with limit/offset pagination,
// most recently active first.
func (ch *conversationsHandler) list(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	limit := min(parseIntParam(r, "limit", conversationsDefaultLimit), 200)
	offset := parseIntParam(r, "offset", 0)
	if offset > 10000 {
		writeError(w, http.StatusBadRequest, "invalid_offset", "offset must be 10000 or less")
		return
	}

	convs, err := ch.store.List(r.Context(), id.UserID, int32(limit), int32(offset)) //nolint:gosec // clamped above
	if err != nil {
		ch.logger.Error("listing conversations", "error", err, "user_id", id.UserID)
		writeError(w, http.StatusInternalServerError, "list_failed", "failed to list conversations")
		return
	}

	items := make([]conversationItem, len(convs))
	for i, c := range convs {
		items[i] = newConversationItem(c)
	}

	writeData(w, http.StatusOK, items)
}

// get handles GET /api/v1/conversations/{id}.
func (ch *conversationsHandler) get(w http.ResponseWriter, r *http.Request) {
	id, convID, ok := ch.requireConversationID(w, r)
	if !ok {
		return
	}

	conv, err := ch.store.Get(r.Context(), convID, id.UserID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation_not_found", "conversation not found")
			return
		}
		ch.logger.Error("getting conversation", "error", err, "conversation_id", convID)
		writeError(w, http.StatusInternalServerError, "get_failed", "failed to get conversation")
		return
	}

	writeData(w, http.StatusOK, newConversationItem(conv))
}

// messages handles GET /api/v1/conversations/{id}/messages — the paginated
// transcript in sequence order.
func (ch *conversationsHandler) messages(w http.ResponseWriter, r *http.Request) {
	id, convID, ok := ch.requireConversationID(w, r)
	if !ok {
		return
	}

	limit := min(parseIntParam(r, "limit", messagesDefaultLimit), 1000)
	offset := parseIntParam(r, "offset", 0)
	if offset > 100000 {
		writeError(w, http.StatusBadRequest, "invalid_offset", "offset must be 100000 or less")
		return
	}

	msgs, err := ch.store.Messages(r.Context(), convID, id.UserID, int32(limit), int32(offset)) //nolint:gosec // clamped above
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation_not_found", "conversation not found")
			return
		}
		ch.logger.Error("getting messages", "error", err, "conversation_id", convID)
		writeError(w, http.StatusInternalServerError, "get_failed", "failed to get messages")
		return
	}

	items := make([]messageItem, len(msgs))
	for i, msg := range msgs {
		items[i] = messageItem{
			ID:        msg.ID.String(),
			Role:      string(msg.Role),
			Sequence:  msg.SequenceNumber,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt.Format(time.RFC3339),
		}
	}

	writeData(w, http.StatusOK, items)
}

// remove handles DELETE /api/v1/conversations/{id}.
func (ch *conversationsHandler) remove(w http.ResponseWriter, r *http.Request) {
	id, convID, ok := ch.requireConversationID(w, r)
	if !ok {
		return
	}

	if err := ch.store.Delete(r.Context(), convID, id.UserID); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation_not_found", "conversation not found")
			return
		}
		ch.logger.Error("deleting conversation", "error", err, "conversation_id", convID)
		writeError(w, http.StatusInternalServerError, "delete_failed", "failed to delete conversation")
		return
	}

	writeData(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// requireConversationID extracts the caller identity and the {id} path
// value. Writes the error response and returns false when either is bad.
func (ch *conversationsHandler) requireConversationID(w http.ResponseWriter, r *http.Request) (*identity.Identity, uuid.UUID, bool) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return nil, uuid.Nil, false
	}

	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_conversation", "conversation ID must be a UUID")
		return nil, uuid.Nil, false
	}

	return id, convID, true
}

// requireIdentity pulls the resolved identity out of the request context.
// The auth middleware guarantees it for routes inside the stack; a miss
// means the handler was mounted outside it.
func requireIdentity(w http.ResponseWriter, r *http.Request) (*identity.Identity, bool) {
	id, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication_required", "missing credentials")
		return nil, false
	}
	return id, true
}

// parseIntParam reads a non-negative integer query parameter, falling back
// to def when absent or malformed.
func parseIntParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
