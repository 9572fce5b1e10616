package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/porterhq/porter/internal/chat"
	"github.com/porterhq/porter/internal/conversation"
	"github.com/porterhq/porter/internal/identity"
	"github.com/porterhq/porter/internal/log"
	"github.com/porterhq/porter/internal/ratelimit"
)

const (
	// maxChatBodyBytes caps the request body size for chat requests.
	maxChatBodyBytes = 1 << 20

	// maxMessageChars bounds the user message length in runes.
	maxMessageChars = 10000
)

// chatHandler serves the streaming chat endpoint.
type chatHandler struct {
	logger log.Logger
	runner ChatRunner
	convs  ConversationStore
	users  *ratelimit.UserLimiter
}

// chatRequest is the JSON body of POST /api/v1/chat/stream.
// An empty conversationId starts a new conversation.
type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
}

// stream handles POST /api/v1/chat/stream.
//
// Failures before the first SSE write are ordinary JSON errors. Once the
// stream has started the status line is committed at 200 and every failure
// is an in-band error event.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxChatBodyBytes)
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds 1MB")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	if strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "content_required", "message is required")
		return
	}
	if utf8.RuneCountInString(body.Message) > maxMessageChars {
		writeError(w, http.StatusBadRequest, "content_too_long",
			fmt.Sprintf("message exceeds %d characters", maxMessageChars))
		return
	}

	// The per-user window is checked before any conversation row or model
	// call is made, so a rejected request leaves no trace.
	if h.users != nil && !h.users.Allow(id.UserID) {
		h.logger.Warn("user message rate limit exceeded", "user_id", id.UserID)
		writeError(w, http.StatusTooManyRequests, "rate_limited", "message rate limit reached, slow down")
		return
	}

	conv, ok := h.resolveConversation(w, r, body.ConversationID, id)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	started := false
	emit := func(ev chat.Event) error {
		started = true
		return writeEvent(w, flusher, string(ev.Type), ev.Payload)
	}

	err := h.runner.Run(r.Context(), chat.Request{
		Conversation: conv,
		UserID:       id.UserID,
		Message:      body.Message,
	}, emit)
	if err != nil {
		if !started {
			// Nothing has been written yet, so the SSE headers can still
			// be replaced with a regular JSON error.
			clearStreamHeaders(w)
			h.logger.Error("chat run failed before streaming",
				"error", err,
				"conversation_id", conv.ID,
			)
			writeError(w, http.StatusInternalServerError, "stream_failed", "failed to start response stream")
			return
		}
		// The orchestrator already emitted an in-band error event (best
		// effort when the client is gone). Nothing more to send.
		h.logger.Debug("chat run ended with error",
			"error", err,
			"conversation_id", conv.ID,
		)
	}
}

// resolveConversation loads the addressed conversation or creates a fresh
// one when no id was given. Writes the error response and returns false on
// failure. Unknown ids and foreign owners are indistinguishable.
func (h *chatHandler) resolveConversation(w http.ResponseWriter, r *http.Request, raw string, id *identity.Identity) (*conversation.Conversation, bool) {
	if raw == "" {
		conv, err := h.convs.Create(r.Context(), id.UserID, id.Persona)
		if err != nil {
			h.logger.Error("creating conversation", "error", err, "user_id", id.UserID)
			writeError(w, http.StatusInternalServerError, "conversation_failed", "failed to create conversation")
			return nil, false
		}
		return conv, true
	}

	convID, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_conversation", "conversationId must be a UUID")
		return nil, false
	}

	conv, err := h.convs.Get(r.Context(), convID, id.UserID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation_not_found", "conversation not found")
			return nil, false
		}
		h.logger.Error("loading conversation", "error", err, "conversation_id", convID)
		writeError(w, http.StatusInternalServerError, "conversation_failed", "failed to load conversation")
		return nil, false
	}
	return conv, true
}

// clearStreamHeaders removes the SSE headers set before a run that never
// produced an event, so a JSON error response can take their place.
func clearStreamHeaders(w http.ResponseWriter) {
	w.Header().Del("Content-Type")
	w.Header().Del("Cache-Control")
	w.Header().Del("Connection")
	w.Header().Del("X-Accel-Buffering")
}

// writeEvent writes a single SSE frame and flushes it immediately so tokens
// reach the client as they are produced.
func writeEvent[T any](w io.Writer, flusher http.Flusher, event string, data T) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	flusher.Flush()
	return nil
}
