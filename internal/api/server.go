package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/porterhq/porter/internal/chat"
	"github.com/porterhq/porter/internal/conversation"
	"github.com/porterhq/porter/internal/identity"
	"github.com/porterhq/porter/internal/log"
	"github.com/porterhq/porter/internal/observability"
	"github.com/porterhq/porter/internal/ratelimit"
	"github.com/porterhq/porter/internal/toolproxy"
)

// ChatRunner drives one chat run, emitting stream events through the
// callback. *chat.Orchestrator satisfies it.
type ChatRunner interface {
	Run(ctx context.Context, req chat.Request, emit chat.EmitFunc) error
}

// ConversationStore is the slice of the conversation store the API needs.
// *conversation.Store satisfies it.
type ConversationStore interface {
	Create(ctx context.Context, userID uuid.UUID, persona conversation.Persona) (*conversation.Conversation, error)
	Get(ctx context.Context, id, userID uuid.UUID) (*conversation.Conversation, error)
	List(ctx context.Context, userID uuid.UUID, limit, offset int32) ([]*conversation.Conversation, error)
	Messages(ctx context.Context, convID, userID uuid.UUID, limit, offset int32) ([]*conversation.Message, error)
	Delete(ctx context.Context, id, userID uuid.UUID) error
}

// ToolCatalog resolves the per-persona tool catalog. *toolproxy.Proxy
// satisfies it.
type ToolCatalog interface {
	Catalog(ctx context.Context, persona conversation.Persona) ([]toolproxy.Descriptor, error)
}

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger        log.Logger
	Runner        ChatRunner             // Required
	Conversations ConversationStore      // Required
	Tools         ToolCatalog            // Required
	Bridge        identity.Bridge        // Required
	Users         *ratelimit.UserLimiter // Optional: nil disables the per-user message window
	Ring          *observability.Ring    // Optional: with IsDev, enables /api/v1/debug/events
	Pool          *pgxpool.Pool          // Optional: nil reports not ready on /ready
	CORSOrigins   []string               // Allowed origins for CORS
	IsDev         bool                   // Relaxes HSTS and enables debug routes
	TrustProxy    bool                   // Trust X-Real-IP/X-Forwarded-For headers (behind reverse proxy)
	RateBurst     int                    // Per-IP rate limiter burst (0 = default 60)
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a new API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Runner == nil {
		return nil, errors.New("chat runner is required")
	}
	if cfg.Conversations == nil {
		return nil, errors.New("conversation store is required")
	}
	if cfg.Tools == nil {
		return nil, errors.New("tool catalog is required")
	}
	if cfg.Bridge == nil {
		return nil, errors.New("identity bridge is required")
	}

	logger := log.Or(cfg.Logger)

	ch := &chatHandler{
		logger: logger,
		runner: cfg.Runner,
		convs:  cfg.Conversations,
		users:  cfg.Users,
	}
	cv := &conversationsHandler{logger: logger, store: cfg.Conversations}
	th := &toolsHandler{logger: logger, tools: cfg.Tools}

	mux := http.NewServeMux()

	// Chat
	mux.HandleFunc("POST /api/v1/chat/stream", ch.stream)

	// Conversation CRUD
	mux.HandleFunc("POST /api/v1/conversations", cv.create)
	mux.HandleFunc("GET /api/v1/conversations", cv.list)
	mux.HandleFunc("GET /api/v1/conversations/{id}", cv.get)
	mux.HandleFunc("GET /api/v1/conversations/{id}/messages", cv.messages)
	mux.HandleFunc("DELETE /api/v1/conversations/{id}", cv.remove)

	// Tool catalog
	mux.HandleFunc("GET /api/v1/tools", th.list)

	// Debug events (dev mode only — never part of the production surface)
	if cfg.IsDev && cfg.Ring != nil {
		dh := &debugHandler{ring: cfg.Ring}
		mux.HandleFunc("GET /api/v1/debug/events", dh.events)
	}

	// Rate limiter: per-IP token bucket (1 token/sec refill)
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newIPLimiter(1.0, burst)

	// Build middleware stack (outermost first):
	//   Recovery → RequestID → Logging → CORS → RateLimit → Auth → Routes
	// RequestID must be before Logging so request_id is available in log attributes.
	// CORS must be before RateLimit so preflight OPTIONS gets proper CORS headers.
	var handler http.Handler = mux
	handler = authMiddleware(cfg.Bridge, logger)(handler)
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Wrap with security headers
	isDev := cfg.IsDev
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w, isDev)
		handler.ServeHTTP(w, r)
	})

	// Use a top-level mux to separate health probes from middleware stack
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.Pool, logger))
	topMux.Handle("/", final)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
