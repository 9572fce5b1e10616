// Package api provides porter's JSON REST API server.
//
// # Architecture
//
// The server is a plain http.ServeMux behind a layered middleware stack
// (outermost first):
//
//	Recovery → RequestID → Logging → CORS → RateLimit → Auth → Routes
//
// Health probes (/health, /ready) bypass the stack via a top-level mux so
// load balancers never hit auth or rate limits.
//
// # Endpoints
//
// Health probes (no middleware):
//   - GET /health — returns {"status":"ok"}
//   - GET /ready  — checks database connectivity
//
// Chat:
//   - POST /api/v1/chat/stream — SSE chat run
//
// Conversation CRUD (ownership-enforced; a conversation owned by another
// user behaves identically to a missing one):
//   - POST   /api/v1/conversations               — create
//   - GET    /api/v1/conversations               — list caller's conversations
//   - GET    /api/v1/conversations/{id}          — metadata
//   - GET    /api/v1/conversations/{id}/messages — message history
//   - DELETE /api/v1/conversations/{id}          — delete
//
// Tools:
//   - GET /api/v1/tools — the caller's resolved tool catalog
//
// Debug (dev mode only):
//   - GET /api/v1/debug/events — recent orchestrator debug events
//
// # Authentication
//
// Every /api/v1 request carries a bearer credential resolved through the
// identity bridge. An expired credential gets exactly one transparent
// refresh attempt; if that also fails the response is 401 with code
// "reauthenticate".
//
// # Error Handling
//
// All responses use an envelope format:
//
//	Success: {"data": <payload>}
//	Error:   {"error": {"code": "...", "message": "..."}}
//
// Failures before the SSE stream starts are ordinary JSON errors with real
// status codes. Once SSE headers are committed, every failure — including
// authentication loss mid-stream — is an in-band error event.
//
// # SSE Streaming
//
// Chat responses stream via Server-Sent Events with typed events:
//
//   - message_start:  model id, conversation id, timestamp
//   - token:          incremental text fragment
//   - tool_use_start: tool name and parsed input
//   - tool_result:    tool output
//   - tool_error:     contained tool failure
//   - done:           final conversation id
//   - error:          fatal stream failure
//
// Every stream begins with message_start and ends with exactly one of
// done or error.
//
// # Security
//
// The middleware stack enforces:
//   - Per-IP rate limiting (token bucket, 60 req/min burst by default)
//   - Per-user sliding-window chat admission before any model work
//   - CORS with explicit origin allowlist
//   - Security headers (CSP, HSTS, X-Frame-Options, etc.)
//   - Request body caps via http.MaxBytesReader
package api
