package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/porterhq/porter/internal/log"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultMaxTokens = 4096
	apiVersion       = "2023-06-01"

	// Single SSE data lines can carry large deltas; give the scanner room.
	scanInitialBuffer = 64 * 1024
	scanMaxBuffer     = 1024 * 1024

	// Error response bodies are bounded before parsing.
	maxErrorBody = 64 * 1024
)

// Config configures an Anthropic-protocol client.
type Config struct {
	APIKey  string
	BaseURL string // defaults to the public endpoint

	// HTTPClient must not carry a global timeout: completions stream for
	// minutes. Cancellation is the request context's job.
	HTTPClient *http.Client
	Logger     log.Logger
}

func (c Config) validate() error {
	if c.APIKey == "" {
		return errors.New("model: api key is required")
	}
	return nil
}

// Anthropic implements Client over the Anthropic Messages SSE protocol.
type Anthropic struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  log.Logger
}

// NewAnthropic creates a client from cfg.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &Anthropic{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  client,
		logger:  log.Or(cfg.Logger),
	}, nil
}

// wireRequest is the Messages API request body.
type wireRequest struct {
	Model     string           `json:"model"`
	MaxTokens int              `json:"max_tokens"`
	System    string           `json:"system,omitempty"`
	Messages  []Message        `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	Stream    bool             `json:"stream"`
}

// Stream opens a streaming completion.
func (a *Anthropic) Stream(ctx context.Context, req Request) (Stream, error) {
	if req.Model == "" {
		return nil, errors.New("model: model name is required")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("model: at least one message is required")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body, err := json.Marshal(wireRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  req.Messages,
		Tools:     req.Tools,
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("model: encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("model: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Api-Key", a.apiKey)
	httpReq.Header.Set("Anthropic-Version", apiVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("model: sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, errorFromResponse(resp)
	}

	a.logger.Debug("model stream opened",
		"model", req.Model,
		"messages", len(req.Messages),
		"tools", len(req.Tools))

	return newAnthropicStream(resp.Body), nil
}

// errorFromResponse turns a non-200 response into an APIError, preferring
// the structured error body when one is present.
func errorFromResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(raw)),
	}

	var wire struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &wire); err == nil && wire.Error.Message != "" {
		apiErr.Type = wire.Error.Type
		apiErr.Message = wire.Error.Message
	}
	return apiErr
}

// wireEvent is the union of all Messages API stream payloads; each event
// type populates its own subset.
type wireEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	current Event
	err     error
	done    bool
	closed  bool

	// blockTypes remembers each content block's type so content_block_stop
	// can tell tool_use blocks from text blocks.
	blockTypes map[int]string
	stopReason StopReason
}

func newAnthropicStream(body io.ReadCloser) *anthropicStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, scanInitialBuffer), scanMaxBuffer)
	return &anthropicStream{
		body:       body,
		scanner:    scanner,
		blockTypes: make(map[int]string),
	}
}

func (s *anthropicStream) Next() bool {
	if s.done || s.closed || s.err != nil {
		return false
	}
	for {
		eventType, data, ok := s.readFrame()
		if !ok {
			return false
		}
		if event, emit := s.translate(eventType, data); emit {
			s.current = event
			return true
		}
		if s.done || s.err != nil {
			return false
		}
	}
}

func (s *anthropicStream) Current() Event { return s.current }

func (s *anthropicStream) Err() error { return s.err }

func (s *anthropicStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

// readFrame scans one SSE frame: an optional event line, data lines joined
// with newlines, terminated by a blank line. Comment lines are skipped.
func (s *anthropicStream) readFrame() (eventType, data string, ok bool) {
	var dataLines []string
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			if eventType == "" && len(dataLines) == 0 {
				continue
			}
			return eventType, strings.Join(dataLines, "\n"), true
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if err := s.scanner.Err(); err != nil {
		s.err = fmt.Errorf("model: reading stream: %w", err)
		return "", "", false
	}
	// EOF before message_stop means the provider hung up mid-completion.
	s.err = fmt.Errorf("model: stream truncated: %w", io.ErrUnexpectedEOF)
	return "", "", false
}

// translate maps one wire event to at most one stream Event.
func (s *anthropicStream) translate(eventType, data string) (Event, bool) {
	var ev wireEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		s.err = fmt.Errorf("model: decoding %s event: %w", eventType, err)
		return Event{}, false
	}
	if ev.Type == "" {
		ev.Type = eventType
	}

	switch ev.Type {
	case "ping", "message_start":
		return Event{}, false

	case "content_block_start":
		s.blockTypes[ev.Index] = ev.ContentBlock.Type
		if ev.ContentBlock.Type == "tool_use" {
			return Event{
				Kind:       EventToolCallStart,
				ToolCallID: ev.ContentBlock.ID,
				ToolName:   ev.ContentBlock.Name,
			}, true
		}
		return Event{}, false

	case "content_block_delta":
		switch ev.Delta.Type {
		case "text_delta":
			return Event{Kind: EventTextDelta, Text: ev.Delta.Text}, true
		case "input_json_delta":
			return Event{Kind: EventToolCallDelta, PartialJSON: ev.Delta.PartialJSON}, true
		default:
			// Unknown delta types stream past without breaking the parse.
			return Event{}, false
		}

	case "content_block_stop":
		if s.blockTypes[ev.Index] == "tool_use" {
			return Event{Kind: EventToolCallStop}, true
		}
		return Event{}, false

	case "message_delta":
		if ev.Delta.StopReason != "" {
			s.stopReason = StopReason(ev.Delta.StopReason)
		}
		return Event{}, false

	case "message_stop":
		s.done = true
		return Event{Kind: EventMessageStop, StopReason: s.stopReason}, true

	case "error":
		s.err = streamError(ev.Error.Type, ev.Error.Message)
		return Event{}, false

	default:
		return Event{}, false
	}
}

// streamError maps in-band provider errors to the package sentinels.
func streamError(errType, msg string) error {
	switch errType {
	case "overloaded_error", "api_error":
		return fmt.Errorf("%w: %s", ErrOverloaded, msg)
	case "rate_limit_error":
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	case "authentication_error", "permission_error":
		return fmt.Errorf("%w: %s", ErrAuthentication, msg)
	default:
		return fmt.Errorf("model: stream error (%s): %s", errType, msg)
	}
}
