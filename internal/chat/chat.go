// Package chat runs the agentic conversation loop.
//
// One Run streams a model completion, relays text fragments to the client as
// they arrive, detects tool calls in the stream, executes them through the
// tool proxy, feeds results back to the model, and repeats until the model
// answers without tools or the turn cap is reached. Every completed turn is
// persisted to the conversation store before the next one begins, so a crash
// mid-run never leaves a half-written exchange.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/porterhq/porter/internal/conversation"
	"github.com/porterhq/porter/internal/log"
	"github.com/porterhq/porter/internal/model"
	"github.com/porterhq/porter/internal/toolproxy"
)

const (
	// defaultMaxTurns caps model round-trips per run.
	defaultMaxTurns = 5

	// defaultToolTimeout bounds how long a run waits on one tool call.
	defaultToolTimeout = 30 * time.Second

	// defaultWindowSize is the model-visible history window in messages.
	defaultWindowSize = 40

	// toolTimeoutMessage is the tool_result content recorded when a tool
	// call outlives its timeout. The wait is abandoned, not the call.
	toolTimeoutMessage = "execution timed out"

	// fallbackResponseMessage replaces an empty final model output.
	fallbackResponseMessage = "I apologize, but I couldn't put together a response. Please try rephrasing your question."
)

// Sentinel errors for run validation.
var (
	// ErrConversationRequired indicates Run was called without a loaded
	// conversation.
	ErrConversationRequired = errors.New("chat: conversation required")

	// ErrMessageRequired indicates an empty user message.
	ErrMessageRequired = errors.New("chat: message required")
)

// ToolExecutor resolves a persona's tool catalog and executes calls.
// *toolproxy.Proxy satisfies it.
type ToolExecutor interface {
	Catalog(ctx context.Context, persona conversation.Persona) ([]toolproxy.Descriptor, error)
	Execute(ctx context.Context, caller toolproxy.Caller, toolName string, input json.RawMessage) (toolproxy.Result, error)
}

// HistoryStore persists and recalls conversation messages.
// *conversation.Store satisfies it.
type HistoryStore interface {
	AppendMessages(ctx context.Context, convID, userID uuid.UUID, msgs []*conversation.Message) error
	RecentMessages(ctx context.Context, conv *conversation.Conversation, windowSize int, userID uuid.UUID) ([]*conversation.Message, error)
}

// Config assembles an Orchestrator.
type Config struct {
	Model  model.Client
	Tools  ToolExecutor
	Store  HistoryStore
	Logger log.Logger

	// ModelName is the provider model identifier sent with every request.
	ModelName string

	// SystemPrompt frames every completion. Empty omits the system turn.
	SystemPrompt string

	// MaxTokens bounds each completion. Zero uses the model default.
	MaxTokens int

	// MaxTurns caps model round-trips per run. Zero means the default.
	MaxTurns int

	// ToolTimeout bounds the wait on each tool call. Zero means the
	// default.
	ToolTimeout time.Duration

	// WindowSize is the model-visible history window in messages. Zero
	// means the default.
	WindowSize int

	// Retry configures backoff for opening model streams.
	Retry RetryConfig

	// Circuit configures the model-call circuit breaker.
	Circuit CircuitBreakerConfig

	// Limiter throttles model calls. Nil installs a default limiter.
	Limiter *rate.Limiter

	// Observers receive structured debug events. The loop is identical
	// with none attached.
	Observers []Observer

	// Background outlives individual requests; abandoned tool calls run
	// on it.
	Background context.Context //nolint:containedctx // lifecycle context for abandoned work

	// WG tracks goroutines spawned for abandoned tool calls so shutdown
	// can wait for them.
	WG *sync.WaitGroup
}

func (c Config) validate() error {
	if c.Model == nil {
		return errors.New("chat: model client is required")
	}
	if c.Tools == nil {
		return errors.New("chat: tool executor is required")
	}
	if c.Store == nil {
		return errors.New("chat: history store is required")
	}
	if c.ModelName == "" {
		return errors.New("chat: model name is required")
	}
	return nil
}

// Orchestrator drives chat runs. Safe for concurrent use; each Run is
// independent.
type Orchestrator struct {
	client       model.Client
	tools        ToolExecutor
	store        HistoryStore
	logger       log.Logger
	modelName    string
	systemPrompt string
	maxTokens    int
	maxTurns     int
	toolTimeout  time.Duration
	windowSize   int
	retry        RetryConfig
	breaker      *CircuitBreaker
	limiter      *rate.Limiter
	observers    []Observer
	background   context.Context //nolint:containedctx // lifecycle context for abandoned work
	wg           *sync.WaitGroup
}

// New builds an Orchestrator, applying defaults for unset config fields.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaultWindowSize
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialInterval == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(10, 30)
	}
	if cfg.Background == nil {
		cfg.Background = context.Background()
	}
	if cfg.WG == nil {
		cfg.WG = &sync.WaitGroup{}
	}
	return &Orchestrator{
		client:       cfg.Model,
		tools:        cfg.Tools,
		store:        cfg.Store,
		logger:       log.Or(cfg.Logger),
		modelName:    cfg.ModelName,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    cfg.MaxTokens,
		maxTurns:     cfg.MaxTurns,
		toolTimeout:  cfg.ToolTimeout,
		windowSize:   cfg.WindowSize,
		retry:        cfg.Retry,
		breaker:      NewCircuitBreaker(cfg.Circuit),
		limiter:      cfg.Limiter,
		observers:    cfg.Observers,
		background:   cfg.Background,
		wg:           cfg.WG,
	}, nil
}

// Request is one chat run: a loaded conversation, the caller it belongs to,
// and the new user message.
type Request struct {
	Conversation *conversation.Conversation
	UserID       uuid.UUID
	Message      string
}

func (r Request) validate() error {
	if r.Conversation == nil {
		return ErrConversationRequired
	}
	if strings.TrimSpace(r.Message) == "" {
		return ErrMessageRequired
	}
	return nil
}

// Run executes one agentic exchange and emits its events through emit.
//
// The user message is persisted before the model is invoked. After that
// point every outcome is reported in-band: the event sequence starts with
// message_start and ends with exactly one of done or error. Failures before
// the first event are returned without emitting anything, so the transport
// can still answer with a plain error. The returned error mirrors the error
// event for the caller's logs.
func (o *Orchestrator) Run(ctx context.Context, req Request, emit EmitFunc) error {
	if err := req.validate(); err != nil {
		return err
	}
	conv := req.Conversation
	start := time.Now()

	userMsg := &conversation.Message{
		Role:    conversation.RoleUser,
		Content: []*conversation.Part{conversation.NewTextPart(req.Message)},
	}
	if err := o.store.AppendMessages(ctx, conv.ID, req.UserID, []*conversation.Message{userMsg}); err != nil {
		return fmt.Errorf("append user message: %w", err)
	}

	if err := o.send(emit, messageStartEvent(o.modelName, conv.ID)); err != nil {
		return err
	}
	o.observe(DebugEvent{
		Kind:           DebugRunStarted,
		ConversationID: conv.ID,
		Detail:         fmt.Sprintf("persona=%s message_chars=%d", conv.Persona, len(req.Message)),
	})

	err := o.loop(ctx, conv, req.UserID, emit)
	if err != nil {
		o.logger.Error("chat run failed",
			"conversation_id", conv.ID,
			"error", err,
		)
		o.observe(DebugEvent{Kind: DebugError, ConversationID: conv.ID, Detail: err.Error()})
		var ee *emitFailure
		if !errors.As(err, &ee) {
			// Best effort; the client may already be gone.
			_ = emit(errorEvent(err.Error()))
		}
		return err
	}

	o.observe(DebugEvent{Kind: DebugRunDone, ConversationID: conv.ID, Elapsed: time.Since(start)})
	return nil
}

// loop is the turn loop of a run. It owns every event after message_start
// except the error event, which Run emits from loop's returned error.
func (o *Orchestrator) loop(ctx context.Context, conv *conversation.Conversation, userID uuid.UUID, emit EmitFunc) error {
	history, err := o.store.RecentMessages(ctx, conv, o.windowSize, userID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	working := toModelMessages(history)

	descriptors, err := o.tools.Catalog(ctx, conv.Persona)
	if err != nil {
		return fmt.Errorf("resolve tool catalog: %w", err)
	}
	tools := toToolDefinitions(descriptors)

	for turn := range o.maxTurns {
		outcome, err := o.runTurn(ctx, conv, userID, turn, working, tools, emit)
		if err != nil {
			return err
		}

		if len(outcome.toolCalls) == 0 {
			return o.finishRun(ctx, conv, userID, outcome.text, emit)
		}

		assistantMsg, resultsMsg := outcome.messages()
		if err := o.store.AppendMessages(ctx, conv.ID, userID, []*conversation.Message{assistantMsg, resultsMsg}); err != nil {
			return fmt.Errorf("append tool exchange: %w", err)
		}
		working = append(working, toModelMessage(assistantMsg), toModelMessage(resultsMsg))
	}

	// Turn cap. The last tool-bearing exchange is already persisted;
	// whatever text accumulated there stands as the final answer.
	o.logger.Warn("turn limit reached",
		"conversation_id", conv.ID,
		"max_turns", o.maxTurns,
	)
	return o.send(emit, doneEvent(conv.ID))
}

// finishRun persists the final assistant text and closes the stream. An
// empty final output is replaced with a fixed fallback so the client and the
// transcript never end on nothing.
func (o *Orchestrator) finishRun(ctx context.Context, conv *conversation.Conversation, userID uuid.UUID, text string, emit EmitFunc) error {
	if strings.TrimSpace(text) == "" {
		text = fallbackResponseMessage
		if err := o.send(emit, tokenEvent(text)); err != nil {
			return err
		}
	}
	final := &conversation.Message{
		Role:    conversation.RoleAssistant,
		Content: []*conversation.Part{conversation.NewTextPart(text)},
	}
	if err := o.store.AppendMessages(ctx, conv.ID, userID, []*conversation.Message{final}); err != nil {
		return fmt.Errorf("append final message: %w", err)
	}
	return o.send(emit, doneEvent(conv.ID))
}

// turnOutcome is what one model turn produced.
type turnOutcome struct {
	text      string
	toolCalls []toolExchange
}

// toolExchange pairs one tool_use with its result.
type toolExchange struct {
	id      string
	name    string
	input   json.RawMessage
	content string
	isError bool
}

// messages converts the turn into its two persisted messages: the assistant
// message carrying text and tool_use blocks, and the user message carrying
// one tool_result per call in emission order.
func (t *turnOutcome) messages() (assistant, results *conversation.Message) {
	parts := make([]*conversation.Part, 0, len(t.toolCalls)+1)
	if t.text != "" {
		parts = append(parts, conversation.NewTextPart(t.text))
	}
	resultParts := make([]*conversation.Part, 0, len(t.toolCalls))
	for _, call := range t.toolCalls {
		parts = append(parts, conversation.NewToolUsePart(call.id, call.name, call.input))
		resultParts = append(resultParts, conversation.NewToolResultPart(call.id, contentJSON(call.content), call.isError))
	}
	assistant = &conversation.Message{Role: conversation.RoleAssistant, Content: parts}
	results = &conversation.Message{Role: conversation.RoleUser, Content: resultParts}
	return assistant, results
}

// runTurn streams one completion, emitting token events as text arrives and
// dispatching each tool call as its arguments complete, while the stream is
// still open. Tool failures are contained per call; a failure reading the
// stream itself is fatal to the run.
func (o *Orchestrator) runTurn(ctx context.Context, conv *conversation.Conversation, userID uuid.UUID, turn int, working []model.Message, tools []model.ToolDefinition, emit EmitFunc) (*turnOutcome, error) {
	opened := time.Now()
	stream, err := o.openStream(ctx, model.Request{
		Model:     o.modelName,
		System:    o.systemPrompt,
		Messages:  working,
		Tools:     tools,
		MaxTokens: o.maxTokens,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := stream.Close(); err != nil {
			o.logger.Debug("closing model stream", "error", err)
		}
	}()
	o.observe(DebugEvent{
		Kind:           DebugModelCall,
		ConversationID: conv.ID,
		Turn:           turn,
		Detail:         o.modelName,
		Elapsed:        time.Since(opened),
	})

	outcome := &turnOutcome{}
	var text strings.Builder
	var pending *pendingToolCall

	for stream.Next() {
		ev := stream.Current()
		switch ev.Kind {
		case model.EventTextDelta:
			text.WriteString(ev.Text)
			if err := o.send(emit, tokenEvent(ev.Text)); err != nil {
				return nil, err
			}
			o.observe(DebugEvent{
				Kind:           DebugDelta,
				ConversationID: conv.ID,
				Turn:           turn,
				Detail:         ev.Text,
			})

		case model.EventToolCallStart:
			pending = &pendingToolCall{id: ev.ToolCallID, name: ev.ToolName}

		case model.EventToolCallDelta:
			if pending != nil {
				pending.args.WriteString(ev.PartialJSON)
			}

		case model.EventToolCallStop:
			if pending == nil {
				continue
			}
			exchange, err := o.dispatchTool(ctx, conv, userID, turn, pending, emit)
			if err != nil {
				return nil, err
			}
			outcome.toolCalls = append(outcome.toolCalls, exchange)
			pending = nil

		case model.EventMessageStop:
			// Stop reason is implied by whether tool calls accumulated.
		}
	}
	if err := stream.Err(); err != nil {
		o.breaker.Failure()
		return nil, fmt.Errorf("read model stream: %w", err)
	}
	o.breaker.Success()

	outcome.text = text.String()
	return outcome, nil
}

// pendingToolCall accumulates a tool call while its argument fragments
// stream in. Only the concatenation of fragments is valid JSON.
type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

// dispatchTool runs one tool call and emits its events. Tool failures of
// every kind, validation, provider rejection, timeout, become a tool_error
// event and an is_error result block; only context cancellation and a dead
// emit func propagate as errors.
func (o *Orchestrator) dispatchTool(ctx context.Context, conv *conversation.Conversation, userID uuid.UUID, turn int, call *pendingToolCall, emit EmitFunc) (toolExchange, error) {
	exchange := toolExchange{id: call.id, name: call.name}

	input, parseErr := parseToolInput(call.args.String())
	exchange.input = input

	if err := o.send(emit, toolUseStartEvent(call.name, input)); err != nil {
		return exchange, err
	}

	started := time.Now()
	var result toolproxy.Result
	var execErr error
	if parseErr != nil {
		execErr = parseErr
	} else {
		result, execErr = o.executeWithTimeout(ctx, conv, userID, call.name, input)
	}

	switch {
	case execErr != nil && ctx.Err() != nil && errors.Is(execErr, ctx.Err()):
		return exchange, fmt.Errorf("tool %s interrupted: %w", call.name, execErr)
	case execErr != nil:
		msg := execErr.Error()
		if errors.Is(execErr, errToolTimeout) {
			msg = toolTimeoutMessage
		}
		exchange.content = msg
		exchange.isError = true
		if err := o.send(emit, toolErrorEvent(call.name, msg)); err != nil {
			return exchange, err
		}
	case result.IsError:
		exchange.content = result.Content
		exchange.isError = true
		if err := o.send(emit, toolErrorEvent(call.name, result.Content)); err != nil {
			return exchange, err
		}
	default:
		exchange.content = result.Content
		if err := o.send(emit, toolResultEvent(call.name, result.Content)); err != nil {
			return exchange, err
		}
	}

	detail := "ok"
	if exchange.isError {
		detail = "error: " + exchange.content
	}
	o.observe(DebugEvent{
		Kind:           DebugToolCall,
		ConversationID: conv.ID,
		Turn:           turn,
		Tool:           call.name,
		Detail:         detail,
		Elapsed:        time.Since(started),
	})
	return exchange, nil
}

// errToolTimeout marks a tool call that outlived its timeout.
var errToolTimeout = errors.New("chat: tool execution timed out")

// executeWithTimeout races the tool call against the tool timeout. On
// timeout the wait is abandoned: the call keeps running on the background
// context so a late success still resolves its ledger record, but its
// result never reaches this conversation.
func (o *Orchestrator) executeWithTimeout(ctx context.Context, conv *conversation.Conversation, userID uuid.UUID, toolName string, input json.RawMessage) (toolproxy.Result, error) {
	caller := toolproxy.Caller{UserID: userID, Persona: conv.Persona}

	type outcome struct {
		result toolproxy.Result
		err    error
	}
	done := make(chan outcome, 1)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		result, err := o.tools.Execute(o.background, caller, toolName, input)
		done <- outcome{result, err}
	}()

	timer := time.NewTimer(o.toolTimeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.result, out.err
	case <-timer.C:
		o.logger.Warn("tool call exceeded timeout, abandoning wait",
			"tool", toolName,
			"timeout", o.toolTimeout,
		)
		return toolproxy.Result{}, errToolTimeout
	case <-ctx.Done():
		return toolproxy.Result{}, ctx.Err()
	}
}

// parseToolInput normalizes a streamed argument fragment. An empty or blank
// fragment is an empty object, not an error. A malformed fragment is
// preserved as a JSON string so the transcript stays valid and diagnosable,
// and the call is failed without reaching the proxy.
func parseToolInput(fragment string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(fragment)
	if trimmed == "" {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid([]byte(trimmed)) {
		quoted, err := json.Marshal(fragment)
		if err != nil {
			quoted = []byte(`{}`)
		}
		return quoted, fmt.Errorf("%w: malformed tool arguments", toolproxy.ErrInvalidArguments)
	}
	return json.RawMessage(trimmed), nil
}

// emitFailure marks an emit func that returned an error. Nothing further is
// emitted through it.
type emitFailure struct {
	err error
}

func (e *emitFailure) Error() string { return "emit event: " + e.err.Error() }

func (e *emitFailure) Unwrap() error { return e.err }

func (o *Orchestrator) send(emit EmitFunc, ev Event) error {
	if err := emit(ev); err != nil {
		return &emitFailure{err: err}
	}
	return nil
}

func (o *Orchestrator) observe(ev DebugEvent) {
	if len(o.observers) == 0 {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	for _, obs := range o.observers {
		obs.Observe(ev)
	}
}

// toModelMessages converts persisted history into wire messages, oldest
// first.
func toModelMessages(msgs []*conversation.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, toModelMessage(msg))
	}
	return out
}

func toModelMessage(msg *conversation.Message) model.Message {
	role := model.RoleUser
	if msg.Role == conversation.RoleAssistant {
		role = model.RoleAssistant
	}
	blocks := make([]model.ContentBlock, 0, len(msg.Content))
	for _, part := range msg.Content {
		switch part.Type {
		case conversation.PartText:
			blocks = append(blocks, model.TextBlock(part.Text))
		case conversation.PartToolUse:
			blocks = append(blocks, model.ToolUseBlock(part.ToolUse.ID, part.ToolUse.Name, part.ToolUse.Input))
		case conversation.PartToolResult:
			blocks = append(blocks, model.ToolResultBlock(part.ToolResult.ToolUseID, resultText(part.ToolResult.Content), part.ToolResult.IsError))
		}
	}
	return model.Message{Role: role, Content: blocks}
}

// resultText renders a stored tool_result content value for the wire. JSON
// strings unwrap to their text; everything else passes through raw.
func resultText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// contentJSON stores a tool outcome as valid JSON: structured output stays
// raw, plain text is quoted.
func contentJSON(content string) json.RawMessage {
	trimmed := strings.TrimSpace(content)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	quoted, err := json.Marshal(content)
	if err != nil {
		return json.RawMessage(`""`)
	}
	return quoted
}

// toToolDefinitions converts catalog descriptors into wire tool specs.
func toToolDefinitions(descriptors []toolproxy.Descriptor) []model.ToolDefinition {
	out := make([]model.ToolDefinition, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, model.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return out
}
