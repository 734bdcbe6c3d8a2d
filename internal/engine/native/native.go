// Package native runs the agent loop in process over eino chat models,
// executing the built-in tools once each call is approved.
package native

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/engine"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/logging"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/tool"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

const (
	// DefaultMaxTurns bounds the model round trips of one query.
	DefaultMaxTurns = 50
	MaxRetries      = 3

	RetryInitialInterval = time.Second
	RetryMaxInterval     = 30 * time.Second
)

// Engine is the in-process agent loop.
type Engine struct {
	newModel ModelFactory
	tools    *tool.Registry
	log      zerolog.Logger

	// retryInterval overrides the backoff start, for tests.
	retryInterval time.Duration

	mu      sync.Mutex
	history map[string][]*schema.Message
}

// New creates an engine.
func New(newModel ModelFactory, tools *tool.Registry) *Engine {
	return &Engine{
		newModel:      newModel,
		tools:         tools,
		log:           logging.Component("native"),
		retryInterval: RetryInitialInterval,
		history:       make(map[string][]*schema.Message),
	}
}

func (e *Engine) newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryInterval
	b.MaxInterval = RetryMaxInterval
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx)
}

// Start begins a query. A ResumeID seen earlier by this engine continues
// that conversation; history is kept in memory only.
func (e *Engine) Start(ctx context.Context, req engine.Request) (engine.Query, error) {
	cm, err := e.newModel(ctx, req.Model)
	if err != nil {
		return nil, err
	}

	tools := e.tools.Filter(req.DisallowedTools)
	if len(tools) > 0 {
		cm, err = cm.WithTools(tool.Infos(tools))
		if err != nil {
			return nil, fmt.Errorf("failed to bind tools: %w", err)
		}
	}

	sessionID := req.ResumeID
	e.mu.Lock()
	messages, resumed := e.history[sessionID]
	e.mu.Unlock()
	if !resumed {
		sessionID = ulid.Make().String()
		messages = nil
		if req.SystemPrompt != "" {
			messages = append(messages, schema.SystemMessage(req.SystemPrompt))
		}
	}
	messages = append(append([]*schema.Message(nil), messages...), schema.UserMessage(req.Prompt))

	qctx, cancel := context.WithCancel(ctx)
	q := &query{
		engine:    e,
		model:     cm,
		tools:     tools,
		req:       req,
		sessionID: sessionID,
		messages:  messages,
		events:    make(chan engine.Event, 16),
		ctx:       qctx,
		cancel:    cancel,
		log:       e.log.With().Str("engineSession", sessionID).Logger(),
	}
	go q.run()
	return q, nil
}

type query struct {
	engine    *Engine
	model     model.ToolCallingChatModel
	tools     []tool.Tool
	req       engine.Request
	sessionID string
	messages  []*schema.Message
	events    chan engine.Event
	ctx       context.Context
	cancel    context.CancelFunc
	log       zerolog.Logger
}

func (q *query) Events() <-chan engine.Event { return q.events }

func (q *query) Interrupt(ctx context.Context) error {
	q.cancel()
	return nil
}

func (q *query) send(ev engine.Event) bool {
	select {
	case q.events <- ev:
		return true
	case <-q.ctx.Done():
		return false
	}
}

func (q *query) run() {
	defer close(q.events)
	defer q.cancel()

	start := time.Now()
	if !q.send(engine.Event{Type: engine.EventInit, SessionID: q.sessionID, Model: q.req.Model}) {
		return
	}

	maxTurns := q.req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	usage := &types.Usage{}
	var lastText string
	for turn := 1; ; turn++ {
		msg, err := q.complete()
		if err != nil {
			if q.ctx.Err() == nil {
				q.send(engine.Event{Type: engine.EventError, Err: err})
			}
			return
		}
		q.messages = append(q.messages, msg)
		if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
			usage.Add(&types.Usage{
				InputTokens:  msg.ResponseMeta.Usage.PromptTokens,
				OutputTokens: msg.ResponseMeta.Usage.CompletionTokens,
			})
		}
		if msg.Content != "" {
			lastText = msg.Content
		}

		if len(msg.ToolCalls) == 0 || turn >= maxTurns {
			q.engine.saveHistory(q.sessionID, q.messages)
			q.send(engine.Event{Type: engine.EventResult, Result: &engine.Result{
				Text:       lastText,
				Usage:      usage,
				DurationMs: time.Since(start).Milliseconds(),
				NumTurns:   turn,
				IsError:    len(msg.ToolCalls) > 0,
			}})
			return
		}

		for _, call := range msg.ToolCalls {
			output, ok := q.callTool(call)
			if !ok {
				return
			}
			q.messages = append(q.messages, schema.ToolMessage(output, call.ID))
		}
	}
}

// complete streams one model response, forwarding text as it arrives.
// Creating the stream is retried with backoff; a failure mid-stream is not.
func (q *query) complete() (*schema.Message, error) {
	var stream *schema.StreamReader[*schema.Message]
	err := backoff.RetryNotify(func() error {
		var err error
		stream, err = q.model.Stream(q.ctx, q.messages)
		if q.ctx.Err() != nil {
			return backoff.Permanent(q.ctx.Err())
		}
		return err
	}, q.engine.newRetryBackoff(q.ctx), func(err error, next time.Duration) {
		q.log.Warn().Err(err).Dur("retryIn", next).Msg("model stream failed, retrying")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}
	defer stream.Close()

	var chunks []*schema.Message
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
		if chunk.Content != "" && !q.send(engine.Event{Type: engine.EventContent, Text: chunk.Content}) {
			return nil, q.ctx.Err()
		}
	}
	if len(chunks) == 0 {
		return nil, errors.New("model returned an empty response")
	}
	return schema.ConcatMessages(chunks)
}

// callTool asks for permission where needed and runs the tool. It returns
// the text handed back to the model; ok is false once the query is over.
func (q *query) callTool(call schema.ToolCall) (string, bool) {
	name := call.Function.Name
	input := json.RawMessage(call.Function.Arguments)
	if len(input) == 0 || !json.Valid(input) {
		input = json.RawMessage(`{}`)
	}

	if !q.send(engine.Event{Type: engine.EventToolUse, ToolUseID: call.ID, ToolName: name, Input: input}) {
		return "", false
	}

	t := q.lookup(name)
	if t == nil {
		return fmt.Sprintf("Error: tool %q is not available.", name), true
	}

	switch q.permission(t) {
	case permDeny:
		return fmt.Sprintf("Tool %s cannot be used in %s mode.", name, q.req.PermissionMode), true
	case permAsk:
		inv := engine.NewToolInvocation(call.ID, name, input)
		if !q.send(engine.Event{Type: engine.EventToolInvocation, ToolUseID: call.ID, ToolName: name, Input: input, Invocation: inv}) {
			return "", false
		}
		answer, err := inv.Wait(q.ctx)
		if err != nil {
			return "", false
		}
		if !answer.Allow {
			msg := answer.Message
			if msg == "" {
				msg = "The user denied this tool call."
			}
			return msg, true
		}
		if len(answer.UpdatedInput) > 0 {
			input = answer.UpdatedInput
		}
	}

	res, err := t.Execute(q.ctx, input, &tool.Context{
		SessionID: q.sessionID,
		CallID:    call.ID,
		WorkDir:   q.req.WorkDir,
	})
	if q.ctx.Err() != nil {
		return "", false
	}
	if err != nil {
		return "Error: " + err.Error(), true
	}
	return res.Output, true
}

func (q *query) lookup(name string) tool.Tool {
	for _, t := range q.tools {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

type permission int

const (
	permAsk permission = iota
	permAllow
	permDeny
)

// permission decides whether a call needs approval under the query's
// permission mode and allowed tool list.
func (q *query) permission(t tool.Tool) permission {
	kind := t.Kind()
	switch q.req.PermissionMode {
	case types.PermissionModePlan:
		if kind != tool.KindRead {
			return permDeny
		}
	case types.PermissionModeBypass:
		return permAllow
	case types.PermissionModeAcceptEdits:
		if kind == tool.KindEdit {
			return permAllow
		}
	}
	if kind == tool.KindRead || tool.MatchAny(q.req.AllowedTools, t.Name()) {
		return permAllow
	}
	return permAsk
}

func (e *Engine) saveHistory(sessionID string, messages []*schema.Message) {
	e.mu.Lock()
	e.history[sessionID] = messages
	e.mu.Unlock()
}
