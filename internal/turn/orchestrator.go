// Package turn drives one conversation turn from the user's message to the
// final assistant response, routing tool invocations through the approval
// coordinator.
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/approval"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/engine"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/event"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/logging"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/query"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/store"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

const (
	genericErrorMessage = "An unexpected error occurred"

	interruptTimeout = 5 * time.Second
)

// Request is one user message and its optional per-turn settings.
type Request struct {
	Message   string              `json:"message"`
	SessionID string              `json:"sessionId,omitempty"`
	Settings  *types.ChatSettings `json:"settings,omitempty"`
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Store      store.Store
	Engine     engine.Engine
	Approvals  *approval.Coordinator
	Queries    *query.Registry
	Classifier *approval.Classifier
	Publisher  event.Publisher

	Defaults         types.ChatSettings
	AlwaysAllowScope string
}

// Orchestrator runs turns. It is safe for concurrent use; each Run is one turn.
type Orchestrator struct {
	store      store.Store
	engine     engine.Engine
	approvals  *approval.Coordinator
	queries    *query.Registry
	classifier *approval.Classifier
	publisher  event.Publisher
	doomLoop   *approval.DoomLoopDetector
	log        zerolog.Logger

	mu         sync.RWMutex
	defaults   types.ChatSettings
	scope      string
	sessionSet map[string]*AlwaysAllowedSet
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:      cfg.Store,
		engine:     cfg.Engine,
		approvals:  cfg.Approvals,
		queries:    cfg.Queries,
		classifier: cfg.Classifier,
		publisher:  cfg.Publisher,
		doomLoop:   approval.NewDoomLoopDetector(),
		log:        logging.Component("turn"),
		defaults:   cfg.Defaults,
		sessionSet: make(map[string]*AlwaysAllowedSet),
	}
	if o.publisher == nil {
		o.publisher = event.Nop{}
	}
	if o.classifier == nil {
		o.classifier = approval.NewClassifier(types.ApprovalConfig{})
	}
	o.SetAlwaysAllowScope(cfg.AlwaysAllowScope)
	return o
}

// SetAlwaysAllowScope switches between per-turn and per-session "always"
// answers for turns started afterwards.
func (o *Orchestrator) SetAlwaysAllowScope(scope string) {
	if scope != types.AlwaysAllowScopeSession {
		scope = types.AlwaysAllowScopeTurn
	}
	o.mu.Lock()
	o.scope = scope
	o.mu.Unlock()
}

// SetDefaults replaces the settings merged under every request.
func (o *Orchestrator) SetDefaults(defaults types.ChatSettings) {
	o.mu.Lock()
	o.defaults = defaults
	o.mu.Unlock()
}

// AlwaysAllowed returns the session-scoped always-allowed tools of a session.
func (o *Orchestrator) AlwaysAllowed(sessionID string) []string {
	o.mu.RLock()
	set := o.sessionSet[sessionID]
	o.mu.RUnlock()
	if set == nil {
		return []string{}
	}
	return set.List()
}

func (o *Orchestrator) allowedSet(sessionID string) *AlwaysAllowedSet {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.scope != types.AlwaysAllowScopeSession {
		return NewAlwaysAllowedSet()
	}
	set, ok := o.sessionSet[sessionID]
	if !ok {
		set = NewAlwaysAllowedSet()
		o.sessionSet[sessionID] = set
	}
	return set
}

func (o *Orchestrator) settings(req Request) types.ChatSettings {
	o.mu.RLock()
	defaults := o.defaults
	o.mu.RUnlock()
	if req.Settings == nil {
		return types.ChatSettings{}.Merge(defaults)
	}
	return req.Settings.Merge(defaults)
}

// Run executes one turn, emitting its events to emit. It always finishes
// with the end marker. Failures are reported as error events; the returned
// error is non-nil only when the client went away.
func (o *Orchestrator) Run(ctx context.Context, req Request, emit Emitter) error {
	t := &turn{
		o:        o,
		req:      req,
		settings: o.settings(req),
		emitter:  emit,
		log:      o.log,
	}
	t.run(ctx)

	if t.registered {
		o.queries.UnregisterHandle(t.session.ID, t.handle)
	}
	t.emit(EventEnd, EndData{})
	return t.emitErr
}

// turn is the state of one Run.
type turn struct {
	o        *Orchestrator
	req      Request
	settings types.ChatSettings
	emitter  Emitter
	log      zerolog.Logger

	session    *types.Session
	userMsgID  string
	waitCtx    context.Context
	handle     *handle
	registered bool
	allowed    *AlwaysAllowedSet
	model      string
	text       strings.Builder
	emitErr    error
}

func (t *turn) emit(eventType string, data any) {
	if t.emitErr != nil {
		return
	}
	if err := t.emitter.Emit(eventType, data); err != nil {
		t.emitErr = err
		t.log.Debug().Err(err).Str("event", eventType).Msg("client stopped receiving")
	}
}

func (t *turn) fail(err error) {
	msg := genericErrorMessage
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	t.log.Error().Err(err).Msg("turn failed")

	sessionID := ""
	if t.session != nil {
		sessionID = t.session.ID
	}
	t.o.publisher.Publish(event.Event{
		Type: event.TurnFailed,
		Data: event.TurnFailedData{SessionID: sessionID, Error: msg},
	})
	t.emit(EventError, ErrorData{Message: msg})
}

func (t *turn) run(ctx context.Context) {
	// RESOLVING_SESSION
	session, err := t.o.store.GetOrCreateSession(ctx, t.req.SessionID)
	if err != nil {
		t.fail(err)
		return
	}
	t.session = session
	t.log = t.o.log.With().Str("sessionID", session.ID).Logger()

	// PERSISTING_INPUT
	userMsg, err := t.o.store.AppendMessage(ctx, session.ID, types.RoleUser, t.req.Message, nil)
	if err != nil {
		t.fail(fmt.Errorf("failed to save message: %w", err))
		return
	}
	t.userMsgID = userMsg.ID
	defer t.o.doomLoop.Clear(t.userMsgID)

	// Approval waits end when the request goes away or the handle is
	// interrupted, whichever comes first.
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.waitCtx = waitCtx
	t.handle = newHandle(cancel)
	if err := t.o.queries.Register(session.ID, t.handle); err != nil {
		t.fail(err)
		return
	}
	t.registered = true
	t.allowed = t.o.allowedSet(session.ID)

	t.o.publisher.Publish(event.Event{
		Type: event.TurnStarted,
		Data: event.TurnStartedData{SessionID: session.ID, MessageID: userMsg.ID},
	})
	t.emit(EventInit, InitData{SessionID: session.ID, MessageID: userMsg.ID})

	// STREAMING
	q, err := t.o.engine.Start(ctx, engine.NewRequest(t.req.Message, session.EngineSessionID, t.settings))
	if err != nil {
		t.fail(err)
		return
	}
	if !t.handle.attach(ctx, q) {
		t.log.Info().Msg("turn interrupted before the engine started")
	}
	t.stream(ctx, q)
}

func (t *turn) stream(ctx context.Context, q engine.Query) {
	done := ctx.Done()
	for {
		select {
		case <-done:
			// The client went away; stop the engine and drain what is left.
			done = nil
			ictx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
			if err := t.handle.Interrupt(ictx); err != nil && !errors.Is(err, query.ErrAlreadyInterrupted) {
				t.log.Warn().Err(err).Msg("failed to interrupt engine")
			}
			cancel()

		case ev, ok := <-q.Events():
			if !ok {
				if t.handle.wasInterrupted() {
					t.finish(ctx, &engine.Result{}, true)
					return
				}
				t.fail(errors.New("engine stream ended without a result"))
				return
			}
			if finished := t.handleEvent(ctx, ev); finished {
				t.drain(q)
				return
			}
		}
	}
}

// drain consumes events after the turn finished so the engine never blocks
// on a send nobody reads.
func (t *turn) drain(q engine.Query) {
	go func() {
		for range q.Events() {
		}
	}()
}

// handleEvent processes one engine event and reports whether the turn is over.
func (t *turn) handleEvent(ctx context.Context, ev engine.Event) bool {
	switch ev.Type {
	case engine.EventInit:
		if ev.Model != "" {
			t.model = ev.Model
		}
		if ev.SessionID != "" && ev.SessionID != t.session.EngineSessionID {
			if err := t.o.store.UpdateSessionEngineID(ctx, t.session.ID, ev.SessionID); err != nil {
				t.log.Error().Err(err).Msg("failed to save engine session id")
			} else {
				t.session.EngineSessionID = ev.SessionID
				t.o.publisher.Publish(event.Event{
					Type: event.SessionUpdated,
					Data: event.SessionUpdatedData{SessionID: t.session.ID, EngineSessionID: ev.SessionID},
				})
			}
		}

	case engine.EventContent:
		t.text.WriteString(ev.Text)
		t.emit(EventMessage, MessageData{Content: ev.Text})

	case engine.EventToolUse:
		t.emit(EventToolUse, ToolUseData{ToolUseID: ev.ToolUseID, ToolName: ev.ToolName, Input: ev.Input})

	case engine.EventToolInvocation:
		if ev.Invocation != nil {
			t.handleInvocation(ev.Invocation)
		}

	case engine.EventResult:
		result := ev.Result
		if result == nil {
			result = &engine.Result{}
		}
		t.finish(ctx, result, t.handle.wasInterrupted())
		return true

	case engine.EventError:
		if t.handle.wasInterrupted() && errors.Is(ev.Err, engine.ErrInterrupted) {
			t.finish(ctx, &engine.Result{}, true)
			return true
		}
		t.fail(ev.Err)
		return true
	}
	return false
}

// handleInvocation is the TOOL_PENDING state: it blocks until the user, the
// timeout or an abort decides, then answers the engine.
func (t *turn) handleInvocation(inv *engine.ToolInvocation) {
	if t.allowed.Has(inv.ToolName) {
		t.answer(inv, approval.Allow)
		return
	}

	input := inv.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	verdict := t.o.classifier.Classify(inv.ToolName, input, t.settings.WorkDir)
	if t.o.doomLoop.Check(t.userMsgID, inv.ToolName, input) {
		verdict.Dangerous = true
		if verdict.Reason == "" {
			verdict.Reason = fmt.Sprintf("%s called %d times in a row with the same input", inv.ToolName, approval.DoomLoopThreshold)
		}
	}

	requestID := t.o.approvals.CreatePending(t.session.ID, inv.ToolName, input, verdict.Dangerous)
	t.emit(EventApprovalRequest, ApprovalRequestData{
		RequestID:   requestID,
		ToolName:    inv.ToolName,
		ToolInput:   input,
		IsDangerous: verdict.Dangerous,
		Reason:      verdict.Reason,
	})

	decision, err := t.awaitDecision(inv, requestID)
	if err != nil {
		t.log.Debug().Err(err).Str("requestID", requestID).Msg("approval wait ended without a decision")
		decision = approval.Interrupt
	}
	t.emit(EventApprovalResolved, ApprovalResolvedData{RequestID: requestID, Decision: string(decision)})

	if decision == approval.Always {
		t.allowed.Add(inv.ToolName)
	}
	t.answer(inv, decision)
}

// awaitDecision waits for the approval. The wait is cancelled, and the
// request resolved as interrupted, when the turn is interrupted or the
// engine stops waiting for the invocation.
func (t *turn) awaitDecision(inv *engine.ToolInvocation, requestID string) (approval.Decision, error) {
	ctx, cancel := context.WithCancel(t.waitCtx)
	defer cancel()
	go func() {
		select {
		case <-inv.Abandoned():
			t.log.Debug().Str("requestID", requestID).Msg("engine abandoned the tool invocation")
			cancel()
		case <-ctx.Done():
		}
	}()
	return t.o.approvals.AwaitDecision(ctx, requestID)
}

func (t *turn) answer(inv *engine.ToolInvocation, decision approval.Decision) {
	var err error
	if decision.Allows() {
		err = inv.Allow(nil)
	} else {
		err = inv.Deny(denialMessage(inv.ToolName, decision))
	}
	if err != nil {
		t.log.Warn().Err(err).Str("tool", inv.ToolName).Msg("failed to answer tool invocation")
	}
}

func denialMessage(toolName string, decision approval.Decision) string {
	if decision == approval.Interrupt {
		return fmt.Sprintf("The user interrupted the %s tool call. Stop and wait for further instructions.", toolName)
	}
	return fmt.Sprintf("The user denied permission to use %s.", toolName)
}

// finish persists the assistant message, names the session and emits done.
func (t *turn) finish(ctx context.Context, result *engine.Result, interrupted bool) {
	content := result.Text
	if content == "" {
		content = t.text.String()
	}

	// The request context may be gone after an abort; persistence must not be.
	pctx := context.WithoutCancel(ctx)

	meta := &types.MessageMetadata{
		Model:       t.model,
		Usage:       result.Usage,
		CostUSD:     result.CostUSD,
		DurationMs:  result.DurationMs,
		NumTurns:    result.NumTurns,
		Interrupted: interrupted,
		IsError:     result.IsError,
	}
	msg, err := t.o.store.AppendMessage(pctx, t.session.ID, types.RoleAssistant, content, meta)
	if err != nil {
		t.fail(fmt.Errorf("failed to save response: %w", err))
		return
	}

	if t.session.HasDefaultTitle() {
		if title := Title(t.req.Message); title != "" {
			if err := t.o.store.UpdateSessionTitle(pctx, t.session.ID, title); err != nil {
				t.log.Error().Err(err).Msg("failed to update session title")
			} else {
				t.session.Title = title
				t.o.publisher.Publish(event.Event{
					Type: event.SessionUpdated,
					Data: event.SessionUpdatedData{SessionID: t.session.ID, Title: title},
				})
			}
		}
	}

	t.o.publisher.Publish(event.Event{
		Type: event.TurnCompleted,
		Data: event.TurnCompletedData{
			SessionID:   t.session.ID,
			MessageID:   msg.ID,
			Interrupted: interrupted,
			CostUSD:     result.CostUSD,
			DurationMs:  result.DurationMs,
		},
	})
	t.emit(EventDone, DoneData{
		SessionID:   t.session.ID,
		MessageID:   msg.ID,
		Result:      content,
		Usage:       result.Usage,
		CostUSD:     result.CostUSD,
		DurationMs:  result.DurationMs,
		NumTurns:    result.NumTurns,
		Interrupted: interrupted,
		IsError:     result.IsError,
	})
}
