// Package script implements an engine that plays back YAML scenarios. It
// drives the end-to-end tests and offline demos.
package script

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/engine"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

// File is the top level of a scenario file.
type File struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// Scenario is played when its Match is contained in the prompt. An empty
// Match matches every prompt.
type Scenario struct {
	Match     string  `yaml:"match"`
	SessionID string  `yaml:"sessionId"`
	Model     string  `yaml:"model"`
	Steps     []Step  `yaml:"steps"`
	Result    string  `yaml:"result"`
	Usage     Usage   `yaml:"usage"`
	CostUSD   float64 `yaml:"costUsd"`
	Error     string  `yaml:"error"`
}

// Usage is the token usage reported in the scenario's result.
type Usage struct {
	InputTokens  int `yaml:"inputTokens"`
	OutputTokens int `yaml:"outputTokens"`
}

// Step is one action of a scenario. Exactly one of Text, Tool or Delay is set.
type Step struct {
	Text    string         `yaml:"text"`
	Tool    string         `yaml:"tool"`
	Input   map[string]any `yaml:"input"`
	OnAllow string         `yaml:"onAllow"`
	OnDeny  string         `yaml:"onDeny"`
	Delay   string         `yaml:"delay"`
}

// Engine plays scenarios.
type Engine struct {
	scenarios []Scenario
}

// New creates an engine from scenarios.
func New(scenarios []Scenario) *Engine {
	return &Engine{scenarios: scenarios}
}

// Parse decodes a YAML scenario file.
func Parse(data []byte) (*Engine, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse scenarios: %w", err)
	}
	for i, s := range f.Scenarios {
		for j, step := range s.Steps {
			if step.Delay == "" {
				continue
			}
			if _, err := time.ParseDuration(step.Delay); err != nil {
				return nil, fmt.Errorf("scenario %d step %d: invalid delay %q", i, j, step.Delay)
			}
		}
	}
	return New(f.Scenarios), nil
}

// Load reads a scenario file from disk.
func Load(path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Start begins playing the first scenario matching the prompt.
func (e *Engine) Start(ctx context.Context, req engine.Request) (engine.Query, error) {
	sc, ok := e.match(req.Prompt)
	if !ok {
		return nil, fmt.Errorf("no scenario matches prompt %q", req.Prompt)
	}

	qctx, cancel := context.WithCancel(ctx)
	q := &query{
		events: make(chan engine.Event, 16),
		cancel: cancel,
	}
	go q.play(qctx, sc, req)
	return q, nil
}

func (e *Engine) match(prompt string) (Scenario, bool) {
	for _, s := range e.scenarios {
		if s.Match == "" || strings.Contains(prompt, s.Match) {
			return s, true
		}
	}
	return Scenario{}, false
}

type query struct {
	events chan engine.Event
	cancel context.CancelFunc

	mu          sync.Mutex
	interrupted bool
}

func (q *query) Events() <-chan engine.Event { return q.events }

func (q *query) Interrupt(ctx context.Context) error {
	q.mu.Lock()
	q.interrupted = true
	q.mu.Unlock()
	q.cancel()
	return nil
}

func (q *query) send(ctx context.Context, ev engine.Event) bool {
	select {
	case q.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *query) play(ctx context.Context, sc Scenario, req engine.Request) {
	defer close(q.events)
	defer q.cancel()

	start := time.Now()
	sessionID := req.ResumeID
	if sessionID == "" {
		sessionID = sc.SessionID
	}
	if sessionID == "" {
		sessionID = "script-" + ulid.Make().String()
	}
	model := req.Model
	if model == "" {
		model = sc.Model
	}

	if !q.send(ctx, engine.Event{Type: engine.EventInit, SessionID: sessionID, Model: model}) {
		return
	}

	var text strings.Builder
	emit := func(s string) bool {
		if s == "" {
			return true
		}
		text.WriteString(s)
		return q.send(ctx, engine.Event{Type: engine.EventContent, Text: s})
	}

	for i, step := range sc.Steps {
		switch {
		case step.Delay != "":
			d, _ := time.ParseDuration(step.Delay)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return
			}
		case step.Tool != "":
			allowed, ok := q.tool(ctx, fmt.Sprintf("toolu_%02d", i), step, req)
			if !ok {
				return
			}
			reply := step.OnDeny
			if allowed {
				reply = step.OnAllow
			}
			if !emit(reply) {
				return
			}
		default:
			if !emit(step.Text) {
				return
			}
		}
	}

	if sc.Error != "" {
		q.send(ctx, engine.Event{Type: engine.EventError, Err: fmt.Errorf("%s", sc.Error)})
		return
	}

	q.send(ctx, engine.Event{Type: engine.EventResult, Result: &engine.Result{
		Text: sc.Result,
		Usage: &types.Usage{
			InputTokens:  sc.Usage.InputTokens,
			OutputTokens: sc.Usage.OutputTokens,
		},
		CostUSD:    sc.CostUSD,
		DurationMs: time.Since(start).Milliseconds(),
		NumTurns:   1,
	}})
}

// tool announces a tool call and waits for the permission decision.
func (q *query) tool(ctx context.Context, id string, step Step, req engine.Request) (allowed, ok bool) {
	input, err := json.Marshal(step.Input)
	if err != nil || step.Input == nil {
		input = json.RawMessage(`{}`)
	}

	if !q.send(ctx, engine.Event{Type: engine.EventToolUse, ToolUseID: id, ToolName: step.Tool, Input: input}) {
		return false, false
	}

	switch {
	case slices.Contains(req.DisallowedTools, step.Tool):
		return false, true
	case slices.Contains(req.AllowedTools, step.Tool), req.PermissionMode == types.PermissionModeBypass:
		return true, true
	}

	inv := engine.NewToolInvocation(id, step.Tool, input)
	if !q.send(ctx, engine.Event{Type: engine.EventToolInvocation, ToolUseID: id, ToolName: step.Tool, Input: input, Invocation: inv}) {
		return false, false
	}
	answer, err := inv.Wait(ctx)
	if err != nil {
		return false, false
	}
	return answer.Allow, true
}
