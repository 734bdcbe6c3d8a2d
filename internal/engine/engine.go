// Package engine defines the model/tool-execution engine a turn streams
// from, and the events it produces.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

// ErrInterrupted is reported by engines whose query was interrupted.
var ErrInterrupted = errors.New("query interrupted")

// ErrAlreadyAnswered is returned when a tool invocation is answered twice.
var ErrAlreadyAnswered = errors.New("tool invocation already answered")

// Engine starts queries.
type Engine interface {
	Start(ctx context.Context, req Request) (Query, error)
}

// Request is one user prompt plus the settings of the turn.
type Request struct {
	Prompt          string
	ResumeID        string
	Model           string
	AllowedTools    []string
	DisallowedTools []string
	PermissionMode  string
	SystemPrompt    string
	MaxTurns        int
	WorkDir         string
}

// NewRequest builds a request from merged chat settings.
func NewRequest(prompt, resumeID string, s types.ChatSettings) Request {
	return Request{
		Prompt:          prompt,
		ResumeID:        resumeID,
		Model:           s.Model,
		AllowedTools:    s.AllowedTools,
		DisallowedTools: s.DisallowedTools,
		PermissionMode:  s.PermissionMode,
		SystemPrompt:    s.SystemPrompt,
		MaxTurns:        s.MaxTurns,
		WorkDir:         s.WorkDir,
	}
}

// Query is a running engine operation. Events is closed when the query ends.
type Query interface {
	Events() <-chan Event
	Interrupt(ctx context.Context) error
}

// EventType identifies an engine event.
type EventType string

const (
	EventInit           EventType = "init"
	EventContent        EventType = "content"
	EventToolUse        EventType = "tool-use"
	EventToolInvocation EventType = "tool-invocation"
	EventResult         EventType = "result"
	EventError          EventType = "error"
)

// Event is one item of a query's stream. Which fields are set depends on Type.
type Event struct {
	Type EventType

	// init
	SessionID string
	Model     string

	// content
	Text string

	// tool-use
	ToolUseID string
	ToolName  string
	Input     json.RawMessage

	// tool-invocation
	Invocation *ToolInvocation

	// result
	Result *Result

	// error
	Err error
}

// Result is the terminal summary of a query.
type Result struct {
	Text       string
	Usage      *types.Usage
	CostUSD    float64
	DurationMs int64
	NumTurns   int
	IsError    bool
}

// Answer is the reply to a tool invocation.
type Answer struct {
	Allow        bool
	UpdatedInput json.RawMessage
	Message      string
}

// ToolInvocation is a tool call the engine will not run until it is
// answered with Allow or Deny.
type ToolInvocation struct {
	ID       string
	ToolName string
	Input    json.RawMessage

	once      sync.Once
	answer    chan Answer
	abandon   sync.Once
	abandoned chan struct{}
}

// NewToolInvocation creates an unanswered invocation.
func NewToolInvocation(id, toolName string, input json.RawMessage) *ToolInvocation {
	return &ToolInvocation{
		ID:        id,
		ToolName:  toolName,
		Input:     input,
		answer:    make(chan Answer, 1),
		abandoned: make(chan struct{}),
	}
}

// Allow lets the call run with updatedInput, or the original input if nil.
func (t *ToolInvocation) Allow(updatedInput json.RawMessage) error {
	if updatedInput == nil {
		updatedInput = t.Input
	}
	return t.reply(Answer{Allow: true, UpdatedInput: updatedInput})
}

// Deny refuses the call; message is shown to the model.
func (t *ToolInvocation) Deny(message string) error {
	return t.reply(Answer{Message: message})
}

func (t *ToolInvocation) reply(a Answer) error {
	err := ErrAlreadyAnswered
	t.once.Do(func() {
		t.answer <- a
		err = nil
	})
	return err
}

// Wait blocks until the invocation is answered or ctx ends. Once ctx ends
// the invocation counts as abandoned.
func (t *ToolInvocation) Wait(ctx context.Context) (Answer, error) {
	select {
	case a := <-t.answer:
		return a, nil
	case <-ctx.Done():
		t.abandon.Do(func() { close(t.abandoned) })
		return Answer{}, ctx.Err()
	}
}

// Abandoned is closed when the engine stopped waiting for an answer.
func (t *ToolInvocation) Abandoned() <-chan struct{} {
	return t.abandoned
}
