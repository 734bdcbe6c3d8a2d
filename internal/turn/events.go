package turn

import (
	"encoding/json"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

// Client event names, in the order a turn can produce them.
const (
	EventInit             = "init"
	EventMessage          = "message"
	EventToolUse          = "tool_use"
	EventApprovalRequest  = "tool_approval_request"
	EventApprovalResolved = "tool_approval_resolved"
	EventDone             = "done"
	EventError            = "error"
	EventEnd              = "end"
)

// Emitter delivers normalized turn events to the client. An error means the
// client is gone; the turn keeps running to its end but stops emitting.
type Emitter interface {
	Emit(eventType string, data any) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(eventType string, data any) error

func (f EmitterFunc) Emit(eventType string, data any) error { return f(eventType, data) }

type InitData struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
}

type MessageData struct {
	Content string `json:"content"`
}

type ToolUseData struct {
	ToolUseID string          `json:"toolUseId,omitempty"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input,omitempty"`
}

type ApprovalRequestData struct {
	RequestID   string          `json:"requestId"`
	ToolName    string          `json:"toolName"`
	ToolInput   json.RawMessage `json:"toolInput"`
	IsDangerous bool            `json:"isDangerous"`
	Reason      string          `json:"reason,omitempty"`
}

type ApprovalResolvedData struct {
	RequestID string `json:"requestId"`
	Decision  string `json:"decision"`
}

type DoneData struct {
	SessionID   string       `json:"sessionId"`
	MessageID   string       `json:"messageId"`
	Result      string       `json:"result"`
	Usage       *types.Usage `json:"usage,omitempty"`
	CostUSD     float64      `json:"costUsd,omitempty"`
	DurationMs  int64        `json:"durationMs,omitempty"`
	NumTurns    int          `json:"numTurns,omitempty"`
	Interrupted bool         `json:"interrupted,omitempty"`
	IsError     bool         `json:"isError,omitempty"`
}

type ErrorData struct {
	Message string `json:"message"`
}

type EndData struct{}
