package event

// ApprovalRequestedData is the data for approval.requested events.
type ApprovalRequestedData struct {
	RequestID   string `json:"requestId"`
	SessionID   string `json:"sessionId"`
	ToolName    string `json:"toolName"`
	IsDangerous bool   `json:"isDangerous"`
}

// ApprovalResolvedData is the data for approval.resolved events.
type ApprovalResolvedData struct {
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
	ToolName  string `json:"toolName"`
	Decision  string `json:"decision"`
	// Cause is "client", "timeout" or "interrupt".
	Cause string `json:"cause"`
}

// TurnStartedData is the data for turn.started events.
type TurnStartedData struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
}

// TurnCompletedData is the data for turn.completed events.
type TurnCompletedData struct {
	SessionID   string  `json:"sessionId"`
	MessageID   string  `json:"messageId"`
	Interrupted bool    `json:"interrupted,omitempty"`
	CostUSD     float64 `json:"costUsd,omitempty"`
	DurationMs  int64   `json:"durationMs,omitempty"`
}

// TurnFailedData is the data for turn.failed events.
type TurnFailedData struct {
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error"`
}

// SessionUpdatedData is the data for session.updated events.
type SessionUpdatedData struct {
	SessionID       string `json:"sessionId"`
	Title           string `json:"title,omitempty"`
	EngineSessionID string `json:"engineSessionId,omitempty"`
}

// QueryInterruptedData is the data for query.interrupted events.
type QueryInterruptedData struct {
	SessionID              string   `json:"sessionId"`
	InterruptedApprovalIDs []string `json:"interruptedApprovalIds"`
	QueryInterrupted       bool     `json:"queryInterrupted"`
}
