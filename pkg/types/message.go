package types

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a persisted conversation message.
type Message struct {
	ID        string           `json:"id"`
	SessionID string           `json:"sessionId"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
	Created   int64            `json:"created"`
}

// MessageMetadata carries result details of an assistant message.
type MessageMetadata struct {
	Model       string  `json:"model,omitempty"`
	Usage       *Usage  `json:"usage,omitempty"`
	CostUSD     float64 `json:"costUsd,omitempty"`
	DurationMs  int64   `json:"durationMs,omitempty"`
	NumTurns    int     `json:"numTurns,omitempty"`
	Interrupted bool    `json:"interrupted,omitempty"`
	IsError     bool    `json:"isError,omitempty"`
}

// Usage is the token accounting reported by the engine for one turn.
type Usage struct {
	InputTokens         int `json:"inputTokens"`
	OutputTokens        int `json:"outputTokens"`
	CacheReadTokens     int `json:"cacheReadTokens,omitempty"`
	CacheCreationTokens int `json:"cacheCreationTokens,omitempty"`
}

// Add accumulates other into u.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheCreationTokens += other.CacheCreationTokens
}
