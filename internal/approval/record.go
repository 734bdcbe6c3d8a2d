package approval

import (
	"encoding/json"
	"time"
)

// Record is the audit entry for one resolved approval.
type Record struct {
	RequestID   string          `json:"requestId"`
	SessionID   string          `json:"sessionId"`
	ToolName    string          `json:"toolName"`
	ToolInput   json.RawMessage `json:"toolInput,omitempty"`
	IsDangerous bool            `json:"isDangerous"`
	Decision    Decision        `json:"decision"`
	Cause       Cause           `json:"cause"`
	CreatedAt   time.Time       `json:"createdAt"`
	ResolvedAt  time.Time       `json:"resolvedAt"`
}

// Latency is how long the request stayed pending.
func (r Record) Latency() time.Duration {
	return r.ResolvedAt.Sub(r.CreatedAt)
}
