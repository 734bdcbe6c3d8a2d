// Package types provides the core data types shared by the agentchat server and client.
package types

// DefaultSessionTitle is the placeholder title of a session that has not
// received its first message yet.
const DefaultSessionTitle = "New Chat"

// Session represents a conversation session.
type Session struct {
	ID    string `json:"id"`
	Title string `json:"title"`

	// EngineSessionID correlates the session with the engine's own
	// conversation so later turns can resume it. Empty until the engine
	// reports one.
	EngineSessionID string `json:"engineSessionId,omitempty"`

	Archived bool        `json:"archived"`
	Time     SessionTime `json:"time"`
}

// SessionTime contains timestamps for a session in unix milliseconds.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// HasDefaultTitle reports whether the session still carries its placeholder title.
func (s *Session) HasDefaultTitle() bool {
	return s.Title == "" || s.Title == DefaultSessionTitle
}
