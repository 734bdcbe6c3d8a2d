// Package client is a Go client for the agentchat HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

// Event is one server-sent event from a chat stream.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message   string              `json:"message"`
	SessionID string              `json:"sessionId,omitempty"`
	Settings  *types.ChatSettings `json:"settings,omitempty"`
}

// AbortResult reports what an abort touched.
type AbortResult struct {
	Success                bool     `json:"success"`
	InterruptedApprovalIDs []string `json:"interruptedApprovalIds"`
	QueryInterrupted       bool     `json:"queryInterrupted"`
}

// PendingApproval is an approval still waiting for a decision.
type PendingApproval struct {
	RequestID   string          `json:"requestId"`
	SessionID   string          `json:"sessionId"`
	ToolName    string          `json:"toolName"`
	ToolInput   json.RawMessage `json:"toolInput"`
	IsDangerous bool            `json:"isDangerous"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Active is the body of GET /api/chat/active.
type Active struct {
	Sessions         []string          `json:"sessions"`
	PendingApprovals []PendingApproval `json:"pendingApprovals"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("agentchat: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("agentchat: HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Client talks to one agentchat server.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a client for baseURL.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
	}
}

// Chat sends a message and calls onEvent for every event of the turn until
// the stream ends. Heartbeats are skipped. An error from onEvent stops
// reading and is returned.
func (c *Client) Chat(ctx context.Context, req ChatRequest, onEvent func(Event) error) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return ReadEvents(resp.Body, onEvent)
}

// ReadEvents parses an SSE stream. Comment lines are ignored.
func ReadEvents(r io.Reader, onEvent func(Event) error) error {
	reader := bufio.NewReader(r)
	var eventType string
	var data strings.Builder

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if data.Len() > 0 {
				evt := Event{Type: eventType, Data: json.RawMessage(data.String())}
				if err := onEvent(evt); err != nil {
					return err
				}
			}
			eventType = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}

// Approve sends a decision ("allow", "deny" or "always") for a pending request.
func (c *Client) Approve(ctx context.Context, requestID, decision string) error {
	return c.post(ctx, "/api/chat/approve", map[string]string{
		"requestId": requestID,
		"decision":  decision,
	}, nil)
}

// Abort interrupts the pending approvals and the running turn of a session.
func (c *Client) Abort(ctx context.Context, sessionID string) (*AbortResult, error) {
	var out AbortResult
	if err := c.post(ctx, "/api/chat/abort", map[string]string{"sessionId": sessionID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Active lists running sessions and pending approvals. An empty sessionID
// lists approvals of every session.
func (c *Client) Active(ctx context.Context, sessionID string) (*Active, error) {
	path := "/api/chat/active"
	if sessionID != "" {
		path += "?sessionId=" + sessionID
	}
	var out Active
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Session fetches one session.
func (c *Client) Session(ctx context.Context, sessionID string) (*types.Session, error) {
	var out types.Session
	if err := c.get(ctx, "/api/sessions/"+sessionID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Messages lists the messages of a session in order.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]types.Message, error) {
	var out []types.Message
	if err := c.get(ctx, "/api/sessions/"+sessionID+"/messages", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, err = io.Copy(io.Discard, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
	}
	return apiErr
}
