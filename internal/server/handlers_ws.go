package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/turn"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocket command types.
const (
	CommandChat    = "chat"
	CommandApprove = "approve"
	CommandAbort   = "abort"
)

// frameCommandResult answers an approve or abort command.
const frameCommandResult = "command_result"

// WSCommand is a client frame on /api/chat/ws. The first frame must be a
// chat command; approve and abort may follow while the turn runs.
type WSCommand struct {
	Type      string              `json:"type"`
	Message   string              `json:"message,omitempty"`
	SessionID string              `json:"sessionId,omitempty"`
	Settings  *types.ChatSettings `json:"settings,omitempty"`
	RequestID string              `json:"requestId,omitempty"`
	Decision  string              `json:"decision,omitempty"`
}

// WSFrame is a server frame: a turn event or a command result.
type WSFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// CommandResult is the data of a command_result frame.
type CommandResult struct {
	Command string         `json:"command"`
	Success bool           `json:"success"`
	Error   *ErrorDetail   `json:"error,omitempty"`
	Abort   *AbortResponse `json:"abort,omitempty"`
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) write(frame WSFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(frame)
}

func (c *wsConn) closeNormal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// chatWebSocket handles GET /api/chat/ws.
func (s *Server) chatWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered with an HTTP error.
		return
	}
	defer conn.Close()
	ws := &wsConn{conn: conn}

	var first WSCommand
	if err := conn.ReadJSON(&first); err != nil {
		return
	}
	if first.Type != CommandChat || strings.TrimSpace(first.Message) == "" {
		ws.write(WSFrame{Type: turn.EventError, Data: turn.ErrorData{Message: "first frame must be a chat command with a message"}})
		ws.closeNormal()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.readCommands(ws, cancel)

	req := turn.Request{Message: first.Message, SessionID: first.SessionID, Settings: first.Settings}
	err = s.turns.Run(ctx, req, turn.EmitterFunc(func(eventType string, data any) error {
		return ws.write(WSFrame{Type: eventType, Data: data})
	}))
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket client disconnected")
		return
	}
	ws.closeNormal()
}

// readCommands serves approve and abort frames until the connection
// closes, then cancels the turn.
func (s *Server) readCommands(ws *wsConn, cancel context.CancelFunc) {
	defer cancel()
	for {
		var cmd WSCommand
		if err := ws.conn.ReadJSON(&cmd); err != nil {
			return
		}

		result := CommandResult{Command: cmd.Type, Success: true}
		var apiErr *apiError
		switch cmd.Type {
		case CommandApprove:
			apiErr = s.resolveApproval(ApproveRequest{RequestID: cmd.RequestID, Decision: cmd.Decision})
		case CommandAbort:
			ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
			result.Abort, apiErr = s.abortSession(ctx, cmd.SessionID)
			done()
		default:
			apiErr = invalidRequest("unknown command " + cmd.Type)
		}
		if apiErr != nil {
			result.Success = false
			result.Error = &ErrorDetail{Code: apiErr.code, Message: apiErr.message}
		}
		if err := ws.write(WSFrame{Type: frameCommandResult, Data: result}); err != nil {
			return
		}
	}
}
