package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/client"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

var (
	chatURL            string
	chatSessionID      string
	chatModel          string
	chatPermissionMode string
	chatAutoApprove    bool
	chatNoColor        bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat with a running agentchat server",
	Long: `Send messages to an agentchat server and answer its tool approval requests.

With a message argument a single turn is run. Without one, messages are read
from stdin line by line. Ctrl-C aborts the running turn; press it again at the
prompt to quit.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatURL, "url", "http://127.0.0.1:8080", "Server URL")
	chatCmd.Flags().StringVarP(&chatSessionID, "session", "s", "", "Session ID to continue")
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "Model to use for this chat")
	chatCmd.Flags().StringVar(&chatPermissionMode, "permission-mode", "", "Permission mode (default|acceptEdits|bypassPermissions|plan)")
	chatCmd.Flags().BoolVarP(&chatAutoApprove, "yes", "y", false, "Allow every tool call without asking")
	chatCmd.Flags().BoolVar(&chatNoColor, "no-color", false, "Disable colored output")
}

func runChat(cmd *cobra.Command, args []string) error {
	color.NoColor = color.NoColor || chatNoColor

	s := &chatSession{
		client:      client.New(chatURL),
		out:         cmd.OutOrStdout(),
		lines:       readLines(cmd.InOrStdin()),
		sessionID:   chatSessionID,
		autoApprove: chatAutoApprove,
	}
	if chatModel != "" || chatPermissionMode != "" {
		s.settings = &types.ChatSettings{Model: chatModel, PermissionMode: chatPermissionMode}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if len(args) > 0 {
		return s.turn(ctx, strings.Join(args, " "), sigCh)
	}

	fmt.Fprintln(os.Stderr, color.New(color.FgHiBlack).Sprintf("Connected to %s. Empty line or Ctrl-D quits.", chatURL))
	for {
		fmt.Fprint(s.out, color.New(color.FgCyan, color.Bold).Sprint("you › "))
		var line string
		var ok bool
		select {
		case line, ok = <-s.lines:
		case <-sigCh:
			fmt.Fprintln(s.out)
			return nil
		}
		line = strings.TrimSpace(line)
		if !ok || line == "" {
			return nil
		}
		if err := s.turn(ctx, line, sigCh); err != nil {
			fmt.Fprintln(os.Stderr, color.New(color.FgRed).Sprintf("error: %v", err))
		}
	}
}

// chatSession is the client side of one conversation.
type chatSession struct {
	client      *client.Client
	out         io.Writer
	lines       <-chan string
	settings    *types.ChatSettings
	autoApprove bool

	mu        sync.Mutex
	sessionID string
}

func (s *chatSession) currentSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *chatSession) setSession(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

// turn streams one message. A signal while the turn runs aborts it on the
// server; the stream then ends with an interrupted done event.
func (s *chatSession) turn(ctx context.Context, message string, sigCh <-chan os.Signal) error {
	aborted := make(chan struct{})
	finished := make(chan struct{})
	defer close(finished)

	go func() {
		select {
		case <-sigCh:
		case <-finished:
			return
		}
		close(aborted)
		id := s.currentSession()
		if id == "" {
			return
		}
		abortCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.client.Abort(abortCtx, id); err != nil {
			fmt.Fprintln(os.Stderr, color.New(color.FgRed).Sprintf("abort failed: %v", err))
		}
	}()

	req := client.ChatRequest{Message: message, SessionID: s.currentSession(), Settings: s.settings}
	var text strings.Builder
	return s.client.Chat(ctx, req, func(e client.Event) error {
		switch e.Type {
		case "init":
			var d struct {
				SessionID string `json:"sessionId"`
			}
			if err := e.Decode(&d); err == nil && d.SessionID != "" {
				s.setSession(d.SessionID)
			}
		case "message":
			var d struct {
				Content string `json:"content"`
			}
			if err := e.Decode(&d); err == nil {
				if text.Len() == 0 {
					fmt.Fprint(s.out, color.New(color.FgGreen, color.Bold).Sprint("assistant › "))
				}
				text.WriteString(d.Content)
				fmt.Fprint(s.out, d.Content)
			}
		case "tool_use":
			var d struct {
				ToolName string          `json:"toolName"`
				Input    json.RawMessage `json:"input"`
			}
			if err := e.Decode(&d); err == nil {
				s.endText(&text)
				fmt.Fprintln(s.out, color.New(color.FgYellow).Sprintf("→ tool %s %s", d.ToolName, compact(d.Input)))
			}
		case "tool_approval_request":
			s.endText(&text)
			return s.answer(ctx, e, aborted)
		case "tool_approval_resolved":
			var d struct {
				Decision string `json:"decision"`
			}
			if err := e.Decode(&d); err == nil && d.Decision != "allow" {
				fmt.Fprintln(s.out, color.New(color.FgHiBlack).Sprintf("  %s", d.Decision))
			}
		case "done":
			s.endText(&text)
			var d struct {
				NumTurns    int     `json:"numTurns"`
				CostUSD     float64 `json:"costUsd"`
				Interrupted bool    `json:"interrupted"`
				IsError     bool    `json:"isError"`
			}
			if err := e.Decode(&d); err == nil {
				status := "done"
				if d.Interrupted {
					status = "interrupted"
				} else if d.IsError {
					status = "stopped with an error"
				}
				fmt.Fprintln(os.Stderr, color.New(color.FgHiBlack).Sprintf("[%s, %d turns, $%.4f]", status, d.NumTurns, d.CostUSD))
			}
		case "error":
			s.endText(&text)
			var d struct {
				Message string `json:"message"`
			}
			if err := e.Decode(&d); err == nil {
				fmt.Fprintln(os.Stderr, color.New(color.FgRed).Sprintf("error: %s", d.Message))
			}
		}
		return nil
	})
}

func (s *chatSession) endText(text *strings.Builder) {
	if text.Len() > 0 {
		fmt.Fprintln(s.out)
		text.Reset()
	}
}

// answer prompts for a decision and posts it. The stream is not read while
// the prompt is open; the server holds the tool call until then.
func (s *chatSession) answer(ctx context.Context, e client.Event, aborted <-chan struct{}) error {
	var d struct {
		RequestID   string          `json:"requestId"`
		ToolName    string          `json:"toolName"`
		ToolInput   json.RawMessage `json:"toolInput"`
		IsDangerous bool            `json:"isDangerous"`
		Reason      string          `json:"reason"`
	}
	if err := e.Decode(&d); err != nil {
		return fmt.Errorf("decode approval request: %w", err)
	}

	label := color.New(color.FgYellow, color.Bold)
	if d.IsDangerous {
		label = color.New(color.FgRed, color.Bold)
	}
	fmt.Fprintln(s.out, label.Sprintf("? %s wants to run", d.ToolName), compact(d.ToolInput))
	if d.Reason != "" {
		fmt.Fprintln(s.out, color.New(color.FgRed).Sprintf("  warning: %s", d.Reason))
	}

	decision := "allow"
	if !s.autoApprove {
		fmt.Fprint(s.out, "  allow? [y]es / [n]o / [a]lways: ")
		select {
		case line, ok := <-s.lines:
			if !ok {
				decision = "deny"
				break
			}
			decision = parseDecision(line)
		case <-aborted:
			fmt.Fprintln(s.out)
			return nil
		}
	}

	if err := s.client.Approve(ctx, d.RequestID, decision); err != nil {
		// The request may have timed out while the prompt was open.
		fmt.Fprintln(os.Stderr, color.New(color.FgRed).Sprintf("approve failed: %v", err))
	}
	return nil
}

func parseDecision(line string) string {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes", "allow":
		return "allow"
	case "a", "always":
		return "always"
	default:
		return "deny"
	}
}

func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func compact(raw json.RawMessage) string {
	const limit = 120
	s := strings.Join(strings.Fields(string(raw)), " ")
	if len(s) > limit {
		return s[:limit-3] + "..."
	}
	return s
}
