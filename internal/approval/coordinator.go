package approval

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/event"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/logging"
)

// ErrNotFound is returned by AwaitDecision for ids that were never created
// or whose decision was already consumed.
var ErrNotFound = errors.New("approval request not found")

// PendingApproval is an outstanding request for a human decision.
type PendingApproval struct {
	RequestID   string
	SessionID   string
	ToolName    string
	ToolInput   json.RawMessage
	IsDangerous bool
	CreatedAt   time.Time

	outcome chan Decision
	once    sync.Once
	timer   *time.Timer
}

// deliver sends the decision to the waiter. Only the first call has an effect.
func (p *PendingApproval) deliver(d Decision) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.outcome <- d
	})
}

// PendingInfo is a read-only view of a pending approval.
type PendingInfo struct {
	RequestID   string          `json:"requestId"`
	SessionID   string          `json:"sessionId"`
	ToolName    string          `json:"toolName"`
	ToolInput   json.RawMessage `json:"toolInput,omitempty"`
	IsDangerous bool            `json:"isDangerous"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Recorder receives a Record for every resolved approval.
type Recorder interface {
	RecordApproval(r Record)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(Record)

func (f RecorderFunc) RecordApproval(r Record) { f(r) }

// Coordinator correlates approval requests created inside a streaming turn
// with decisions that arrive later on separate requests.
//
// An entry lives in pending until it is resolved. Resolution removes it
// under the lock, so resolve, timeout and interrupt have exactly one winner.
// The decision channel stays in waiters until AwaitDecision consumes it,
// which lets a decision that lands before the waiter arrives still be seen.
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]*PendingApproval
	waiters map[string]chan Decision
	timeout time.Duration

	publisher event.Publisher
	recorder  Recorder
	log       zerolog.Logger
	now       func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets how long a request may stay pending before it resolves
// to deny. Zero disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithPublisher publishes approval.requested and approval.resolved events.
func WithPublisher(p event.Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithRecorder sets the audit sink.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		pending:   make(map[string]*PendingApproval),
		waiters:   make(map[string]chan Decision),
		publisher: event.Nop{},
		log:       logging.Component("approval"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetTimeout changes the timeout applied to requests created from now on.
func (c *Coordinator) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// Timeout returns the current approval timeout.
func (c *Coordinator) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

// CreatePending registers a new unresolved request and returns its id.
func (c *Coordinator) CreatePending(sessionID, toolName string, toolInput json.RawMessage, isDangerous bool) string {
	p := &PendingApproval{
		RequestID:   uuid.NewString(),
		SessionID:   sessionID,
		ToolName:    toolName,
		ToolInput:   toolInput,
		IsDangerous: isDangerous,
		CreatedAt:   c.now(),
		outcome:     make(chan Decision, 1),
	}

	c.mu.Lock()
	c.pending[p.RequestID] = p
	c.waiters[p.RequestID] = p.outcome
	if c.timeout > 0 {
		id := p.RequestID
		p.timer = time.AfterFunc(c.timeout, func() {
			c.resolve(id, Deny, CauseTimeout)
		})
	}
	timeout := c.timeout
	c.mu.Unlock()

	c.log.Debug().
		Str("requestID", p.RequestID).
		Str("sessionID", sessionID).
		Str("tool", toolName).
		Bool("dangerous", isDangerous).
		Dur("timeout", timeout).
		Msg("approval requested")

	c.publisher.Publish(event.Event{
		Type: event.ApprovalRequested,
		Data: event.ApprovalRequestedData{
			RequestID:   p.RequestID,
			SessionID:   sessionID,
			ToolName:    toolName,
			IsDangerous: isDangerous,
		},
	})
	return p.RequestID
}

// AwaitDecision blocks until the request resolves. If ctx ends first the
// request is resolved as interrupted and ctx.Err() is returned.
func (c *Coordinator) AwaitDecision(ctx context.Context, requestID string) (Decision, error) {
	c.mu.Lock()
	ch, ok := c.waiters[requestID]
	c.mu.Unlock()
	if !ok {
		return "", ErrNotFound
	}

	defer func() {
		c.mu.Lock()
		delete(c.waiters, requestID)
		c.mu.Unlock()
	}()

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		if !c.resolve(requestID, Interrupt, CauseCancelled) {
			// Lost the race to another resolution; prefer its decision.
			select {
			case d := <-ch:
				return d, nil
			default:
			}
		}
		return "", ctx.Err()
	}
}

// Resolve delivers a client decision. It returns false when the id is
// unknown, expired or already resolved, or the decision is not one a
// client may submit.
func (c *Coordinator) Resolve(requestID string, decision Decision) bool {
	if !decision.IsClientDecision() {
		return false
	}
	return c.resolve(requestID, decision, CauseClient)
}

// InterruptAllForSession resolves every pending request of the session with
// Interrupt and returns their ids ordered by creation. The result is empty,
// never nil, when nothing was pending.
func (c *Coordinator) InterruptAllForSession(sessionID string) []string {
	c.mu.Lock()
	var matched []*PendingApproval
	for id, p := range c.pending {
		if p.SessionID == sessionID {
			matched = append(matched, p)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	ids := make([]string, 0, len(matched))
	for _, p := range matched {
		p.deliver(Interrupt)
		c.finish(p, Interrupt, CauseInterrupt)
		ids = append(ids, p.RequestID)
	}
	if len(ids) > 0 {
		c.log.Info().Str("sessionID", sessionID).Strs("requestIDs", ids).Msg("approvals interrupted")
	}
	return ids
}

// Pending lists the pending requests of a session, or of every session
// when sessionID is empty, ordered by creation.
func (c *Coordinator) Pending(sessionID string) []PendingInfo {
	c.mu.Lock()
	out := make([]PendingInfo, 0, len(c.pending))
	for _, p := range c.pending {
		if sessionID != "" && p.SessionID != sessionID {
			continue
		}
		out = append(out, PendingInfo{
			RequestID:   p.RequestID,
			SessionID:   p.SessionID,
			ToolName:    p.ToolName,
			ToolInput:   p.ToolInput,
			IsDangerous: p.IsDangerous,
			CreatedAt:   p.CreatedAt,
		})
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PendingCount returns the number of unresolved requests.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) resolve(requestID string, d Decision, cause Cause) bool {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	p.deliver(d)
	c.finish(p, d, cause)
	return true
}

// finish logs, publishes and records a resolution. Called without the lock.
func (c *Coordinator) finish(p *PendingApproval, d Decision, cause Cause) {
	c.log.Debug().
		Str("requestID", p.RequestID).
		Str("sessionID", p.SessionID).
		Str("decision", string(d)).
		Str("cause", string(cause)).
		Msg("approval resolved")

	c.publisher.Publish(event.Event{
		Type: event.ApprovalResolved,
		Data: event.ApprovalResolvedData{
			RequestID: p.RequestID,
			SessionID: p.SessionID,
			ToolName:  p.ToolName,
			Decision:  string(d),
			Cause:     string(cause),
		},
	})

	if c.recorder != nil {
		c.recorder.RecordApproval(Record{
			RequestID:   p.RequestID,
			SessionID:   p.SessionID,
			ToolName:    p.ToolName,
			ToolInput:   p.ToolInput,
			IsDangerous: p.IsDangerous,
			Decision:    d,
			Cause:       cause,
			CreatedAt:   p.CreatedAt,
			ResolvedAt:  c.now(),
		})
	}
}
