package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/client"
)

// ChatStream runs one chat turn in the background and records its events.
type ChatStream struct {
	events chan client.Event
	done   chan struct{}

	mu  sync.Mutex
	all []client.Event
	err error
}

// StartChat posts req and returns immediately.
func StartChat(ctx context.Context, c *client.Client, req client.ChatRequest) *ChatStream {
	s := &ChatStream{
		events: make(chan client.Event, 100),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer close(s.events)
		err := c.Chat(ctx, req, func(e client.Event) error {
			s.mu.Lock()
			s.all = append(s.all, e)
			s.mu.Unlock()
			s.events <- e
			return nil
		})
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}()
	return s
}

// WaitFor returns the next event of the given type, skipping others.
func (s *ChatStream) WaitFor(eventType string, timeout time.Duration) (client.Event, error) {
	deadline := time.After(timeout)
	for {
		select {
		case e, ok := <-s.events:
			if !ok {
				return client.Event{}, fmt.Errorf("stream ended before %s", eventType)
			}
			if e.Type == eventType {
				return e, nil
			}
		case <-deadline:
			return client.Event{}, fmt.Errorf("timeout waiting for event: %s", eventType)
		}
	}
}

// Wait blocks until the stream ends and returns every event it carried.
func (s *ChatStream) Wait(timeout time.Duration) ([]client.Event, error) {
	go func() {
		for range s.events {
		}
	}()
	select {
	case <-s.done:
	case <-time.After(timeout):
		return nil, fmt.Errorf("stream did not end after %v", timeout)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]client.Event, len(s.all))
	copy(out, s.all)
	return out, s.err
}

// Types lists the event types in order.
func Types(events []client.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// Find returns the first event of the given type.
func Find(events []client.Event, eventType string) (client.Event, bool) {
	for _, e := range events {
		if e.Type == eventType {
			return e, true
		}
	}
	return client.Event{}, false
}
