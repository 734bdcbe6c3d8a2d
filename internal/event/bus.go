// Package event provides the process-wide pub/sub bus for lifecycle events,
// built on watermill's in-memory gochannel transport.
package event

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/logging"
)

// Topic is the watermill topic every event is published on.
const Topic = "agentchat.events"

const metadataType = "event_type"

// EventType represents the type of event.
type EventType string

const (
	ApprovalRequested EventType = "approval.requested"
	ApprovalResolved  EventType = "approval.resolved"
	TurnStarted       EventType = "turn.started"
	TurnCompleted     EventType = "turn.completed"
	TurnFailed        EventType = "turn.failed"
	SessionUpdated    EventType = "session.updated"
	QueryInterrupted  EventType = "query.interrupted"
)

// Event represents an event on the bus. Data is the typed payload when
// publishing; subscribers receive it as json.RawMessage.
type Event struct {
	Type EventType `json:"type"`
	Time int64     `json:"time"`
	Data any       `json:"data"`
}

// Decode unmarshals a received event's payload into v.
func (e Event) Decode(v any) error {
	switch data := e.Data.(type) {
	case json.RawMessage:
		return json.Unmarshal(data, v)
	default:
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, v)
	}
}

// Publisher is the write side of the bus, used by components that only emit.
type Publisher interface {
	Publish(e Event)
}

// Bus fans events out to subscribers through a watermill GoChannel.
type Bus struct {
	pubsub *gochannel.GoChannel
	log    zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
				// Subscribers ack right after decoding, so this only
				// serializes delivery and keeps per-subscriber order.
				BlockPublishUntilSubscriberAck: true,
			},
			watermill.NopLogger{},
		),
		log: logging.Component("event"),
	}
}

// Publish sends an event to all current subscribers. Events published while
// nobody listens are dropped.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	if e.Time == 0 {
		e.Time = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		b.log.Error().Err(err).Str("eventType", string(e.Type)).Msg("cannot encode event")
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataType, string(e.Type))
	if err := b.pubsub.Publish(Topic, msg); err != nil {
		b.log.Warn().Err(err).Str("eventType", string(e.Type)).Msg("publish failed")
	}
}

// Subscribe returns a channel of events of the given types (all types when
// none are given). The channel closes when ctx is done or the bus closes.
// Events are dropped for a subscriber whose buffer is full.
func (b *Bus) Subscribe(ctx context.Context, types ...EventType) (<-chan Event, error) {
	messages, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, err
	}

	filter := make(map[EventType]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for msg := range messages {
			if len(filter) > 0 && !filter[EventType(msg.Metadata.Get(metadataType))] {
				msg.Ack()
				continue
			}

			var wire struct {
				Type EventType       `json:"type"`
				Time int64           `json:"time"`
				Data json.RawMessage `json:"data"`
			}
			err := json.Unmarshal(msg.Payload, &wire)
			msg.Ack()
			if err != nil {
				b.log.Warn().Err(err).Msg("dropping undecodable event")
				continue
			}

			select {
			case out <- Event{Type: wire.Type, Time: wire.Time, Data: wire.Data}:
			case <-ctx.Done():
				return
			default:
				b.log.Warn().Str("eventType", string(wire.Type)).Msg("subscriber too slow, event dropped")
			}
		}
	}()
	return out, nil
}

// SubscribeFunc calls fn for every event until the returned function is called.
func (b *Bus) SubscribeFunc(fn func(Event), types ...EventType) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	events, err := b.Subscribe(ctx, types...)
	if err != nil {
		cancel()
		return nil, err
	}
	go func() {
		for e := range events {
			fn(e)
		}
	}()
	return cancel, nil
}

// Close closes the bus; subscriber channels are closed.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	return b.pubsub.Close()
}

// PubSub returns the underlying watermill GoChannel.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}

// Nop is a Publisher that discards events.
type Nop struct{}

func (Nop) Publish(Event) {}
