package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/minibot/internal/observability"
)

// AgentEvent is a single observable event from the agent runtime. Events are
// immutable, fire-and-forget, and never persisted.
type AgentEvent struct {
	Category  string         // "agent", "stream", "subagent", "cron", "heartbeat"
	Event     string         // "thinking_started", "tool_call", "stream_chunk", ...
	Data      map[string]any
	Timestamp time.Time
}

// NewAgentEvent creates an event stamped with the current time.
func NewAgentEvent(category, event string, data map[string]any) AgentEvent {
	if data == nil {
		data = map[string]any{}
	}
	return AgentEvent{Category: category, Event: event, Data: data, Timestamp: time.Now()}
}

// Subscriber receives published events.
type Subscriber func(AgentEvent)

type subscription struct {
	id int
	fn Subscriber
}

// EventBus is fire-and-forget pub/sub for AgentEvents.
//
// Publish delivers synchronously in the caller's goroutine, in registration
// order. A subscriber that panics is caught and logged and must never prevent
// delivery to subsequent subscribers or propagate to the publisher. There is
// no queueing and no replay: late subscribers miss earlier events.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID int
	logger *observability.Logger
}

// NewEventBus creates an event bus. logger may be nil.
func NewEventBus(logger *observability.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// Subscribe registers a subscriber and returns its id for Unsubscribe.
func (b *EventBus) Subscribe(fn Subscriber) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs = append(b.subs, subscription{id: b.nextID, fn: fn})
	return b.nextID
}

// Unsubscribe removes a subscriber by id. Unknown ids are ignored.
func (b *EventBus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to every current subscriber.
func (b *EventBus) Publish(event AgentEvent) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, event)
	}
}

func (b *EventBus) deliver(s subscription, event AgentEvent) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Warn(context.Background(), "event subscriber panicked",
				"event", fmt.Sprintf("%s/%s", event.Category, event.Event),
				"panic", fmt.Sprint(r))
		}
	}()
	s.fn(event)
}
