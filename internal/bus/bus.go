// Package bus is the in-process publish/subscribe fan-out of spec.md §4.C:
// bounded per-subscriber queues with a slow-consumer drop policy.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types recognised across the control plane (spec.md §4.C).
const (
	TypeSessionCreated      = "session.created"
	TypeSessionUpdated      = "session.updated"
	TypeSessionClosed       = "session.closed"
	TypeSessionStatusChange = "session.status_changed"
	TypeMessageNew          = "message.new"
	TypeTypingStart         = "typing.start"
	TypeTypingStop          = "typing.stop"
	TypeTypingUser          = "typing.user"
	TypeSyncComplete        = "sync.complete"
	TypeUsageUpdated        = "usage.updated"
	TypeUsageLimitReached   = "usage.limit_reached"
	TypeUsageReset          = "usage.reset"
	TypeCommandQueued       = "command.queued"
	TypeCommandExecuted     = "command.executed"
	TypeCommandFailed       = "command.failed"
	TypeHeartbeat           = "heartbeat"
)

// DefaultQueueCapacity is the bound on each subscriber's mailbox.
const DefaultQueueCapacity = 256

// Event is a single message fanned out to subscribers.
type Event struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp float64        `json:"timestamp"`
}

// New builds an Event stamped with a fresh id and the current time.
func New(eventType string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
}

// SessionCreated builds a session.created event.
func SessionCreated(session map[string]any) Event { return New(TypeSessionCreated, session) }

// SessionUpdated builds a session.updated event.
func SessionUpdated(session map[string]any) Event { return New(TypeSessionUpdated, session) }

// SessionClosed builds a session.closed event.
func SessionClosed(session map[string]any) Event { return New(TypeSessionClosed, session) }

// SessionStatusChanged carries the old→new transition alongside the
// session payload.
func SessionStatusChanged(session map[string]any, oldStatus, newStatus string) Event {
	payload := cloneMap(session)
	payload["old_status"] = oldStatus
	payload["new_status"] = newStatus
	return New(TypeSessionStatusChange, payload)
}

// MessageNew builds a message.new event.
func MessageNew(message map[string]any) Event { return New(TypeMessageNew, message) }

// TypingStart builds a typing.start event for sessionName.
func TypingStart(sessionName string) Event {
	return New(TypeTypingStart, map[string]any{"session_name": sessionName})
}

// TypingStop builds a typing.stop event for sessionName.
func TypingStop(sessionName string) Event {
	return New(TypeTypingStop, map[string]any{"session_name": sessionName})
}

// TypingUser builds a typing.user event relayed from a websocket client.
func TypingUser(sessionName string) Event {
	return New(TypeTypingUser, map[string]any{"session_name": sessionName})
}

// SyncComplete builds a sync.complete event.
func SyncComplete(sessionName, source string, count int) Event {
	return New(TypeSyncComplete, map[string]any{
		"session_name": sessionName,
		"source":       source,
		"new_messages": count,
	})
}

// UsageUpdated builds a usage.updated event.
func UsageUpdated(provider string, snapshot map[string]any) Event {
	payload := cloneMap(snapshot)
	payload["provider"] = provider
	return New(TypeUsageUpdated, payload)
}

// UsageLimitReached builds a usage.limit_reached event.
func UsageLimitReached(provider, limitType string, snapshot map[string]any) Event {
	payload := cloneMap(snapshot)
	payload["provider"] = provider
	payload["limit_type"] = limitType
	return New(TypeUsageLimitReached, payload)
}

// UsageReset builds a usage.reset event.
func UsageReset(provider, limitType string, snapshot map[string]any) Event {
	payload := cloneMap(snapshot)
	payload["provider"] = provider
	payload["limit_type"] = limitType
	return New(TypeUsageReset, payload)
}

// CommandQueued builds a command.queued event.
func CommandQueued(entry map[string]any) Event { return New(TypeCommandQueued, entry) }

// CommandExecuted builds a command.executed event.
func CommandExecuted(entry map[string]any) Event { return New(TypeCommandExecuted, entry) }

// CommandFailed builds a command.failed event.
func CommandFailed(entry map[string]any) Event { return New(TypeCommandFailed, entry) }

// Heartbeat builds a heartbeat event with an empty payload.
func Heartbeat() Event { return New(TypeHeartbeat, nil) }

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Bus is an in-process pub/sub fan-out. One mutex guards the subscriber
// table; it is held only long enough to register a subscriber or snapshot
// the table for publish, never across blocking sends.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int64]chan Event
	nextID      int64
	logger      zerolog.Logger
}

// NewBus creates an empty Bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[int64]chan Event),
		logger:      logger.With().Str("component", "bus").Logger(),
	}
}

// Subscribe registers a bounded queue and returns its id and channel. The
// caller must Unsubscribe when done to avoid leaking the channel.
func (b *Bus) Subscribe() (int64, <-chan Event) {
	return b.SubscribeCapacity(DefaultQueueCapacity)
}

// SubscribeCapacity is Subscribe with an explicit queue bound.
func (b *Bus) SubscribeCapacity(capacity int) (int64, <-chan Event) {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	ch := make(chan Event, capacity)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	total := len(b.subscribers)
	b.mu.Unlock()

	b.logger.Debug().Int64("subscriber", id).Int("total", total).Msg("subscriber registered")
	return id, ch
}

// Unsubscribe removes a subscriber's queue. The channel itself is never
// closed: a Publish working from a snapshot taken before the removal may
// still send to it, and a send on a closed channel would panic. The
// channel is simply left for the garbage
// collector once its last reference (the subscriber's own read loop)
// drops it.
func (b *Bus) Unsubscribe(id int64) {
	b.mu.Lock()
	_, ok := b.subscribers[id]
	delete(b.subscribers, id)
	total := len(b.subscribers)
	b.mu.Unlock()

	b.logger.Debug().Int64("subscriber", id).Bool("found", ok).Int("total", total).Msg("subscriber removed")
}

// Publish fans event out to every subscriber. Delivery is at-most-once:
// a full queue drops the event for that subscriber only, logging a
// warning, and publish continues to the rest. The lock is held only to
// snapshot the subscriber table; the non-blocking sends run outside it.
func (b *Bus) Publish(event Event) int {
	b.mu.Lock()
	subs := make(map[int64]chan Event, len(b.subscribers))
	for id, ch := range b.subscribers {
		subs[id] = ch
	}
	b.mu.Unlock()

	delivered := 0
	for id, ch := range subs {
		select {
		case ch <- event:
			delivered++
		default:
			b.logger.Warn().Int64("subscriber", id).Str("event_type", event.Type).Msg("dropping event for slow subscriber")
		}
	}
	return delivered
}

// SubscriberCount returns the current number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
