// Package bus fans appended room messages out to live transports.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ashureev/chatpact/internal/domain"
)

const defaultBufferSize = 100

// TopicPrefixRooms matches every room topic.
const TopicPrefixRooms = "room."

// RoomTopic is the topic for messages appended to a room's log.
func RoomTopic(roomID string) string {
	return TopicPrefixRooms + roomID + ".message"
}

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Message *domain.Message
}

// Subscription represents an active subscription.
type Subscription struct {
	id      int
	prefix  string
	ch      chan Event
	dropped atomic.Int64
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped returns how many events were lost to a full buffer. Consumers that
// care can replay from the log.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Bus is an in-process pub/sub bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe creates a subscription for topics starting with prefix. An empty
// prefix matches everything. Delivery is non-blocking; a slow consumer misses
// events once its buffer is full.
func (b *Bus) Subscribe(prefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: prefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// SubscribeRoom subscribes to one room's messages.
func (b *Bus) SubscribeRoom(roomID string) *Subscription {
	return b.Subscribe(RoomTopic(roomID))
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// PublishMessage announces an appended message on its room topic.
func (b *Bus) PublishMessage(msg *domain.Message) {
	b.Publish(RoomTopic(msg.RoomID), msg)
}

// Publish sends an event to all matching subscribers.
func (b *Bus) Publish(topic string, msg *domain.Message) {
	event := Event{Topic: topic, Message: msg}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				sub.dropped.Add(1)
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
