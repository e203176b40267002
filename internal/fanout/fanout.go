// Package fanout delivers realtime events to subscribed connections. Topics
// are arbitrary strings; the engine uses two namespaces, "conv.<id>" for
// per-conversation events and "user.<id>" for conversation-list events.
//
// Delivery is at-least-once with per-topic ordering. When a NATS bus is
// attached, every publish goes through NATS and local delivery happens on the
// subscription callback, so ordering for a topic has a single arbiter even
// with multiple server instances. Without a bus the fanout degrades to a
// purely local, still-ordered loop (used by tests and single-node setups).
package fanout

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/parley/chat-engine/internal/events"
	"github.com/parley/chat-engine/internal/metrics"
)

// ConversationTopic returns the topic carrying a conversation's events.
func ConversationTopic(conversationID string) string {
	return "conv." + conversationID
}

// UserTopic returns a user's personal topic for conversation-list events.
func UserTopic(userID string) string {
	return "user." + userID
}

// Subscriber is a connected client able to receive events. UserID is used
// for typing self-suppression and may be empty for unauthenticated probes.
type Subscriber interface {
	ID() string
	UserID() string
	Deliver(topic string, env events.Envelope) error
}

// dedupWindowSize bounds the per-connection memory of recently delivered
// event keys. Redeliveries older than the window are passed through; the
// client protocol tolerates that since dedup keys also reach the client.
const dedupWindowSize = 512

// dedupWindow remembers the last N dedup keys delivered to one connection.
type dedupWindow struct {
	seen map[string]struct{}
	ring []string
	pos  int
}

func newDedupWindow() *dedupWindow {
	return &dedupWindow{
		seen: make(map[string]struct{}, dedupWindowSize),
		ring: make([]string, dedupWindowSize),
	}
}

// observe records key and reports whether it was already in the window.
func (w *dedupWindow) observe(key string) bool {
	if _, dup := w.seen[key]; dup {
		return true
	}
	if old := w.ring[w.pos]; old != "" {
		delete(w.seen, old)
	}
	w.ring[w.pos] = key
	w.seen[key] = struct{}{}
	w.pos = (w.pos + 1) % dedupWindowSize
	return false
}

// Fanout maintains the topic -> subscriber registry and bridges topics over
// NATS when a bus is attached.
type Fanout struct {
	bus *Bus // nil for local-only mode

	mu        sync.RWMutex
	topics    map[string]map[string]Subscriber // topic -> connID -> subscriber
	connTopic map[string]map[string]struct{}   // connID -> set of topics
	windows   map[string]*dedupWindow          // connID -> dedup window

	// localMu serializes local-mode publishes so per-topic ordering holds
	// without NATS. With a bus attached, the subscription callback provides
	// the ordering instead.
	localMu sync.Mutex
}

// New creates a Fanout. bus may be nil for local-only operation.
func New(bus *Bus) *Fanout {
	return &Fanout{
		bus:       bus,
		topics:    make(map[string]map[string]Subscriber),
		connTopic: make(map[string]map[string]struct{}),
		windows:   make(map[string]*dedupWindow),
	}
}

// Subscribe registers sub on topic. The first local subscriber for a topic
// opens the matching NATS subscription.
func (f *Fanout) Subscribe(topic string, sub Subscriber) error {
	f.mu.Lock()
	room := f.topics[topic]
	first := room == nil
	if room == nil {
		room = make(map[string]Subscriber)
		f.topics[topic] = room
	}
	room[sub.ID()] = sub

	memberships := f.connTopic[sub.ID()]
	if memberships == nil {
		memberships = make(map[string]struct{})
		f.connTopic[sub.ID()] = memberships
	}
	memberships[topic] = struct{}{}

	if f.windows[sub.ID()] == nil {
		f.windows[sub.ID()] = newDedupWindow()
	}
	f.mu.Unlock()

	if first && f.bus != nil {
		if err := f.bus.Subscribe(topic, func(data []byte) {
			var env events.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				log.Printf("fanout: bad envelope on %s: %v", topic, err)
				return
			}
			f.deliverLocal(topic, env)
		}); err != nil {
			return fmt.Errorf("fanout: subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// Unsubscribe removes a connection from a topic. The last local subscriber
// leaving a topic closes the NATS subscription.
func (f *Fanout) Unsubscribe(topic string, connID string) {
	f.mu.Lock()
	last := f.removeLocked(topic, connID)
	f.mu.Unlock()

	if last && f.bus != nil {
		if err := f.bus.Unsubscribe(topic); err != nil {
			log.Printf("fanout: unsubscribe %s: %v", topic, err)
		}
	}
}

// DropConnection tears down every subscription held by a connection. Called
// on connection loss so no fanout registration outlives its socket.
func (f *Fanout) DropConnection(connID string) {
	f.mu.Lock()
	var emptied []string
	for topic := range f.connTopic[connID] {
		if f.removeLocked(topic, connID) {
			emptied = append(emptied, topic)
		}
	}
	delete(f.connTopic, connID)
	delete(f.windows, connID)
	f.mu.Unlock()

	if f.bus != nil {
		for _, topic := range emptied {
			if err := f.bus.Unsubscribe(topic); err != nil {
				log.Printf("fanout: unsubscribe %s: %v", topic, err)
			}
		}
	}
}

// removeLocked removes connID from topic and reports whether the topic is
// now empty. Caller holds f.mu.
func (f *Fanout) removeLocked(topic, connID string) bool {
	room, ok := f.topics[topic]
	if !ok {
		return false
	}
	delete(room, connID)
	if memberships := f.connTopic[connID]; memberships != nil {
		delete(memberships, topic)
	}
	if len(room) == 0 {
		delete(f.topics, topic)
		return true
	}
	return false
}

// Publish sends an event to a topic. With a bus attached the event goes to
// NATS and comes back through the topic's subscription; local subscribers on
// other instances see it the same way.
func (f *Fanout) Publish(topic string, env events.Envelope) error {
	if f.bus != nil {
		data, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("fanout: marshal envelope: %w", err)
		}
		if err := f.bus.Publish(topic, data); err != nil {
			return fmt.Errorf("fanout: publish %s: %w", topic, err)
		}
		return nil
	}

	f.localMu.Lock()
	f.deliverLocal(topic, env)
	f.localMu.Unlock()
	return nil
}

// deliverLocal pushes an event to every local subscriber of topic, skipping
// the actor's own connections for typing signals and redeliveries already in
// a connection's dedup window. Send errors are logged and left to the
// connection layer's own cleanup.
func (f *Fanout) deliverLocal(topic string, env events.Envelope) {
	f.mu.RLock()
	room := f.topics[topic]
	subs := make([]Subscriber, 0, len(room))
	for _, sub := range room {
		subs = append(subs, sub)
	}
	f.mu.RUnlock()

	key := env.DedupKey()
	for _, sub := range subs {
		if env.IsTyping() && sub.UserID() != "" && sub.UserID() == env.ActorID {
			continue // never echo typing back to its author
		}

		f.mu.Lock()
		w := f.windows[sub.ID()]
		dup := w != nil && w.observe(key)
		f.mu.Unlock()
		if dup {
			continue
		}

		if err := sub.Deliver(topic, env); err != nil {
			log.Printf("fanout: deliver %s to conn=%s: %v", env.Type, sub.ID(), err)
			continue
		}
		metrics.EventsDelivered.WithLabelValues(env.Type).Inc()
	}
}

// SubscriberCount returns the number of local subscribers for a topic.
func (f *Fanout) SubscriberCount(topic string) int {
	f.mu.RLock()
	n := len(f.topics[topic])
	f.mu.RUnlock()
	return n
}

// Topics returns a snapshot of the topics a connection currently holds.
func (f *Fanout) Topics(connID string) []string {
	f.mu.RLock()
	out := make([]string, 0, len(f.connTopic[connID]))
	for topic := range f.connTopic[connID] {
		out = append(out, topic)
	}
	f.mu.RUnlock()
	return out
}
