package fanout

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/parley/chat-engine/internal/events"
)

// fakeSub records deliveries in order.
type fakeSub struct {
	id     string
	userID string

	mu       sync.Mutex
	received []events.Envelope
}

func (s *fakeSub) ID() string     { return s.id }
func (s *fakeSub) UserID() string { return s.userID }

func (s *fakeSub) Deliver(topic string, env events.Envelope) error {
	s.mu.Lock()
	s.received = append(s.received, env)
	s.mu.Unlock()
	return nil
}

func (s *fakeSub) events() []events.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Envelope, len(s.received))
	copy(out, s.received)
	return out
}

func messageEnv(t *testing.T, id string, rev time.Time) events.Envelope {
	t.Helper()
	env, err := events.NewMessageEvent(events.TypeMessageInserted, events.MessagePayload{
		ID: id, ConversationID: "c1", SenderID: "u1", Content: "x", MsgType: "text",
	}, rev)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return env
}

func TestPerTopicOrdering(t *testing.T) {
	f := New(nil)
	sub := &fakeSub{id: "conn1", userID: "u2"}
	if err := f.Subscribe(ConversationTopic("c1"), sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	base := time.Unix(1000, 0)
	for i := 0; i < 20; i++ {
		env := messageEnv(t, fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Millisecond))
		if err := f.Publish(ConversationTopic("c1"), env); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	got := sub.events()
	if len(got) != 20 {
		t.Fatalf("expected 20 deliveries, got %d", len(got))
	}
	for i, env := range got {
		if want := fmt.Sprintf("m%d", i); env.EntityID != want {
			t.Fatalf("delivery %d out of order: got %s want %s", i, env.EntityID, want)
		}
	}
}

func TestIdempotentRedelivery(t *testing.T) {
	f := New(nil)
	sub := &fakeSub{id: "conn1", userID: "u2"}
	if err := f.Subscribe(ConversationTopic("c1"), sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	env := messageEnv(t, "m1", time.Unix(1000, 0))
	for i := 0; i < 3; i++ {
		if err := f.Publish(ConversationTopic("c1"), env); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	if got := len(sub.events()); got != 1 {
		t.Errorf("redelivered event should be suppressed, got %d deliveries", got)
	}

	// A revised event for the same entity is not a duplicate.
	edited := messageEnv(t, "m1", time.Unix(2000, 0))
	edited.Type = events.TypeMessageUpdated
	if err := f.Publish(ConversationTopic("c1"), edited); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := len(sub.events()); got != 2 {
		t.Errorf("revised event should be delivered, got %d deliveries", got)
	}
}

func TestTypingSelfSuppression(t *testing.T) {
	f := New(nil)
	author := &fakeSub{id: "conn1", userID: "u1"}
	authorOther := &fakeSub{id: "conn2", userID: "u1"} // same user, second device
	partner := &fakeSub{id: "conn3", userID: "u2"}

	topic := ConversationTopic("c1")
	for _, sub := range []*fakeSub{author, authorOther, partner} {
		if err := f.Subscribe(topic, sub); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	typing := events.NewTypingEvent(events.TypeTypingStarted, "c1", "u1", time.Now())
	if err := f.Publish(topic, typing); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(author.events()) != 0 || len(authorOther.events()) != 0 {
		t.Error("typing events must not echo to the author's connections")
	}
	if len(partner.events()) != 1 {
		t.Errorf("partner should receive typing event, got %d", len(partner.events()))
	}

	// Message events are NOT self-suppressed: the sender must observe its own
	// message at least once.
	msg := messageEnv(t, "m1", time.Now())
	if err := f.Publish(topic, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(author.events()) != 1 {
		t.Errorf("sender should receive its own message event, got %d", len(author.events()))
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	f := New(nil)
	sub := &fakeSub{id: "conn1", userID: "u2"}
	topic := ConversationTopic("c1")
	if err := f.Subscribe(topic, sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	f.Unsubscribe(topic, sub.ID())

	if err := f.Publish(topic, messageEnv(t, "m1", time.Now())); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(sub.events()) != 0 {
		t.Error("unsubscribed connection received an event")
	}
	if f.SubscriberCount(topic) != 0 {
		t.Errorf("topic should be empty, has %d subscribers", f.SubscriberCount(topic))
	}
}

func TestDropConnectionTearsDownAllTopics(t *testing.T) {
	f := New(nil)
	sub := &fakeSub{id: "conn1", userID: "u2"}

	topics := []string{ConversationTopic("c1"), ConversationTopic("c2"), UserTopic("u2")}
	for _, topic := range topics {
		if err := f.Subscribe(topic, sub); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	if got := len(f.Topics(sub.ID())); got != 3 {
		t.Fatalf("expected 3 subscriptions, got %d", got)
	}

	f.DropConnection(sub.ID())

	if got := len(f.Topics(sub.ID())); got != 0 {
		t.Errorf("expected 0 subscriptions after drop, got %d", got)
	}
	for _, topic := range topics {
		if f.SubscriberCount(topic) != 0 {
			t.Errorf("topic %s still has subscribers after drop", topic)
		}
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	f := New(nil)
	topic := ConversationTopic("c1")
	subs := make([]*fakeSub, 4)
	for i := range subs {
		subs[i] = &fakeSub{id: fmt.Sprintf("conn%d", i), userID: fmt.Sprintf("u%d", i+2)}
		if err := f.Subscribe(topic, subs[i]); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	if err := f.Publish(topic, messageEnv(t, "m1", time.Now())); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i, sub := range subs {
		if len(sub.events()) != 1 {
			t.Errorf("subscriber %d: expected 1 delivery, got %d", i, len(sub.events()))
		}
	}
}
