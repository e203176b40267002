package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDedupKeyDistinguishesTypes(t *testing.T) {
	at := time.Now()
	started := NewTypingEvent(TypeTypingStarted, "c1", "u1", at)
	stopped := NewTypingEvent(TypeTypingStopped, "c1", "u1", at)

	if started.DedupKey() == stopped.DedupKey() {
		t.Errorf("different event types should have different dedup keys: %s", started.DedupKey())
	}
}

func TestDedupKeyDistinguishesRevisions(t *testing.T) {
	payload := MessagePayload{ID: "m1", ConversationID: "c1", SenderID: "u1", Content: "hi", MsgType: "text"}

	insert, err := NewMessageEvent(TypeMessageInserted, payload, time.Unix(100, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	update, err := NewMessageEvent(TypeMessageUpdated, payload, time.Unix(200, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if insert.DedupKey() == update.DedupKey() {
		t.Errorf("insert and update of the same message should dedup separately")
	}
}

func TestDedupKeyStableForSameEvent(t *testing.T) {
	at := time.Unix(100, 5)
	e1 := NewPresenceEvent(TypePresenceOnline, "c1", "u1", at)
	e2 := NewPresenceEvent(TypePresenceOnline, "c1", "u1", at)

	if e1.DedupKey() != e2.DedupKey() {
		t.Errorf("identical events should have identical dedup keys: %s vs %s", e1.DedupKey(), e2.DedupKey())
	}
}

func TestIsTyping(t *testing.T) {
	at := time.Now()
	if !NewTypingEvent(TypeTypingStarted, "c1", "u1", at).IsTyping() {
		t.Error("typing.started should report IsTyping")
	}
	if NewPresenceEvent(TypePresenceOnline, "c1", "u1", at).IsTyping() {
		t.Error("presence.online should not report IsTyping")
	}
}

func TestMessageEventRoundTrip(t *testing.T) {
	payload := MessagePayload{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "u1",
		Content:        "hello",
		MsgType:        "text",
		CreatedAt:      12345,
	}
	env, err := NewMessageEvent(TypeMessageInserted, payload, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if env.EntityID != "m1" || env.ConversationID != "c1" || env.ActorID != "u1" {
		t.Errorf("envelope fields not derived from payload: %+v", env)
	}

	var decoded MessagePayload
	if err := json.Unmarshal(env.Payload, &decoded); err != nil {
		t.Fatalf("payload should be valid JSON: %v", err)
	}
	if decoded.Content != "hello" {
		t.Errorf("expected content hello, got %q", decoded.Content)
	}
}
