package presence

import (
	"time"

	"github.com/parley/chat-engine/internal/events"
	"github.com/parley/chat-engine/internal/fanout"
	"github.com/parley/chat-engine/internal/metrics"
)

// StartTyping records a typing signal from userID in conversationID. The
// first signal of a burst broadcasts typing.started; renewals only re-arm
// the auto-stop deadline.
func (b *Broadcaster) StartTyping(conversationID, userID string) {
	now := time.Now()
	key := typingKey{conversationID: conversationID, userID: userID}

	b.mu.Lock()
	if entry, ok := b.typing[key]; ok {
		entry.lastSignal = now
		b.mu.Unlock()
		return
	}
	b.typing[key] = &typingEntry{lastSignal: now}
	metrics.TypingActive.Set(float64(len(b.typing)))
	flush := b.queueTypingLocked(key,
		events.NewTypingEvent(events.TypeTypingStarted, conversationID, userID, now))
	b.mu.Unlock()

	flush()
}

// StopTyping ends a typing burst explicitly. A stop without a matching
// start is a no-op; a burst broadcasts typing.stopped exactly once whether
// it ends here or by expiry.
func (b *Broadcaster) StopTyping(conversationID, userID string) {
	key := typingKey{conversationID: conversationID, userID: userID}

	b.mu.Lock()
	flush := b.stopTypingLocked(key, time.Now())
	b.mu.Unlock()

	if flush != nil {
		flush()
	}
}

// StopAllTyping ends every typing burst a user has open. Called when the
// user goes offline.
func (b *Broadcaster) StopAllTyping(userID string) {
	now := time.Now()

	b.mu.Lock()
	var flushes []func()
	for key := range b.typing {
		if key.userID == userID {
			if f := b.stopTypingLocked(key, now); f != nil {
				flushes = append(flushes, f)
			}
		}
	}
	b.mu.Unlock()

	for _, f := range flushes {
		f()
	}
}

// TypingUsers returns the users currently typing in a conversation, for
// reconciling reads after a client subscribes.
func (b *Broadcaster) TypingUsers(conversationID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var users []string
	for key := range b.typing {
		if key.conversationID == conversationID {
			users = append(users, key.userID)
		}
	}
	return users
}

// sweepTyping expires entries past their auto-stop deadline. The hard TTL
// only matters if the auto-stop deadline was somehow missed; both are
// measured from the last signal, so expiry lands within
// [TypingAutoStop, TypingTTL] of it.
func (b *Broadcaster) sweepTyping(now time.Time) {
	b.mu.Lock()
	var flushes []func()
	for key, entry := range b.typing {
		deadline := entry.lastSignal.Add(b.cfg.TypingAutoStop)
		hard := entry.lastSignal.Add(b.cfg.TypingTTL)
		if now.After(deadline) || now.After(hard) {
			if f := b.stopTypingLocked(key, now); f != nil {
				flushes = append(flushes, f)
			}
		}
	}
	b.mu.Unlock()

	for _, f := range flushes {
		f()
	}
}

// stopTypingLocked removes the entry and returns the deferred stop
// broadcast, or nil when no burst was open. Caller holds b.mu and runs the
// returned func after releasing it.
func (b *Broadcaster) stopTypingLocked(key typingKey, now time.Time) func() {
	if _, ok := b.typing[key]; !ok {
		return nil
	}
	delete(b.typing, key)
	metrics.TypingActive.Set(float64(len(b.typing)))
	return b.queueTypingLocked(key,
		events.NewTypingEvent(events.TypeTypingStopped, key.conversationID, key.userID, now))
}

// queueTypingLocked chains a typing broadcast behind the pair's previous
// one. The returned func publishes once the predecessor is on the wire, so
// a burst's started and stopped events always publish in transition order
// without holding the state lock across a subscriber write. Caller holds
// b.mu.
func (b *Broadcaster) queueTypingLocked(key typingKey, env events.Envelope) func() {
	prev := b.typingSeq[key]
	done := make(chan struct{})
	b.typingSeq[key] = done

	return func() {
		if prev != nil {
			<-prev
		}
		b.publish(fanout.ConversationTopic(key.conversationID), env)
		close(done)

		b.mu.Lock()
		if b.typingSeq[key] == done {
			delete(b.typingSeq, key)
		}
		b.mu.Unlock()
	}
}
