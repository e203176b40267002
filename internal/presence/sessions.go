package presence

import (
	"time"

	"github.com/parley/chat-engine/internal/events"
	"github.com/parley/chat-engine/internal/fanout"
	"github.com/parley/chat-engine/internal/metrics"
)

// RegisterSession records a live connection for a user. The first session
// transitions the user Offline -> Online and broadcasts presence.online to
// every conversation the user participates in; further sessions are silent.
func (b *Broadcaster) RegisterSession(userID, sessionID string) {
	now := time.Now()

	b.mu.Lock()
	up, known := b.users[userID]
	if !known {
		up = &userPresence{sessions: make(map[string]time.Time)}
		b.users[userID] = up
	}
	up.sessions[sessionID] = now
	wasOffline := !known
	if wasOffline {
		metrics.OnlineUsers.Set(float64(len(b.users)))
	}
	b.mu.Unlock()

	if wasOffline {
		b.broadcastPresence(events.TypePresenceOnline, userID, now)
	}
}

// Heartbeat refreshes a session's liveness. Unknown sessions are ignored;
// the client will be treated as offline until it reconnects.
func (b *Broadcaster) Heartbeat(userID, sessionID string) {
	b.mu.Lock()
	if up, ok := b.users[userID]; ok {
		if _, live := up.sessions[sessionID]; live {
			up.sessions[sessionID] = time.Now()
		}
	}
	b.mu.Unlock()
}

// ReleaseSession drops a session. Releasing the last session transitions
// the user Online -> Offline with a single broadcast and ends any typing
// bursts the user still had open. While other sessions remain, open bursts
// are left alone; a burst the dropped connection was renewing will lapse on
// its own auto-stop deadline.
func (b *Broadcaster) ReleaseSession(userID, sessionID string) {
	now := time.Now()

	b.mu.Lock()
	wentOffline := b.releaseLocked(userID, sessionID)
	b.mu.Unlock()

	if wentOffline {
		b.StopAllTyping(userID)
		b.broadcastPresence(events.TypePresenceOffline, userID, now)
	}
}

// Online reports whether the user has at least one live session.
func (b *Broadcaster) Online(userID string) bool {
	b.mu.Lock()
	_, ok := b.users[userID]
	b.mu.Unlock()
	return ok
}

// OnlineUsers returns a snapshot of the users from ids that are currently
// online, for reconciling reads after a client subscribes.
func (b *Broadcaster) OnlineUsers(ids []string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var online []string
	for _, id := range ids {
		if _, ok := b.users[id]; ok {
			online = append(online, id)
		}
	}
	return online
}

// sweepPresence drops sessions whose heartbeats lapsed past the grace
// period, transitioning users offline when their last session goes.
func (b *Broadcaster) sweepPresence(now time.Time) {
	var offline []string

	b.mu.Lock()
	for userID, up := range b.users {
		for sessionID, lastBeat := range up.sessions {
			if now.Sub(lastBeat) > b.cfg.HeartbeatGrace {
				if b.releaseLocked(userID, sessionID) {
					offline = append(offline, userID)
				}
			}
		}
	}
	b.mu.Unlock()

	for _, userID := range offline {
		b.StopAllTyping(userID)
		b.broadcastPresence(events.TypePresenceOffline, userID, now)
	}
}

// releaseLocked removes one session and reports whether the user just went
// offline. Caller holds b.mu.
func (b *Broadcaster) releaseLocked(userID, sessionID string) bool {
	up, ok := b.users[userID]
	if !ok {
		return false
	}
	if _, live := up.sessions[sessionID]; !live {
		return false
	}
	delete(up.sessions, sessionID)
	if len(up.sessions) > 0 {
		return false
	}
	delete(b.users, userID)
	metrics.OnlineUsers.Set(float64(len(b.users)))
	return true
}

// broadcastPresence announces a transition to every conversation topic the
// user belongs to. Each topic sees the transition exactly once; the
// conversation list is resolved outside the state lock.
func (b *Broadcaster) broadcastPresence(eventType, userID string, at time.Time) {
	for _, convID := range b.conversationIDs(userID) {
		b.publish(fanout.ConversationTopic(convID),
			events.NewPresenceEvent(eventType, convID, userID, at))
	}
}
