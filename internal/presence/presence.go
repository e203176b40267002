// Package presence owns the ephemeral typing and online state. Everything
// here lives in process memory by design: typing and presence are
// best-effort signals, never authoritative, and a restart simply drops them.
//
// Typing per (conversation, user): Idle -> Typing on a start signal, which
// arms an auto-stop timer; renewed starts re-arm the timer without
// re-announcing; an explicit stop or expiry transitions back to Idle with
// exactly one stopped broadcast per transition.
//
// Presence per user: Offline -> Online on the first registered session,
// announced to every conversation the user participates in; additional
// sessions are silent; Online -> Offline when the last session is released
// or the heartbeat grace period lapses, announced once.
package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/parley/chat-engine/internal/events"
)

// Publisher is the slice of the fanout the broadcaster publishes through.
type Publisher interface {
	Publish(topic string, env events.Envelope) error
}

// ConversationLister resolves the conversations interested in a user's
// online/offline transitions.
type ConversationLister interface {
	ConversationIDsForUser(ctx context.Context, userID string) ([]string, error)
}

// Config holds the TTLs of the ephemeral state machines.
type Config struct {
	TypingAutoStop time.Duration // stop this long after the last start signal
	TypingTTL      time.Duration // hard ceiling on a typing entry's life
	HeartbeatGrace time.Duration // sessions without a heartbeat for this long are dropped
	SweepInterval  time.Duration // how often expiry is checked
	LookupTimeout  time.Duration // budget for conversation-list lookups
}

// DefaultConfig returns the production TTLs.
func DefaultConfig() Config {
	return Config{
		TypingAutoStop: 3 * time.Second,
		TypingTTL:      5 * time.Second,
		HeartbeatGrace: 30 * time.Second,
		SweepInterval:  1 * time.Second,
		LookupTimeout:  3 * time.Second,
	}
}

type typingKey struct {
	conversationID string
	userID         string
}

type typingEntry struct {
	lastSignal time.Time
}

type userPresence struct {
	sessions map[string]time.Time // session ID -> last heartbeat
}

// Broadcaster owns the typing and presence maps and publishes transitions.
type Broadcaster struct {
	cfg   Config
	pub   Publisher
	convs ConversationLister

	// mu guards the maps and the per-pair broadcast chain heads. Broadcasts
	// themselves run after the lock is released so a stalled subscriber
	// write cannot freeze the state machines; the typingSeq chain keeps a
	// started/stopped pair for one (conversation, user) in transition order.
	mu        sync.Mutex
	typing    map[typingKey]*typingEntry
	typingSeq map[typingKey]chan struct{}
	users     map[string]*userPresence

	done chan struct{}
}

// NewBroadcaster creates a Broadcaster. Call Start to run the expiry
// sweeper and Stop on shutdown.
func NewBroadcaster(cfg Config, pub Publisher, convs ConversationLister) *Broadcaster {
	return &Broadcaster{
		cfg:       cfg,
		pub:       pub,
		convs:     convs,
		typing:    make(map[typingKey]*typingEntry),
		typingSeq: make(map[typingKey]chan struct{}),
		users:     make(map[string]*userPresence),
		done:      make(chan struct{}),
	}
}

// Start launches the background sweeper that expires typing entries and
// stale presence sessions.
func (b *Broadcaster) Start() {
	go func() {
		ticker := time.NewTicker(b.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-b.done:
				return
			case <-ticker.C:
				now := time.Now()
				b.sweepTyping(now)
				b.sweepPresence(now)
			}
		}
	}()
}

// Stop terminates the sweeper. Remaining state is abandoned, not announced.
func (b *Broadcaster) Stop() {
	close(b.done)
}

func (b *Broadcaster) publish(topic string, env events.Envelope) {
	if err := b.pub.Publish(topic, env); err != nil {
		log.Printf("presence: publish %s: %v", env.Type, err)
	}
}

// conversationIDs resolves the user's conversations with a bounded lookup.
// On error the transition is announced to no one rather than delaying or
// failing the caller.
func (b *Broadcaster) conversationIDs(userID string) []string {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.LookupTimeout)
	defer cancel()

	ids, err := b.convs.ConversationIDsForUser(ctx, userID)
	if err != nil {
		log.Printf("presence: conversations for %s: %v", userID, err)
		return nil
	}
	return ids
}
