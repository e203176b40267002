// Package readstate tracks each participant's read cursor: a single
// last-read timestamp per (conversation, user). The cursor only moves
// forward; unread counts are computed from it, never stored.
package readstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/parley/chat-engine/internal/events"
	"github.com/parley/chat-engine/internal/fanout"
)

// ErrNotAuthorized is returned when the user is not a participant of the
// conversation.
var ErrNotAuthorized = errors.New("readstate: not a participant")

// Publisher is the slice of the fanout the tracker needs to announce
// unread-count changes on the caller's personal topic.
type Publisher interface {
	Publish(topic string, env events.Envelope) error
}

// Tracker manages read cursors in PostgreSQL.
type Tracker struct {
	db  *sql.DB
	pub Publisher
}

// NewTracker creates a read-cursor tracker. pub may be nil to skip
// conversation-list notifications (tests).
func NewTracker(db *sql.DB, pub Publisher) *Tracker {
	return &Tracker{db: db, pub: pub}
}

// MarkRead advances the participant's cursor to now. GREATEST keeps the
// cursor monotonic when calls race: an older in-flight mark can never move
// the cursor backwards.
func (t *Tracker) MarkRead(ctx context.Context, conversationID, userID string) error {
	const query = `
		UPDATE participants
		SET last_read_at = GREATEST(last_read_at, now())
		WHERE conversation_id = $1 AND user_id = $2`

	res, err := t.db.ExecContext(ctx, query, conversationID, userID)
	if err != nil {
		return fmt.Errorf("readstate: mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("readstate: mark read result: %w", err)
	}
	if n == 0 {
		return ErrNotAuthorized
	}

	if t.pub != nil {
		env, err := events.NewConversationUpdated(conversationID, userID, time.Now())
		if err != nil {
			return err
		}
		// Only the reader's own conversation list changes.
		if err := t.pub.Publish(fanout.UserTopic(userID), env); err != nil {
			log.Printf("readstate: publish mark-read update: %v", err)
		}
	}
	return nil
}

// UnreadCount returns the number of non-deleted messages in the
// conversation newer than the user's cursor, excluding the user's own
// messages (sending does not move the cursor, but a user has nothing unread
// from themselves).
func (t *Tracker) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	// The count is a subquery against the participant row itself, so a
	// non-participant yields no row at all rather than a zero count.
	const query = `
		SELECT (
			SELECT COUNT(*)
			FROM messages m
			WHERE m.conversation_id = p.conversation_id
			  AND NOT m.deleted
			  AND m.sender_id <> p.user_id
			  AND m.created_at > p.last_read_at
		)
		FROM participants p
		WHERE p.conversation_id = $1 AND p.user_id = $2`

	var count int
	err := t.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotAuthorized
	}
	if err != nil {
		return 0, fmt.Errorf("readstate: unread count: %w", err)
	}
	return count, nil
}
