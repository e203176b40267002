// Package directory manages conversations and their membership: creating
// direct and group conversations, deduplicating direct conversations per
// participant pair, and listing a user's conversations enriched with
// profiles, last messages, and unread counts.
package directory

import (
	"errors"
	"time"

	"github.com/parley/chat-engine/internal/userdir"
)

var (
	// ErrNotAuthorized is returned when the caller is not a participant of
	// the target conversation. It is also returned for nonexistent
	// conversations so callers cannot probe for conversation existence.
	ErrNotAuthorized = errors.New("directory: not a participant")

	// ErrInvalidMembership is returned when a group would end up with fewer
	// than two distinct members.
	ErrInvalidMembership = errors.New("directory: group needs at least 2 distinct members")

	// ErrUnknownUser is returned when a member ID does not resolve in the
	// user directory.
	ErrUnknownUser = errors.New("directory: user does not exist")
)

// Conversation is a channel of messages between a fixed set of participants.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	IsGroup   bool      `json:"is_group"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LastMessage is the newest non-deleted message shown in conversation lists.
type LastMessage struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	MsgType   string    `json:"msg_type"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary is a conversation enriched for the caller's conversation list.
type Summary struct {
	Conversation
	Participants []userdir.Profile `json:"participants"`
	LastMessage  *LastMessage      `json:"last_message,omitempty"`
	UnreadCount  int               `json:"unread_count"`
}

// DirectKey returns the canonical key for an unordered participant pair.
// The unique index on this key is what makes concurrent duplicate direct
// conversation creation impossible.
func DirectKey(a, b string) string {
	if a < b {
		return a + ":" + b
	}
	return b + ":" + a
}
