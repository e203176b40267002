// Package message is the append-only conversation log: it accepts, edits,
// soft-deletes, and pages messages. Acceptance assigns the server-side
// creation timestamp that defines the total order within a conversation,
// bumps the conversation's last activity, and publishes the change to the
// fanout before returning to the caller.
package message

import (
	"errors"
	"time"
)

// Message types.
const (
	TypeText  = "text"
	TypeImage = "image"
	TypeFile  = "file"
)

var (
	// ErrNotAuthorized is returned when the caller is not a participant, or
	// not the sender for edit/delete. Soft-deleted messages are no longer
	// editable and report the same error.
	ErrNotAuthorized = errors.New("message: not authorized")

	// ErrInvalidContent is returned when content violates length or type
	// constraints. It is wrapped with the specific violated constraint.
	ErrInvalidContent = errors.New("message: invalid content")

	// ErrUnavailable is returned after bounded retries against the durable
	// store or the fanout transport have been exhausted.
	ErrUnavailable = errors.New("message: store unavailable")
)

// Message is one entry in a conversation's log. Once accepted it is
// immutable except for content (edit) and the soft-delete flag.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Content        string     `json:"content"`
	MsgType        string     `json:"msg_type"`
	FileRef        string     `json:"file_ref,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	Deleted        bool       `json:"deleted,omitempty"`
}

// Config holds log tunables.
type Config struct {
	MaxTextBytes    int // max content size in bytes
	MaxTextChars    int // max content size in characters
	DefaultPageSize int // list page size when the caller passes 0
	MaxPageSize     int // hard cap on list page size
	WriteAttempts   int // bounded retries for transient store/publish errors
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		MaxTextBytes:    4096,
		MaxTextChars:    2000,
		DefaultPageSize: 50,
		MaxPageSize:     200,
		WriteAttempts:   3,
	}
}
