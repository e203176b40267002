// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuth              = "auth"
	TypeSubscribe         = "subscribe"
	TypeUnsubscribe       = "unsubscribe"
	TypeOpenDirect        = "open_direct"
	TypeCreateGroup       = "create_group"
	TypeListConversations = "list_conversations"
	TypeSendMessage       = "send_message"
	TypeEditMessage       = "edit_message"
	TypeDeleteMessage     = "delete_message"
	TypeListMessages      = "list_messages"
	TypeMarkRead          = "mark_read"
	TypeTypingStart       = "typing_start"
	TypeTypingStop        = "typing_stop"
	TypeHeartbeat         = "heartbeat"
	TypePing              = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated   = "session_created"
	TypeAuthed           = "authed"
	TypeEvent            = "event"
	TypeConversation     = "conversation"
	TypeConversationList = "conversations"
	TypeMessageList      = "messages"
	TypeOK               = "ok"
	TypeRateLimited      = "rate_limited"
	TypeError            = "error"
	TypePong             = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// AuthMsg carries the bearer token that binds a connection to a user.
type AuthMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// SubscribeMsg asks to receive realtime events for a conversation.
type SubscribeMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// UnsubscribeMsg stops realtime events for a conversation.
type UnsubscribeMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// OpenDirectMsg finds or creates the direct conversation with another user.
type OpenDirectMsg struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
}

// CreateGroupMsg creates a named group conversation with the given members.
type CreateGroupMsg struct {
	Type    string   `json:"type"`
	Title   string   `json:"title"`
	Members []string `json:"members"`
}

// ListConversationsMsg requests the caller's conversation list.
type ListConversationsMsg struct {
	Type string `json:"type"`
}

// SendMessageMsg appends a message to a conversation. FileRef is set for
// image and file messages.
type SendMessageMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	MsgType        string `json:"msg_type"`
	FileRef        string `json:"file_ref,omitempty"`
}

// EditMessageMsg replaces the content of a message the caller sent.
type EditMessageMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// DeleteMessageMsg soft-deletes a message the caller sent.
type DeleteMessageMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// ListMessagesMsg pages through a conversation's history. Cursor is empty
// for the newest page; Limit of zero takes the server default.
type ListMessagesMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Cursor         string `json:"cursor,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// MarkReadMsg advances the caller's read cursor in a conversation.
type MarkReadMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// TypingStartMsg signals the caller started or is still typing.
type TypingStartMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// TypingStopMsg signals the caller stopped typing.
type TypingStopMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// HeartbeatMsg refreshes the connection's presence session.
type HeartbeatMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new session is established.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// AuthedMsg confirms the connection is bound to a user.
type AuthedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// EventMsg wraps a realtime event for delivery. Event is the engine's
// envelope serialized as-is; Topic tells the client which subscription
// produced it.
type EventMsg struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic"`
	Event json.RawMessage `json:"event"`
}

// ConversationMsg returns a single conversation summary, after open_direct
// or create_group.
type ConversationMsg struct {
	Type         string      `json:"type"`
	Conversation interface{} `json:"conversation"`
}

// ConversationListMsg returns the caller's conversation list with unread
// counts, plus the users from it currently online.
type ConversationListMsg struct {
	Type          string      `json:"type"`
	Conversations interface{} `json:"conversations"`
	OnlineUsers   []string    `json:"online_users,omitempty"`
}

// MessageListMsg returns one page of a conversation's history in ascending
// order. NextCursor is empty when no older page exists.
type MessageListMsg struct {
	Type           string      `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Messages       interface{} `json:"messages"`
	NextCursor     string      `json:"next_cursor,omitempty"`
	TypingUsers    []string    `json:"typing_users,omitempty"`
}

// OKMsg acknowledges an operation. Body optionally carries the operation's
// result, e.g. the appended message for send_message.
type OKMsg struct {
	Type string      `json:"type"`
	Op   string      `json:"op"`
	Body interface{} `json:"body,omitempty"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuth:
		var m AuthMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnsubscribe:
		var m UnsubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeOpenDirect:
		var m OpenDirectMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCreateGroup:
		var m CreateGroupMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeListConversations:
		var m ListConversationsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEditMessage:
		var m EditMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteMessage:
		var m DeleteMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeListMessages:
		var m ListMessagesMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart:
		var m TypingStartMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStop:
		var m TypingStopMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeHeartbeat:
		var m HeartbeatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the Server*Msg structs; this function marshals it to JSON,
// injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
