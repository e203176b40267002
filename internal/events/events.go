// Package events defines the envelope carried by the realtime fanout. Every
// mutation a client can observe (message inserts, edits and deletes, presence
// and typing transitions, conversation-list changes) travels as an Envelope
// on a topic. Delivery is at-least-once; envelopes carry a dedup key so
// subscribers can treat redelivery as idempotent.
package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Event types published through the fanout.
const (
	TypeMessageInserted     = "message.inserted"
	TypeMessageUpdated      = "message.updated"
	TypeMessageDeleted      = "message.deleted"
	TypePresenceOnline      = "presence.online"
	TypePresenceOffline     = "presence.offline"
	TypeTypingStarted       = "typing.started"
	TypeTypingStopped       = "typing.stopped"
	TypeConversationUpdated = "conversation.updated"
)

// Envelope is the unit of fanout delivery. EntityID identifies the mutated
// entity (message ID, user ID for presence/typing, conversation ID for
// conversation-level events) and Revision distinguishes successive mutations
// of the same entity so (Type, EntityID, Revision) uniquely names an event.
type Envelope struct {
	Type           string          `json:"type"`
	EntityID       string          `json:"entity_id"`
	Revision       int64           `json:"revision"`
	ConversationID string          `json:"conversation_id,omitempty"`
	ActorID        string          `json:"actor_id,omitempty"` // user who caused the event
	OccurredAt     int64           `json:"occurred_at"`        // unix milliseconds
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// DedupKey returns the identity subscribers deduplicate on.
func (e Envelope) DedupKey() string {
	return e.Type + ":" + e.EntityID + ":" + strconv.FormatInt(e.Revision, 10)
}

// IsTyping reports whether the envelope is a typing signal. Typing events
// are the only ones suppressed for the actor's own connections.
func (e Envelope) IsTyping() bool {
	return e.Type == TypeTypingStarted || e.Type == TypeTypingStopped
}

// MessagePayload is the payload for message.* events.
type MessagePayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
	MsgType        string `json:"msg_type"`
	FileRef        string `json:"file_ref,omitempty"`
	CreatedAt      int64  `json:"created_at"` // unix milliseconds
	EditedAt       int64  `json:"edited_at,omitempty"`
	Deleted        bool   `json:"deleted,omitempty"`
}

// ConversationPayload is the payload for conversation.updated events sent on
// user topics so clients can refresh their conversation list.
type ConversationPayload struct {
	ConversationID string `json:"conversation_id"`
	UpdatedAt      int64  `json:"updated_at"`
}

// NewMessageEvent builds a message.* envelope. The revision is the unix-nano
// timestamp of the mutation, so an edit always revises past the insert.
func NewMessageEvent(eventType string, payload MessagePayload, revision time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal message payload: %w", err)
	}
	return Envelope{
		Type:           eventType,
		EntityID:       payload.ID,
		Revision:       revision.UnixNano(),
		ConversationID: payload.ConversationID,
		ActorID:        payload.SenderID,
		OccurredAt:     revision.UnixMilli(),
		Payload:        raw,
	}, nil
}

// NewPresenceEvent builds a presence.online or presence.offline envelope for
// a user transition within a conversation topic.
func NewPresenceEvent(eventType, conversationID, userID string, at time.Time) Envelope {
	return Envelope{
		Type:           eventType,
		EntityID:       userID,
		Revision:       at.UnixNano(),
		ConversationID: conversationID,
		ActorID:        userID,
		OccurredAt:     at.UnixMilli(),
	}
}

// NewTypingEvent builds a typing.started or typing.stopped envelope.
func NewTypingEvent(eventType, conversationID, userID string, at time.Time) Envelope {
	return Envelope{
		Type:           eventType,
		EntityID:       userID,
		Revision:       at.UnixNano(),
		ConversationID: conversationID,
		ActorID:        userID,
		OccurredAt:     at.UnixMilli(),
	}
}

// NewConversationUpdated builds a conversation.updated envelope for delivery
// on user topics.
func NewConversationUpdated(conversationID, actorID string, at time.Time) (Envelope, error) {
	raw, err := json.Marshal(ConversationPayload{
		ConversationID: conversationID,
		UpdatedAt:      at.UnixMilli(),
	})
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal conversation payload: %w", err)
	}
	return Envelope{
		Type:           TypeConversationUpdated,
		EntityID:       conversationID,
		Revision:       at.UnixNano(),
		ConversationID: conversationID,
		ActorID:        actorID,
		OccurredAt:     at.UnixMilli(),
		Payload:        raw,
	}, nil
}
