package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/parley/chat-engine/internal/events"
	"github.com/parley/chat-engine/internal/fanout"
	"github.com/parley/chat-engine/internal/metrics"
)

// Publisher is the slice of the fanout the log needs. Append, Edit, and
// SoftDelete publish synchronously after durable acceptance so the caller's
// own client observes the mutation at least once.
type Publisher interface {
	Publish(topic string, env events.Envelope) error
}

// appendShards sizes the mutex table serializing appends per conversation.
const appendShards = 64

// Log is the PostgreSQL-backed message log for all conversations.
type Log struct {
	db  *sql.DB
	pub Publisher
	cfg Config

	// appendMu serializes the insert-to-publish window per conversation
	// (sharded by conversation ID) so subscribers observe message.inserted
	// events in acceptance order.
	appendMu [appendShards]sync.Mutex
}

// NewLog creates a message log writing through db and publishing to pub.
func NewLog(db *sql.DB, pub Publisher, cfg Config) *Log {
	if cfg.WriteAttempts < 1 {
		cfg.WriteAttempts = 1
	}
	return &Log{db: db, pub: pub, cfg: cfg}
}

// Append accepts a new message: validates content, persists it with a
// server-assigned ID and creation timestamp, bumps the conversation's
// updated_at in the same transaction, and publishes message.inserted on the
// conversation topic plus conversation.updated on each participant's user
// topic before returning.
func (l *Log) Append(ctx context.Context, conversationID, senderID, content, msgType, fileRef string) (*Message, error) {
	ok, err := l.isParticipant(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAuthorized
	}
	if err := l.validateContent(content, msgType, fileRef); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	start := time.Now()
	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		MsgType:        msgType,
		FileRef:        fileRef,
	}

	// The database assigns acceptance order at commit; holding the
	// conversation's lock until the publish is out keeps the fanout from
	// inverting two concurrent appends.
	mu := l.conversationMu(conversationID)
	mu.Lock()
	defer mu.Unlock()

	err = l.withRetry(func() error { return l.insert(ctx, msg) })
	if err != nil {
		return nil, err
	}

	participants, err := l.participantIDs(ctx, conversationID)
	if err != nil {
		// The message is durable; listing participants is only needed for
		// the conversation-list events. Log and carry on with the
		// conversation topic publish.
		log.Printf("message: participants for %s: %v", conversationID, err)
	}
	if err := l.publishMessage(events.TypeMessageInserted, msg, msg.CreatedAt, participants); err != nil {
		return nil, err
	}
	metrics.AppendLatency.Observe(time.Since(start).Seconds())
	metrics.MessagesTotal.WithLabelValues("appended").Inc()
	return msg, nil
}

// Edit replaces the content of a message the caller sent. Soft-deleted
// messages are not editable. Republishes a message.updated event.
func (l *Log) Edit(ctx context.Context, messageID, callerID, newContent string) (*Message, error) {
	msg := &Message{ID: messageID, SenderID: callerID, Content: newContent}

	const query = `
		UPDATE messages
		SET content = $3, edited_at = now()
		WHERE id = $1 AND sender_id = $2 AND NOT deleted
		RETURNING conversation_id, msg_type, COALESCE(file_ref, ''), created_at, edited_at`

	// The update runs in a transaction so an edit that fails content
	// validation against the message's type never lands.
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("message: edit: begin: %w", err)
	}

	var editedAt time.Time
	err = tx.QueryRowContext(ctx, query, messageID, callerID, newContent).
		Scan(&msg.ConversationID, &msg.MsgType, &msg.FileRef, &msg.CreatedAt, &editedAt)
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return nil, ErrNotAuthorized
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("message: edit: %w", err)
	}
	msg.EditedAt = &editedAt

	if err := l.validateContent(newContent, msg.MsgType, msg.FileRef); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("message: edit: commit: %w", err)
	}

	if err := l.publishMessage(events.TypeMessageUpdated, msg, editedAt, nil); err != nil {
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues("edited").Inc()
	return msg, nil
}

// SoftDelete marks a message the caller sent as deleted. The row is never
// physically removed; reads filter it out. Republishes a message.deleted
// event.
func (l *Log) SoftDelete(ctx context.Context, messageID, callerID string) error {
	const query = `
		UPDATE messages
		SET deleted = true
		WHERE id = $1 AND sender_id = $2 AND NOT deleted
		RETURNING conversation_id, msg_type, COALESCE(file_ref, ''), created_at`

	msg := &Message{ID: messageID, SenderID: callerID, Deleted: true}
	err := l.db.QueryRowContext(ctx, query, messageID, callerID).
		Scan(&msg.ConversationID, &msg.MsgType, &msg.FileRef, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotAuthorized
	}
	if err != nil {
		return fmt.Errorf("message: soft delete: %w", err)
	}

	if err := l.publishMessage(events.TypeMessageDeleted, msg, time.Now(), nil); err != nil {
		return err
	}
	metrics.MessagesTotal.WithLabelValues("deleted").Inc()
	return nil
}

// List returns non-deleted messages in ascending creation order. before, if
// non-nil, restricts the page to messages strictly older than the cursor.
func (l *Log) List(ctx context.Context, conversationID, callerID string, limit int, before *Cursor) ([]Message, error) {
	ok, err := l.isParticipant(ctx, conversationID, callerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAuthorized
	}

	if limit <= 0 {
		limit = l.cfg.DefaultPageSize
	}
	if limit > l.cfg.MaxPageSize {
		limit = l.cfg.MaxPageSize
	}

	// Page backwards from the cursor, newest first, then reverse so the
	// caller always sees ascending order within the page.
	query := `
		SELECT id, conversation_id, sender_id, content, msg_type,
		       COALESCE(file_ref, ''), created_at, edited_at
		FROM messages
		WHERE conversation_id = $1 AND NOT deleted`
	args := []interface{}{conversationID}
	if before != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, before.CreatedAt, before.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("message: list: %w", err)
	}
	defer rows.Close()

	var page []Message
	for rows.Next() {
		var (
			m        Message
			editedAt sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content,
			&m.MsgType, &m.FileRef, &m.CreatedAt, &editedAt); err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		if editedAt.Valid {
			m.EditedAt = &editedAt.Time
		}
		page = append(page, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: iterate: %w", err)
	}

	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

// insert persists the message and bumps the conversation's last activity in
// one transaction. The creation timestamp comes from the database so order
// assignment has a single arbiter.
func (l *Log) insert(ctx context.Context, msg *Message) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("message: begin: %w", err)
	}
	defer tx.Rollback()

	const msgInsert = `
		INSERT INTO messages (id, conversation_id, sender_id, content, msg_type, file_ref)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		RETURNING created_at`
	if err := tx.QueryRowContext(ctx, msgInsert,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.MsgType, msg.FileRef).
		Scan(&msg.CreatedAt); err != nil {
		return fmt.Errorf("message: insert: %w", err)
	}

	const bump = `UPDATE conversations SET updated_at = $2 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, bump, msg.ConversationID, msg.CreatedAt); err != nil {
		return fmt.Errorf("message: bump conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("message: commit: %w", err)
	}
	return nil
}

// publishMessage publishes the message event on the conversation topic and,
// when participants are supplied, conversation.updated on their user topics.
func (l *Log) publishMessage(eventType string, msg *Message, revision time.Time, participants []string) error {
	payload := events.MessagePayload{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		MsgType:        msg.MsgType,
		FileRef:        msg.FileRef,
		CreatedAt:      msg.CreatedAt.UnixMilli(),
		Deleted:        msg.Deleted,
	}
	if msg.EditedAt != nil {
		payload.EditedAt = msg.EditedAt.UnixMilli()
	}
	if msg.Deleted {
		payload.Content = "" // deleted content never reaches subscribers
	}

	env, err := events.NewMessageEvent(eventType, payload, revision)
	if err != nil {
		return err
	}

	err = l.withRetry(func() error {
		return l.pub.Publish(fanout.ConversationTopic(msg.ConversationID), env)
	})
	if err != nil {
		return err
	}

	for _, userID := range participants {
		update, err := events.NewConversationUpdated(msg.ConversationID, msg.SenderID, revision)
		if err != nil {
			return err
		}
		if err := l.pub.Publish(fanout.UserTopic(userID), update); err != nil {
			log.Printf("message: conversation.updated to user %s: %v", userID, err)
		}
	}
	return nil
}

func (l *Log) conversationMu(conversationID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return &l.appendMu[h.Sum32()%appendShards]
}

func (l *Log) isParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM participants WHERE conversation_id = $1 AND user_id = $2
		)`
	var ok bool
	if err := l.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("message: participant check: %w", err)
	}
	return ok, nil
}

func (l *Log) participantIDs(ctx context.Context, conversationID string) ([]string, error) {
	const query = `SELECT user_id FROM participants WHERE conversation_id = $1`
	rows, err := l.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// withRetry runs fn up to cfg.WriteAttempts times, backing off briefly
// between attempts. Terminal errors (validation, authorization, constraint
// violations) are returned immediately; exhausting the attempts surfaces
// ErrUnavailable wrapping the last error.
func (l *Log) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < l.cfg.WriteAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// isRetryable reports whether an error is worth another attempt: anything
// except cancellation, validation/authorization sentinels, and database
// constraint violations.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrInvalidContent) || errors.Is(err, ErrNotAuthorized) {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "23" { // integrity violations
		return false
	}
	return true
}
