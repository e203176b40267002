package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/parley/chat-engine/internal/events"
	"github.com/parley/chat-engine/internal/fanout"
	"github.com/parley/chat-engine/internal/userdir"
)

// createAttempts bounds the find-then-create retry loop under concurrent
// duplicate creation. Two passes suffice in theory; one extra absorbs a
// losing insert racing a delete-free table scan.
const createAttempts = 3

// Publisher is the slice of the fanout the store needs to announce new
// conversations on the participants' personal topics.
type Publisher interface {
	Publish(topic string, env events.Envelope) error
}

// Store manages conversations and participants in PostgreSQL.
type Store struct {
	db    *sql.DB
	users userdir.Directory
	pub   Publisher
}

// NewStore creates a conversation store. users resolves participant profiles
// for list enrichment and membership validation. pub may be nil to skip
// conversation-list notifications (tests).
func NewStore(db *sql.DB, users userdir.Directory, pub Publisher) *Store {
	return &Store{db: db, users: users, pub: pub}
}

// FindOrCreateDirect resolves the unique direct conversation for the pair
// {callerID, otherID}, creating it if absent. Concurrent calls for the same
// pair converge on one row: a losing insert hits the direct_key unique
// constraint and the lookup is retried instead of failing the caller.
// The second return value reports whether this call created the row.
func (s *Store) FindOrCreateDirect(ctx context.Context, callerID, otherID string) (*Conversation, bool, error) {
	if callerID == otherID {
		return nil, false, ErrInvalidMembership
	}
	ok, err := s.users.Exists(ctx, otherID)
	if err != nil {
		return nil, false, fmt.Errorf("directory: resolve user %s: %w", otherID, err)
	}
	if !ok {
		return nil, false, ErrUnknownUser
	}

	key := DirectKey(callerID, otherID)

	for attempt := 0; attempt < createAttempts; attempt++ {
		convo, err := s.getByDirectKey(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if convo != nil {
			return convo, false, nil
		}

		convo, err = s.insertDirect(ctx, key, callerID, otherID)
		if err == nil {
			s.announce(convo, []string{callerID, otherID})
			return convo, true, nil
		}
		if isUniqueViolation(err) {
			continue // lost the race; re-resolve to the winning row
		}
		return nil, false, err
	}

	return nil, false, fmt.Errorf("directory: find-or-create for pair %s did not converge", key)
}

// CreateGroup creates a group conversation containing the caller and the
// given members. Duplicate member IDs are collapsed; every ID must resolve
// in the user directory.
func (s *Store) CreateGroup(ctx context.Context, callerID string, memberIDs []string, title string) (*Conversation, error) {
	seen := map[string]struct{}{callerID: {}}
	members := []string{callerID}
	for _, id := range memberIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}
	if len(members) < 2 {
		return nil, ErrInvalidMembership
	}

	profiles, err := s.users.GetProfiles(ctx, members)
	if err != nil {
		return nil, fmt.Errorf("directory: resolve members: %w", err)
	}
	if len(profiles) != len(members) {
		return nil, ErrUnknownUser
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("directory: begin: %w", err)
	}
	defer tx.Rollback()

	convo := &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		IsGroup:   true,
		CreatedBy: callerID,
	}

	const convoInsert = `
		INSERT INTO conversations (id, title, is_group, created_by)
		VALUES ($1, NULLIF($2, ''), true, $3)
		RETURNING created_at, updated_at`
	if err := tx.QueryRowContext(ctx, convoInsert, convo.ID, title, callerID).
		Scan(&convo.CreatedAt, &convo.UpdatedAt); err != nil {
		return nil, fmt.Errorf("directory: insert group: %w", err)
	}

	const memberInsert = `
		INSERT INTO participants (conversation_id, user_id)
		VALUES ($1, $2)`
	for _, id := range members {
		if _, err := tx.ExecContext(ctx, memberInsert, convo.ID, id); err != nil {
			return nil, fmt.Errorf("directory: insert participant %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("directory: commit group: %w", err)
	}
	s.announce(convo, members)
	return convo, nil
}

// announce publishes conversation.updated to each participant's personal
// topic so their conversation lists pick up the new conversation without
// waiting for its first message. The row is already durable at this point;
// publish failures are logged, not surfaced.
func (s *Store) announce(convo *Conversation, memberIDs []string) {
	if s.pub == nil {
		return
	}
	env, err := events.NewConversationUpdated(convo.ID, convo.CreatedBy, convo.CreatedAt)
	if err != nil {
		log.Printf("directory: build conversation.updated for %s: %v", convo.ID, err)
		return
	}
	for _, userID := range memberIDs {
		if err := s.pub.Publish(fanout.UserTopic(userID), env); err != nil {
			log.Printf("directory: conversation.updated to user %s: %v", userID, err)
		}
	}
}

// GetByID returns a conversation only if callerID participates in it.
// Nonexistent and non-member conversations are indistinguishable.
func (s *Store) GetByID(ctx context.Context, conversationID, callerID string) (*Conversation, error) {
	const query = `
		SELECT c.id, COALESCE(c.title, ''), c.is_group, c.created_by, c.created_at, c.updated_at
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		WHERE c.id = $1 AND p.user_id = $2`

	var convo Conversation
	err := s.db.QueryRowContext(ctx, query, conversationID, callerID).Scan(
		&convo.ID, &convo.Title, &convo.IsGroup, &convo.CreatedBy, &convo.CreatedAt, &convo.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotAuthorized
	}
	if err != nil {
		return nil, fmt.Errorf("directory: get conversation: %w", err)
	}
	return &convo, nil
}

// ParticipantIDs returns the user IDs of all participants of a conversation.
func (s *Store) ParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	const query = `
		SELECT user_id FROM participants
		WHERE conversation_id = $1
		ORDER BY joined_at, user_id`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("directory: participants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("directory: scan participant: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory: iterate participants: %w", err)
	}
	return ids, nil
}

// ConversationIDsForUser returns the IDs of every conversation the user
// participates in. Presence uses this to find the topics interested in a
// user's online/offline transitions.
func (s *Store) ConversationIDsForUser(ctx context.Context, userID string) ([]string, error) {
	const query = `
		SELECT conversation_id FROM participants WHERE user_id = $1`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("directory: conversations for user: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("directory: scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory: iterate conversation ids: %w", err)
	}
	return ids, nil
}

// ListForUser returns the user's conversations ordered by last activity,
// each carrying participant profiles, the newest non-deleted message, and
// the caller's unread count.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]Summary, error) {
	const query = `
		SELECT c.id, COALESCE(c.title, ''), c.is_group, c.created_by, c.created_at, c.updated_at,
		       m.id, m.sender_id, m.content, m.msg_type, m.created_at,
		       (SELECT COUNT(*) FROM messages u
		         WHERE u.conversation_id = c.id
		           AND NOT u.deleted
		           AND u.sender_id <> p.user_id
		           AND u.created_at > p.last_read_at) AS unread
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id AND p.user_id = $1
		LEFT JOIN LATERAL (
			SELECT id, sender_id, content, msg_type, created_at
			FROM messages
			WHERE conversation_id = c.id AND NOT deleted
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) m ON true
		ORDER BY c.updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("directory: list conversations: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var (
			sm        Summary
			lmID      sql.NullString
			lmSender  sql.NullString
			lmContent sql.NullString
			lmType    sql.NullString
			lmCreated sql.NullTime
		)
		if err := rows.Scan(
			&sm.ID, &sm.Title, &sm.IsGroup, &sm.CreatedBy, &sm.CreatedAt, &sm.UpdatedAt,
			&lmID, &lmSender, &lmContent, &lmType, &lmCreated, &sm.UnreadCount,
		); err != nil {
			return nil, fmt.Errorf("directory: scan summary: %w", err)
		}
		if lmID.Valid {
			sm.LastMessage = &LastMessage{
				ID:        lmID.String,
				SenderID:  lmSender.String,
				Content:   lmContent.String,
				MsgType:   lmType.String,
				CreatedAt: lmCreated.Time,
			}
		}
		summaries = append(summaries, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory: iterate summaries: %w", err)
	}

	if err := s.attachParticipants(ctx, summaries); err != nil {
		return nil, err
	}
	return summaries, nil
}

// attachParticipants resolves the participant profiles for every summary in
// one membership query plus one batched directory lookup.
func (s *Store) attachParticipants(ctx context.Context, summaries []Summary) error {
	if len(summaries) == 0 {
		return nil
	}

	convoIDs := make([]string, len(summaries))
	for i, sm := range summaries {
		convoIDs[i] = sm.ID
	}

	const query = `
		SELECT conversation_id, user_id FROM participants
		WHERE conversation_id = ANY($1)
		ORDER BY joined_at, user_id`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(convoIDs))
	if err != nil {
		return fmt.Errorf("directory: memberships: %w", err)
	}
	defer rows.Close()

	membership := make(map[string][]string, len(summaries))
	userSet := make(map[string]struct{})
	for rows.Next() {
		var convoID, uid string
		if err := rows.Scan(&convoID, &uid); err != nil {
			return fmt.Errorf("directory: scan membership: %w", err)
		}
		membership[convoID] = append(membership[convoID], uid)
		userSet[uid] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("directory: iterate memberships: %w", err)
	}

	userIDs := make([]string, 0, len(userSet))
	for id := range userSet {
		userIDs = append(userIDs, id)
	}
	profiles, err := s.users.GetProfiles(ctx, userIDs)
	if err != nil {
		return fmt.Errorf("directory: resolve profiles: %w", err)
	}
	byID := make(map[string]userdir.Profile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}

	for i := range summaries {
		for _, uid := range membership[summaries[i].ID] {
			if p, ok := byID[uid]; ok {
				summaries[i].Participants = append(summaries[i].Participants, p)
			}
		}
	}
	return nil
}

func (s *Store) getByDirectKey(ctx context.Context, key string) (*Conversation, error) {
	const query = `
		SELECT id, COALESCE(title, ''), is_group, created_by, created_at, updated_at
		FROM conversations
		WHERE direct_key = $1 AND NOT is_group`

	var convo Conversation
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&convo.ID, &convo.Title, &convo.IsGroup, &convo.CreatedBy, &convo.CreatedAt, &convo.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("directory: lookup direct key: %w", err)
	}
	return &convo, nil
}

func (s *Store) insertDirect(ctx context.Context, key, callerID, otherID string) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("directory: begin: %w", err)
	}
	defer tx.Rollback()

	convo := &Conversation{
		ID:        uuid.NewString(),
		IsGroup:   false,
		CreatedBy: callerID,
	}

	const convoInsert = `
		INSERT INTO conversations (id, is_group, direct_key, created_by)
		VALUES ($1, false, $2, $3)
		RETURNING created_at, updated_at`
	if err := tx.QueryRowContext(ctx, convoInsert, convo.ID, key, callerID).
		Scan(&convo.CreatedAt, &convo.UpdatedAt); err != nil {
		return nil, err // unwrapped: caller inspects for unique violation
	}

	const memberInsert = `
		INSERT INTO participants (conversation_id, user_id)
		VALUES ($1, $2)`
	for _, id := range []string{callerID, otherID} {
		if _, err := tx.ExecContext(ctx, memberInsert, convo.ID, id); err != nil {
			return nil, fmt.Errorf("directory: insert participant %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("directory: commit direct: %w", err)
	}
	return convo, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
