package message

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/parley/chat-engine/internal/events"
	"github.com/parley/chat-engine/internal/fanout"
)

// capturePublisher records published events in order.
type capturePublisher struct {
	mu        sync.Mutex
	published []publishedEvent
	fail      error
}

type publishedEvent struct {
	topic string
	env   events.Envelope
}

func (p *capturePublisher) Publish(topic string, env events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.published = append(p.published, publishedEvent{topic: topic, env: env})
	return nil
}

func (p *capturePublisher) all() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publishedEvent, len(p.published))
	copy(out, p.published)
	return out
}

func expectParticipantCheck(mock sqlmock.Sqlmock, convID, userID string, ok bool) {
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(convID, userID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(ok))
}

func TestAppend_NonParticipantRejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	expectParticipantCheck(mock, "c1", "intruder", false)

	pub := &capturePublisher{}
	l := NewLog(db, pub, DefaultConfig())
	_, err = l.Append(context.Background(), "c1", "intruder", "hi", TypeText, "")
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if len(pub.all()) != 0 {
		t.Error("rejected append must not publish anything")
	}
}

func TestAppend_InvalidContentBeforeWrite(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	expectParticipantCheck(mock, "c1", "u1", true)

	pub := &capturePublisher{}
	l := NewLog(db, pub, DefaultConfig())
	_, err = l.Append(context.Background(), "c1", "u1", "", TypeText, "")
	if !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("expected ErrInvalidContent, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("no insert should have been attempted: %v", err)
	}
}

func TestAppend_PersistsThenPublishes(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	accepted := time.Now()
	expectParticipantCheck(mock, "c1", "u1", true)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO messages").
		WithArgs(sqlmock.AnyArg(), "c1", "u1", "hello", TypeText, "").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(accepted))
	mock.ExpectExec("UPDATE conversations SET updated_at").
		WithArgs("c1", accepted).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT user_id FROM participants").
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1").AddRow("u2"))

	pub := &capturePublisher{}
	l := NewLog(db, pub, DefaultConfig())
	msg, err := l.Append(context.Background(), "c1", "u1", "hello", TypeText, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.ID == "" || !msg.CreatedAt.Equal(accepted) {
		t.Errorf("message not filled from acceptance: %+v", msg)
	}

	got := pub.all()
	if len(got) != 3 {
		t.Fatalf("expected conversation event + 2 user events, got %d", len(got))
	}
	if got[0].topic != fanout.ConversationTopic("c1") || got[0].env.Type != events.TypeMessageInserted {
		t.Errorf("first publish should be message.inserted on the conversation topic, got %s on %s",
			got[0].env.Type, got[0].topic)
	}
	userTopics := map[string]bool{got[1].topic: true, got[2].topic: true}
	if !userTopics[fanout.UserTopic("u1")] || !userTopics[fanout.UserTopic("u2")] {
		t.Errorf("conversation.updated should reach both user topics, got %v", userTopics)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// stallPublisher delays the first message.inserted publish to widen the
// window between commit and publish.
type stallPublisher struct {
	capturePublisher
	once  sync.Once
	delay time.Duration
}

func (p *stallPublisher) Publish(topic string, env events.Envelope) error {
	if env.Type == events.TypeMessageInserted {
		p.once.Do(func() { time.Sleep(p.delay) })
	}
	return p.capturePublisher.Publish(topic, env)
}

func TestAppend_ConcurrentAppendsPublishInAcceptanceOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	mock.MatchExpectationsInOrder(false)

	// Two acceptances 5ms apart; the earlier one's publish is stalled long
	// enough for the later append to commit in the meantime.
	first := time.Now()
	second := first.Add(5 * time.Millisecond)
	for _, accepted := range []time.Time{first, second} {
		expectParticipantCheck(mock, "c1", "u1", true)
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO messages").
			WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(accepted))
		mock.ExpectExec("UPDATE conversations SET updated_at").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		mock.ExpectQuery("SELECT user_id FROM participants").
			WithArgs("c1").
			WillReturnRows(sqlmock.NewRows([]string{"user_id"}))
	}

	pub := &stallPublisher{delay: 50 * time.Millisecond}
	l := NewLog(db, pub, DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Append(context.Background(), "c1", "u1", "hello", TypeText, ""); err != nil {
				t.Errorf("append failed: %v", err)
			}
		}()
	}
	wg.Wait()

	var inserted []events.Envelope
	for _, rec := range pub.all() {
		if rec.env.Type == events.TypeMessageInserted {
			inserted = append(inserted, rec.env)
		}
	}
	if len(inserted) != 2 {
		t.Fatalf("expected 2 message.inserted events, got %d", len(inserted))
	}
	if inserted[0].Revision > inserted[1].Revision {
		t.Fatalf("events published out of acceptance order: revisions %d then %d",
			inserted[0].Revision, inserted[1].Revision)
	}
}

func TestAppend_PublishFailureSurfacesUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	accepted := time.Now()
	expectParticipantCheck(mock, "c1", "u1", true)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO messages").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(accepted))
	mock.ExpectExec("UPDATE conversations SET updated_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT user_id FROM participants").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1"))

	pub := &capturePublisher{fail: errors.New("nats down")}
	cfg := DefaultConfig()
	cfg.WriteAttempts = 2 // keep the retry backoff short
	l := NewLog(db, pub, cfg)

	_, err = l.Append(context.Background(), "c1", "u1", "hello", TypeText, "")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after publish retries, got %v", err)
	}
}

func TestEdit_NotSenderRejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	// The UPDATE matches nothing when caller is not the sender.
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE messages").
		WithArgs("m1", "not-the-sender", "new text").
		WillReturnRows(sqlmock.NewRows([]string{"conversation_id"}))
	mock.ExpectRollback()

	l := NewLog(db, &capturePublisher{}, DefaultConfig())
	_, err = l.Edit(context.Background(), "m1", "not-the-sender", "new text")
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestEdit_AfterDeleteRejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	// A soft-deleted row is excluded by the NOT deleted predicate, so the
	// sender editing their own deleted message also matches nothing.
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE messages").
		WithArgs("m1", "u1", "resurrect").
		WillReturnRows(sqlmock.NewRows([]string{"conversation_id"}))
	mock.ExpectRollback()

	pub := &capturePublisher{}
	l := NewLog(db, pub, DefaultConfig())
	_, err = l.Edit(context.Background(), "m1", "u1", "resurrect")
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("edit after delete must fail with ErrNotAuthorized, got %v", err)
	}
	if len(pub.all()) != 0 {
		t.Error("failed edit must not publish")
	}
}

func TestEdit_PublishesUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	created := time.Now().Add(-time.Minute)
	edited := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE messages").
		WithArgs("m1", "u1", "new text").
		WillReturnRows(sqlmock.NewRows(
			[]string{"conversation_id", "msg_type", "file_ref", "created_at", "edited_at"}).
			AddRow("c1", TypeText, "", created, edited))
	mock.ExpectCommit()

	pub := &capturePublisher{}
	l := NewLog(db, pub, DefaultConfig())
	msg, err := l.Edit(context.Background(), "m1", "u1", "new text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.EditedAt == nil || !msg.EditedAt.Equal(edited) {
		t.Errorf("edited timestamp not set: %+v", msg)
	}

	got := pub.all()
	if len(got) != 1 || got[0].env.Type != events.TypeMessageUpdated {
		t.Fatalf("expected one message.updated publish, got %+v", got)
	}
}

func TestEdit_InvalidContentRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	// The row matches, but blanking a text message fails validation and
	// the transaction must roll back instead of committing the edit.
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE messages").
		WithArgs("m1", "u1", "").
		WillReturnRows(sqlmock.NewRows(
			[]string{"conversation_id", "msg_type", "file_ref", "created_at", "edited_at"}).
			AddRow("c1", TypeText, "", time.Now().Add(-time.Minute), time.Now()))
	mock.ExpectRollback()

	pub := &capturePublisher{}
	l := NewLog(db, pub, DefaultConfig())
	_, err = l.Edit(context.Background(), "m1", "u1", "")
	if !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("expected ErrInvalidContent, got %v", err)
	}
	if len(pub.all()) != 0 {
		t.Error("failed edit must not publish")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSoftDelete_PublishesDelete(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("UPDATE messages").
		WithArgs("m1", "u1").
		WillReturnRows(sqlmock.NewRows(
			[]string{"conversation_id", "msg_type", "file_ref", "created_at"}).
			AddRow("c1", TypeText, "", time.Now()))

	pub := &capturePublisher{}
	l := NewLog(db, pub, DefaultConfig())
	if err := l.SoftDelete(context.Background(), "m1", "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := pub.all()
	if len(got) != 1 || got[0].env.Type != events.TypeMessageDeleted {
		t.Fatalf("expected one message.deleted publish, got %+v", got)
	}

	var payload events.MessagePayload
	if err := json.Unmarshal(got[0].env.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Content != "" {
		t.Error("deleted message content must not be republished")
	}
	if !payload.Deleted {
		t.Error("delete event payload should carry the deleted flag")
	}
}

func TestList_NonParticipantRejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	expectParticipantCheck(mock, "c1", "intruder", false)

	l := NewLog(db, &capturePublisher{}, DefaultConfig())
	_, err = l.List(context.Background(), "c1", "intruder", 10, nil)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestList_AscendingWithinPage(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	base := time.Now()
	expectParticipantCheck(mock, "c1", "u1", true)
	// The query returns newest-first; List reverses to ascending.
	mock.ExpectQuery("SELECT id, conversation_id, sender_id").
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "conversation_id", "sender_id", "content", "msg_type", "file_ref", "created_at", "edited_at"}).
			AddRow("m3", "c1", "u2", "three", TypeText, "", base.Add(3*time.Second), nil).
			AddRow("m2", "c1", "u1", "two", TypeText, "", base.Add(2*time.Second), nil).
			AddRow("m1", "c1", "u2", "one", TypeText, "", base.Add(1*time.Second), nil))

	l := NewLog(db, &capturePublisher{}, DefaultConfig())
	page, err := l.List(context.Background(), "c1", "u1", 10, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(page))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if page[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, page[i].ID)
		}
	}
}
