package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/parley/chat-engine/internal/directory"
	"github.com/parley/chat-engine/internal/events"
	"github.com/parley/chat-engine/internal/fanout"
	"github.com/parley/chat-engine/internal/identity"
	"github.com/parley/chat-engine/internal/message"
	"github.com/parley/chat-engine/internal/metrics"
	"github.com/parley/chat-engine/internal/postgres"
	"github.com/parley/chat-engine/internal/presence"
	"github.com/parley/chat-engine/internal/protocol"
	"github.com/parley/chat-engine/internal/ratelimit"
	"github.com/parley/chat-engine/internal/readstate"
	"github.com/parley/chat-engine/internal/session"
	"github.com/parley/chat-engine/internal/userdir"
	"github.com/parley/chat-engine/internal/ws"
)

// wsSubscriber adapts a WebSocket connection to the fanout's subscriber
// interface, wrapping every delivered event in the protocol's event message.
type wsSubscriber struct {
	conn   *ws.Connection
	server *ws.Server
}

func (s *wsSubscriber) ID() string     { return s.conn.ID }
func (s *wsSubscriber) UserID() string { return s.conn.UserID() }

func (s *wsSubscriber) Deliver(topic string, env events.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	data, err := protocol.NewServerMessage(protocol.TypeEvent, protocol.EventMsg{
		Topic: topic,
		Event: raw,
	})
	if err != nil {
		return err
	}
	return s.server.SendMessage(s.conn.ID, data)
}

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	metricsAddr := ":9100"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}

	// --- PostgreSQL ---
	pgConfig := postgres.DefaultConfig()
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pgConfig.DSN = dsn
	}
	db, err := postgres.Open(pgConfig)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	if err := postgres.Migrate(db); err != nil {
		log.Fatalf("failed to migrate schema: %v", err)
	}

	// --- NATS ---
	busConfig := fanout.DefaultBusConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		busConfig.URL = natsURL
	}
	bus, err := fanout.NewBus(busConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "chat-1"
	}

	sessionStore, err := session.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	// --- Auth ---
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	jwtIssuer := "parley"
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		jwtIssuer = v
	}
	verifier := identity.NewVerifier(jwtSecret, jwtIssuer, 24*time.Hour)

	// --- Engine components ---
	reg := fanout.New(bus)
	users := userdir.NewStore(db, sessionStore.Client())
	dirStore := directory.NewStore(db, users, reg)
	msgLog := message.NewLog(db, reg, message.DefaultConfig())
	readTracker := readstate.NewTracker(db, reg)
	limiter := ratelimit.NewLimiter(sessionStore.Client())

	broadcaster := presence.NewBroadcaster(presence.DefaultConfig(), reg, dirStore)
	broadcaster.Start()

	log.Printf("Parley chat server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  metrics_addr:    %s", metricsAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections:  %d", config.MaxConnections)
	log.Printf("  nats_url:        %s", busConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  server_name:     %s", serverName)

	// Declare server early so closures can capture it.
	var server *ws.Server

	dispatcher := ws.NewMessageDispatcher(nil)

	sendError := func(conn *ws.Connection, code, msg string) {
		data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
			Code: code, Message: msg,
		})
		if err != nil {
			log.Printf("build error message: %v", err)
			return
		}
		_ = conn.WriteMessage(data)
	}

	// sendOpError maps engine errors onto protocol error codes.
	sendOpError := func(conn *ws.Connection, op string, err error) {
		code := "internal"
		switch {
		case errors.Is(err, message.ErrNotAuthorized),
			errors.Is(err, directory.ErrNotAuthorized),
			errors.Is(err, readstate.ErrNotAuthorized):
			code = "not_authorized"
		case errors.Is(err, message.ErrInvalidContent):
			code = "invalid_content"
		case errors.Is(err, directory.ErrInvalidMembership):
			code = "invalid_membership"
		case errors.Is(err, directory.ErrUnknownUser), errors.Is(err, userdir.ErrUnknownUser):
			code = "unknown_user"
		case errors.Is(err, message.ErrUnavailable):
			code = "unavailable"
		}
		log.Printf("%s session=%s: %v", op, conn.ID, err)
		sendError(conn, code, err.Error())
	}

	sendOK := func(conn *ws.Connection, op string, body interface{}) {
		data, err := protocol.NewServerMessage(protocol.TypeOK, protocol.OKMsg{Op: op, Body: body})
		if err != nil {
			log.Printf("build ok message op=%s: %v", op, err)
			return
		}
		_ = conn.WriteMessage(data)
	}

	// requireAuth returns the connection's user, or sends an error and
	// returns empty if the connection has not authenticated.
	requireAuth := func(conn *ws.Connection) string {
		uid := conn.UserID()
		if uid == "" {
			sendError(conn, "not_authenticated", "authenticate first")
		}
		return uid
	}

	// allow applies a rate limit rule; on rejection the client is told how
	// long to back off.
	allow := func(conn *ws.Connection, uid string, rule ratelimit.Rule) bool {
		ok, _ := limiter.Allow(context.Background(), uid, rule)
		if !ok {
			data, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(rule.Window.Seconds()),
			})
			if err == nil {
				_ = conn.WriteMessage(data)
			}
		}
		return ok
	}

	// -----------------------------------------------------------------------
	// auth - bind the connection to a verified user
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeAuth, func(conn *ws.Connection, msg interface{}) {
		authMsg, ok := msg.(protocol.AuthMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		uid, err := verifier.Verify(authMsg.Token)
		if err != nil {
			log.Printf("auth failed session=%s: %v", conn.ID, err)
			sendError(conn, "invalid_token", "token rejected")
			return
		}
		exists, err := users.Exists(ctx, uid)
		if err != nil || !exists {
			log.Printf("auth unknown user=%s session=%s: %v", uid, conn.ID, err)
			sendError(conn, "unknown_user", "user not found")
			return
		}

		conn.SetUserID(uid)
		if err := sessionStore.Authenticate(ctx, conn.ID, uid); err != nil {
			log.Printf("session authenticate %s: %v", conn.ID, err)
		}

		// The personal topic carries conversation-list updates; every
		// authenticated connection holds it for its whole life.
		sub := &wsSubscriber{conn: conn, server: server}
		if err := reg.Subscribe(fanout.UserTopic(uid), sub); err != nil {
			log.Printf("user topic subscribe session=%s: %v", conn.ID, err)
		}
		broadcaster.RegisterSession(uid, conn.ID)

		data, err := protocol.NewServerMessage(protocol.TypeAuthed, protocol.AuthedMsg{UserID: uid})
		if err == nil {
			_ = conn.WriteMessage(data)
		}
		log.Printf("auth ok user=%s session=%s", uid, conn.ID)
	})

	// -----------------------------------------------------------------------
	// subscribe / unsubscribe - conversation event streams
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSubscribe, func(conn *ws.Connection, msg interface{}) {
		subMsg, ok := msg.(protocol.SubscribeMsg)
		if !ok {
			return
		}
		uid := requireAuth(conn)
		if uid == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		// Membership gates the event stream the same way it gates reads.
		if _, err := dirStore.GetByID(ctx, subMsg.ConversationID, uid); err != nil {
			sendOpError(conn, "subscribe", err)
			return
		}

		sub := &wsSubscriber{conn: conn, server: server}
		if err := reg.Subscribe(fanout.ConversationTopic(subMsg.ConversationID), sub); err != nil {
			sendOpError(conn, "subscribe", err)
			return
		}
		sendOK(conn, protocol.TypeSubscribe, nil)
	})

	dispatcher.Register(protocol.TypeUnsubscribe, func(conn *ws.Connection, msg interface{}) {
		unsubMsg, ok := msg.(protocol.UnsubscribeMsg)
		if !ok {
			return
		}
		if requireAuth(conn) == "" {
			return
		}
		reg.Unsubscribe(fanout.ConversationTopic(unsubMsg.ConversationID), conn.ID)
		sendOK(conn, protocol.TypeUnsubscribe, nil)
	})

	// -----------------------------------------------------------------------
	// open_direct / create_group - conversation directory
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeOpenDirect, func(conn *ws.Connection, msg interface{}) {
		openMsg, ok := msg.(protocol.OpenDirectMsg)
		if !ok {
			return
		}
		uid := requireAuth(conn)
		if uid == "" || !allow(conn, uid, ratelimit.RuleConversation) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conv, created, err := dirStore.FindOrCreateDirect(ctx, uid, openMsg.PeerID)
		if err != nil {
			sendOpError(conn, "open_direct", err)
			return
		}
		if created {
			log.Printf("open_direct user=%s peer=%s conv=%s (created)", uid, openMsg.PeerID, conv.ID)
		}
		data, err := protocol.NewServerMessage(protocol.TypeConversation, protocol.ConversationMsg{
			Conversation: conv,
		})
		if err == nil {
			_ = conn.WriteMessage(data)
		}
	})

	dispatcher.Register(protocol.TypeCreateGroup, func(conn *ws.Connection, msg interface{}) {
		groupMsg, ok := msg.(protocol.CreateGroupMsg)
		if !ok {
			return
		}
		uid := requireAuth(conn)
		if uid == "" || !allow(conn, uid, ratelimit.RuleConversation) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conv, err := dirStore.CreateGroup(ctx, uid, groupMsg.Members, groupMsg.Title)
		if err != nil {
			sendOpError(conn, "create_group", err)
			return
		}
		log.Printf("create_group user=%s conv=%s members=%d", uid, conv.ID, len(groupMsg.Members))
		data, err := protocol.NewServerMessage(protocol.TypeConversation, protocol.ConversationMsg{
			Conversation: conv,
		})
		if err == nil {
			_ = conn.WriteMessage(data)
		}
	})

	// -----------------------------------------------------------------------
	// list_conversations - the caller's conversation list
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeListConversations, func(conn *ws.Connection, msg interface{}) {
		uid := requireAuth(conn)
		if uid == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		summaries, err := dirStore.ListForUser(ctx, uid)
		if err != nil {
			sendOpError(conn, "list_conversations", err)
			return
		}

		// Reconcile presence for everyone appearing in the list.
		seen := make(map[string]struct{})
		var ids []string
		for _, s := range summaries {
			for _, p := range s.Participants {
				if p.ID == uid {
					continue
				}
				if _, dup := seen[p.ID]; !dup {
					seen[p.ID] = struct{}{}
					ids = append(ids, p.ID)
				}
			}
		}

		data, err := protocol.NewServerMessage(protocol.TypeConversationList, protocol.ConversationListMsg{
			Conversations: summaries,
			OnlineUsers:   broadcaster.OnlineUsers(ids),
		})
		if err == nil {
			_ = conn.WriteMessage(data)
		}
	})

	// -----------------------------------------------------------------------
	// send_message / edit_message / delete_message - the message log
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		uid := requireAuth(conn)
		if uid == "" || !allow(conn, uid, ratelimit.RuleMessage) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		msgType := sendMsg.MsgType
		if msgType == "" {
			msgType = message.TypeText
		}
		appended, err := msgLog.Append(ctx, sendMsg.ConversationID, uid, sendMsg.Content, msgType, sendMsg.FileRef)
		if err != nil {
			sendOpError(conn, "send_message", err)
			return
		}
		sendOK(conn, protocol.TypeSendMessage, appended)
	})

	dispatcher.Register(protocol.TypeEditMessage, func(conn *ws.Connection, msg interface{}) {
		editMsg, ok := msg.(protocol.EditMessageMsg)
		if !ok {
			return
		}
		uid := requireAuth(conn)
		if uid == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		edited, err := msgLog.Edit(ctx, editMsg.MessageID, uid, editMsg.Content)
		if err != nil {
			sendOpError(conn, "edit_message", err)
			return
		}
		sendOK(conn, protocol.TypeEditMessage, edited)
	})

	dispatcher.Register(protocol.TypeDeleteMessage, func(conn *ws.Connection, msg interface{}) {
		delMsg, ok := msg.(protocol.DeleteMessageMsg)
		if !ok {
			return
		}
		uid := requireAuth(conn)
		if uid == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := msgLog.SoftDelete(ctx, delMsg.MessageID, uid); err != nil {
			sendOpError(conn, "delete_message", err)
			return
		}
		sendOK(conn, protocol.TypeDeleteMessage, nil)
	})

	// -----------------------------------------------------------------------
	// list_messages - keyset-paged history
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeListMessages, func(conn *ws.Connection, msg interface{}) {
		listMsg, ok := msg.(protocol.ListMessagesMsg)
		if !ok {
			return
		}
		uid := requireAuth(conn)
		if uid == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		cursor, err := message.DecodeCursor(listMsg.Cursor)
		if err != nil {
			sendError(conn, "invalid_cursor", "malformed cursor")
			return
		}
		page, err := msgLog.List(ctx, listMsg.ConversationID, uid, listMsg.Limit, cursor)
		if err != nil {
			sendOpError(conn, "list_messages", err)
			return
		}

		// The page is ascending; its first entry is the oldest and seeds
		// the cursor for the next older page.
		next := ""
		if len(page) > 0 {
			next = message.Cursor{CreatedAt: page[0].CreatedAt, ID: page[0].ID}.Encode()
		}

		data, err := protocol.NewServerMessage(protocol.TypeMessageList, protocol.MessageListMsg{
			ConversationID: listMsg.ConversationID,
			Messages:       page,
			NextCursor:     next,
			TypingUsers:    broadcaster.TypingUsers(listMsg.ConversationID),
		})
		if err == nil {
			_ = conn.WriteMessage(data)
		}
	})

	// -----------------------------------------------------------------------
	// mark_read - advance the read cursor
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMarkRead, func(conn *ws.Connection, msg interface{}) {
		readMsg, ok := msg.(protocol.MarkReadMsg)
		if !ok {
			return
		}
		uid := requireAuth(conn)
		if uid == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := readTracker.MarkRead(ctx, readMsg.ConversationID, uid); err != nil {
			sendOpError(conn, "mark_read", err)
			return
		}
		sendOK(conn, protocol.TypeMarkRead, nil)
	})

	// -----------------------------------------------------------------------
	// typing_start / typing_stop - typing indicator
	// -----------------------------------------------------------------------
	typingHandler := func(start bool) ws.MessageHandler {
		return func(conn *ws.Connection, msg interface{}) {
			var convID string
			switch m := msg.(type) {
			case protocol.TypingStartMsg:
				convID = m.ConversationID
			case protocol.TypingStopMsg:
				convID = m.ConversationID
			default:
				return
			}
			uid := requireAuth(conn)
			if uid == "" {
				return
			}
			if start && !allow(conn, uid, ratelimit.RuleTyping) {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			if _, err := dirStore.GetByID(ctx, convID, uid); err != nil {
				sendOpError(conn, "typing", err)
				return
			}
			if start {
				broadcaster.StartTyping(convID, uid)
			} else {
				broadcaster.StopTyping(convID, uid)
			}
		}
	}
	dispatcher.Register(protocol.TypeTypingStart, typingHandler(true))
	dispatcher.Register(protocol.TypeTypingStop, typingHandler(false))

	// -----------------------------------------------------------------------
	// heartbeat - presence liveness
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeHeartbeat, func(conn *ws.Connection, msg interface{}) {
		uid := requireAuth(conn)
		if uid == "" {
			return
		}
		broadcaster.Heartbeat(uid, conn.ID)

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := sessionStore.Touch(ctx, conn.ID); err != nil {
			log.Printf("session touch %s: %v", conn.ID, err)
		}
	})

	server = ws.NewServer(config, sessionStore, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	// Per-IP connect limit, applied before the WebSocket handshake.
	server.SetConnectGate(func(remoteIP string) bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ok, _ := limiter.Allow(ctx, remoteIP, ratelimit.RuleConnect)
		return ok
	})

	// Disconnect cleanup: the fanout and presence state of a connection
	// must not outlive its socket. Releasing the last session also ends the
	// user's typing bursts; with other connections still live their bursts
	// keep running.
	server.SetOnDisconnect(func(conn *ws.Connection) {
		reg.DropConnection(conn.ID)
		if uid := conn.UserID(); uid != "" {
			broadcaster.ReleaseSession(uid, conn.ID)
		}
	})

	// Prometheus endpoint on its own listener, away from client traffic.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		broadcaster.Stop()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		bus.Close()
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Printf("postgres close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
