// Package sync is the reconciliation engine between the server and the
// local cache. Pushes and history fetches both funnel into the store, whose
// uniqueness and ordering rules make the two paths converge on the same
// sequence no matter which arrives first. The server is authoritative for
// every mutation: nothing is written locally until the server has accepted
// the operation.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/flybook/flybook/internal/bus"
	"github.com/flybook/flybook/internal/codec"
	"github.com/flybook/flybook/internal/gateway"
	"github.com/flybook/flybook/internal/roster"
	"github.com/flybook/flybook/internal/session"
	"github.com/flybook/flybook/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrNoSession means no user is logged in.
	ErrNoSession = errors.New("no active session")
	// ErrStaleSession means the session changed between the server call and
	// the local write, so the local write was dropped.
	ErrStaleSession = errors.New("session changed during operation")
	// ErrGateway means the server rejected or never received the request.
	// Nothing was changed locally.
	ErrGateway = errors.New("gateway request failed")
)

// Gateway is the server surface the engine needs. Satisfied by
// *gateway.Client.
type Gateway interface {
	ListConversations(ctx context.Context, userID int64) []gateway.Conversation
	MessageHistory(ctx context.Context, userID, conversationID int64) []gateway.HistoryMessage
	SendMessage(ctx context.Context, userID, conversationID int64, msgType int, content string) *gateway.SendResult
	CreateConversation(ctx context.Context, userID int64, convType int, name string, targetUserIDs []int64) (int64, bool)
	AddMembers(ctx context.Context, userID, conversationID int64, targetUserIDs []int64) bool
	ClearUnread(ctx context.Context, userID, conversationID int64) bool
	ListUsers(ctx context.Context) []gateway.DirectoryUser
}

// Update is the payload of message.upserted events.
type Update struct {
	ConversationID int64
	MessageID      int64
	Self           bool
}

// Engine applies pushes and drives the sync operations for the active
// session.
type Engine struct {
	db     *store.DB
	gw     Gateway
	reg    *roster.Registry
	bus    *bus.Bus
	handle *session.Handle
	logger *zap.Logger

	mu     gosync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	unsub  func()
}

// NewEngine wires the engine. Start must be called before pushes are
// consumed.
func NewEngine(db *store.DB, gw Gateway, reg *roster.Registry, b *bus.Bus, handle *session.Handle, logger *zap.Logger) *Engine {
	return &Engine{
		db:     db,
		gw:     gw,
		reg:    reg,
		bus:    b,
		handle: handle,
		logger: logger,
	}
}

// Start begins consuming transport events. Idempotent.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	events, unsub := e.bus.Subscribe("transport.recv", 256)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.cancel = cancel
	e.unsub = unsub
	e.done = done
	go e.loop(ctx, events, done)
}

// Stop halts push consumption and waits for the loop to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	unsub := e.unsub
	done := e.done
	e.cancel = nil
	e.unsub = nil
	e.done = nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	unsub()
	<-done
}

func (e *Engine) loop(ctx context.Context, events <-chan bus.Event, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			raw, isBytes := evt.Payload.([]byte)
			if !isBytes {
				continue
			}
			snap, active := e.handle.Current()
			if !active || snap.Owner != evt.Session {
				// Payload tagged for a session that is no longer current.
				e.logger.Debug("dropping push for inactive session",
					zap.Int64("tagged_user", evt.Session))
				continue
			}
			e.HandlePush(ctx, snap, raw)
		}
	}
}

// HandlePush decodes one push payload and reconciles it into the store and
// the roster. A payload that fails envelope decoding is logged and dropped;
// inner content never fails, it degrades to plain text.
func (e *Engine) HandlePush(ctx context.Context, snap session.Snapshot, raw []byte) {
	env, err := codec.DecodeEnvelope(raw)
	if err != nil {
		e.logger.Warn("discarding malformed push", zap.Error(err))
		return
	}

	content := codec.DecodeContent(env.MsgType, env.Content)
	display := codec.Clock(env.CreatedTime)
	self := env.SenderID == snap.Owner

	// The session may have changed while the payload sat in the bus buffer.
	if !e.handle.Valid(snap) {
		e.logger.Debug("dropping push: session changed",
			zap.Int64("message_id", env.MessageID))
		return
	}

	if err := e.db.UpsertMessage(&store.Message{
		OwnerID:        snap.Owner,
		ConversationID: env.ConversationID,
		MsgID:          env.MessageID,
		SenderID:       env.SenderID,
		Content:        content.Body(),
		MsgType:        content.Type,
		DisplayTime:    display,
		Timestamp:      env.CreatedTime,
		Read:           self,
	}); err != nil {
		e.logger.Error("cache push message", zap.Error(err),
			zap.Int64("message_id", env.MessageID))
		return
	}

	conv := e.reg.Get(env.ConversationID)
	if conv == nil {
		// First message of a conversation this client has never seen, for
		// example a group someone just added us to. Pull a fresh list. The
		// merge hydrates the new entry's sequence from the store, which
		// already holds this message, and applies the server's unread
		// count, so nothing is appended on top of it.
		if err := e.RefreshRoster(ctx); err != nil {
			e.logger.Warn("roster refresh for unknown conversation failed",
				zap.Int64("conversation_id", env.ConversationID), zap.Error(err))
		}
		if conv = e.reg.Get(env.ConversationID); conv != nil {
			conv.SetSummary(codec.Preview(content), display)
		}
	} else {
		echo := self && conv.TailText() == content.Body()
		if !echo {
			conv.Append(roster.Message{
				MsgID:       env.MessageID,
				SenderID:    env.SenderID,
				SenderName:  e.db.DisplayName(env.SenderID),
				Self:        self,
				Content:     content.Body(),
				MsgType:     content.Type,
				DisplayTime: display,
				Read:        self,
			})
			if !self {
				conv.IncrementUnread()
			}
		}
		conv.SetSummary(codec.Preview(content), display)
	}

	e.bus.Publish(bus.Event{
		Kind:      "message.upserted",
		Session:   snap.Owner,
		Timestamp: time.Now(),
		Payload: Update{
			ConversationID: env.ConversationID,
			MessageID:      env.MessageID,
			Self:           self,
		},
	})
}

// SyncHistory reconciles one conversation against the server's full history.
// Rows already cached are never overwritten, so a push that arrived first
// wins over its history twin. On success the conversation's in-memory
// sequence is rebuilt from the store in ascending message-id order.
func (e *Engine) SyncHistory(ctx context.Context, conversationID int64) error {
	snap, ok := e.handle.Current()
	if !ok {
		return ErrNoSession
	}

	items := e.gw.MessageHistory(ctx, snap.Owner, conversationID)
	if items == nil {
		return fmt.Errorf("%w: message history", ErrGateway)
	}
	if !e.handle.Valid(snap) {
		return ErrStaleSession
	}

	for _, it := range items {
		content := codec.DecodeContent(it.MsgType, it.Content)
		ts, parsed := codec.ParseServerTime(it.CreatedTime)
		if !parsed {
			ts = time.Now().UnixMilli()
		}
		self := it.SenderID == snap.Owner
		if _, err := e.db.InsertMessageIfAbsent(&store.Message{
			OwnerID:        snap.Owner,
			ConversationID: conversationID,
			MsgID:          it.MessageID,
			SenderID:       it.SenderID,
			Content:        content.Body(),
			MsgType:        content.Type,
			DisplayTime:    codec.Clock(ts),
			Timestamp:      ts,
			Read:           self,
		}); err != nil {
			return fmt.Errorf("cache history message %d: %w", it.MessageID, err)
		}
	}

	seq, err := e.loadSequence(snap.Owner, conversationID)
	if err != nil {
		return err
	}
	if conv := e.reg.Get(conversationID); conv != nil {
		conv.ReplaceSequence(seq)
	}
	e.logger.Info("history synced",
		zap.Int64("conversation_id", conversationID),
		zap.Int("fetched", len(items)),
		zap.Int("sequence", len(seq)))
	return nil
}

// loadSequence reads a conversation's cached messages as roster entries.
func (e *Engine) loadSequence(ownerID, conversationID int64) ([]roster.Message, error) {
	rows, err := e.db.ListMessages(ownerID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load cached messages: %w", err)
	}
	seq := make([]roster.Message, 0, len(rows))
	for _, m := range rows {
		seq = append(seq, roster.Message{
			MsgID:       m.MsgID,
			SenderID:    m.SenderID,
			SenderName:  e.db.DisplayName(m.SenderID),
			Self:        m.SenderID == ownerID,
			Content:     m.Content,
			MsgType:     m.MsgType,
			DisplayTime: m.DisplayTime,
			Read:        m.Read,
		})
	}
	return seq, nil
}

// RefreshRoster merges a fresh server conversation list into the registry.
// A failed fetch changes nothing.
func (e *Engine) RefreshRoster(ctx context.Context) error {
	snap, ok := e.handle.Current()
	if !ok {
		return ErrNoSession
	}
	list := e.gw.ListConversations(ctx, snap.Owner)
	if list == nil {
		return fmt.Errorf("%w: conversation list", ErrGateway)
	}
	if !e.handle.Valid(snap) {
		return ErrStaleSession
	}
	e.reg.Merge(list, func(conversationID int64) []roster.Message {
		seq, err := e.loadSequence(snap.Owner, conversationID)
		if err != nil {
			e.logger.Warn("hydrate conversation from cache failed",
				zap.Int64("conversation_id", conversationID), zap.Error(err))
			return nil
		}
		return seq
	})
	return nil
}

// SyncUsers refreshes the cached user directory.
func (e *Engine) SyncUsers(ctx context.Context) error {
	if _, ok := e.handle.Current(); !ok {
		return ErrNoSession
	}
	users := e.gw.ListUsers(ctx)
	if users == nil {
		return fmt.Errorf("%w: user directory", ErrGateway)
	}
	now := time.Now().UnixMilli()
	rows := make([]store.User, 0, len(users))
	for _, u := range users {
		rows = append(rows, store.User{
			UserID:      u.UserID,
			DisplayName: u.Username,
			AvatarURL:   u.AvatarURL,
			SyncedAt:    now,
		})
	}
	if err := e.db.BulkUpsertUsers(rows); err != nil {
		return fmt.Errorf("cache user directory: %w", err)
	}
	return nil
}

// SendText sends a plain text message.
func (e *Engine) SendText(ctx context.Context, conversationID int64, text string) (int64, error) {
	return e.send(ctx, conversationID, codec.TypeText, codec.EncodeText(text))
}

// SendImage sends an image as a base64 data URL.
func (e *Engine) SendImage(ctx context.Context, conversationID int64, base64 string) (int64, error) {
	return e.send(ctx, conversationID, codec.TypeImage, codec.EncodeImage(base64))
}

// SendVideo sends a video link.
func (e *Engine) SendVideo(ctx context.Context, conversationID int64, link string) (int64, error) {
	return e.send(ctx, conversationID, codec.TypeVideo, codec.EncodeVideo(link))
}

// SendCard shares a to-do task card.
func (e *Engine) SendCard(ctx context.Context, conversationID int64, card codec.TodoCard) (int64, error) {
	return e.send(ctx, conversationID, codec.TypeCard, codec.EncodeCard(card))
}

// send submits a message through the gateway. The local cache and roster are
// touched only after the server acknowledged with a message id; a rejected
// send leaves every local structure exactly as it was.
func (e *Engine) send(ctx context.Context, conversationID int64, msgType int, wire string) (int64, error) {
	snap, ok := e.handle.Current()
	if !ok {
		return 0, ErrNoSession
	}

	res := e.gw.SendMessage(ctx, snap.Owner, conversationID, msgType, wire)
	if res == nil {
		return 0, fmt.Errorf("%w: send message", ErrGateway)
	}
	if !e.handle.Valid(snap) {
		return res.MessageID, ErrStaleSession
	}

	content := codec.DecodeContent(msgType, wire)
	ts, parsed := codec.ParseServerTime(res.CreatedTime)
	if !parsed {
		ts = time.Now().UnixMilli()
	}
	display := codec.Clock(ts)

	if err := e.db.UpsertMessage(&store.Message{
		OwnerID:        snap.Owner,
		ConversationID: conversationID,
		MsgID:          res.MessageID,
		SenderID:       snap.Owner,
		Content:        content.Body(),
		MsgType:        content.Type,
		DisplayTime:    display,
		Timestamp:      ts,
		Read:           true,
	}); err != nil {
		return res.MessageID, fmt.Errorf("cache sent message: %w", err)
	}

	if conv := e.reg.Get(conversationID); conv != nil {
		conv.Append(roster.Message{
			MsgID:       res.MessageID,
			SenderID:    snap.Owner,
			SenderName:  e.db.DisplayName(snap.Owner),
			Self:        true,
			Content:     content.Body(),
			MsgType:     content.Type,
			DisplayTime: display,
			Read:        true,
		})
		conv.SetSummary(codec.Preview(content), display)
	}

	e.bus.Publish(bus.Event{
		Kind:      "message.upserted",
		Session:   snap.Owner,
		Timestamp: time.Now(),
		Payload: Update{
			ConversationID: conversationID,
			MessageID:      res.MessageID,
			Self:           true,
		},
	})
	return res.MessageID, nil
}

// CreateConversation asks the server for a new conversation and registers it
// locally. The server deduplicates peer conversations and may return an
// existing id.
func (e *Engine) CreateConversation(ctx context.Context, convType int, name string, targetUserIDs []int64) (int64, error) {
	snap, ok := e.handle.Current()
	if !ok {
		return 0, ErrNoSession
	}
	id, created := e.gw.CreateConversation(ctx, snap.Owner, convType, name, targetUserIDs)
	if !created {
		return 0, fmt.Errorf("%w: create conversation", ErrGateway)
	}
	if !e.handle.Valid(snap) {
		return id, ErrStaleSession
	}
	e.reg.Add(id, convType, name)
	return id, nil
}

// AddMembers invites users into a group conversation.
func (e *Engine) AddMembers(ctx context.Context, conversationID int64, targetUserIDs []int64) error {
	snap, ok := e.handle.Current()
	if !ok {
		return ErrNoSession
	}
	if !e.gw.AddMembers(ctx, snap.Owner, conversationID, targetUserIDs) {
		return fmt.Errorf("%w: add members", ErrGateway)
	}
	return nil
}

// ClearUnread zeroes a conversation's unread count, server first so a failed
// request leaves the badge alone.
func (e *Engine) ClearUnread(ctx context.Context, conversationID int64) error {
	snap, ok := e.handle.Current()
	if !ok {
		return ErrNoSession
	}
	if !e.gw.ClearUnread(ctx, snap.Owner, conversationID) {
		return fmt.Errorf("%w: clear unread", ErrGateway)
	}
	if !e.handle.Valid(snap) {
		return ErrStaleSession
	}
	if err := e.db.MarkConversationRead(snap.Owner, conversationID); err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}
	if conv := e.reg.Get(conversationID); conv != nil {
		conv.ClearUnread()
	}
	return nil
}
