package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/flybook/flybook/internal/bus"
	"github.com/flybook/flybook/internal/codec"
	"github.com/flybook/flybook/internal/gateway"
	"github.com/flybook/flybook/internal/roster"
	"github.com/flybook/flybook/internal/session"
	"github.com/flybook/flybook/internal/store"
	"go.uber.org/zap"
)

type fakeGateway struct {
	conversations []gateway.Conversation
	history       []gateway.HistoryMessage
	sendResult    *gateway.SendResult
	createID      int64
	createOK      bool
	addOK         bool
	clearOK       bool
	users         []gateway.DirectoryUser

	sends   int
	refetch int
}

func (f *fakeGateway) ListConversations(ctx context.Context, userID int64) []gateway.Conversation {
	f.refetch++
	return f.conversations
}

func (f *fakeGateway) MessageHistory(ctx context.Context, userID, conversationID int64) []gateway.HistoryMessage {
	return f.history
}

func (f *fakeGateway) SendMessage(ctx context.Context, userID, conversationID int64, msgType int, content string) *gateway.SendResult {
	f.sends++
	return f.sendResult
}

func (f *fakeGateway) CreateConversation(ctx context.Context, userID int64, convType int, name string, targetUserIDs []int64) (int64, bool) {
	return f.createID, f.createOK
}

func (f *fakeGateway) AddMembers(ctx context.Context, userID, conversationID int64, targetUserIDs []int64) bool {
	return f.addOK
}

func (f *fakeGateway) ClearUnread(ctx context.Context, userID, conversationID int64) bool {
	return f.clearOK
}

func (f *fakeGateway) ListUsers(ctx context.Context) []gateway.DirectoryUser {
	return f.users
}

type fixture struct {
	engine *Engine
	db     *store.DB
	gw     *fakeGateway
	reg    *roster.Registry
	bus    *bus.Bus
	handle *session.Handle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "flybook.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	b := bus.New()
	gw := &fakeGateway{}
	reg := roster.NewRegistry(b)
	handle := session.NewHandle()
	return &fixture{
		engine: NewEngine(db, gw, reg, b, handle, zap.NewNop()),
		db:     db,
		gw:     gw,
		reg:    reg,
		bus:    b,
		handle: handle,
	}
}

func pushPayload(msgID, convID, senderID int64, text string) []byte {
	return []byte(fmt.Sprintf(
		`{"msgType":1,"messageId":%d,"conversationId":%d,"senderId":%d,"content":"{\"text\":\"%s\"}","createdTime":%d}`,
		msgID, convID, senderID, text, time.Now().UnixMilli()))
}

func TestHandlePushCachesAndAppends(t *testing.T) {
	f := newFixture(t)
	snap := f.handle.Begin(1001)
	conv := f.reg.Add(7, gateway.ConversationPeer, "alice")

	f.engine.HandlePush(context.Background(), snap, pushPayload(1, 7, 2002, "hello"))

	rows, err := f.db.ListMessages(1001, 7)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(rows) != 1 || rows[0].Content != "hello" {
		t.Fatalf("cached rows = %+v", rows)
	}
	if rows[0].Read {
		t.Error("message from another user cached as read")
	}

	msgs := conv.Messages()
	if len(msgs) != 1 || msgs[0].Content != "hello" || msgs[0].Self {
		t.Fatalf("roster messages = %+v", msgs)
	}
	if got := conv.Unread(); got != 1 {
		t.Errorf("unread = %d, want 1", got)
	}
	content, _, _ := conv.Summary()
	if content != "hello" {
		t.Errorf("summary = %q, want hello", content)
	}
}

func TestDuplicatePushIsIdempotent(t *testing.T) {
	f := newFixture(t)
	snap := f.handle.Begin(1001)
	f.reg.Add(7, gateway.ConversationPeer, "alice")

	payload := pushPayload(1, 7, 2002, "hello")
	f.engine.HandlePush(context.Background(), snap, payload)
	f.engine.HandlePush(context.Background(), snap, payload)

	rows, _ := f.db.ListMessages(1001, 7)
	if len(rows) != 1 {
		t.Fatalf("cached rows = %d, want 1", len(rows))
	}
}

func TestOwnPushEchoIsNotDuplicated(t *testing.T) {
	f := newFixture(t)
	f.handle.Begin(1001)
	conv := f.reg.Add(7, gateway.ConversationPeer, "alice")
	f.gw.sendResult = &gateway.SendResult{MessageID: 42, ConversationID: 7}

	if _, err := f.engine.SendText(context.Background(), 7, "on my way"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	// The server pushes the sent message back on the socket.
	snap, _ := f.handle.Current()
	f.engine.HandlePush(context.Background(), snap, pushPayload(42, 7, 1001, "on my way"))

	if got := conv.Len(); got != 1 {
		t.Fatalf("roster length = %d, want 1 after echo", got)
	}
	if got := conv.Unread(); got != 0 {
		t.Errorf("unread = %d after own echo, want 0", got)
	}
	rows, _ := f.db.ListMessages(1001, 7)
	if len(rows) != 1 {
		t.Fatalf("cached rows = %d, want 1", len(rows))
	}
}

func TestSelfPushDoesNotIncrementUnread(t *testing.T) {
	f := newFixture(t)
	snap := f.handle.Begin(1001)
	conv := f.reg.Add(7, gateway.ConversationPeer, "alice")

	// Own message arriving from another device: appended but read.
	f.engine.HandlePush(context.Background(), snap, pushPayload(5, 7, 1001, "from my phone"))

	if got := conv.Unread(); got != 0 {
		t.Errorf("unread = %d, want 0", got)
	}
	msgs := conv.Messages()
	if len(msgs) != 1 || !msgs[0].Self || !msgs[0].Read {
		t.Fatalf("roster messages = %+v", msgs)
	}
}

func TestStalePushIsDropped(t *testing.T) {
	f := newFixture(t)
	old := f.handle.Begin(1001)
	f.reg.Add(7, gateway.ConversationPeer, "alice")

	f.handle.End()
	f.handle.Begin(2002)

	f.engine.HandlePush(context.Background(), old, pushPayload(1, 7, 3003, "late"))

	for _, owner := range []int64{1001, 2002} {
		n, err := f.db.MessageCount(owner)
		if err != nil {
			t.Fatalf("MessageCount: %v", err)
		}
		if n != 0 {
			t.Errorf("owner %d has %d cached messages, want 0", owner, n)
		}
	}
}

func TestUnknownConversationTriggersRefresh(t *testing.T) {
	f := newFixture(t)
	snap := f.handle.Begin(1001)
	f.gw.conversations = []gateway.Conversation{
		{ConversationID: 9, Type: gateway.ConversationGroup, Name: "new group", UnreadCount: 1},
	}

	f.engine.HandlePush(context.Background(), snap, pushPayload(1, 9, 2002, "welcome"))

	if f.gw.refetch != 1 {
		t.Fatalf("roster refetches = %d, want 1", f.gw.refetch)
	}
	conv := f.reg.Get(9)
	if conv == nil {
		t.Fatal("conversation 9 not registered after refresh")
	}
	if got := conv.Name(); got != "new group" {
		t.Errorf("name = %q, want %q", got, "new group")
	}

	// The merge hydrated the pushed message from the store and applied the
	// server's unread count; the push path must not add on top of that.
	msgs := conv.Messages()
	if len(msgs) != 1 {
		t.Fatalf("sequence length = %d, want 1 (got %+v)", len(msgs), msgs)
	}
	if msgs[0].MsgID != 1 || msgs[0].Content != "welcome" {
		t.Errorf("hydrated message = %+v", msgs[0])
	}
	if got := conv.Unread(); got != 1 {
		t.Errorf("unread = %d, want 1", got)
	}
	content, _, _ := conv.Summary()
	if content != "welcome" {
		t.Errorf("summary = %q, want welcome", content)
	}
}

func TestSyncHistoryNeverOverwritesCachedRows(t *testing.T) {
	f := newFixture(t)
	snap := f.handle.Begin(1001)
	f.reg.Add(7, gateway.ConversationPeer, "alice")

	// Push for message 5 lands before the history fetch returns.
	f.engine.HandlePush(context.Background(), snap, pushPayload(5, 7, 2002, "pushed first"))

	f.gw.history = []gateway.HistoryMessage{
		{MessageID: 5, ConversationID: 7, SenderID: 2002, MsgType: 1,
			Content: `{"text":"history copy"}`, CreatedTime: "2026-08-30T10:00:00"},
		{MessageID: 4, ConversationID: 7, SenderID: 1001, MsgType: 1,
			Content: `{"text":"earlier"}`, CreatedTime: "2026-08-30T09:59:00"},
	}
	if err := f.engine.SyncHistory(context.Background(), 7); err != nil {
		t.Fatalf("SyncHistory: %v", err)
	}

	rows, _ := f.db.ListMessages(1001, 7)
	if len(rows) != 2 {
		t.Fatalf("cached rows = %d, want 2", len(rows))
	}
	if rows[0].MsgID != 4 || rows[1].MsgID != 5 {
		t.Errorf("order = [%d %d], want [4 5]", rows[0].MsgID, rows[1].MsgID)
	}
	if rows[1].Content != "pushed first" {
		t.Errorf("message 5 content = %q, push copy must win", rows[1].Content)
	}

	msgs := f.reg.Get(7).Messages()
	if len(msgs) != 2 || msgs[0].MsgID != 4 || msgs[1].MsgID != 5 {
		t.Fatalf("roster sequence = %+v", msgs)
	}
}

func TestSyncHistoryFailureKeepsLocalState(t *testing.T) {
	f := newFixture(t)
	snap := f.handle.Begin(1001)
	conv := f.reg.Add(7, gateway.ConversationPeer, "alice")
	f.engine.HandlePush(context.Background(), snap, pushPayload(1, 7, 2002, "kept"))

	f.gw.history = nil
	if err := f.engine.SyncHistory(context.Background(), 7); err == nil {
		t.Fatal("expected error from failed history fetch")
	}
	if got := conv.Len(); got != 1 {
		t.Errorf("roster length = %d, want 1", got)
	}
	rows, _ := f.db.ListMessages(1001, 7)
	if len(rows) != 1 || rows[0].Content != "kept" {
		t.Errorf("cached rows = %+v", rows)
	}
}

func TestSendFailureChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.handle.Begin(1001)
	conv := f.reg.Add(7, gateway.ConversationPeer, "alice")
	f.gw.sendResult = nil

	if _, err := f.engine.SendText(context.Background(), 7, "never lands"); err == nil {
		t.Fatal("expected error from rejected send")
	}
	if got := conv.Len(); got != 0 {
		t.Errorf("roster length = %d, want 0", got)
	}
	n, _ := f.db.MessageCount(1001)
	if n != 0 {
		t.Errorf("cached messages = %d, want 0", n)
	}
}

func TestSendCachesAfterAcknowledgement(t *testing.T) {
	f := newFixture(t)
	f.handle.Begin(1001)
	conv := f.reg.Add(7, gateway.ConversationPeer, "alice")
	f.gw.sendResult = &gateway.SendResult{
		MessageID: 42, ConversationID: 7, CreatedTime: "2026-08-30T10:30:00",
	}

	id, err := f.engine.SendText(context.Background(), 7, "hello there")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if id != 42 {
		t.Errorf("message id = %d, want 42", id)
	}

	rows, _ := f.db.ListMessages(1001, 7)
	if len(rows) != 1 || rows[0].MsgID != 42 || !rows[0].Read {
		t.Fatalf("cached rows = %+v", rows)
	}
	msgs := conv.Messages()
	if len(msgs) != 1 || !msgs[0].Self || msgs[0].Content != "hello there" {
		t.Fatalf("roster messages = %+v", msgs)
	}
}

func TestSendCardPreview(t *testing.T) {
	f := newFixture(t)
	f.handle.Begin(1001)
	conv := f.reg.Add(7, gateway.ConversationGroup, "team")
	f.gw.sendResult = &gateway.SendResult{MessageID: 8, ConversationID: 7}

	card := codec.TodoCard{TaskID: 3, Title: "ship it", Deadline: "2026-09-05"}
	if _, err := f.engine.SendCard(context.Background(), 7, card); err != nil {
		t.Fatalf("SendCard: %v", err)
	}
	content, _, _ := conv.Summary()
	if content != "[todo]" {
		t.Errorf("summary = %q, want [todo]", content)
	}
}

func TestSendWithoutSession(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.SendText(context.Background(), 7, "hi"); err != ErrNoSession {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
	if f.gw.sends != 0 {
		t.Errorf("gateway sends = %d, want 0", f.gw.sends)
	}
}

func TestClearUnreadServerFirst(t *testing.T) {
	f := newFixture(t)
	snap := f.handle.Begin(1001)
	conv := f.reg.Add(7, gateway.ConversationPeer, "alice")
	f.engine.HandlePush(context.Background(), snap, pushPayload(1, 7, 2002, "unread one"))

	f.gw.clearOK = false
	if err := f.engine.ClearUnread(context.Background(), 7); err == nil {
		t.Fatal("expected error when server rejects clear")
	}
	if got := conv.Unread(); got != 1 {
		t.Fatalf("unread = %d after rejected clear, want 1", got)
	}

	f.gw.clearOK = true
	if err := f.engine.ClearUnread(context.Background(), 7); err != nil {
		t.Fatalf("ClearUnread: %v", err)
	}
	if got := conv.Unread(); got != 0 {
		t.Errorf("unread = %d, want 0", got)
	}
	rows, _ := f.db.ListMessages(1001, 7)
	if !rows[0].Read {
		t.Error("cached message still unread after clear")
	}
}

func TestSyncUsersCachesDirectory(t *testing.T) {
	f := newFixture(t)
	f.handle.Begin(1001)
	f.gw.users = []gateway.DirectoryUser{
		{UserID: 2002, Username: "alice", AvatarURL: "http://x/a.png"},
		{UserID: 3003, Username: "bob"},
	}

	if err := f.engine.SyncUsers(context.Background()); err != nil {
		t.Fatalf("SyncUsers: %v", err)
	}
	if got := f.db.DisplayName(2002); got != "alice" {
		t.Errorf("DisplayName(2002) = %q, want alice", got)
	}
	n, _ := f.db.UserCount()
	if n != 2 {
		t.Errorf("user count = %d, want 2", n)
	}
}

func TestRefreshRosterFailureChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.handle.Begin(1001)
	f.reg.Add(7, gateway.ConversationPeer, "alice")
	f.gw.conversations = nil

	if err := f.engine.RefreshRoster(context.Background()); err == nil {
		t.Fatal("expected error from failed list fetch")
	}
	if f.reg.Len() != 1 {
		t.Errorf("registry length = %d, want 1", f.reg.Len())
	}
}

func TestCreateConversationRegistersLocally(t *testing.T) {
	f := newFixture(t)
	f.handle.Begin(1001)
	f.gw.createID = 55
	f.gw.createOK = true

	id, err := f.engine.CreateConversation(context.Background(), gateway.ConversationGroup, "launch crew", []int64{2002, 3003})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if id != 55 {
		t.Errorf("id = %d, want 55", id)
	}
	if f.reg.Get(55) == nil {
		t.Fatal("new conversation not registered")
	}
}

func TestEngineLoopFiltersBySession(t *testing.T) {
	f := newFixture(t)
	f.handle.Begin(1001)
	f.reg.Add(7, gateway.ConversationPeer, "alice")

	f.engine.Start()
	defer f.engine.Stop()

	// Tagged for a different session: must be ignored.
	f.bus.Publish(bus.Event{Kind: "transport.recv", Session: 9999, Payload: pushPayload(1, 7, 2002, "wrong tag")})
	// Tagged for the active session: must be applied.
	f.bus.Publish(bus.Event{Kind: "transport.recv", Session: 1001, Payload: pushPayload(2, 7, 2002, "right tag")})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := f.db.MessageCount(1001)
		if err != nil {
			t.Fatalf("MessageCount: %v", err)
		}
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	rows, _ := f.db.ListMessages(1001, 7)
	if len(rows) != 1 || rows[0].MsgID != 2 {
		t.Fatalf("cached rows = %+v, want only message 2", rows)
	}
}
