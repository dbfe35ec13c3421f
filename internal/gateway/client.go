// Package gateway wraps the FlyBook REST surface. Every call is stateless
// request/response; every failure mode (network error, non-2xx status,
// non-zero business code, unexpected payload) is caught here and normalized
// to an absent result, so callers degrade to "no change" instead of handling
// transport exceptions.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultTimeout = 15 * time.Second

// Client is the REST client for one FlyBook server.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// New creates a gateway client for the given base URL.
func New(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  logger,
	}
}

// apiEnvelope is the server's uniform response wrapper.
type apiEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// do issues one request and decodes the response envelope into out (which
// may be nil when the caller only cares about success). userID is sent as
// the X-User-Id credential; 0 means unauthenticated.
func (c *Client) do(ctx context.Context, method, path string, userID int64, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if userID != 0 {
		req.Header.Set("X-User-Id", strconv.FormatInt(userID, 10))
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Code != 0 {
		return fmt.Errorf("%s %s: server code %d: %s", method, path, env.Code, env.Msg)
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// ListConversations fetches the conversation list for a user. Returns nil on
// any failure: a nil list means "no response", which callers must treat as
// no change rather than an empty account.
func (c *Client) ListConversations(ctx context.Context, userID int64) []Conversation {
	var list []Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations/list", userID, nil, nil, &list); err != nil {
		c.logger.Warn("conversation list fetch failed", zap.Error(err))
		return nil
	}
	if list == nil {
		list = []Conversation{}
	}
	return list
}

// MessageHistory fetches the full message history of a conversation. Returns
// nil on failure.
func (c *Client) MessageHistory(ctx context.Context, userID, conversationID int64) []HistoryMessage {
	q := url.Values{"conversationId": {strconv.FormatInt(conversationID, 10)}}
	var items []HistoryMessage
	if err := c.do(ctx, http.MethodGet, "/api/messages/sync", userID, q, nil, &items); err != nil {
		c.logger.Warn("history fetch failed", zap.Int64("conversation_id", conversationID), zap.Error(err))
		return nil
	}
	if items == nil {
		items = []HistoryMessage{}
	}
	return items
}

// SendMessage persists a message server-side. Returns nil when the server
// did not acknowledge with a message id; the caller must then leave all
// local state untouched.
func (c *Client) SendMessage(ctx context.Context, userID, conversationID int64, msgType int, content string) *SendResult {
	body := sendMessageRequest{ConversationID: conversationID, MsgType: msgType, Content: content}
	var res SendResult
	if err := c.do(ctx, http.MethodPost, "/api/messages/send", userID, nil, body, &res); err != nil {
		c.logger.Warn("send failed", zap.Int64("conversation_id", conversationID), zap.Error(err))
		return nil
	}
	if res.MessageID == 0 {
		c.logger.Warn("send response missing message id", zap.Int64("conversation_id", conversationID))
		return nil
	}
	return &res
}

// CreateConversation creates a conversation (or resolves to an existing one
// with the same name and members, per server dedup). Returns the
// conversation id and whether the call succeeded.
func (c *Client) CreateConversation(ctx context.Context, userID int64, convType int, name string, targetUserIDs []int64) (int64, bool) {
	body := createConversationRequest{Type: convType, Name: name, TargetUserIDs: targetUserIDs}
	var id int64
	if err := c.do(ctx, http.MethodPost, "/api/conversations/create", userID, nil, body, &id); err != nil {
		c.logger.Warn("create conversation failed", zap.String("name", name), zap.Error(err))
		return 0, false
	}
	return id, id != 0
}

// AddMembers adds users to an existing conversation.
func (c *Client) AddMembers(ctx context.Context, userID, conversationID int64, targetUserIDs []int64) bool {
	body := addMembersRequest{ConversationID: conversationID, TargetUserIDs: targetUserIDs}
	if err := c.do(ctx, http.MethodPost, "/api/conversations/members/add", userID, nil, body, nil); err != nil {
		c.logger.Warn("add members failed", zap.Int64("conversation_id", conversationID), zap.Error(err))
		return false
	}
	return true
}

// ClearUnread resets the server-side unread counter for a conversation.
func (c *Client) ClearUnread(ctx context.Context, userID, conversationID int64) bool {
	body := clearUnreadRequest{ConversationID: conversationID}
	if err := c.do(ctx, http.MethodPost, "/api/conversations/unread/clear", userID, nil, body, nil); err != nil {
		c.logger.Warn("clear unread failed", zap.Int64("conversation_id", conversationID), zap.Error(err))
		return false
	}
	return true
}

// ListUsers fetches the server user directory. Returns nil on failure.
func (c *Client) ListUsers(ctx context.Context) []DirectoryUser {
	var users []DirectoryUser
	if err := c.do(ctx, http.MethodGet, "/api/users/list", 0, nil, nil, &users); err != nil {
		c.logger.Warn("user directory fetch failed", zap.Error(err))
		return nil
	}
	if users == nil {
		users = []DirectoryUser{}
	}
	return users
}
