package gateway

// Conversation is a conversation-list entry as reported by the server,
// including the summary fields (last message preview, last time, unread
// count) that seed the in-memory roster.
type Conversation struct {
	ConversationID int64  `json:"conversationId"`
	Type           int    `json:"type"`
	Name           string `json:"name"`
	AvatarURL      string `json:"avatarUrl"`
	LastMsgContent string `json:"lastMsgContent"`
	LastMsgTime    string `json:"lastMsgTime"`
	UnreadCount    int    `json:"unreadCount"`
}

// Conversation type codes.
const (
	ConversationPeer  = 1
	ConversationGroup = 2
)

// HistoryMessage is one item of a history fetch. Unlike push payloads there
// is no envelope wrapper, but content follows the same inner convention.
type HistoryMessage struct {
	MessageID      int64  `json:"messageId"`
	ConversationID int64  `json:"conversationId"`
	SenderID       int64  `json:"senderId"`
	MsgType        int    `json:"msgType"`
	Content        string `json:"content"`
	CreatedTime    string `json:"createdTime"`
	Seq            int64  `json:"seq"`
}

// SendResult is the server's acknowledgement of a sent message, carrying the
// authoritative message id.
type SendResult struct {
	MessageID      int64  `json:"messageId"`
	ConversationID int64  `json:"conversationId"`
	SenderID       int64  `json:"senderId"`
	Seq            int64  `json:"seq"`
	MsgType        int    `json:"msgType"`
	Content        string `json:"content"`
	CreatedTime    string `json:"createdTime"`
}

// DirectoryUser is one entry of the server user directory.
type DirectoryUser struct {
	UserID    int64  `json:"userId"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl"`
}

type sendMessageRequest struct {
	ConversationID int64  `json:"conversationId"`
	MsgType        int    `json:"msgType"`
	Content        string `json:"content"`
}

type createConversationRequest struct {
	Type          int     `json:"type"`
	Name          string  `json:"name"`
	TargetUserIDs []int64 `json:"targetUserIds,omitempty"`
}

type addMembersRequest struct {
	ConversationID int64   `json:"conversationId"`
	TargetUserIDs  []int64 `json:"targetUserIds"`
}

type clearUnreadRequest struct {
	ConversationID int64 `json:"conversationId"`
}
