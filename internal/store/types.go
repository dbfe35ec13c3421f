package store

// Message is a cached message row. (OwnerID, ConversationID, MsgID) is the
// unique key: the same server message seen via push and via history fetch
// collapses to one row, and rows cached for one logged-in user are invisible
// to every other.
type Message struct {
	ID             int64
	OwnerID        int64
	ConversationID int64
	MsgID          int64
	SenderID       int64
	Content        string
	MsgType        int
	DisplayTime    string
	Timestamp      int64
	Read           bool
}

// User is a cached directory entry. Directory rows are device-global (the
// server's user list is the same for everyone), so they carry no owner id.
type User struct {
	UserID      int64
	DisplayName string
	AvatarURL   string
	SyncedAt    int64
}
