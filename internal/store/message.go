package store

import "time"

// UpsertMessage inserts or replaces a message row, idempotent on
// (owner_id, conversation_id, msg_id). Concurrent upserts of the same key
// settle on the last writer's content, never on a duplicate row.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (owner_id, conversation_id, msg_id, sender_id, content, msg_type, display_time, timestamp, read_flag, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, conversation_id, msg_id) DO UPDATE SET
			sender_id = excluded.sender_id,
			content = excluded.content,
			msg_type = excluded.msg_type,
			display_time = excluded.display_time,
			timestamp = excluded.timestamp,
			read_flag = excluded.read_flag`,
		m.OwnerID, m.ConversationID, m.MsgID, m.SenderID, m.Content, m.MsgType, m.DisplayTime, m.Timestamp, m.Read, now)
	return err
}

// InsertMessageIfAbsent inserts a message only when no row exists for its
// key. History reconciliation uses this so a row already cached (say, from a
// push delivery) is never overwritten by a history fetch. Returns whether a
// row was inserted.
func (db *DB) InsertMessageIfAbsent(m *Message) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO messages (owner_id, conversation_id, msg_id, sender_id, content, msg_type, display_time, timestamp, read_flag, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, conversation_id, msg_id) DO NOTHING`,
		m.OwnerID, m.ConversationID, m.MsgID, m.SenderID, m.Content, m.MsgType, m.DisplayTime, m.Timestamp, m.Read, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListMessages returns every cached message of a conversation belonging to
// owner, in ascending server message id order. Arrival order is irrelevant:
// the server id is the authoritative ordering key, with timestamp breaking
// ties for display purposes only.
func (db *DB) ListMessages(ownerID, conversationID int64) ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, owner_id, conversation_id, msg_id, sender_id, content, msg_type, display_time, timestamp, read_flag
		FROM messages
		WHERE owner_id = ? AND conversation_id = ?
		ORDER BY msg_id ASC, timestamp ASC`, ownerID, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.Content, &m.MsgType, &m.DisplayTime, &m.Timestamp, &m.Read); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkRead flips the read flag on a single cached message.
func (db *DB) MarkRead(ownerID, conversationID, msgID int64) error {
	_, err := db.Exec(`
		UPDATE messages SET read_flag = 1
		WHERE owner_id = ? AND conversation_id = ? AND msg_id = ?`,
		ownerID, conversationID, msgID)
	return err
}

// MarkConversationRead flips the read flag on every cached message of a
// conversation, mirroring a successful clear-unread call.
func (db *DB) MarkConversationRead(ownerID, conversationID int64) error {
	_, err := db.Exec(`
		UPDATE messages SET read_flag = 1
		WHERE owner_id = ? AND conversation_id = ?`,
		ownerID, conversationID)
	return err
}

// MessageCount returns the number of cached messages for an owner.
func (db *DB) MessageCount(ownerID int64) (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE owner_id = ?`, ownerID).Scan(&count)
	return count, err
}
