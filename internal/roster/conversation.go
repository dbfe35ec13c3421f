package roster

import "sync"

// Message is one rendered message in a conversation's in-memory sequence.
// MsgID 0 marks a seeded placeholder synthesized from a server-side summary;
// a real history sync replaces it.
type Message struct {
	MsgID       int64
	SenderID    int64
	SenderName  string
	Self        bool
	Content     string
	MsgType     int
	DisplayTime string
	Read        bool
}

// Conversation holds one conversation's metadata, summary fields and message
// sequence. All mutation goes through its mutex so there is a single writer
// per conversation at any moment.
type Conversation struct {
	ID   int64
	Type int

	mu          sync.Mutex
	name        string
	avatarURL   string
	lastContent string
	lastTime    string
	unread      int
	msgs        []Message
}

// Name returns the display name.
func (c *Conversation) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// AvatarURL returns the avatar URL.
func (c *Conversation) AvatarURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.avatarURL
}

// Summary returns the last-message preview, its display time and the unread
// count.
func (c *Conversation) Summary() (content, displayTime string, unread int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastContent, c.lastTime, c.unread
}

// UpdateMeta overwrites name and avatar, keeping the old value for any blank
// field the server sent.
func (c *Conversation) UpdateMeta(name, avatarURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name != "" {
		c.name = name
	}
	if avatarURL != "" {
		c.avatarURL = avatarURL
	}
}

// SetSummary overwrites the last-message preview and time. Blank values keep
// what is already there.
func (c *Conversation) SetSummary(content, displayTime string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if content != "" {
		c.lastContent = content
	}
	if displayTime != "" {
		c.lastTime = displayTime
	}
}

// IncrementUnread bumps the unread counter by one.
func (c *Conversation) IncrementUnread() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unread++
}

// SetUnread overwrites the unread counter.
func (c *Conversation) SetUnread(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unread = n
}

// ClearUnread resets the unread counter to zero and marks the in-memory
// sequence read.
func (c *Conversation) ClearUnread() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unread = 0
	for i := range c.msgs {
		c.msgs[i].Read = true
	}
}

// Unread returns the unread counter.
func (c *Conversation) Unread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

// Append adds one message to the end of the sequence. A message whose id is
// already present is skipped, so a push landing while a history reload is in
// flight cannot double the entry.
func (c *Conversation) Append(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.MsgID != 0 {
		// The sequence is ascending, so scan back only while ids could match.
		for i := len(c.msgs) - 1; i >= 0; i-- {
			if c.msgs[i].MsgID == msg.MsgID {
				return
			}
			if c.msgs[i].MsgID != 0 && c.msgs[i].MsgID < msg.MsgID {
				break
			}
		}
	}
	c.msgs = append(c.msgs, msg)
}

// ReplaceSequence swaps the whole message sequence for the given one, which
// must already be in ascending message-id order.
func (c *Conversation) ReplaceSequence(msgs []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append([]Message(nil), msgs...)
}

// Messages returns a copy of the message sequence.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs...)
}

// Len returns the number of messages in the sequence.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

// TailText returns the content of the newest message, or "" when the
// sequence is empty. Used to recognize a push echo of a message the user
// just sent.
func (c *Conversation) TailText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		return ""
	}
	return c.msgs[len(c.msgs)-1].Content
}
