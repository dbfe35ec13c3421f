// Package roster keeps the in-memory conversation list for the active
// session. It is the render model: the store is the durable truth, the
// roster is what a frontend reads. A refresh merges server state into it
// rather than rebuilding it, so loaded message sequences survive.
package roster

import (
	"sync"
	"time"

	"github.com/flybook/flybook/internal/bus"
	"github.com/flybook/flybook/internal/gateway"
)

// Registry is the set of known conversations, in server list order for new
// entries with previously known entries keeping their position.
type Registry struct {
	mu    sync.RWMutex
	convs map[int64]*Conversation
	order []int64
	bus   *bus.Bus
}

// NewRegistry creates an empty registry.
func NewRegistry(b *bus.Bus) *Registry {
	return &Registry{
		convs: make(map[int64]*Conversation),
		bus:   b,
	}
}

// Get returns the conversation with the given id, or nil.
func (r *Registry) Get(id int64) *Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.convs[id]
}

// All returns the conversations in registry order.
func (r *Registry) All() []*Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conversation, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.convs[id])
	}
	return out
}

// Len returns the number of known conversations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.convs)
}

// Merge folds a fresh server conversation list into the registry. Entries
// with a loaded sequence keep it and only take non-blank metadata and
// summary fields from the server. Entries with no messages yet, new or
// already registered, are hydrated through the given callback; if hydration
// yields nothing and the server reported a summary, a placeholder tail is
// seeded from it so the list shows a preview before the first history sync.
func (r *Registry) Merge(remote []gateway.Conversation, hydrate func(conversationID int64) []Message) {
	for _, rc := range remote {
		r.mu.Lock()
		conv, known := r.convs[rc.ConversationID]
		if !known {
			conv = &Conversation{ID: rc.ConversationID, Type: rc.Type}
			r.convs[rc.ConversationID] = conv
			r.order = append(r.order, rc.ConversationID)
		}
		r.mu.Unlock()

		conv.UpdateMeta(rc.Name, rc.AvatarURL)
		conv.SetSummary(rc.LastMsgContent, rc.LastMsgTime)
		conv.SetUnread(rc.UnreadCount)

		if conv.Len() > 0 {
			continue
		}
		msgs := hydrate(rc.ConversationID)
		if len(msgs) == 0 && rc.LastMsgContent != "" {
			msgs = []Message{{
				Content:     rc.LastMsgContent,
				DisplayTime: rc.LastMsgTime,
				Read:        rc.UnreadCount == 0,
			}}
		}
		if len(msgs) > 0 {
			conv.ReplaceSequence(msgs)
		}
	}

	if r.bus != nil {
		r.bus.Publish(bus.Event{
			Kind:      "roster.updated",
			Timestamp: time.Now(),
			Payload:   len(remote),
		})
	}
}

// Add registers a conversation created locally, ahead of the next refresh.
// Returns the existing entry if the id is already known.
func (r *Registry) Add(id int64, convType int, name string) *Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv, ok := r.convs[id]; ok {
		return conv
	}
	conv := &Conversation{ID: id, Type: convType, name: name}
	r.convs[id] = conv
	r.order = append(r.order, id)
	return conv
}

// Reset drops every conversation. Called on logout so nothing leaks into the
// next session.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.convs = make(map[int64]*Conversation)
	r.order = nil
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(bus.Event{
			Kind:      "roster.updated",
			Timestamp: time.Now(),
			Payload:   0,
		})
	}
}
