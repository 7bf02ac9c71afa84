// Package directory maintains the sorted list of conversation summaries, their
// unread counters and the current selection.
package directory

import (
	"slices"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

// Upsert describes what an inbound message did to the directory.
type Upsert struct {
	ConversationID int64
	Changed        bool
	Created        bool
	// Notify is set when a new conversation appeared that the user is not looking at.
	Notify string
}

// Directory is owned by the session loop and is not safe for concurrent use.
type Directory struct {
	self     chat.User
	convs    []chat.Conversation
	selected int64
	pending  *chat.User
	// message ids already counted as unread, per conversation
	counted map[int64]map[int64]struct{}

	refreshing bool
}

func New() *Directory {
	return &Directory{counted: map[int64]map[int64]struct{}{}}
}

// countUnread records the message as unread and reports whether it was new.
func (d *Directory) countUnread(convID, msgID int64) bool {
	if d.counted == nil {
		d.counted = map[int64]map[int64]struct{}{}
	}
	ids := d.counted[convID]
	if ids == nil {
		ids = map[int64]struct{}{}
		d.counted[convID] = ids
	}
	if _, ok := ids[msgID]; ok {
		return false
	}
	ids[msgID] = struct{}{}
	return true
}

// SetSelf sets the authenticated user, used as the local participant of stubs.
func (d *Directory) SetSelf(u chat.User) { d.self = u }

func (d *Directory) Self() chat.User { return d.self }

func (d *Directory) Selected() int64 { return d.selected }

// Pending returns the user a not-yet-existing conversation is being started with.
func (d *Directory) Pending() (chat.User, bool) {
	if d.pending == nil {
		return chat.User{}, false
	}
	return *d.pending, true
}

// Replace installs a freshly fetched conversation list.
func (d *Directory) Replace(convs []chat.Conversation) {
	next := make([]chat.Conversation, 0, len(convs))
	seen := make(map[int64]struct{}, len(convs))
	for _, c := range convs {
		if c.ID == 0 {
			continue
		}
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		c = c.Clone()
		c.Participants = chat.SortParticipants(c.Participants)
		next = append(next, c)
	}
	chat.SortConversations(next)
	d.convs = next
	d.counted = map[int64]map[int64]struct{}{}
}

// Clear forgets everything, including the selection and the local user.
func (d *Directory) Clear() {
	d.self = chat.User{}
	d.convs = nil
	d.counted = map[int64]map[int64]struct{}{}
	d.selected = 0
	d.pending = nil
	d.refreshing = false
}

// BeginRefresh guards against concurrent list fetches.
func (d *Directory) BeginRefresh() bool {
	if d.refreshing {
		return false
	}
	d.refreshing = true
	return true
}

func (d *Directory) EndRefresh() { d.refreshing = false }

// UpsertFromMessage folds a new message into the directory.
func (d *Directory) UpsertFromMessage(m chat.Message, isSelf bool, selectedID int64, foreground bool) Upsert {
	res := Upsert{ConversationID: m.ConversationID}
	if m.ConversationID == 0 {
		return res
	}
	selected := selectedID != 0 && selectedID == m.ConversationID

	if i := d.indexOf(m.ConversationID); i >= 0 {
		c := &d.convs[i]
		duplicate := c.LastMessage != nil && c.LastMessage.ID == m.ID
		if c.LastMessage == nil || duplicate || chat.CompareMessages(m, *c.LastMessage) >= 0 {
			lm := m.Clone()
			c.LastMessage = &lm
		}
		if m.Timestamp.After(c.UpdatedAt) {
			c.UpdatedAt = m.Timestamp
		}
		switch {
		case isSelf || (selected && foreground):
			c.UnreadCount = 0
			delete(d.counted, c.ID)
		case !duplicate && d.countUnread(c.ID, m.ID):
			c.UnreadCount++
		}
		res.Changed = true
		chat.SortConversations(d.convs)
		return res
	}

	var peer chat.User
	switch {
	case !isSelf:
		peer = m.Sender
	case d.pending != nil:
		peer = *d.pending
	default:
		return res
	}

	lm := m.Clone()
	stub := chat.Conversation{
		ID:           m.ConversationID,
		Participants: d.participants(peer),
		LastMessage:  &lm,
		CreatedAt:    m.Timestamp,
		UpdatedAt:    m.Timestamp,
	}
	if !isSelf && !selected {
		stub.UnreadCount = 1
		d.countUnread(stub.ID, m.ID)
		res.Notify = "New message from " + m.Sender.Name()
	}
	d.convs = slices.Insert(d.convs, 0, stub)
	chat.SortConversations(d.convs)
	res.Changed = true
	res.Created = true
	return res
}

func (d *Directory) participants(peer chat.User) []chat.User {
	if d.self.ID == 0 || d.self.ID == peer.ID {
		return []chat.User{peer}
	}
	return chat.SortParticipants([]chat.User{d.self, peer})
}

// UpsertFromEdit patches the summary whose last message was edited.
func (d *Directory) UpsertFromEdit(p chat.MessagePatch) bool {
	for i := range d.convs {
		c := &d.convs[i]
		if p.ConversationID != 0 && c.ID != p.ConversationID {
			continue
		}
		if c.LastMessage == nil || c.LastMessage.ID != p.ID {
			continue
		}
		lm := c.LastMessage.Clone()
		moved := p.Apply(&lm)
		c.LastMessage = &lm
		if moved {
			chat.SortConversations(d.convs)
		}
		return true
	}
	return false
}

// UpsertFromDelete replaces the summary's last message when it was the one
// deleted. replacement may be nil.
func (d *Directory) UpsertFromDelete(messageID, conversationID int64, replacement *chat.Message) bool {
	i := d.indexOf(conversationID)
	if i < 0 {
		return false
	}
	c := &d.convs[i]
	if c.LastMessage == nil || c.LastMessage.ID != messageID {
		return false
	}
	if replacement != nil {
		r := replacement.Clone()
		c.LastMessage = &r
	} else {
		c.LastMessage = nil
	}
	chat.SortConversations(d.convs)
	return true
}

// SelectConversation marks the conversation as open, resets its unread count
// and leaves pending mode. It reports whether the conversation is known.
func (d *Directory) SelectConversation(id int64) bool {
	d.selected = id
	d.pending = nil
	return d.MarkRead(id) || d.indexOf(id) >= 0
}

// SelectPendingUser starts a chat with a user. When a two-party conversation
// with the user exists it is selected and its id returned; otherwise the
// directory enters pending mode.
func (d *Directory) SelectPendingUser(u chat.User) (int64, bool) {
	if id, ok := d.FindWith(u.ID); ok {
		d.SelectConversation(id)
		return id, true
	}
	d.selected = 0
	user := u
	d.pending = &user
	return 0, false
}

// FindWith returns the conversation between self and the user.
func (d *Directory) FindWith(userID int64) (int64, bool) {
	for _, c := range d.convs {
		if !c.HasParticipant(userID) {
			continue
		}
		if d.self.ID != 0 && !c.HasParticipant(d.self.ID) {
			continue
		}
		if userID == d.self.ID && len(c.Participants) > 1 && c.Participants[0].ID != c.Participants[1].ID {
			continue
		}
		return c.ID, true
	}
	return 0, false
}

// Deselect leaves both the selected conversation and pending mode.
func (d *Directory) Deselect() {
	d.selected = 0
	d.pending = nil
}

// MarkRead resets the unread count and reports whether it changed.
func (d *Directory) MarkRead(id int64) bool {
	i := d.indexOf(id)
	if i < 0 || d.convs[i].UnreadCount == 0 {
		return false
	}
	d.convs[i].UnreadCount = 0
	delete(d.counted, id)
	return true
}

func (d *Directory) Get(id int64) (chat.Conversation, bool) {
	i := d.indexOf(id)
	if i < 0 {
		return chat.Conversation{}, false
	}
	return d.convs[i].Clone(), true
}

// List returns a copy of the sorted directory.
func (d *Directory) List() []chat.Conversation {
	out := make([]chat.Conversation, len(d.convs))
	for i, c := range d.convs {
		out[i] = c.Clone()
	}
	return out
}

// UnreadTotal sums unread counts over all conversations.
func (d *Directory) UnreadTotal() uint {
	var n uint
	for _, c := range d.convs {
		n += c.UnreadCount
	}
	return n
}

func (d *Directory) indexOf(id int64) int {
	if id == 0 {
		return -1
	}
	return slices.IndexFunc(d.convs, func(c chat.Conversation) bool { return c.ID == id })
}
