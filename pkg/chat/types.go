// Package chat holds the domain types shared by the synchronization core.
//
// Values are plain snapshots as received from the service. Components copy them
// in and out; nothing here is safe for concurrent mutation.
package chat

import (
	"strconv"
	"time"
)

// User is an immutable snapshot of a participant.
type User struct {
	ID          int64  `json:"id" yaml:"id"`
	Username    string `json:"username,omitempty" yaml:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty" yaml:"avatar_url,omitempty"`
}

// Name returns the best human-readable label for the user.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if u.Username != "" {
		return u.Username
	}
	return "user " + strconv.FormatInt(u.ID, 10)
}

// Message is a single chat message. Only server-confirmed messages, which
// always carry an ID, enter a list.
type Message struct {
	ID             int64     `json:"id,omitempty" yaml:"id,omitempty"`
	ConversationID int64     `json:"conversation_id" yaml:"conversation_id"`
	Sender         User      `json:"sender" yaml:"sender"`
	Content        *string   `json:"content" yaml:"content"`
	ImageURL       *string   `json:"image_url" yaml:"image_url"`
	Timestamp      time.Time `json:"timestamp" yaml:"timestamp"`
	UpdatedAt      time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
	Edited         bool      `json:"edited" yaml:"edited"`
	Deleted        bool      `json:"deleted" yaml:"deleted"`
	ReplyTo        *Message  `json:"reply_to,omitempty" yaml:"reply_to,omitempty"`
}

// SenderID is a shorthand for m.Sender.ID.
func (m Message) SenderID() int64 { return m.Sender.ID }

// Text returns the content or the empty string.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Clone returns a deep copy, so callers can hand out snapshots without sharing pointers.
func (m Message) Clone() Message {
	out := m
	if m.Content != nil {
		c := *m.Content
		out.Content = &c
	}
	if m.ImageURL != nil {
		i := *m.ImageURL
		out.ImageURL = &i
	}
	if m.ReplyTo != nil {
		r := m.ReplyTo.Clone()
		out.ReplyTo = &r
	}
	return out
}

// MessagePatch carries the fields of a message_updated frame. Nil fields were
// absent from the frame and are left untouched.
type MessagePatch struct {
	ID             int64
	ConversationID int64
	Content        *string
	ClearContent   bool
	ImageURL       *string
	ClearImage     bool
	Timestamp      *time.Time
	UpdatedAt      *time.Time
	Edited         *bool
	Deleted        *bool
	ReplyTo        *Message
}

// Apply merges the patch into m and reports whether the timestamp moved.
func (p MessagePatch) Apply(m *Message) bool {
	if m == nil {
		return false
	}
	if p.Content != nil {
		c := *p.Content
		m.Content = &c
	} else if p.ClearContent {
		m.Content = nil
	}
	if p.ImageURL != nil {
		i := *p.ImageURL
		m.ImageURL = &i
	} else if p.ClearImage {
		m.ImageURL = nil
	}
	if p.UpdatedAt != nil {
		m.UpdatedAt = *p.UpdatedAt
	}
	if p.Edited != nil {
		m.Edited = *p.Edited
	}
	if p.Deleted != nil {
		m.Deleted = *p.Deleted
	}
	if p.ReplyTo != nil {
		r := p.ReplyTo.Clone()
		m.ReplyTo = &r
	}
	if p.Timestamp != nil && !p.Timestamp.Equal(m.Timestamp) {
		m.Timestamp = *p.Timestamp
		return true
	}
	return false
}

// PatchFrom builds a patch that overwrites every field of a message with m's.
func PatchFrom(m Message) MessagePatch {
	ts, upd := m.Timestamp, m.UpdatedAt
	edited, deleted := m.Edited, m.Deleted
	p := MessagePatch{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		ClearContent:   m.Content == nil,
		ImageURL:       m.ImageURL,
		ClearImage:     m.ImageURL == nil,
		Timestamp:      &ts,
		Edited:         &edited,
		Deleted:        &deleted,
		ReplyTo:        m.ReplyTo,
	}
	if !upd.IsZero() {
		p.UpdatedAt = &upd
	}
	return p
}

// Conversation is a two-party conversation summary as shown in the directory.
type Conversation struct {
	ID           int64     `json:"id" yaml:"id"`
	Participants []User    `json:"participants" yaml:"participants"`
	LastMessage  *Message  `json:"last_message" yaml:"last_message"`
	UnreadCount  uint      `json:"unread_count" yaml:"unread_count"`
	CreatedAt    time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"updated_at"`
}

// ActivityTime is max(lastMessage.timestamp, updatedAt), the directory sort key.
func (c Conversation) ActivityTime() time.Time {
	t := c.UpdatedAt
	if c.LastMessage != nil && c.LastMessage.Timestamp.After(t) {
		t = c.LastMessage.Timestamp
	}
	return t
}

// HasParticipant reports whether the user takes part in the conversation.
func (c Conversation) HasParticipant(userID int64) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// Peer returns the participant that is not self. For a self-conversation it
// returns self.
func (c Conversation) Peer(selfID int64) (User, bool) {
	for _, p := range c.Participants {
		if p.ID != selfID {
			return p, true
		}
	}
	if len(c.Participants) > 0 {
		return c.Participants[0], true
	}
	return User{}, false
}

// Clone returns a deep copy.
func (c Conversation) Clone() Conversation {
	out := c
	out.Participants = append([]User(nil), c.Participants...)
	if c.LastMessage != nil {
		m := c.LastMessage.Clone()
		out.LastMessage = &m
	}
	return out
}

// StringPtr is a small helper for building optional string fields.
func StringPtr(s string) *string { return &s }
