package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

// ID decodes an integer id sent either as a JSON number or as a numeric string.
// The presence service sends string ids, the chat service numbers.
type ID int64

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return errors.Wrapf(ErrMalformed, "invalid id %q", s)
	}
	*id = ID(v)
	return nil
}

// optString distinguishes an absent field from an explicit null.
type optString struct {
	Set   bool
	Null  bool
	Value string
}

func (o *optString) UnmarshalJSON(b []byte) error {
	o.Set = true
	if string(bytes.TrimSpace(b)) == "null" {
		o.Null = true
		return nil
	}
	return json.Unmarshal(b, &o.Value)
}

func (o optString) ptr() *string {
	if !o.Set || o.Null {
		return nil
	}
	v := o.Value
	return &v
}

// User is the server's user representation.
type User struct {
	ID            ID     `json:"id"`
	Username      string `json:"username"`
	FullName      string `json:"full_name"`
	ProfilePicURL string `json:"profile_pic_url"`
}

func (u User) ToUser() chat.User {
	name := strings.TrimSpace(u.FullName)
	if name == "" {
		name = u.Username
	}
	return chat.User{
		ID:          int64(u.ID),
		Username:    u.Username,
		DisplayName: name,
		AvatarURL:   u.ProfilePicURL,
	}
}

type replyDetails struct {
	ID        ID        `json:"id"`
	Content   optString `json:"content"`
	Sender    *User     `json:"sender"`
	ImageURL  optString `json:"image_url"`
	IsDeleted bool      `json:"is_deleted"`
}

// Message is the server's message representation, shared by REST and socket frames.
type Message struct {
	ID             ID            `json:"id"`
	Conversation   ID            `json:"conversation"`
	Sender         *User         `json:"sender"`
	Content        optString     `json:"content"`
	ImageURL       optString     `json:"image_url"`
	Timestamp      *time.Time    `json:"timestamp"`
	UpdatedAt      *time.Time    `json:"updated_at"`
	IsEdited       *bool         `json:"is_edited"`
	IsDeleted      *bool         `json:"is_deleted"`
	ReplyToMessage *ID           `json:"reply_to_message"`
	ReplyDetails   *replyDetails `json:"reply_to_message_details"`
}

func (m Message) replyTo(convID int64) *chat.Message {
	if m.ReplyDetails == nil || m.ReplyDetails.ID == 0 {
		return nil
	}
	r := chat.Message{
		ID:             int64(m.ReplyDetails.ID),
		ConversationID: convID,
		Content:        m.ReplyDetails.Content.ptr(),
		ImageURL:       m.ReplyDetails.ImageURL.ptr(),
		Deleted:        m.ReplyDetails.IsDeleted,
	}
	if m.ReplyDetails.Sender != nil {
		r.Sender = m.ReplyDetails.Sender.ToUser()
	}
	return &r
}

// ToMessage validates the required fields and converts to the domain type.
func (m Message) ToMessage() (chat.Message, error) {
	switch {
	case m.ID == 0:
		return chat.Message{}, errors.Wrap(ErrMissingField, "message.id")
	case m.Conversation == 0:
		return chat.Message{}, errors.Wrap(ErrMissingField, "message.conversation")
	case m.Sender == nil || m.Sender.ID == 0:
		return chat.Message{}, errors.Wrap(ErrMissingField, "message.sender")
	case m.Timestamp == nil || m.Timestamp.IsZero():
		return chat.Message{}, errors.Wrap(ErrMissingField, "message.timestamp")
	}
	out := chat.Message{
		ID:             int64(m.ID),
		ConversationID: int64(m.Conversation),
		Sender:         m.Sender.ToUser(),
		Content:        m.Content.ptr(),
		ImageURL:       m.ImageURL.ptr(),
		Timestamp:      *m.Timestamp,
		ReplyTo:        m.replyTo(int64(m.Conversation)),
	}
	if m.UpdatedAt != nil {
		out.UpdatedAt = *m.UpdatedAt
	}
	if m.IsEdited != nil {
		out.Edited = *m.IsEdited
	}
	if m.IsDeleted != nil {
		out.Deleted = *m.IsDeleted
	}
	return out, nil
}

// ToPatch converts an update payload. Only the id is required.
func (m Message) ToPatch() (chat.MessagePatch, error) {
	if m.ID == 0 {
		return chat.MessagePatch{}, errors.Wrap(ErrMissingField, "message.id")
	}
	p := chat.MessagePatch{
		ID:             int64(m.ID),
		ConversationID: int64(m.Conversation),
		Content:        m.Content.ptr(),
		ClearContent:   m.Content.Set && m.Content.Null,
		ImageURL:       m.ImageURL.ptr(),
		ClearImage:     m.ImageURL.Set && m.ImageURL.Null,
		Timestamp:      m.Timestamp,
		UpdatedAt:      m.UpdatedAt,
		Edited:         m.IsEdited,
		Deleted:        m.IsDeleted,
		ReplyTo:        m.replyTo(int64(m.Conversation)),
	}
	return p, nil
}

// Conversation is the server's conversation representation.
type Conversation struct {
	ID           ID        `json:"id"`
	Participants []User    `json:"participants"`
	LastMessage  *Message  `json:"last_message"`
	UnreadCount  *int      `json:"unread_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ToConversation converts to the domain type. A malformed last_message is dropped
// rather than failing the whole conversation.
func (c Conversation) ToConversation() (chat.Conversation, error) {
	if c.ID == 0 {
		return chat.Conversation{}, errors.Wrap(ErrMissingField, "conversation.id")
	}
	users := make([]chat.User, 0, len(c.Participants))
	for _, p := range c.Participants {
		users = append(users, p.ToUser())
	}
	out := chat.Conversation{
		ID:           int64(c.ID),
		Participants: chat.SortParticipants(users),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
	if c.UnreadCount != nil && *c.UnreadCount > 0 {
		out.UnreadCount = uint(*c.UnreadCount)
	}
	if c.LastMessage != nil {
		if m, err := c.LastMessage.ToMessage(); err == nil {
			out.LastMessage = &m
		}
	}
	return out, nil
}

// AuthResponse is returned by login.
type AuthResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
	User    User   `json:"user"`
	Message string `json:"message"`
}

// ErrorResponse is the service's error body.
type ErrorResponse struct {
	Detail string `json:"detail"`
}
