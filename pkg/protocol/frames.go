// Package protocol decodes the JSON frames pushed over the conversation and
// presence sockets into a closed set of typed events.
//
// Decoding is strict: frames without a recognised "type" for their channel, or
// missing a field the event cannot do without, are rejected with an error that
// wraps one of the sentinel errors below. Callers log and drop rejected frames.
package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

var (
	ErrMalformed    = errors.New("malformed frame")
	ErrUnknownType  = errors.New("unknown frame type")
	ErrMissingField = errors.New("missing required field")
)

// Channel names the socket a frame arrived on.
type Channel string

const (
	ChannelConversation Channel = "conversation"
	ChannelPresence     Channel = "presence"
)

// EventType is the "type" discriminator of a frame.
type EventType string

const (
	TypeChatMessage    EventType = "chat_message"
	TypeMessageUpdated EventType = "message_updated"
	TypeMessageDeleted EventType = "message_deleted"
	TypeTypingStarted  EventType = "user_typing_started"
	TypeTypingStopped  EventType = "user_typing_stopped"
	TypeOnlineUsers    EventType = "online_users_list"
)

// Outbound frame types on the conversation channel.
const (
	outTypingStarted EventType = "typing_started"
	outTypingStopped EventType = "typing_stopped"
)

// Event is one decoded frame.
type Event interface {
	Type() EventType
}

// ChatMessage carries a newly created message.
type ChatMessage struct {
	Message chat.Message
}

// MessageUpdated carries a partial update of an existing message.
type MessageUpdated struct {
	Patch chat.MessagePatch
}

// MessageDeleted removes a message from a conversation.
type MessageDeleted struct {
	MessageID      int64
	ConversationID int64
}

// Typing reports that a user started or stopped composing.
type Typing struct {
	UserID         int64
	Username       string
	ConversationID int64
	Started        bool
}

// OnlineUsers is the full set of online user ids. It replaces any previous set.
type OnlineUsers struct {
	UserIDs []int64
}

func (ChatMessage) Type() EventType    { return TypeChatMessage }
func (MessageUpdated) Type() EventType { return TypeMessageUpdated }
func (MessageDeleted) Type() EventType { return TypeMessageDeleted }
func (OnlineUsers) Type() EventType    { return TypeOnlineUsers }

func (t Typing) Type() EventType {
	if t.Started {
		return TypeTypingStarted
	}
	return TypeTypingStopped
}

type envelope struct {
	Type EventType `json:"type"`
}

type decodeFunc func(data []byte) (Event, error)

var decoders = map[Channel]map[EventType]decodeFunc{
	ChannelConversation: {
		TypeChatMessage:    decodeChatMessage,
		TypeMessageUpdated: decodeMessageUpdated,
		TypeMessageDeleted: decodeMessageDeleted,
		TypeTypingStarted:  decodeTyping(true),
		TypeTypingStopped:  decodeTyping(false),
	},
	ChannelPresence: {
		TypeOnlineUsers: decodeOnlineUsers,
	},
}

// Decode parses one frame received on the given channel.
func Decode(ch Channel, data []byte) (Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, errors.Wrap(ErrMalformed, "frame is not a JSON object")
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if env.Type == "" {
		return nil, errors.Wrap(ErrMissingField, "type")
	}
	byType, ok := decoders[ch]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownType, "unknown channel %q", ch)
	}
	fn, ok := byType[env.Type]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownType, "%q on %s channel", env.Type, ch)
	}
	ev, err := fn(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "decode %s", env.Type)
	}
	return ev, nil
}

func unmarshalFrame(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		if errors.Is(err, ErrMalformed) {
			return err
		}
		return errors.Wrap(ErrMalformed, err.Error())
	}
	return nil
}

func decodeChatMessage(data []byte) (Event, error) {
	var f struct {
		Message *Message `json:"message"`
	}
	if err := unmarshalFrame(data, &f); err != nil {
		return nil, err
	}
	if f.Message == nil {
		return nil, errors.Wrap(ErrMissingField, "message")
	}
	m, err := f.Message.ToMessage()
	if err != nil {
		return nil, err
	}
	return ChatMessage{Message: m}, nil
}

func decodeMessageUpdated(data []byte) (Event, error) {
	var f struct {
		Message *Message `json:"message"`
	}
	if err := unmarshalFrame(data, &f); err != nil {
		return nil, err
	}
	if f.Message == nil {
		return nil, errors.Wrap(ErrMissingField, "message")
	}
	p, err := f.Message.ToPatch()
	if err != nil {
		return nil, err
	}
	return MessageUpdated{Patch: p}, nil
}

func decodeMessageDeleted(data []byte) (Event, error) {
	var f struct {
		MessageID      ID `json:"message_id"`
		ConversationID ID `json:"conversation_id"`
	}
	if err := unmarshalFrame(data, &f); err != nil {
		return nil, err
	}
	if f.MessageID == 0 {
		return nil, errors.Wrap(ErrMissingField, "message_id")
	}
	if f.ConversationID == 0 {
		return nil, errors.Wrap(ErrMissingField, "conversation_id")
	}
	return MessageDeleted{MessageID: int64(f.MessageID), ConversationID: int64(f.ConversationID)}, nil
}

func decodeTyping(started bool) decodeFunc {
	return func(data []byte) (Event, error) {
		var f struct {
			UserID         ID     `json:"user_id"`
			Username       string `json:"username"`
			ConversationID ID     `json:"conversation_id"`
		}
		if err := unmarshalFrame(data, &f); err != nil {
			return nil, err
		}
		if f.UserID == 0 {
			return nil, errors.Wrap(ErrMissingField, "user_id")
		}
		return Typing{
			UserID:         int64(f.UserID),
			Username:       f.Username,
			ConversationID: int64(f.ConversationID),
			Started:        started,
		}, nil
	}
}

func decodeOnlineUsers(data []byte) (Event, error) {
	var f struct {
		Users *[]ID `json:"users"`
	}
	if err := unmarshalFrame(data, &f); err != nil {
		return nil, err
	}
	if f.Users == nil {
		return nil, errors.Wrap(ErrMissingField, "users")
	}
	ids := make([]int64, 0, len(*f.Users))
	for _, id := range *f.Users {
		if id != 0 {
			ids = append(ids, int64(id))
		}
	}
	return OnlineUsers{UserIDs: ids}, nil
}

// EncodeTyping builds the outbound typing frame for the conversation channel.
func EncodeTyping(conversationID int64, typing bool) ([]byte, error) {
	t := outTypingStopped
	if typing {
		t = outTypingStarted
	}
	b, err := json.Marshal(struct {
		Type           EventType `json:"type"`
		ConversationID int64     `json:"conversation_id"`
	}{Type: t, ConversationID: conversationID})
	if err != nil {
		return nil, errors.Wrap(err, "encode typing frame")
	}
	return b, nil
}
