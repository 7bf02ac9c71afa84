package session

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/eventbus"
	"github.com/go-go-golems/chatsync/pkg/protocol"
)

// frameRouter moves supervisor callbacks onto the session loop.
type frameRouter struct {
	s *Session
}

func (r *frameRouter) HandleConversationEvent(conversationID int64, ev protocol.Event) {
	r.s.post(func() {
		r.s.applyConversationEvent(conversationID, ev)
		r.s.tap(protocol.ChannelConversation, conversationID, ev)
	})
}

func (r *frameRouter) HandleConversationClosed(conversationID int64, err error) {
	r.s.post(func() {
		log.Warn().Err(err).Str("component", "session").Int64("conversation_id", conversationID).Msg("conversation channel closed")
		r.s.tracker.ClearForConversation(conversationID)
	})
}

func (r *frameRouter) HandlePresenceEvent(ev protocol.Event) {
	r.s.post(func() {
		r.s.applyPresenceEvent(ev)
		r.s.tap(protocol.ChannelPresence, 0, ev)
	})
}

func (r *frameRouter) HandlePresenceClosed(err error) {
	r.s.post(func() {
		log.Warn().Err(err).Str("component", "session").Msg("presence channel closed")
		r.s.tracker.ReplacePresence(nil)
	})
}

func (s *Session) applyConversationEvent(channelConvID int64, ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.ChatMessage:
		s.applyIncomingLocked(e.Message)

	case protocol.MessageUpdated:
		p := e.Patch
		if p.ConversationID == 0 {
			p.ConversationID = channelConvID
		}
		s.applyEditLocked(p)

	case protocol.MessageDeleted:
		convID := e.ConversationID
		if convID == 0 {
			convID = channelConvID
		}
		s.applyDeleteLocked(e.MessageID, convID)

	case protocol.Typing:
		if e.ConversationID == 0 {
			e.ConversationID = channelConvID
		}
		if e.ConversationID != s.rec.ConversationID() || e.UserID == s.selfID() {
			return
		}
		s.tracker.SetTyping(e.UserID, e.Username, e.ConversationID, e.Started)

	default:
		log.Debug().Str("component", "session").Str("type", string(ev.Type())).Msg("ignoring event on conversation channel")
	}
}

func (s *Session) applyPresenceEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.OnlineUsers:
		s.tracker.ReplacePresence(e.UserIDs)
	default:
		log.Debug().Str("component", "session").Str("type", string(ev.Type())).Msg("ignoring event on presence channel")
	}
}

// applyIncomingLocked folds a new message into the open list and the directory.
// The "Locked" suffix marks helpers that must run on the loop.
func (s *Session) applyIncomingLocked(m chat.Message) {
	s.rec.ApplyIncoming(m)
	isSelf := m.SenderID() != 0 && m.SenderID() == s.selfID()
	res := s.dir.UpsertFromMessage(m, isSelf, s.dir.Selected(), s.foreground)
	if res.Notify != "" {
		s.notify(eventbus.LevelInfo, res.ConversationID, res.Notify)
	}
}

func (s *Session) applyEditLocked(p chat.MessagePatch) {
	if m, ok := s.rec.ApplyEdit(p); ok {
		if s.replyingTo != nil && s.replyingTo.ID == m.ID {
			s.replyingTo = &m
		}
	}
	s.dir.UpsertFromEdit(p)
}

func (s *Session) applyDeleteLocked(messageID, conversationID int64) {
	s.rec.ApplyDelete(messageID, conversationID)

	var replacement *chat.Message
	if conversationID == s.rec.ConversationID() {
		if latest, ok := s.rec.Latest(); ok {
			replacement = &latest
		}
	}
	s.dir.UpsertFromDelete(messageID, conversationID, replacement)

	if s.replyingTo != nil && s.replyingTo.ID == messageID {
		s.replyingTo = nil
	}
	if s.editing != nil && s.editing.ID == messageID {
		s.editing = nil
	}
}

// tap publishes the applied event for observers of the bus.
func (s *Session) tap(ch protocol.Channel, conversationID int64, ev protocol.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Debug().Err(err).Str("component", "session").Msg("cannot encode event for tap")
		payload = nil
	}
	err = s.bus.PublishEvent(eventbus.EventRecord{
		Channel:        string(ch),
		Type:           string(ev.Type()),
		ConversationID: conversationID,
		Payload:        payload,
	})
	if err != nil {
		log.Debug().Err(err).Str("component", "session").Msg("failed to publish event record")
	}
}
