package session

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/api"
	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/eventbus"
	"github.com/go-go-golems/chatsync/pkg/reconciler"
)

// complete applies the result of a network call on the loop. It does not use
// the caller's context: once the call returned, its result must be applied.
func (s *Session) complete(fn func()) error {
	return s.Do(context.Background(), fn)
}

// Login authenticates with a username and password and starts the session.
func (s *Session) Login(ctx context.Context, username, password string) (chat.User, error) {
	creds, err := s.api.Login(ctx, username, password)
	if err != nil {
		return chat.User{}, err
	}
	if err := s.start(ctx, creds.User); err != nil {
		return chat.User{}, err
	}
	return creds.User, nil
}

// Authenticate resumes a session from stored credentials. The user comes from
// the credentials or the token's user_id claim; opaque tokens are checked with
// the server.
func (s *Session) Authenticate(ctx context.Context, creds api.Credentials) (chat.User, error) {
	if !creds.Usable(time.Now()) {
		return chat.User{}, ErrNotLoggedIn
	}
	s.api.SetCredentials(creds)
	self := creds.User
	if self.ID == 0 {
		self = chat.User{ID: creds.UserID()}
	}
	if self.ID == 0 {
		u, err := s.api.CheckAuth(ctx)
		if err != nil {
			return chat.User{}, errors.Wrap(err, "check stored credentials")
		}
		self = u
	}
	if err := s.start(ctx, self); err != nil {
		return chat.User{}, err
	}
	return self, nil
}

func (s *Session) start(ctx context.Context, self chat.User) error {
	var connErr error
	err := s.Do(ctx, func() {
		s.dir.SetSelf(self)
		connErr = s.sup.ConnectPresence()
	})
	if err != nil {
		return err
	}
	if connErr != nil {
		log.Warn().Err(connErr).Str("component", "session").Msg("presence channel not connected")
	}
	return s.RefreshConversations(ctx)
}

// Logout invalidates the session server-side and publishes the logout signal.
// Local teardown happens when the signal comes back from the bus.
func (s *Session) Logout(ctx context.Context) error {
	apiErr := s.api.Logout(ctx)
	if errors.Is(apiErr, api.ErrUnauthorized) {
		// the client already published the signal
		return nil
	}
	if err := s.bus.PublishLogout("user logout"); err != nil {
		return err
	}
	return errors.Wrap(apiErr, "server logout")
}

// RefreshConversations refetches the directory. A refresh already in flight
// makes this a no-op.
func (s *Session) RefreshConversations(ctx context.Context) error {
	var (
		started bool
		epoch   uint64
	)
	if err := s.Do(ctx, func() {
		started = s.dir.BeginRefresh()
		epoch = s.epoch
	}); err != nil {
		return err
	}
	if !started {
		return nil
	}

	convs, fetchErr := s.api.Conversations(ctx)
	err := s.complete(func() {
		if epoch != s.epoch {
			return
		}
		s.dir.EndRefresh()
		if fetchErr != nil {
			return
		}
		s.dir.Replace(convs)
		if s.foreground {
			s.dir.MarkRead(s.dir.Selected())
		}
	})
	if fetchErr != nil {
		return errors.Wrap(fetchErr, "refresh conversations")
	}
	return err
}

// SelectConversation opens a conversation: it resets its unread count, loads
// its messages and connects its channel.
func (s *Session) SelectConversation(ctx context.Context, conversationID int64) error {
	if conversationID == 0 {
		return ErrNoRecipient
	}
	var selErr error
	if err := s.Do(ctx, func() { selErr = s.selectLocked(conversationID) }); err != nil {
		return err
	}
	return selErr
}

func (s *Session) selectLocked(conversationID int64) error {
	if conversationID == s.rec.ConversationID() && (s.rec.Loaded() || s.rec.Loading()) {
		s.dir.SelectConversation(conversationID)
		return s.sup.ConnectConversation(conversationID)
	}

	s.typing.Stop()
	s.tracker.ClearForConversation(s.rec.ConversationID())
	s.replyingTo = nil
	s.editing = nil

	s.dir.SelectConversation(conversationID)
	s.rec.Open(conversationID)
	if t, ok := s.rec.BeginSnapshot(conversationID); ok {
		go s.fetchSnapshot(t)
	}
	return s.sup.ConnectConversation(conversationID)
}

func (s *Session) fetchSnapshot(t reconciler.Ticket) {
	msgs, err := s.api.Messages(s.runCtx, t.ConversationID)
	s.post(func() {
		if err != nil {
			if s.rec.FailSnapshot(t) {
				log.Warn().Err(err).Str("component", "session").Int64("conversation_id", t.ConversationID).Msg("failed to load messages")
				s.notify(eventbus.LevelError, t.ConversationID, failureText(err, "Could not load messages"))
			}
			return
		}
		if !s.rec.ApplySnapshot(t, msgs) {
			log.Debug().Str("component", "session").Int64("conversation_id", t.ConversationID).Msg("discarding stale message snapshot")
		}
	})
}

// SelectUser opens the conversation with a user, or enters pending mode when
// there is none yet. The conversation is then created by the first Send.
func (s *Session) SelectUser(ctx context.Context, u chat.User) error {
	if u.ID == 0 {
		return ErrNoRecipient
	}
	var selErr error
	err := s.Do(ctx, func() {
		if id, ok := s.dir.FindWith(u.ID); ok {
			selErr = s.selectLocked(id)
			return
		}
		s.clearChatContextLocked()
		s.dir.SelectPendingUser(u)
	})
	if err != nil {
		return err
	}
	return selErr
}

// ClearChatContext leaves the open conversation and pending mode.
func (s *Session) ClearChatContext(ctx context.Context) error {
	return s.Do(ctx, s.clearChatContextLocked)
}

func (s *Session) clearChatContextLocked() {
	s.typing.Stop()
	s.tracker.ClearForConversation(s.rec.ConversationID())
	s.sup.DisconnectConversation()
	s.rec.Close()
	s.dir.Deselect()
	s.replyingTo = nil
	s.editing = nil
}

// Reconnect reopens channels that were closed. Nothing reconnects on its own.
func (s *Session) Reconnect(ctx context.Context) error {
	var connErr error
	err := s.Do(ctx, func() {
		if s.selfID() == 0 {
			connErr = ErrNotLoggedIn
			return
		}
		if err := s.sup.ConnectPresence(); err != nil {
			connErr = err
			return
		}
		if id := s.rec.ConversationID(); id != 0 {
			connErr = s.sup.ConnectConversation(id)
		}
	})
	if err != nil {
		return err
	}
	return connErr
}

type sendTarget struct {
	conversationID int64
	user           chat.User
	epoch          uint64
}

// Send posts a message to the open conversation, or to the pending user. The
// current reply draft is attached and cleared on success. Nothing is shown
// locally until the server acknowledges the message; the ack and the push echo
// go through the same id-idempotent insert.
func (s *Session) Send(ctx context.Context, content string, image *api.Image) (chat.Message, error) {
	var (
		target sendTarget
		draft  = api.Draft{Content: content, Image: image}
		preErr error
	)
	err := s.Do(ctx, func() {
		if s.replyingTo != nil {
			draft.ReplyTo = s.replyingTo.ID
		}
		if draft.Empty() {
			preErr = ErrEmptyMessage
			s.notify(eventbus.LevelError, s.rec.ConversationID(), "Message cannot be empty")
			return
		}
		target.epoch = s.epoch
		if id := s.rec.ConversationID(); id != 0 {
			target.conversationID = id
		} else if u, ok := s.dir.Pending(); ok {
			target.user = u
		} else {
			preErr = ErrNoRecipient
			return
		}
		s.typing.Stop()
	})
	if err != nil {
		return chat.Message{}, err
	}
	if preErr != nil {
		return chat.Message{}, preErr
	}

	var sent chat.Message
	var sendErr error
	if target.conversationID != 0 {
		sent, sendErr = s.api.SendToConversation(ctx, target.conversationID, draft)
	} else {
		sent, sendErr = s.api.SendToUser(ctx, target.user.ID, draft)
	}

	err = s.complete(func() {
		if target.epoch != s.epoch {
			return
		}
		if sendErr != nil {
			s.notify(eventbus.LevelError, target.conversationID, failureText(sendErr, "Failed to send message"))
			return
		}
		s.replyingTo = nil
		if target.conversationID != 0 {
			s.rec.ApplyIncoming(sent)
			s.dir.UpsertFromMessage(sent, true, s.dir.Selected(), s.foreground)
			return
		}
		s.materializeLocked(target.user, sent)
	})
	if sendErr != nil {
		return chat.Message{}, errors.Wrap(sendErr, "send message")
	}
	if err != nil {
		return chat.Message{}, err
	}
	return sent, nil
}

// materializeLocked turns pending mode into a real conversation after the
// first message to a user was accepted.
func (s *Session) materializeLocked(u chat.User, sent chat.Message) {
	pending, ok := s.dir.Pending()
	if !ok || pending.ID != u.ID {
		// the user moved on; pick the new conversation up from the server
		go func() { _ = s.RefreshConversations(s.runCtx) }()
		return
	}
	s.dir.UpsertFromMessage(sent, true, 0, s.foreground)
	if err := s.selectLocked(sent.ConversationID); err != nil {
		log.Warn().Err(err).Str("component", "session").Int64("conversation_id", sent.ConversationID).Msg("cannot connect new conversation")
	}
	s.rec.ApplyIncoming(sent)
}

// Edit replaces the content of one of the user's own messages.
func (s *Session) Edit(ctx context.Context, messageID int64, content string) (chat.Message, error) {
	content = strings.TrimSpace(content)
	var (
		epoch  uint64
		preErr error
	)
	err := s.Do(ctx, func() {
		if content == "" {
			preErr = ErrEmptyMessage
			s.notify(eventbus.LevelError, s.rec.ConversationID(), "Message cannot be empty")
			return
		}
		preErr = s.checkOwnLocked(messageID)
		epoch = s.epoch
	})
	if err != nil {
		return chat.Message{}, err
	}
	if preErr != nil {
		return chat.Message{}, preErr
	}

	updated, editErr := s.api.EditMessage(ctx, messageID, content)
	err = s.complete(func() {
		if epoch != s.epoch {
			return
		}
		if editErr != nil {
			s.notify(eventbus.LevelError, 0, failureText(editErr, "Failed to edit message"))
			return
		}
		s.applyEditLocked(chat.PatchFrom(updated))
		s.editing = nil
		s.notify(eventbus.LevelSuccess, updated.ConversationID, "Message updated")
	})
	if editErr != nil {
		return chat.Message{}, errors.Wrap(editErr, "edit message")
	}
	if err != nil {
		return chat.Message{}, err
	}
	return updated, nil
}

// Delete removes one of the user's own messages.
func (s *Session) Delete(ctx context.Context, messageID int64) error {
	var (
		epoch  uint64
		convID int64
		preErr error
	)
	err := s.Do(ctx, func() {
		preErr = s.checkOwnLocked(messageID)
		epoch = s.epoch
		convID = s.rec.ConversationID()
	})
	if err != nil {
		return err
	}
	if preErr != nil {
		return preErr
	}

	delErr := s.api.DeleteMessage(ctx, messageID)
	err = s.complete(func() {
		if epoch != s.epoch {
			return
		}
		if delErr != nil {
			s.notify(eventbus.LevelError, convID, failureText(delErr, "Failed to delete message"))
			return
		}
		s.applyDeleteLocked(messageID, convID)
		s.notify(eventbus.LevelSuccess, convID, "Message deleted")
	})
	if delErr != nil {
		return errors.Wrap(delErr, "delete message")
	}
	return err
}

func (s *Session) checkOwnLocked(messageID int64) error {
	m, ok := s.rec.Get(messageID)
	if !ok {
		return errors.Wrapf(ErrUnknownMessage, "message %d", messageID)
	}
	if m.SenderID() != s.selfID() {
		return errors.Wrapf(ErrNotOwnMessage, "message %d", messageID)
	}
	return nil
}

// SetReplyingTo attaches a message of the open conversation to the draft. Zero
// clears it. Replying ends editing.
func (s *Session) SetReplyingTo(ctx context.Context, messageID int64) error {
	var preErr error
	err := s.Do(ctx, func() {
		if messageID == 0 {
			s.replyingTo = nil
			return
		}
		m, ok := s.rec.Get(messageID)
		if !ok {
			preErr = errors.Wrapf(ErrUnknownMessage, "message %d", messageID)
			return
		}
		s.replyingTo = &m
		s.editing = nil
	})
	if err != nil {
		return err
	}
	return preErr
}

// SetEditing marks one of the user's own messages as being edited. Zero clears
// it. Editing ends replying.
func (s *Session) SetEditing(ctx context.Context, messageID int64) error {
	var preErr error
	err := s.Do(ctx, func() {
		if messageID == 0 {
			s.editing = nil
			return
		}
		if preErr = s.checkOwnLocked(messageID); preErr != nil {
			return
		}
		m, _ := s.rec.Get(messageID)
		s.editing = &m
		s.replyingTo = nil
	})
	if err != nil {
		return err
	}
	return preErr
}

func (s *Session) ClearDraft(ctx context.Context) error {
	return s.Do(ctx, func() {
		s.replyingTo = nil
		s.editing = nil
	})
}

// Typing reports the composer text of the open conversation.
func (s *Session) Typing(ctx context.Context, text string) error {
	return s.Do(ctx, func() {
		s.typing.Input(s.rec.ConversationID(), text)
	})
}

// SetForeground records whether the user is looking at the session. Coming
// back to the foreground marks the open conversation read.
func (s *Session) SetForeground(ctx context.Context, fg bool) error {
	return s.Do(ctx, func() {
		back := fg && !s.foreground
		s.foreground = fg
		if back {
			s.dir.MarkRead(s.dir.Selected())
		}
	})
}

// ListUsers returns the users a chat can be started with, without self.
func (s *Session) ListUsers(ctx context.Context) ([]chat.User, error) {
	users, err := s.api.Users(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list users")
	}
	var self int64
	if err := s.Do(ctx, func() { self = s.selfID() }); err != nil {
		return nil, err
	}
	out := users[:0]
	for _, u := range users {
		if u.ID != self {
			out = append(out, u)
		}
	}
	return out, nil
}
