package session

import (
	"context"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/supervisor"
)

// State is a copy of everything a view needs to render the session.
type State struct {
	Self          chat.User           `json:"self" yaml:"self"`
	Conversations []chat.Conversation `json:"conversations" yaml:"conversations"`
	UnreadTotal   uint                `json:"unread_total" yaml:"unread_total"`
	SelectedID    int64               `json:"selected_id,omitempty" yaml:"selected_id,omitempty"`
	PendingUser   *chat.User          `json:"pending_user,omitempty" yaml:"pending_user,omitempty"`
	Messages      []chat.Message      `json:"messages" yaml:"messages"`
	Loading       bool                `json:"loading" yaml:"loading"`
	TypingText    string              `json:"typing_text,omitempty" yaml:"typing_text,omitempty"`
	Online        []int64             `json:"online" yaml:"online"`
	ReplyingTo    *chat.Message       `json:"replying_to,omitempty" yaml:"replying_to,omitempty"`
	Editing       *chat.Message       `json:"editing,omitempty" yaml:"editing,omitempty"`
	Foreground    bool                `json:"foreground" yaml:"foreground"`

	ConversationChannel supervisor.State `json:"conversation_channel" yaml:"conversation_channel"`
	PresenceChannel     supervisor.State `json:"presence_channel" yaml:"presence_channel"`
}

// IsOnline reports whether the user was in the last presence snapshot.
func (st State) IsOnline(userID int64) bool {
	for _, id := range st.Online {
		if id == userID {
			return true
		}
	}
	return false
}

func (s *Session) Snapshot(ctx context.Context) (State, error) {
	var st State
	err := s.Do(ctx, func() {
		self := s.dir.Self()
		st = State{
			Self:          self,
			Conversations: s.dir.List(),
			UnreadTotal:   s.dir.UnreadTotal(),
			SelectedID:    s.dir.Selected(),
			Messages:      s.rec.Messages(),
			Loading:       s.rec.Loading(),
			TypingText:    s.tracker.DisplayText(s.rec.ConversationID(), self.ID),
			Online:        s.tracker.Online(),
			Foreground:    s.foreground,
		}
		if u, ok := s.dir.Pending(); ok {
			st.PendingUser = &u
		}
		if s.replyingTo != nil {
			r := s.replyingTo.Clone()
			st.ReplyingTo = &r
		}
		if s.editing != nil {
			e := s.editing.Clone()
			st.Editing = &e
		}
		_, st.ConversationChannel = s.sup.ConversationState()
		st.PresenceChannel = s.sup.PresenceState()
	})
	return st, err
}
