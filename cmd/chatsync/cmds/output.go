package cmds

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/types"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

func conversationRow(c chat.Conversation, selfID int64, online func(int64) bool) types.Row {
	peer, _ := c.Peer(selfID)
	var last, lastAt any
	if c.LastMessage != nil {
		last = messagePreview(*c.LastMessage)
		lastAt = c.LastMessage.Timestamp
	}
	return types.NewRow(
		types.MRP("id", c.ID),
		types.MRP("peer_id", peer.ID),
		types.MRP("peer", peer.Name()),
		types.MRP("online", online != nil && online(peer.ID)),
		types.MRP("unread", c.UnreadCount),
		types.MRP("last_message", last),
		types.MRP("last_message_at", lastAt),
		types.MRP("activity", c.ActivityTime()),
	)
}

func messageRow(m chat.Message) types.Row {
	var replyTo any
	if m.ReplyTo != nil {
		replyTo = m.ReplyTo.ID
	}
	var image any
	if m.ImageURL != nil {
		image = *m.ImageURL
	}
	return types.NewRow(
		types.MRP("id", m.ID),
		types.MRP("conversation_id", m.ConversationID),
		types.MRP("sender_id", m.Sender.ID),
		types.MRP("sender", m.Sender.Name()),
		types.MRP("content", messagePreview(m)),
		types.MRP("image_url", image),
		types.MRP("reply_to", replyTo),
		types.MRP("edited", m.Edited),
		types.MRP("timestamp", m.Timestamp),
	)
}

func userRow(u chat.User, online bool) types.Row {
	return types.NewRow(
		types.MRP("id", u.ID),
		types.MRP("username", u.Username),
		types.MRP("display_name", u.DisplayName),
		types.MRP("online", online),
	)
}

func conversationLine(c chat.Conversation, selfID int64, online func(int64) bool) string {
	var b strings.Builder
	peer, _ := c.Peer(selfID)
	fmt.Fprintf(&b, "%6d  %-20s", c.ID, peer.Name())
	if online != nil && online(peer.ID) {
		b.WriteString(" ●")
	} else {
		b.WriteString("  ")
	}
	if c.UnreadCount > 0 {
		fmt.Fprintf(&b, " (%d)", c.UnreadCount)
	}
	if c.LastMessage != nil {
		fmt.Fprintf(&b, "  %s", messagePreview(*c.LastMessage))
	}
	return b.String()
}

func messagePreview(m chat.Message) string {
	switch {
	case m.Deleted:
		return "[deleted]"
	case m.Content != nil:
		return *m.Content
	case m.ImageURL != nil:
		return "[image]"
	default:
		return ""
	}
}

func messageLine(m chat.Message) string {
	ts := m.Timestamp.Local().Format(time.DateTime)
	line := fmt.Sprintf("[%s] %s #%d: %s", ts, m.Sender.Name(), m.ID, messagePreview(m))
	if m.Edited {
		line += " (edited)"
	}
	if m.ReplyTo != nil {
		line += fmt.Sprintf(" ↪ #%d", m.ReplyTo.ID)
	}
	return line
}
