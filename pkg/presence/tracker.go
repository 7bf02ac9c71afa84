// Package presence tracks who is typing in which conversation and which users
// are online.
//
// Tracker and Debouncer are not safe for concurrent use; they are owned by the
// session loop.
package presence

import (
	"cmp"
	"slices"
	"strings"
)

// Typer is one user currently composing in a conversation.
type Typer struct {
	UserID int64
	Name   string
}

type Tracker struct {
	typing map[int64]map[int64]string
	online map[int64]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{
		typing: map[int64]map[int64]string{},
		online: map[int64]struct{}{},
	}
}

// SetTyping records a start or stop event and reports whether the state changed.
func (t *Tracker) SetTyping(userID int64, username string, conversationID int64, isTyping bool) bool {
	if t == nil || userID == 0 || conversationID == 0 {
		return false
	}
	users := t.typing[conversationID]
	if !isTyping {
		if _, ok := users[userID]; !ok {
			return false
		}
		delete(users, userID)
		if len(users) == 0 {
			delete(t.typing, conversationID)
		}
		return true
	}
	if users == nil {
		users = map[int64]string{}
		t.typing[conversationID] = users
	}
	if prev, ok := users[userID]; ok && prev == username {
		return false
	}
	users[userID] = username
	return true
}

// ClearForConversation forgets every typer in the conversation.
func (t *Tracker) ClearForConversation(conversationID int64) bool {
	if t == nil {
		return false
	}
	if _, ok := t.typing[conversationID]; !ok {
		return false
	}
	delete(t.typing, conversationID)
	return true
}

// Typers returns the other users typing in the conversation, ordered by user id.
func (t *Tracker) Typers(conversationID, selfID int64) []Typer {
	if t == nil {
		return nil
	}
	var out []Typer
	for id, name := range t.typing[conversationID] {
		if id == selfID {
			continue
		}
		out = append(out, Typer{UserID: id, Name: name})
	}
	slices.SortFunc(out, func(a, b Typer) int { return cmp.Compare(a.UserID, b.UserID) })
	return out
}

// DisplayText renders the typing indicator line for the conversation.
func (t *Tracker) DisplayText(conversationID, selfID int64) string {
	typers := t.Typers(conversationID, selfID)
	names := make([]string, 0, 2)
	for _, ty := range typers {
		if len(names) == 2 {
			break
		}
		name := strings.TrimSpace(ty.Name)
		if name == "" {
			name = "Someone"
		}
		names = append(names, name)
	}
	switch len(typers) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing…"
	case 2:
		return names[0] + " and " + names[1] + " are typing…"
	default:
		return names[0] + " and " + names[1] + " and others are typing…"
	}
}

// ReplacePresence swaps in a new online set. The previous set is discarded.
func (t *Tracker) ReplacePresence(userIDs []int64) {
	if t == nil {
		return
	}
	next := make(map[int64]struct{}, len(userIDs))
	for _, id := range userIDs {
		next[id] = struct{}{}
	}
	t.online = next
}

func (t *Tracker) IsOnline(userID int64) bool {
	if t == nil {
		return false
	}
	_, ok := t.online[userID]
	return ok
}

// Online returns the online user ids in ascending order.
func (t *Tracker) Online() []int64 {
	if t == nil {
		return nil
	}
	out := make([]int64, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Reset drops all typing and presence state.
func (t *Tracker) Reset() {
	if t == nil {
		return
	}
	t.typing = map[int64]map[int64]string{}
	t.online = map[int64]struct{}{}
}
