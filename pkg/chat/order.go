package chat

import (
	"cmp"
	"slices"
)

// CompareMessages orders messages ascending by timestamp, then by id.
func CompareMessages(a, b Message) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// SortMessages sorts in place, ascending.
func SortMessages(msgs []Message) {
	slices.SortStableFunc(msgs, CompareMessages)
}

// CompareConversations orders the directory: most recent activity first, ties by id descending.
func CompareConversations(a, b Conversation) int {
	if c := b.ActivityTime().Compare(a.ActivityTime()); c != 0 {
		return c
	}
	return cmp.Compare(b.ID, a.ID)
}

// SortConversations sorts in place, most recent first.
func SortConversations(convs []Conversation) {
	slices.SortStableFunc(convs, CompareConversations)
}

// SortParticipants sorts users by id so two-party stubs compare stably.
func SortParticipants(users []User) []User {
	out := append([]User(nil), users...)
	slices.SortFunc(out, func(a, b User) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
