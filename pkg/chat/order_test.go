package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSortMessages_TimestampThenID(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msgs := []Message{
		{ID: 3, Timestamp: base.Add(2 * time.Second)},
		{ID: 4, Timestamp: base},
		{ID: 2, Timestamp: base},
		{ID: 1, Timestamp: base},
	}
	SortMessages(msgs)

	require.Equal(t, int64(1), msgs[0].ID)
	require.Equal(t, int64(2), msgs[1].ID)
	require.Equal(t, int64(4), msgs[2].ID)
	require.Equal(t, int64(3), msgs[3].ID)
}

func TestSortConversations_UsesLatestOfLastMessageAndUpdatedAt(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	convs := []Conversation{
		{ID: 1, UpdatedAt: base},
		{ID: 2, UpdatedAt: base.Add(-time.Hour), LastMessage: &Message{ID: 9, Timestamp: base.Add(time.Minute)}},
		{ID: 3, UpdatedAt: base.Add(30 * time.Second)},
	}
	SortConversations(convs)

	require.Equal(t, []int64{2, 3, 1}, []int64{convs[0].ID, convs[1].ID, convs[2].ID})
}

func TestMessagePatch_Apply(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := Message{ID: 1, Content: StringPtr("hi"), ImageURL: StringPtr("/a.png"), Timestamp: base}
	edited := true

	moved := MessagePatch{ID: 1, Content: StringPtr("hello"), Edited: &edited}.Apply(&m)
	require.False(t, moved)
	require.Equal(t, "hello", m.Text())
	require.True(t, m.Edited)
	require.NotNil(t, m.ImageURL)

	later := base.Add(time.Second)
	moved = MessagePatch{ID: 1, ClearImage: true, Timestamp: &later}.Apply(&m)
	require.True(t, moved)
	require.Nil(t, m.ImageURL)
	require.Equal(t, later, m.Timestamp)
}

func TestConversationPeer(t *testing.T) {
	c := Conversation{Participants: []User{{ID: 1, Username: "me"}, {ID: 2, Username: "bob"}}}
	peer, ok := c.Peer(1)
	require.True(t, ok)
	require.Equal(t, "bob", peer.Name())

	self := Conversation{Participants: []User{{ID: 1, DisplayName: "Me"}}}
	peer, ok = self.Peer(1)
	require.True(t, ok)
	require.Equal(t, "Me", peer.Name())
}
