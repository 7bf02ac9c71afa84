package reconciler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func msg(conv, id int64, offset time.Duration, text string) chat.Message {
	return chat.Message{
		ID:             id,
		ConversationID: conv,
		Sender:         chat.User{ID: 2, Username: "bob"},
		Content:        chat.StringPtr(text),
		Timestamp:      base.Add(offset),
	}
}

func ids(msgs []chat.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestApplyIncoming_DedupByID(t *testing.T) {
	r := New()
	r.Open(7)

	require.True(t, r.ApplyIncoming(msg(7, 1, 0, "hi")))
	require.False(t, r.ApplyIncoming(msg(7, 1, 0, "hi")))
	require.Equal(t, 1, r.Len())
	require.Equal(t, "hi", r.Messages()[0].Text())
}

func TestApplyIncoming_OrdersByTimestampRegardlessOfArrival(t *testing.T) {
	r := New()
	r.Open(7)

	r.ApplyIncoming(msg(7, 3, 3*time.Second, "c"))
	r.ApplyIncoming(msg(7, 1, 1*time.Second, "a"))
	r.ApplyIncoming(msg(7, 4, 4*time.Second, "d"))
	r.ApplyIncoming(msg(7, 2, 2*time.Second, "b"))

	require.Equal(t, []int64{1, 2, 3, 4}, ids(r.Messages()))
	latest, ok := r.Latest()
	require.True(t, ok)
	require.Equal(t, int64(4), latest.ID)
}

func TestApplyIncoming_IgnoresOtherConversations(t *testing.T) {
	r := New()
	require.False(t, r.ApplyIncoming(msg(7, 1, 0, "no conversation open")))

	r.Open(7)
	require.False(t, r.ApplyIncoming(msg(8, 1, 0, "other")))
	require.Equal(t, 0, r.Len())
}

func TestSnapshot_StaleTicketIgnoredAfterSwitch(t *testing.T) {
	r := New()
	r.Open(7)
	ticketX, ok := r.BeginSnapshot(7)
	require.True(t, ok)

	r.Open(8)
	ticketY, ok := r.BeginSnapshot(8)
	require.True(t, ok)
	require.True(t, r.ApplySnapshot(ticketY, []chat.Message{msg(8, 10, 0, "y")}))

	require.False(t, r.ApplySnapshot(ticketX, []chat.Message{msg(7, 1, 0, "x")}))
	require.Equal(t, []int64{10}, ids(r.Messages()))
	require.Equal(t, int64(8), r.ConversationID())
}

func TestSnapshot_DuplicateFetchRefused(t *testing.T) {
	r := New()
	r.Open(7)

	_, ok := r.BeginSnapshot(7)
	require.True(t, ok)
	require.True(t, r.Loading())

	_, ok = r.BeginSnapshot(7)
	require.False(t, ok)

	_, ok = r.BeginSnapshot(8)
	require.False(t, ok)
}

func TestSnapshot_PushDuringFetchSurvives(t *testing.T) {
	r := New()
	r.Open(7)
	ticket, ok := r.BeginSnapshot(7)
	require.True(t, ok)

	// pushed while the fetch is outstanding; the response was built before it
	r.ApplyIncoming(msg(7, 3, 3*time.Second, "pushed"))
	r.ApplyDelete(1, 7)
	edited := "edited"
	r.ApplyEdit(chat.MessagePatch{ID: 2, ConversationID: 7, Content: &edited})

	require.True(t, r.ApplySnapshot(ticket, []chat.Message{
		msg(7, 1, 1*time.Second, "a"),
		msg(7, 2, 2*time.Second, "b"),
	}))

	got := r.Messages()
	require.Equal(t, []int64{2, 3}, ids(got))
	require.Equal(t, "edited", got[0].Text())
	require.False(t, r.Loading())
	require.True(t, r.Loaded())
}

func TestFailSnapshotAllowsRetry(t *testing.T) {
	r := New()
	r.Open(7)
	ticket, _ := r.BeginSnapshot(7)
	require.True(t, r.FailSnapshot(ticket))

	_, ok := r.BeginSnapshot(7)
	require.True(t, ok)
}

func TestApplyEdit(t *testing.T) {
	r := New()
	r.Open(7)
	r.ApplyIncoming(msg(7, 1, 1*time.Second, "a"))
	r.ApplyIncoming(msg(7, 2, 2*time.Second, "b"))

	_, ok := r.ApplyEdit(chat.MessagePatch{ID: 99, Content: chat.StringPtr("x")})
	require.False(t, ok)

	edited := true
	later := base.Add(5 * time.Second)
	out, ok := r.ApplyEdit(chat.MessagePatch{ID: 1, Content: chat.StringPtr("a2"), Edited: &edited, Timestamp: &later})
	require.True(t, ok)
	require.Equal(t, "a2", out.Text())
	require.True(t, out.Edited)
	require.Equal(t, []int64{2, 1}, ids(r.Messages()))

	_, ok = r.ApplyEdit(chat.MessagePatch{ID: 2, ConversationID: 8, Content: chat.StringPtr("x")})
	require.False(t, ok)
}

func TestApplyDelete_OnlyForOpenConversation(t *testing.T) {
	r := New()
	r.Open(7)
	r.ApplyIncoming(msg(7, 1, 0, "a"))

	require.False(t, r.ApplyDelete(1, 8))
	require.Equal(t, 1, r.Len())

	require.True(t, r.ApplyDelete(1, 7))
	require.Equal(t, 0, r.Len())
	_, ok := r.Latest()
	require.False(t, ok)
}

func TestAckAndEchoInsertOnce(t *testing.T) {
	r := New()
	r.Open(7)
	r.ApplyIncoming(msg(7, 1, 0, "a"))

	// the push echo beat the send response
	require.True(t, r.ApplyIncoming(msg(7, 5, time.Second, "sent")))
	require.False(t, r.ApplyIncoming(msg(7, 5, time.Second, "sent")))
	require.Equal(t, []int64{1, 5}, ids(r.Messages()))

	latest, ok := r.Latest()
	require.True(t, ok)
	require.Equal(t, int64(5), latest.ID)
}

func TestMessagesWithoutIDAreRejected(t *testing.T) {
	r := New()
	r.Open(7)
	draft := msg(7, 0, time.Second, "not sent")
	require.False(t, r.ApplyIncoming(draft))

	tk, ok := r.BeginSnapshot(7)
	require.True(t, ok)
	require.True(t, r.ApplySnapshot(tk, []chat.Message{draft, msg(7, 2, 0, "b")}))
	require.Equal(t, []int64{2}, ids(r.Messages()))
}

func TestOpenAndCloseClearList(t *testing.T) {
	r := New()
	r.Open(7)
	r.ApplyIncoming(msg(7, 1, 0, "a"))

	r.Open(8)
	require.Equal(t, 0, r.Len())

	r.ApplyIncoming(msg(8, 2, 0, "b"))
	r.Close()
	require.Equal(t, 0, r.Len())
	require.Equal(t, int64(0), r.ConversationID())
}
