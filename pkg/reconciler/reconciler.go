// Package reconciler keeps the ordered message list of the open conversation
// consistent across REST snapshots, pushed events and acknowledged sends.
package reconciler

import (
	"slices"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

// Ticket identifies one snapshot fetch. Only the latest ticket issued for the
// open conversation may be applied.
type Ticket struct {
	ConversationID int64
	Generation     uint64
}

// Reconciler is owned by the session loop and is not safe for concurrent use.
type Reconciler struct {
	convID   int64
	messages []chat.Message

	gen      uint64
	inflight bool
	loaded   bool
	// pushed mutations seen while a fetch is in flight, replayed over the snapshot
	pending []func()
}

func New() *Reconciler {
	return &Reconciler{}
}

// Open switches the reconciler to a conversation and clears the list.
// Outstanding tickets become stale.
func (r *Reconciler) Open(conversationID int64) {
	r.convID = conversationID
	r.reset()
}

// Close discards the list and the selection.
func (r *Reconciler) Close() {
	r.convID = 0
	r.reset()
}

func (r *Reconciler) reset() {
	r.messages = nil
	r.gen++
	r.inflight = false
	r.loaded = false
	r.pending = nil
}

func (r *Reconciler) ConversationID() int64 { return r.convID }

// Loading reports whether a snapshot fetch is in flight.
func (r *Reconciler) Loading() bool { return r.inflight }

// Loaded reports whether a snapshot has been applied since Open.
func (r *Reconciler) Loaded() bool { return r.loaded }

// BeginSnapshot starts a fetch for the open conversation. It returns false when
// the conversation is not open or a fetch is already in flight.
func (r *Reconciler) BeginSnapshot(conversationID int64) (Ticket, bool) {
	if conversationID == 0 || conversationID != r.convID || r.inflight {
		return Ticket{}, false
	}
	r.gen++
	r.inflight = true
	return Ticket{ConversationID: conversationID, Generation: r.gen}, true
}

func (r *Reconciler) current(t Ticket) bool {
	return r.inflight && t.ConversationID == r.convID && t.Generation == r.gen
}

// ApplySnapshot replaces the list with the fetched messages, then replays pushed
// events that arrived during the fetch. Stale tickets are ignored.
func (r *Reconciler) ApplySnapshot(t Ticket, msgs []chat.Message) bool {
	if !r.current(t) {
		return false
	}
	byID := make(map[int64]int, len(msgs))
	list := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == 0 || m.ConversationID != r.convID {
			continue
		}
		if i, ok := byID[m.ID]; ok {
			list[i] = m.Clone()
			continue
		}
		byID[m.ID] = len(list)
		list = append(list, m.Clone())
	}
	chat.SortMessages(list)
	r.messages = list
	r.finishSnapshot()
	r.loaded = true
	return true
}

// FailSnapshot ends a fetch that did not produce a list.
func (r *Reconciler) FailSnapshot(t Ticket) bool {
	if !r.current(t) {
		return false
	}
	r.finishSnapshot()
	return true
}

func (r *Reconciler) finishSnapshot() {
	r.inflight = false
	pending := r.pending
	r.pending = nil
	for _, fn := range pending {
		fn()
	}
}

func (r *Reconciler) replayLater(fn func()) {
	if r.inflight {
		r.pending = append(r.pending, fn)
	}
}

// ApplyIncoming inserts a pushed or sent message. It is idempotent by id and
// ignores messages for other conversations.
func (r *Reconciler) ApplyIncoming(m chat.Message) bool {
	if r.convID == 0 || m.ConversationID != r.convID || m.ID == 0 {
		return false
	}
	m = m.Clone()
	changed := r.insert(m)
	r.replayLater(func() { r.insert(m) })
	return changed
}

func (r *Reconciler) insert(m chat.Message) bool {
	if r.indexOf(m.ID) >= 0 {
		return false
	}
	i, _ := slices.BinarySearchFunc(r.messages, m, chat.CompareMessages)
	r.messages = slices.Insert(r.messages, i, m)
	return true
}

// ApplyEdit merges a patch into the matching message and returns the result.
// Unknown ids are ignored.
func (r *Reconciler) ApplyEdit(p chat.MessagePatch) (chat.Message, bool) {
	if r.convID == 0 || (p.ConversationID != 0 && p.ConversationID != r.convID) {
		return chat.Message{}, false
	}
	out, ok := r.edit(p)
	r.replayLater(func() { r.edit(p) })
	return out, ok
}

func (r *Reconciler) edit(p chat.MessagePatch) (chat.Message, bool) {
	i := r.indexOf(p.ID)
	if i < 0 {
		return chat.Message{}, false
	}
	if p.Apply(&r.messages[i]) {
		chat.SortMessages(r.messages)
		i = r.indexOf(p.ID)
	}
	return r.messages[i].Clone(), true
}

// ApplyDelete removes the message when the conversation is the open one.
func (r *Reconciler) ApplyDelete(messageID, conversationID int64) bool {
	if r.convID == 0 || conversationID != r.convID {
		return false
	}
	removed := r.remove(messageID)
	r.replayLater(func() { r.remove(messageID) })
	return removed
}

func (r *Reconciler) remove(id int64) bool {
	i := r.indexOf(id)
	if i < 0 {
		return false
	}
	r.messages = slices.Delete(r.messages, i, i+1)
	return true
}

// Get returns the message with the id.
func (r *Reconciler) Get(id int64) (chat.Message, bool) {
	i := r.indexOf(id)
	if i < 0 {
		return chat.Message{}, false
	}
	return r.messages[i].Clone(), true
}

// Latest returns the most recent message of the list.
func (r *Reconciler) Latest() (chat.Message, bool) {
	if len(r.messages) == 0 {
		return chat.Message{}, false
	}
	return r.messages[len(r.messages)-1].Clone(), true
}

// Messages returns a copy of the ordered list.
func (r *Reconciler) Messages() []chat.Message {
	out := make([]chat.Message, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Clone()
	}
	return out
}

func (r *Reconciler) Len() int { return len(r.messages) }

func (r *Reconciler) indexOf(id int64) int {
	if id == 0 {
		return -1
	}
	return slices.IndexFunc(r.messages, func(m chat.Message) bool { return m.ID == id })
}
