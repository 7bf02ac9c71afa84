package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/api"
	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/eventbus"
	"github.com/go-go-golems/chatsync/pkg/supervisor"
)

var (
	alice = chat.User{ID: 1, Username: "alice"}
	bob   = chat.User{ID: 2, Username: "bob"}
	carol = chat.User{ID: 3, Username: "carol"}

	t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

// fakeAPI is an in-memory REST backend. Messages for a conversation listed in
// gates block until the gate is closed.
type fakeAPI struct {
	mu       sync.Mutex
	creds    api.Credentials
	convs    []chat.Conversation
	messages map[int64][]chat.Message
	gates    map[int64]chan struct{}
	users    []chat.User
	nextID   int64
	sendErr  error
	sendGate chan struct{}
	sent     []api.Draft
	checks   int
	deleted  []int64
	logouts  int
	onUnauth func(string)
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		messages: map[int64][]chat.Message{},
		gates:    map[int64]chan struct{}{},
		nextID:   1000,
	}
}

func (f *fakeAPI) SetUnauthorizedHook(fn func(string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onUnauth = fn
}

func (f *fakeAPI) expire() {
	f.mu.Lock()
	fn := f.onUnauth
	f.mu.Unlock()
	fn("session expired")
}

func (f *fakeAPI) Login(_ context.Context, username, _ string) (api.Credentials, error) {
	if username != alice.Username {
		return api.Credentials{}, api.ErrUnauthorized
	}
	creds := api.Credentials{Access: "token-1", Refresh: "refresh-1", User: alice}
	f.SetCredentials(creds)
	return creds, nil
}

func (f *fakeAPI) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	f.creds = api.Credentials{}
	return nil
}

func (f *fakeAPI) CheckAuth(context.Context) (chat.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return alice, nil
}

func (f *fakeAPI) Credentials() api.Credentials {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creds
}

func (f *fakeAPI) SetCredentials(creds api.Credentials) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds = creds
}

func (f *fakeAPI) ClearCredentials() { f.SetCredentials(api.Credentials{}) }

func (f *fakeAPI) AccessToken() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.creds.Access == "" {
		return "", api.ErrNoToken
	}
	return f.creds.Access, nil
}

func (f *fakeAPI) Conversations(context.Context) ([]chat.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chat.Conversation, len(f.convs))
	for i, c := range f.convs {
		out[i] = c.Clone()
	}
	return out, nil
}

func (f *fakeAPI) Messages(ctx context.Context, conversationID int64) ([]chat.Message, error) {
	f.mu.Lock()
	gate := f.gates[conversationID]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.Message(nil), f.messages[conversationID]...), nil
}

func (f *fakeAPI) gate(conversationID int64) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := make(chan struct{})
	f.gates[conversationID] = g
	return g
}

func (f *fakeAPI) newMessage(conversationID int64, d api.Draft) chat.Message {
	f.nextID++
	m := chat.Message{
		ID:             f.nextID,
		ConversationID: conversationID,
		Sender:         f.creds.User,
		Timestamp:      t0.Add(time.Duration(f.nextID) * time.Second),
	}
	if d.Content != "" {
		m.Content = chat.StringPtr(d.Content)
	}
	return m
}

// SendToConversation records the draft and, when sendGate is set, holds the
// response until the gate is closed.
func (f *fakeAPI) SendToConversation(ctx context.Context, conversationID int64, d api.Draft) (chat.Message, error) {
	f.mu.Lock()
	if f.sendErr != nil {
		f.mu.Unlock()
		return chat.Message{}, f.sendErr
	}
	f.sent = append(f.sent, d)
	m := f.newMessage(conversationID, d)
	gate := f.sendGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return chat.Message{}, ctx.Err()
		}
	}
	return m, nil
}

func (f *fakeAPI) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeAPI) SendToUser(_ context.Context, userID int64, d api.Draft) (chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return chat.Message{}, f.sendErr
	}
	f.sent = append(f.sent, d)
	return f.newMessage(500+userID, d), nil
}

func (f *fakeAPI) EditMessage(_ context.Context, messageID int64, content string) (chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, msgs := range f.messages {
		for _, m := range msgs {
			if m.ID == messageID {
				m.Content = chat.StringPtr(content)
				m.Edited = true
				return m, nil
			}
		}
	}
	return chat.Message{}, &api.StatusError{Method: "PUT", Path: "/messages/", Code: 404, Detail: "Not found."}
}

func (f *fakeAPI) DeleteMessage(_ context.Context, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeAPI) Users(context.Context) ([]chat.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.User(nil), f.users...), nil
}

// stubConn is an in-memory socket fed by the test.
type stubConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []string
}

func newStubConn() *stubConn {
	return &stubConn{frames: make(chan []byte, 32), closed: make(chan struct{})}
}

func (c *stubConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.frames:
		return websocket.TextMessage, f, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *stubConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, string(data))
	return nil
}

func (c *stubConn) WriteControl(int, []byte, time.Time) error { return nil }

func (c *stubConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *stubConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *stubConn) writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

func (c *stubConn) push(frame string) { c.frames <- []byte(frame) }

type stubDialer struct {
	mu    sync.Mutex
	conns map[string]*stubConn
}

func newStubDialer() *stubDialer {
	return &stubDialer{conns: map[string]*stubConn{}}
}

func (d *stubDialer) Dial(_ context.Context, url string) (supervisor.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	path := strings.TrimPrefix(url, "ws://chat.test")
	path = path[:strings.Index(path, "?")]
	c := newStubConn()
	d.conns[path] = c
	return c, nil
}

func (d *stubDialer) conn(path string) *stubConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[path]
}

type harness struct {
	s      *Session
	api    *fakeAPI
	dialer *stubDialer
	bus    *eventbus.Bus
	ctx    context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fa := newFakeAPI()
	dialer := newStubDialer()
	bus := eventbus.NewInMemory()
	s, err := New(fa, bus,
		WithWSBaseURL("ws://chat.test"),
		WithDialer(dialer),
		WithTypingInterval(50*time.Millisecond),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = bus.Close()
	})
	// the logout subscription is in place once the loop runs closures
	require.NoError(t, s.Do(ctx, func() {}))
	return &harness{s: s, api: fa, dialer: dialer, bus: bus, ctx: ctx}
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	_, err := h.s.Login(h.ctx, "alice", "secret")
	require.NoError(t, err)
}

// waitConn waits until the path was dialed and the channel is open.
func (h *harness) waitConn(t *testing.T, path string) *stubConn {
	t.Helper()
	var c *stubConn
	require.Eventually(t, func() bool {
		c = h.dialer.conn(path)
		return c != nil
	}, 2*time.Second, 5*time.Millisecond)
	return c
}

func (h *harness) state(t *testing.T) State {
	t.Helper()
	st, err := h.s.Snapshot(h.ctx)
	require.NoError(t, err)
	return st
}

func (h *harness) eventually(t *testing.T, cond func(State) bool) State {
	t.Helper()
	var st State
	require.Eventually(t, func() bool {
		st = h.state(t)
		return cond(st)
	}, 2*time.Second, 5*time.Millisecond)
	return st
}

func msg(id, conv int64, sender chat.User, sec int, content string) chat.Message {
	return chat.Message{
		ID:             id,
		ConversationID: conv,
		Sender:         sender,
		Content:        chat.StringPtr(content),
		Timestamp:      t0.Add(time.Duration(sec) * time.Second),
	}
}

func chatFrame(id, conv int64, sender chat.User, sec int, content string) string {
	return fmt.Sprintf(`{"type":"chat_message","message":{"id":%d,"conversation":%d,"sender":{"id":%d,"username":%q},"content":%q,"timestamp":%q}}`,
		id, conv, sender.ID, sender.Username, content, t0.Add(time.Duration(sec)*time.Second).Format(time.RFC3339))
}

func conv(id int64, peer chat.User, unread uint, last *chat.Message) chat.Conversation {
	return chat.Conversation{
		ID:           id,
		Participants: chat.SortParticipants([]chat.User{alice, peer}),
		LastMessage:  last,
		UnreadCount:  unread,
		UpdatedAt:    t0,
	}
}

func TestLoginLoadsDirectoryAndConnectsPresence(t *testing.T) {
	h := newHarness(t)
	h.api.convs = []chat.Conversation{conv(10, bob, 2, nil), conv(11, carol, 0, nil)}
	h.login(t)

	presence := h.waitConn(t, "/ws/presence/")
	presence.push(`{"type":"online_users_list","users":["2",3]}`)

	st := h.eventually(t, func(st State) bool { return len(st.Online) == 2 })
	require.Equal(t, alice, st.Self)
	require.Len(t, st.Conversations, 2)
	require.Equal(t, uint(2), st.UnreadTotal)
	require.True(t, st.IsOnline(bob.ID))

	presence.push(`{"type":"online_users_list","users":[4]}`)
	st = h.eventually(t, func(st State) bool { return st.IsOnline(4) })
	require.Equal(t, []int64{4}, st.Online)
}

func TestSelectConversationLoadsAndDedupesPushedMessages(t *testing.T) {
	h := newHarness(t)
	h.api.convs = []chat.Conversation{conv(10, bob, 3, nil)}
	h.api.messages[10] = []chat.Message{msg(1, 10, bob, 1, "hi"), msg(2, 10, alice, 2, "hello")}
	h.login(t)

	require.NoError(t, h.s.SelectConversation(h.ctx, 10))
	c := h.waitConn(t, "/ws/chat/10/")

	st := h.eventually(t, func(st State) bool { return len(st.Messages) == 2 && !st.Loading })
	require.Equal(t, uint(0), st.Conversations[0].UnreadCount)

	c.push(chatFrame(3, 10, bob, 3, "again"))
	c.push(chatFrame(3, 10, bob, 3, "again"))
	c.push(`{"type":"bogus"}`)
	c.push(chatFrame(4, 10, bob, 4, "last"))

	st = h.eventually(t, func(st State) bool { return len(st.Messages) == 4 })
	ids := []int64{}
	for _, m := range st.Messages {
		ids = append(ids, m.ID)
	}
	require.Equal(t, []int64{1, 2, 3, 4}, ids)
	require.Equal(t, "last", st.Conversations[0].LastMessage.Text())
	require.Equal(t, uint(0), st.Conversations[0].UnreadCount)
	require.Equal(t, supervisor.StateOpen, st.ConversationChannel)
}

func TestUnknownSenderCreatesOneStubAndCountsUnread(t *testing.T) {
	h := newHarness(t)
	h.api.convs = []chat.Conversation{conv(10, bob, 0, nil)}
	h.login(t)
	require.NoError(t, h.s.SelectConversation(h.ctx, 10))
	c := h.waitConn(t, "/ws/chat/10/")

	var mu sync.Mutex
	var notes []eventbus.Notification
	require.NoError(t, eventbus.Consume(h.ctx, h.bus, eventbus.TopicNotifications, func(n eventbus.Notification) {
		mu.Lock()
		notes = append(notes, n)
		mu.Unlock()
	}))

	// messages for other conversations still reach the directory
	c.push(chatFrame(20, 77, carol, 5, "hey"))
	c.push(chatFrame(21, 77, carol, 6, "you there?"))

	st := h.eventually(t, func(st State) bool {
		cv, ok := findConv(st, 77)
		return ok && cv.UnreadCount == 2
	})
	require.Len(t, st.Conversations, 2)
	require.Equal(t, int64(77), st.Conversations[0].ID)
	require.Len(t, st.Messages, 0)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notes) == 1
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Equal(t, "New message from carol", notes[0].Text)
	mu.Unlock()

	require.NoError(t, h.s.SelectConversation(h.ctx, 77))
	st = h.state(t)
	cv, _ := findConv(st, 77)
	require.Equal(t, uint(0), cv.UnreadCount)
}

func findConv(st State, id int64) (chat.Conversation, bool) {
	for _, c := range st.Conversations {
		if c.ID == id {
			return c, true
		}
	}
	return chat.Conversation{}, false
}

func TestStaleSnapshotDoesNotLeakIntoNewConversation(t *testing.T) {
	h := newHarness(t)
	h.api.convs = []chat.Conversation{conv(10, bob, 0, nil), conv(11, carol, 0, nil)}
	h.api.messages[10] = []chat.Message{msg(1, 10, bob, 1, "from x")}
	h.api.messages[11] = []chat.Message{msg(5, 11, carol, 1, "from y")}
	gate := h.api.gate(10)
	h.login(t)

	require.NoError(t, h.s.SelectConversation(h.ctx, 10))
	require.NoError(t, h.s.SelectConversation(h.ctx, 11))
	st := h.eventually(t, func(st State) bool { return len(st.Messages) == 1 })
	require.Equal(t, int64(5), st.Messages[0].ID)

	close(gate)
	time.Sleep(50 * time.Millisecond)
	st = h.state(t)
	require.Equal(t, int64(11), st.SelectedID)
	require.Len(t, st.Messages, 1)
	require.Equal(t, int64(5), st.Messages[0].ID)

	stale := h.waitConn(t, "/ws/chat/10/")
	require.Eventually(t, stale.isClosed, 2*time.Second, 5*time.Millisecond)
}

func TestPushesDuringSnapshotAreReplayed(t *testing.T) {
	h := newHarness(t)
	h.api.convs = []chat.Conversation{conv(10, bob, 0, nil)}
	h.api.messages[10] = []chat.Message{msg(1, 10, bob, 1, "one"), msg(2, 10, bob, 2, "two")}
	gate := h.api.gate(10)
	h.login(t)

	require.NoError(t, h.s.SelectConversation(h.ctx, 10))
	c := h.waitConn(t, "/ws/chat/10/")
	c.push(chatFrame(3, 10, bob, 3, "three"))
	c.push(`{"type":"message_deleted","message_id":1,"conversation_id":10}`)
	h.eventually(t, func(st State) bool { return st.Loading && len(st.Messages) == 1 })

	close(gate)
	st := h.eventually(t, func(st State) bool { return !st.Loading })
	ids := []int64{}
	for _, m := range st.Messages {
		ids = append(ids, m.ID)
	}
	require.Equal(t, []int64{2, 3}, ids)
}

func TestTypingIndicatorAndOutboundTyping(t *testing.T) {
	h := newHarness(t)
	h.api.convs = []chat.Conversation{conv(10, bob, 0, nil)}
	h.login(t)
	require.NoError(t, h.s.SelectConversation(h.ctx, 10))
	c := h.waitConn(t, "/ws/chat/10/")
	h.eventually(t, func(st State) bool { return st.ConversationChannel == supervisor.StateOpen })

	c.push(`{"type":"user_typing_started","user_id":2,"username":"bob"}`)
	c.push(`{"type":"user_typing_started","user_id":1,"username":"alice"}`)
	h.eventually(t, func(st State) bool { return st.TypingText == "bob is typing…" })

	c.push(`{"type":"user_typing_stopped","user_id":2,"username":"bob"}`)
	h.eventually(t, func(st State) bool { return st.TypingText == "" })

	require.NoError(t, h.s.Typing(h.ctx, "h"))
	require.NoError(t, h.s.Typing(h.ctx, "he"))
	require.Eventually(t, func() bool {
		w := c.writes()
		return len(w) == 2 && strings.Contains(w[1], `"typing_stopped"`)
	}, 2*time.Second, 5*time.Millisecond)
	require.JSONEq(t, `{"type":"typing_started","conversation_id":10}`, c.writes()[0])
}

func TestTypingClearedWhenConversationChannelCloses(t *testing.T) {
	h := newHarness(t)
	h.api.convs = []chat.Conversation{conv(10, bob, 0, nil)}
	h.login(t)
	require.NoError(t, h.s.SelectConversation(h.ctx, 10))
	c := h.waitConn(t, "/ws/chat/10/")

	c.push(`{"type":"user_typing_started","user_id":2,"username":"bob"}`)
	h.eventually(t, func(st State) bool { return st.TypingText == "bob is typing…" })

	require.NoError(t, c.Close())
	st := h.eventually(t, func(st State) bool {
		return st.ConversationChannel == supervisor.StateClosed && st.TypingText == ""
	})
	require.Equal(t, int64(10), st.SelectedID)
	require.Len(t, st.Conversations, 1)
}

func TestTypingClearedWhenSwitchingConversation(t *testing.T) {
	h := newHarness(t)
	h.api.convs = []chat.Conversation{conv(10, bob, 0, nil), conv(11, carol, 0, nil)}
	h.login(t)
	require.NoError(t, h.s.SelectConversation(h.ctx, 10))
	c := h.waitConn(t, "/ws/chat/10/")

	c.push(`{"type":"user_typing_started","user_id":2,"username":"bob"}`)
	h.eventually(t, func(st State) bool { return st.TypingText == "bob is typing…" })

	require.NoError(t, h.s.SelectConversation(h.ctx, 11))
	require.Empty(t, h.state(t).TypingText)

	// the entry is gone, not just hidden
	require.NoError(t, h.s.SelectConversation(h.ctx, 10))
	require.Empty(t, h.state(t).TypingText)
}

func TestAuthenticateUsesTokenUserID(t *testing.T) {
	h := newHarness(t)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": alice.ID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	access, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	u, err := h.s.Authenticate(h.ctx, api.Credentials{Access: access})
	require.NoError(t, err)
	require.Equal(t, alice.ID, u.ID)
	require.Equal(t, alice.ID, h.state(t).Self.ID)
	h.api.mu.Lock()
	require.Zero(t, h.api.checks)
	h.api.mu.Unlock()
}

func TestAuthenticateOpaqueTokenAsksServer(t *testing.T) {
	h := newHarness(t)
	u, err := h.s.Authenticate(h.ctx, api.Credentials{Access: "opaque-token"})
	require.NoError(t, err)
	require.Equal(t, alice, u)
	h.api.mu.Lock()
	require.Equal(t, 1, h.api.checks)
	h.api.mu.Unlock()

	_, err = h.s.Authenticate(h.ctx, api.Credentials{})
	require.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestSendAppliesMessageAndAttachesReply(t *testing.T) {
	h := newHarness(t)
	h.api.convs = []chat.Conversation{conv(10, bob, 0, nil)}
	h.api.messages[10] = []chat.Message{msg(1, 10, bob, 1, "question?")}
	h.login(t)
	require.NoError(t, h.s.SelectConversation(h.ctx, 10))
	h.eventually(t, func(st State) bool { return len(st.Messages) == 1 })

	require.NoError(t, h.s.SetReplyingTo(h.ctx, 1))
	sent, err := h.s.Send(h.ctx, "answer", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), h.api.sent[0].ReplyTo)

	st := h.state(t)
	require.Nil(t, st.ReplyingTo)
	require.Len(t, st.Messages, 2)
	require.Equal(t, sent.ID, st.Messages[1].ID)
	require.Equal(t, sent.ID, st.Conversations[0].LastMessage.ID)

	// the push echo is idempotent
	c := h.waitConn(t, "/ws/chat/10/")
	c.push(chatFrame(sent.ID, 10, alice, int(sent.Timestamp.Sub(t0)/time.Second), "answer"))
	time.Sleep(50 * time.Millisecond)
	require.Len(t, h.state(t).Messages, 2)
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	_, err := h.s.Send(h.ctx, "   ", nil)
	require.ErrorIs(t, err, ErrEmptyMessage)

	_, err = h.s.Send(h.ctx, "hello", nil)
	require.ErrorIs(t, err, ErrNoRecipient)
	require.Empty(t, h.api.sent)
}

func TestSendIsShownOnlyOnceAfterConfirmation(t *testing.T) {
	h := newHarness(t)
	h.api.convs = []chat.Conversation{conv(10, bob, 0, nil)}
	h.login(t)
	require.NoError(t, h.s.SelectConversation(h.ctx, 10))
	c := h.waitConn(t, "/ws/chat/10/")
	h.eventually(t, func(st State) bool { return !st.Loading })

	gate := make(chan struct{})
	h.api.mu.Lock()
	h.api.sendGate = gate
	h.api.mu.Unlock()

	type result struct {
		m   chat.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := h.s.Send(h.ctx, "hello", nil)
		done <- result{m, err}
	}()

	require.Eventually(t, func() bool { return h.api.sentCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Empty(t, h.state(t).Messages)

	// the server broadcasts before the HTTP response returns
	c.push(chatFrame(1001, 10, alice, 1001, "hello"))
	st := h.eventually(t, func(st State) bool { return len(st.Messages) == 1 })
	require.Equal(t, int64(1001), st.Messages[0].ID)

	close(gate)
	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return")
	}
	require.NoError(t, res.err)
	require.Equal(t, int64(1001), res.m.ID)

	st = h.state(t)
	require.Len(t, st.Messages, 1)
	require.Equal(t, int64(1001), st.Conversations[0].LastMessage.ID)
}

func TestFailedSendLeavesListAndShowsServerDetail(t *testing.T) {
	h := newHarness(t)
	h.api.convs = []chat.Conversation{conv(10, bob, 0, nil)}
	h.login(t)
	require.NoError(t, h.s.SelectConversation(h.ctx, 10))
	h.eventually(t, func(st State) bool { return !st.Loading })

	notes := make(chan eventbus.Notification, 4)
	require.NoError(t, eventbus.Consume(h.ctx, h.bus, eventbus.TopicNotifications, func(n eventbus.Notification) {
		notes <- n
	}))

	h.api.sendErr = &api.StatusError{Method: "POST", Path: "/messages/", Code: 403, Detail: "You cannot message this user."}
	_, err := h.s.Send(h.ctx, "lost", nil)
	require.Error(t, err)
	require.Empty(t, h.state(t).Messages)

	select {
	case n := <-notes:
		require.Equal(t, eventbus.LevelError, n.Level)
		require.Equal(t, "You cannot message this user.", n.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
	}

	h.api.sendErr = &api.StatusError{Method: "POST", Path: "/messages/", Code: 500}
	_, err = h.s.Send(h.ctx, "lost again", nil)
	require.Error(t, err)
	select {
	case n := <-notes:
		require.Equal(t, "Failed to send message", n.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
	}
}

func TestSendToPendingUserMaterializesConversation(t *testing.T) {
	h := newHarness(t)
	h.api.convs = []chat.Conversation{conv(10, bob, 0, nil)}
	h.login(t)

	require.NoError(t, h.s.SelectUser(h.ctx, carol))
	st := h.state(t)
	require.NotNil(t, st.PendingUser)
	require.Equal(t, carol.ID, st.PendingUser.ID)
	require.Zero(t, st.SelectedID)

	sent, err := h.s.Send(h.ctx, "hi carol", nil)
	require.NoError(t, err)
	require.Equal(t, int64(503), sent.ConversationID)

	st = h.eventually(t, func(st State) bool { return !st.Loading })
	require.Nil(t, st.PendingUser)
	require.Equal(t, int64(503), st.SelectedID)
	require.Len(t, st.Conversations, 2)
	require.Equal(t, int64(503), st.Conversations[0].ID)
	require.Equal(t, uint(0), st.Conversations[0].UnreadCount)
	require.Len(t, st.Messages, 1)
	h.waitConn(t, "/ws/chat/503/")

	// selecting bob again finds the existing conversation
	require.NoError(t, h.s.SelectUser(h.ctx, bob))
	require.Equal(t, int64(10), h.state(t).SelectedID)
}

func TestEditAndDeleteOwnMessages(t *testing.T) {
	h := newHarness(t)
	mine := msg(2, 10, alice, 2, "typo")
	h.api.convs = []chat.Conversation{conv(10, bob, 0, &mine)}
	h.api.messages[10] = []chat.Message{msg(1, 10, bob, 1, "hi"), mine}
	h.login(t)
	require.NoError(t, h.s.SelectConversation(h.ctx, 10))
	h.eventually(t, func(st State) bool { return len(st.Messages) == 2 })

	require.ErrorIs(t, h.s.SetEditing(h.ctx, 1), ErrNotOwnMessage)
	_, err := h.s.Edit(h.ctx, 2, "  ")
	require.ErrorIs(t, err, ErrEmptyMessage)

	require.NoError(t, h.s.SetEditing(h.ctx, 2))
	updated, err := h.s.Edit(h.ctx, 2, "fixed")
	require.NoError(t, err)
	require.True(t, updated.Edited)

	st := h.state(t)
	require.Nil(t, st.Editing)
	require.Equal(t, "fixed", st.Messages[1].Text())
	require.True(t, st.Messages[1].Edited)
	require.Equal(t, "fixed", st.Conversations[0].LastMessage.Text())

	require.NoError(t, h.s.Delete(h.ctx, 2))
	st = h.state(t)
	require.Len(t, st.Messages, 1)
	require.Equal(t, int64(1), st.Conversations[0].LastMessage.ID)
	require.Equal(t, []int64{2}, h.api.deleted)
}

func TestLogoutSignalTearsEverythingDown(t *testing.T) {
	h := newHarness(t)
	h.api.convs = []chat.Conversation{conv(10, bob, 0, nil)}
	h.api.messages[10] = []chat.Message{msg(1, 10, bob, 1, "hi")}
	h.login(t)
	require.NoError(t, h.s.SelectConversation(h.ctx, 10))
	presence := h.waitConn(t, "/ws/presence/")
	c := h.waitConn(t, "/ws/chat/10/")
	presence.push(`{"type":"online_users_list","users":[2]}`)
	c.push(`{"type":"user_typing_started","user_id":2,"username":"bob"}`)
	h.eventually(t, func(st State) bool { return len(st.Messages) == 1 && st.TypingText != "" && len(st.Online) == 1 })

	var mu sync.Mutex
	var reasons []string
	unregister := h.s.OnLogout(func(reason string) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	})
	defer unregister()
	calls := 0
	h.s.OnLogout(func(string) { calls++ })

	h.api.expire()

	st := h.eventually(t, func(st State) bool { return st.Self.ID == 0 })
	require.Empty(t, st.Conversations)
	require.Empty(t, st.Messages)
	require.Empty(t, st.Online)
	require.Empty(t, st.TypingText)
	require.Zero(t, st.SelectedID)
	require.Equal(t, supervisor.StateDisconnected, st.ConversationChannel)
	require.Equal(t, supervisor.StateDisconnected, st.PresenceChannel)
	require.True(t, presence.isClosed())
	require.True(t, c.isClosed())
	require.Empty(t, h.api.Credentials().Access)

	mu.Lock()
	require.Equal(t, []string{"session expired"}, reasons)
	mu.Unlock()
	var n int
	require.NoError(t, h.s.Do(h.ctx, func() { n = calls }))
	require.Equal(t, 1, n)
}

func TestUserLogoutPublishesSignal(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	got := make(chan string, 1)
	h.s.OnLogout(func(reason string) { got <- reason })

	require.NoError(t, h.s.Logout(h.ctx))
	select {
	case r := <-got:
		require.Equal(t, "user logout", r)
	case <-time.After(2 * time.Second):
		t.Fatal("logout observer not called")
	}
	require.Equal(t, 1, h.api.logouts)
}

func TestClearChatContextDisconnectsConversation(t *testing.T) {
	h := newHarness(t)
	h.api.convs = []chat.Conversation{conv(10, bob, 0, nil)}
	h.login(t)
	require.NoError(t, h.s.SelectConversation(h.ctx, 10))
	c := h.waitConn(t, "/ws/chat/10/")

	require.NoError(t, h.s.ClearChatContext(h.ctx))
	st := h.state(t)
	require.Zero(t, st.SelectedID)
	require.Equal(t, supervisor.StateDisconnected, st.ConversationChannel)
	require.True(t, c.isClosed())
}

func TestForegroundControlsUnreadOfOpenConversation(t *testing.T) {
	h := newHarness(t)
	h.api.convs = []chat.Conversation{conv(10, bob, 0, nil)}
	h.login(t)
	require.NoError(t, h.s.SelectConversation(h.ctx, 10))
	c := h.waitConn(t, "/ws/chat/10/")
	require.NoError(t, h.s.SetForeground(h.ctx, false))

	c.push(chatFrame(1, 10, bob, 1, "ping"))
	h.eventually(t, func(st State) bool { return st.UnreadTotal == 1 })

	require.NoError(t, h.s.SetForeground(h.ctx, true))
	require.Equal(t, uint(0), h.state(t).UnreadTotal)
}

func TestListUsersExcludesSelf(t *testing.T) {
	h := newHarness(t)
	h.api.users = []chat.User{alice, bob, carol}
	h.login(t)
	users, err := h.s.ListUsers(h.ctx)
	require.NoError(t, err)
	require.Equal(t, []chat.User{bob, carol}, users)
}

func TestDoAfterStopReturnsErrClosed(t *testing.T) {
	s, err := New(newFakeAPI(), nil, WithWSBaseURL("ws://chat.test"), WithDialer(newStubDialer()))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.NoError(t, s.Do(context.Background(), func() {}))
	cancel()
	require.NoError(t, <-done)
	require.ErrorIs(t, s.Do(context.Background(), func() {}), ErrClosed)
}
