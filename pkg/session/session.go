// Package session composes the supervisor, reconciler, directory and tracker
// around a single event loop.
//
// All state lives on the loop goroutine started by Run. Socket frames, REST
// completions and typing timer fires are posted to it; public methods post a
// closure and wait for it with Do.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/api"
	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/directory"
	"github.com/go-go-golems/chatsync/pkg/eventbus"
	"github.com/go-go-golems/chatsync/pkg/presence"
	"github.com/go-go-golems/chatsync/pkg/reconciler"
	"github.com/go-go-golems/chatsync/pkg/supervisor"
)

var (
	ErrClosed         = errors.New("session is not running")
	ErrAlreadyRunning = errors.New("session is already running")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNoRecipient    = errors.New("no conversation or user selected")
	ErrUnknownMessage = errors.New("message is not in the open conversation")
	ErrNotOwnMessage  = errors.New("only your own messages can be edited")
	ErrNotLoggedIn    = errors.New("not logged in")
)

// API is the REST surface the session depends on. *api.Client implements it.
type API interface {
	Login(ctx context.Context, username, password string) (api.Credentials, error)
	Logout(ctx context.Context) error
	CheckAuth(ctx context.Context) (chat.User, error)
	Credentials() api.Credentials
	SetCredentials(creds api.Credentials)
	ClearCredentials()
	AccessToken() (string, error)

	Conversations(ctx context.Context) ([]chat.Conversation, error)
	Messages(ctx context.Context, conversationID int64) ([]chat.Message, error)
	SendToConversation(ctx context.Context, conversationID int64, d api.Draft) (chat.Message, error)
	SendToUser(ctx context.Context, userID int64, d api.Draft) (chat.Message, error)
	EditMessage(ctx context.Context, messageID int64, content string) (chat.Message, error)
	DeleteMessage(ctx context.Context, messageID int64) error
	Users(ctx context.Context) ([]chat.User, error)
}

type unauthorizedNotifier interface {
	SetUnauthorizedHook(fn func(reason string))
}

type settings struct {
	wsBaseURL        string
	dialer           supervisor.Dialer
	handshakeTimeout time.Duration
	typingInterval   time.Duration
	foreground       bool
	queueSize        int
}

type Option func(*settings)

func WithWSBaseURL(u string) Option {
	return func(s *settings) { s.wsBaseURL = u }
}

func WithDialer(d supervisor.Dialer) Option {
	return func(s *settings) { s.dialer = d }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *settings) { s.handshakeTimeout = d }
}

func WithTypingInterval(d time.Duration) Option {
	return func(s *settings) { s.typingInterval = d }
}

// WithForeground sets the initial visibility of the viewing surface.
func WithForeground(fg bool) Option {
	return func(s *settings) { s.foreground = fg }
}

type Session struct {
	api API
	bus *eventbus.Bus
	sup *supervisor.Supervisor

	rec     *reconciler.Reconciler
	dir     *directory.Directory
	tracker *presence.Tracker
	typing  *presence.Debouncer

	foreground bool
	// bumped on logout so late REST completions are dropped
	epoch      uint64
	replyingTo *chat.Message
	editing    *chat.Message

	queue   chan func()
	stopped chan struct{}
	runCtx  context.Context

	mu        sync.Mutex
	running   bool
	observers map[uint64]func(reason string)
	nextObs   uint64
}

// New wires a session. A nil bus gets an in-memory one.
func New(client API, bus *eventbus.Bus, opts ...Option) (*Session, error) {
	if client == nil {
		return nil, errors.New("session requires an API client")
	}
	cfg := settings{foreground: true, queueSize: 256}
	for _, o := range opts {
		o(&cfg)
	}
	if bus == nil {
		bus = eventbus.NewInMemory()
	}

	s := &Session{
		api:        client,
		bus:        bus,
		rec:        reconciler.New(),
		dir:        directory.New(),
		tracker:    presence.NewTracker(),
		foreground: cfg.foreground,
		queue:      make(chan func(), cfg.queueSize),
		stopped:    make(chan struct{}),
		runCtx:     context.Background(),
		observers:  map[uint64]func(string){},
	}
	sup, err := supervisor.New(supervisor.Config{
		WSBaseURL:        cfg.wsBaseURL,
		Token:            client.AccessToken,
		Handler:          &frameRouter{s: s},
		Dialer:           cfg.dialer,
		HandshakeTimeout: cfg.handshakeTimeout,
	})
	if err != nil {
		return nil, err
	}
	s.sup = sup
	s.typing = presence.NewDebouncer(cfg.typingInterval, func(conversationID int64, isTyping bool) {
		_ = s.sup.SendTyping(conversationID, isTyping)
	}, s.post)

	if n, ok := client.(unauthorizedNotifier); ok {
		n.SetUnauthorizedHook(func(reason string) {
			if err := s.bus.PublishLogout(reason); err != nil {
				log.Error().Err(err).Str("component", "session").Msg("failed to publish logout")
			}
		})
	}
	return s, nil
}

// Run drives the loop until ctx is done. It subscribes to the logout topic first.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	s.runCtx = ctx
	err := eventbus.Consume(ctx, s.bus, eventbus.TopicLogout, func(l eventbus.Logout) {
		s.post(func() { s.teardown(l.Reason) })
	})
	if err != nil {
		close(s.stopped)
		return errors.Wrap(err, "subscribe to logout signal")
	}

	log.Info().Str("component", "session").Msg("session loop started")
	for {
		select {
		case fn := <-s.queue:
			fn()
		case <-ctx.Done():
			s.typing.Stop()
			s.sup.Close()
			close(s.stopped)
			log.Info().Str("component", "session").Msg("session loop stopped")
			return nil
		}
	}
}

// post queues fn on the loop without waiting for it.
func (s *Session) post(fn func()) {
	select {
	case s.queue <- fn:
	case <-s.stopped:
	}
}

// Do runs fn on the loop and waits for it to finish.
func (s *Session) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case s.queue <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrClosed
	}
}

// OnLogout registers an observer called on the loop after every logout
// teardown. Observers must not call back into the session synchronously.
func (s *Session) OnLogout(fn func(reason string)) (unregister func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *Session) notifyLogout(reason string) {
	s.mu.Lock()
	fns := make([]func(string), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(reason)
	}
}

// teardown closes both channels and drops all state.
func (s *Session) teardown(reason string) {
	log.Info().Str("component", "session").Str("reason", reason).Msg("logging out")
	s.epoch++
	s.typing.Stop()
	s.sup.DisconnectConversation()
	s.sup.DisconnectPresence()
	s.rec.Close()
	s.dir.Clear()
	s.tracker.Reset()
	s.replyingTo = nil
	s.editing = nil
	s.api.ClearCredentials()
	s.notifyLogout(reason)
}

func (s *Session) notify(level eventbus.Level, conversationID int64, text string) {
	err := s.bus.PublishNotification(eventbus.Notification{Level: level, Text: text, ConversationID: conversationID})
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("failed to publish notification")
	}
}

// failureText prefers the server's detail message over the generic text.
func failureText(err error, fallback string) string {
	var se *api.StatusError
	if errors.As(err, &se) && se.Detail != "" {
		return se.Detail
	}
	return fallback
}

func (s *Session) selfID() int64 {
	return s.dir.Self().ID
}
