// Package supervisor owns the two push sockets of a session: the conversation
// channel bound to the open conversation, and the session-wide presence channel.
//
// Each connection attempt is a distinct *channel. Dial and read goroutines only
// touch supervisor state after checking that their channel is still the live
// one, so a superseded attempt can never clobber its replacement.
package supervisor

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/protocol"
)

var (
	ErrNoCredentials = errors.New("no usable credentials")
	ErrNoHandler     = errors.New("supervisor requires a handler")
)

const DefaultHandshakeTimeout = 10 * time.Second

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Handler receives decoded frames and unexpected closures of the live channels.
// It is called from supervisor goroutines.
type Handler interface {
	HandleConversationEvent(conversationID int64, ev protocol.Event)
	HandleConversationClosed(conversationID int64, err error)
	HandlePresenceEvent(ev protocol.Event)
	HandlePresenceClosed(err error)
}

// TokenFunc returns the current access token, or an error when there is none.
type TokenFunc func() (string, error)

type Config struct {
	// WSBaseURL is the socket origin, e.g. ws://localhost:5001.
	WSBaseURL        string
	Token            TokenFunc
	Handler          Handler
	Dialer           Dialer
	HandshakeTimeout time.Duration
}

type Supervisor struct {
	base    string
	token   TokenFunc
	handler Handler
	dialer  Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conv     *channel
	presence *channel
}

type channel struct {
	kind    protocol.Channel
	convID  int64
	attempt string
	url     string

	// guarded by Supervisor.mu
	state State
	conn  Conn

	ctx     context.Context
	cancel  context.CancelFunc
	writeMu sync.Mutex
}

func New(cfg Config) (*Supervisor, error) {
	if cfg.Handler == nil {
		return nil, ErrNoHandler
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.WSBaseURL), "/")
	if base == "" {
		return nil, errors.New("supervisor requires a websocket base url")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, errors.Wrap(err, "parse websocket base url")
	}
	d := cfg.Dialer
	if d == nil {
		timeout := cfg.HandshakeTimeout
		if timeout <= 0 {
			timeout = DefaultHandshakeTimeout
		}
		d = NewWebsocketDialer(timeout)
	}
	token := cfg.Token
	if token == nil {
		token = func() (string, error) { return "", ErrNoCredentials }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		base:    base,
		token:   token,
		handler: cfg.Handler,
		dialer:  d,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (s *Supervisor) conversationURL(conversationID int64, token string) string {
	return s.base + "/ws/chat/" + strconv.FormatInt(conversationID, 10) + "/?token=" + url.QueryEscape(token)
}

func (s *Supervisor) presenceURL(token string) string {
	return s.base + "/ws/presence/?token=" + url.QueryEscape(token)
}

func (s *Supervisor) credential() (string, error) {
	tok, err := s.token()
	if err != nil {
		return "", errors.Wrap(ErrNoCredentials, err.Error())
	}
	if strings.TrimSpace(tok) == "" {
		return "", ErrNoCredentials
	}
	return tok, nil
}

// ConnectConversation binds the conversation channel to the conversation. Any
// existing conversation channel is torn down first. It returns immediately; the
// dial runs in the background.
func (s *Supervisor) ConnectConversation(conversationID int64) error {
	if s == nil {
		return nil
	}
	if conversationID <= 0 {
		return errors.Errorf("invalid conversation id %d", conversationID)
	}
	s.mu.Lock()
	if cur := s.conv; cur != nil && cur.convID == conversationID && (cur.state == StateConnecting || cur.state == StateOpen) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	tok, err := s.credential()
	if err != nil {
		log.Warn().Err(err).Str("component", "supervisor").Int64("conv_id", conversationID).Msg("refusing conversation connect")
		return err
	}

	ch := s.newChannel(protocol.ChannelConversation, conversationID, s.conversationURL(conversationID, tok))
	s.mu.Lock()
	old := s.conv
	oldConn := detachLocked(old)
	s.conv = ch
	s.mu.Unlock()

	closeChannel(old, oldConn, "switching conversation")
	log.Info().Str("component", "supervisor").Str("channel", string(ch.kind)).Int64("conv_id", conversationID).Str("attempt", ch.attempt).Msg("connecting")
	go s.run(ch)
	return nil
}

// DisconnectConversation tears down the conversation channel, if any, and
// returns the conversation it was bound to.
func (s *Supervisor) DisconnectConversation() int64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	old := s.conv
	oldConn := detachLocked(old)
	s.conv = nil
	s.mu.Unlock()
	if old == nil {
		return 0
	}
	closeChannel(old, oldConn, "conversation deselected")
	log.Info().Str("component", "supervisor").Str("channel", string(old.kind)).Int64("conv_id", old.convID).Str("attempt", old.attempt).Msg("disconnected")
	return old.convID
}

// ConnectPresence opens the presence channel unless it is already connecting or open.
func (s *Supervisor) ConnectPresence() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if cur := s.presence; cur != nil && (cur.state == StateConnecting || cur.state == StateOpen) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	tok, err := s.credential()
	if err != nil {
		log.Warn().Err(err).Str("component", "supervisor").Msg("refusing presence connect")
		return err
	}

	ch := s.newChannel(protocol.ChannelPresence, 0, s.presenceURL(tok))
	s.mu.Lock()
	old := s.presence
	oldConn := detachLocked(old)
	s.presence = ch
	s.mu.Unlock()

	closeChannel(old, oldConn, "reconnecting presence")
	log.Info().Str("component", "supervisor").Str("channel", string(ch.kind)).Str("attempt", ch.attempt).Msg("connecting")
	go s.run(ch)
	return nil
}

func (s *Supervisor) DisconnectPresence() {
	if s == nil {
		return
	}
	s.mu.Lock()
	old := s.presence
	oldConn := detachLocked(old)
	s.presence = nil
	s.mu.Unlock()
	if old == nil {
		return
	}
	closeChannel(old, oldConn, "presence disconnected")
	log.Info().Str("component", "supervisor").Str("channel", string(old.kind)).Str("attempt", old.attempt).Msg("disconnected")
}

// SendTyping writes a typing frame. It is a no-op unless the conversation
// channel is open and bound to the conversation.
func (s *Supervisor) SendTyping(conversationID int64, isTyping bool) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	ch := s.conv
	if ch == nil || ch.state != StateOpen || ch.convID != conversationID || ch.conn == nil {
		s.mu.Unlock()
		return nil
	}
	conn := ch.conn
	s.mu.Unlock()

	frame, err := protocol.EncodeTyping(conversationID, isTyping)
	if err != nil {
		return err
	}
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		log.Warn().Err(err).Str("component", "supervisor").Int64("conv_id", conversationID).Str("attempt", ch.attempt).Msg("typing write failed")
		return errors.Wrap(err, "write typing frame")
	}
	return nil
}

// ConversationState reports the bound conversation and the channel state.
func (s *Supervisor) ConversationState() (int64, State) {
	if s == nil {
		return 0, StateDisconnected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conv == nil {
		return 0, StateDisconnected
	}
	return s.conv.convID, s.conv.state
}

func (s *Supervisor) PresenceState() State {
	if s == nil {
		return StateDisconnected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.presence == nil {
		return StateDisconnected
	}
	return s.presence.state
}

// Close tears down both channels. The supervisor can not be reused.
func (s *Supervisor) Close() {
	if s == nil {
		return
	}
	s.DisconnectConversation()
	s.DisconnectPresence()
	s.cancel()
}

func (s *Supervisor) newChannel(kind protocol.Channel, convID int64, u string) *channel {
	ctx, cancel := context.WithCancel(s.ctx)
	return &channel{
		kind:    kind,
		convID:  convID,
		attempt: uuid.NewString(),
		url:     u,
		state:   StateConnecting,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Supervisor) liveLocked(ch *channel) bool {
	if ch.kind == protocol.ChannelPresence {
		return s.presence == ch
	}
	return s.conv == ch
}

func (s *Supervisor) live(ch *channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked(ch)
}

// detachLocked marks the channel closed and hands back its socket so the caller
// can close it outside the lock.
func detachLocked(ch *channel) Conn {
	if ch == nil {
		return nil
	}
	ch.state = StateClosed
	conn := ch.conn
	ch.conn = nil
	return conn
}

func closeChannel(ch *channel, conn Conn, reason string) {
	if ch == nil {
		return
	}
	ch.cancel()
	if conn == nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), time.Now().Add(time.Second))
	if err := conn.Close(); err != nil {
		log.Debug().Err(err).Str("component", "supervisor").Str("attempt", ch.attempt).Msg("close failed")
	}
}

func (s *Supervisor) run(ch *channel) {
	defer ch.cancel()

	conn, err := s.dialer.Dial(ch.ctx, ch.url)

	s.mu.Lock()
	live := s.liveLocked(ch)
	if err != nil {
		if live {
			ch.state = StateClosed
		}
		s.mu.Unlock()
		if live {
			log.Warn().Err(err).Str("component", "supervisor").Str("channel", string(ch.kind)).Int64("conv_id", ch.convID).Str("attempt", ch.attempt).Msg("dial failed")
			s.reportClosed(ch, err)
		}
		return
	}
	if !live {
		s.mu.Unlock()
		log.Debug().Str("component", "supervisor").Str("channel", string(ch.kind)).Int64("conv_id", ch.convID).Str("attempt", ch.attempt).Msg("superseded attempt finished dialing, closing")
		_ = conn.Close()
		return
	}
	ch.conn = conn
	ch.state = StateOpen
	s.mu.Unlock()

	log.Info().Str("component", "supervisor").Str("channel", string(ch.kind)).Int64("conv_id", ch.convID).Str("attempt", ch.attempt).Msg("open")
	err = s.read(ch, conn)

	s.mu.Lock()
	live = s.liveLocked(ch)
	if live {
		ch.state = StateClosed
		ch.conn = nil
	}
	s.mu.Unlock()
	if !live {
		return
	}
	_ = conn.Close()
	log.Warn().Err(err).Str("component", "supervisor").Str("channel", string(ch.kind)).Int64("conv_id", ch.convID).Str("attempt", ch.attempt).Msg("channel closed")
	s.reportClosed(ch, err)
}

func (s *Supervisor) read(ch *channel, conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, err := protocol.Decode(ch.kind, data)
		if err != nil {
			log.Warn().Err(err).Str("component", "supervisor").Str("channel", string(ch.kind)).Int64("conv_id", ch.convID).Msg("dropping frame")
			continue
		}
		if !s.live(ch) {
			return nil
		}
		log.Debug().Str("component", "supervisor").Str("channel", string(ch.kind)).Str("frame_type", string(ev.Type())).Msg("frame")
		if ch.kind == protocol.ChannelPresence {
			s.handler.HandlePresenceEvent(ev)
		} else {
			s.handler.HandleConversationEvent(ch.convID, ev)
		}
	}
}

func (s *Supervisor) reportClosed(ch *channel, err error) {
	if ch.kind == protocol.ChannelPresence {
		s.handler.HandlePresenceClosed(err)
		return
	}
	s.handler.HandleConversationClosed(ch.convID, err)
}
