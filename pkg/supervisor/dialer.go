package supervisor

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Conn is the subset of *websocket.Conn the supervisor uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type websocketDialer struct {
	d *websocket.Dialer
}

// NewWebsocketDialer returns a gorilla based dialer with the given handshake timeout.
func NewWebsocketDialer(handshakeTimeout time.Duration) Dialer {
	return websocketDialer{d: &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: handshakeTimeout,
	}}
}

func (w websocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := w.d.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "websocket handshake failed with status %d", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "websocket dial")
	}
	return conn, nil
}
