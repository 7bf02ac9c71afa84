// Package eventbus carries the cross-cutting signals of a session over
// watermill: the logout signal, user-facing notifications and the tap of
// applied socket events.
//
// The bus is in-memory (gochannel) by default and uses Redis Streams when
// Settings.Enabled is set.
package eventbus

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	TopicLogout        = "chatsync.auth.logout"
	TopicNotifications = "chatsync.notifications"
	TopicEvents        = "chatsync.events"
)

// Logout asks every session sharing the bus to tear down.
type Logout struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notification is a user-facing toast.
type Notification struct {
	Level          Level     `json:"level"`
	Text           string    `json:"text"`
	ConversationID int64     `json:"conversation_id,omitempty"`
	At             time.Time `json:"at"`
}

// EventRecord is one socket event after the session applied it.
type EventRecord struct {
	Channel        string          `json:"channel"`
	Type           string          `json:"type"`
	ConversationID int64           `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	At             time.Time       `json:"at"`
}

type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	closer func() error
}

// New builds a bus from the settings.
func New(s Settings) (*Bus, error) {
	logger := NewWatermillLogger(log.Logger)
	if !s.Enabled {
		gc := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
		return &Bus{pub: gc, sub: gc, closer: gc.Close}, nil
	}

	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("redis bus requires an address")
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, topic := range []string{TopicLogout, TopicNotifications, TopicEvents} {
		if err := ensureGroupAtTail(ctx, client, topic, s.Group); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redis subscriber")
	}
	log.Info().Str("component", "eventbus").Str("addr", s.Addr).Str("group", s.Group).Str("consumer", s.Consumer).Msg("using redis streams")
	return &Bus{
		pub: pub,
		sub: sub,
		closer: func() error {
			var firstErr error
			for _, c := range []func() error{sub.Close, pub.Close, client.Close} {
				if err := c(); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			return firstErr
		},
	}, nil
}

// ensureGroupAtTail creates the consumer group at the stream tail so a fresh
// consumer does not replay old logout signals.
func ensureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Debug().Str("component", "eventbus").Str("stream", stream).Str("group", group).Msg("created consumer group at tail")
	return nil
}

// NewInMemory is a shorthand for New with the zero Settings.
func NewInMemory() *Bus {
	b, _ := New(Settings{})
	return b
}

// Publish marshals v as JSON and publishes it on the topic.
func (b *Bus) Publish(topic string, v any) error {
	if b == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s payload", topic)
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	if err := b.pub.Publish(topic, msg); err != nil {
		return errors.Wrapf(err, "publish %s", topic)
	}
	return nil
}

func (b *Bus) PublishLogout(reason string) error {
	return b.Publish(TopicLogout, Logout{Reason: reason, At: time.Now()})
}

func (b *Bus) PublishNotification(n Notification) error {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	return b.Publish(TopicNotifications, n)
}

func (b *Bus) PublishEvent(r EventRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	return b.Publish(TopicEvents, r)
}

// Subscribe returns the raw watermill channel for the topic.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	ch, err := b.sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", topic)
	}
	return ch, nil
}

func (b *Bus) Close() error {
	if b == nil || b.closer == nil {
		return nil
	}
	return b.closer()
}

// Consume subscribes to the topic and calls fn with every decoded payload until
// ctx is done. Payloads that fail to decode are logged and acked.
func Consume[T any](ctx context.Context, b *Bus, topic string, fn func(T)) error {
	ch, err := b.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	go func() {
		for msg := range ch {
			var v T
			if err := json.Unmarshal(msg.Payload, &v); err != nil {
				log.Warn().Err(err).Str("component", "eventbus").Str("topic", topic).Msg("dropping undecodable message")
				msg.Ack()
				continue
			}
			fn(v)
			msg.Ack()
		}
	}()
	return nil
}
