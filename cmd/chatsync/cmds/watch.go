package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/eventbus"
	"github.com/go-go-golems/chatsync/pkg/protocol"
	"github.com/go-go-golems/chatsync/pkg/session"
)

type WatchCommand struct {
	*cmds.CommandDescription
}

type WatchSettings struct {
	Conversation int `glazed:"conversation"`
	User         int `glazed:"user"`
}

var _ cmds.WriterCommand = &WatchCommand{}

func NewWatchCommand() (*WatchCommand, error) {
	return &WatchCommand{
		CommandDescription: cmds.NewCommandDescription(
			"watch",
			cmds.WithShort("Stream conversation and presence activity until interrupted"),
			cmds.WithFlags(
				fields.New(
					"conversation",
					fields.TypeInteger,
					fields.WithDefault(0),
					fields.WithHelp("Conversation to open"),
				),
				fields.New(
					"user",
					fields.TypeInteger,
					fields.WithDefault(0),
					fields.WithHelp("User to open a chat with"),
				),
			),
		),
	}, nil
}

func (c *WatchCommand) RunIntoWriter(ctx context.Context, parsedValues *values.Values, w io.Writer) error {
	ws := &WatchSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, ws); err != nil {
		return err
	}
	if ws.Conversation != 0 && ws.User != 0 {
		return errors.New("--conversation and --user are mutually exclusive")
	}
	return runSession(ctx, func(ctx context.Context, rt *runtime) error {
		return runWatch(ctx, w, rt, ws)
	})
}

// lineWriter serializes output from the bus consumers.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) print(lines ...string) {
	if len(lines) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := io.WriteString(l.w, strings.Join(lines, "\n")+"\n"); err != nil {
		log.Warn().Err(err).Str("component", "cli").Msg("write output")
	}
}

func runWatch(ctx context.Context, w io.Writer, rt *runtime, ws *WatchSettings) error {
	out := &lineWriter{w: w}
	sess := rt.session

	err := eventbus.Consume(ctx, rt.bus, eventbus.TopicNotifications, func(n eventbus.Notification) {
		out.print(fmt.Sprintf("[%s] %s", n.Level, n.Text))
	})
	if err != nil {
		return err
	}
	err = eventbus.Consume(ctx, rt.bus, eventbus.TopicEvents, func(r eventbus.EventRecord) {
		line, err := describeEvent(ctx, sess, r)
		if err != nil {
			log.Warn().Err(err).Str("component", "cli").Str("frame_type", r.Type).Msg("describe event")
			return
		}
		if line != "" {
			out.print(line)
		}
	})
	if err != nil {
		return err
	}

	if ws.Conversation != 0 || ws.User != 0 {
		if err := selectTarget(ctx, rt, int64(ws.Conversation), int64(ws.User)); err != nil {
			return err
		}
	}
	st, err := waitLoaded(ctx, sess)
	if err != nil {
		return err
	}
	out.print(initialLines(st)...)

	<-ctx.Done()
	return ctx.Err()
}

func initialLines(st session.State) []string {
	lines := make([]string, 0, len(st.Conversations)+len(st.Messages)+1)
	for _, c := range st.Conversations {
		lines = append(lines, conversationLine(c, st.Self.ID, st.IsOnline))
	}
	if st.PendingUser != nil {
		lines = append(lines, "-- new chat with "+st.PendingUser.Name())
	}
	for _, m := range st.Messages {
		lines = append(lines, messageLine(m))
	}
	return lines
}

func describeEvent(ctx context.Context, sess *session.Session, r eventbus.EventRecord) (string, error) {
	switch protocol.EventType(r.Type) {
	case protocol.TypeChatMessage:
		var ev protocol.ChatMessage
		if err := json.Unmarshal(r.Payload, &ev); err != nil {
			return "", errors.Wrap(err, "decode chat message")
		}
		return messageLine(ev.Message), nil
	case protocol.TypeTypingStarted, protocol.TypeTypingStopped:
		st, err := sess.Snapshot(ctx)
		if err != nil {
			return "", err
		}
		if st.TypingText == "" {
			return "", nil
		}
		return "... " + st.TypingText, nil
	case protocol.TypeOnlineUsers:
		st, err := sess.Snapshot(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("online: %v", st.Online), nil
	default:
		return fmt.Sprintf("%s %s conversation=%d", r.Channel, r.Type, r.ConversationID), nil
	}
}
