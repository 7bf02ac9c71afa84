package cmds

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/api"
)

type SendCommand struct {
	*cmds.CommandDescription
}

type SendSettings struct {
	Conversation int      `glazed:"conversation"`
	User         int      `glazed:"user"`
	ReplyTo      int      `glazed:"reply-to"`
	Image        string   `glazed:"image"`
	Text         []string `glazed:"text"`
}

var _ cmds.GlazeCommand = &SendCommand{}

func NewSendCommand() (*SendCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"send",
		cmds.WithShort("Send one message to a conversation or a user"),
		cmds.WithLong("Send one message and emit it once the server accepted it.\n"+
			"Without text arguments the message is read from stdin when stdin is not a terminal."),
		cmds.WithFlags(
			fields.New(
				"conversation",
				fields.TypeInteger,
				fields.WithDefault(0),
				fields.WithHelp("Conversation to send to"),
			),
			fields.New(
				"user",
				fields.TypeInteger,
				fields.WithDefault(0),
				fields.WithHelp("User to send to; the conversation is created if needed"),
			),
			fields.New(
				"reply-to",
				fields.TypeInteger,
				fields.WithDefault(0),
				fields.WithHelp("Id of the message to reply to"),
			),
			fields.New(
				"image",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Image file to attach"),
			),
		),
		cmds.WithArguments(
			fields.New(
				"text",
				fields.TypeStringList,
				fields.WithHelp("Message text"),
			),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &SendCommand{CommandDescription: desc}, nil
}

func (c *SendCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	ss := &SendSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, ss); err != nil {
		return err
	}
	if (ss.Conversation == 0) == (ss.User == 0) {
		return errors.New("exactly one of --conversation and --user is required")
	}
	if ss.ReplyTo != 0 && ss.Conversation == 0 {
		return errors.New("--reply-to needs --conversation")
	}
	content, err := readContent(ss.Text, os.Stdin)
	if err != nil {
		return err
	}

	return runSession(ctx, func(ctx context.Context, rt *runtime) error {
		sess := rt.session
		if err := selectTarget(ctx, rt, int64(ss.Conversation), int64(ss.User)); err != nil {
			return err
		}
		if _, err := waitLoaded(ctx, sess); err != nil {
			return err
		}
		if ss.ReplyTo != 0 {
			if err := sess.SetReplyingTo(ctx, int64(ss.ReplyTo)); err != nil {
				return err
			}
		}

		var image *api.Image
		if ss.Image != "" {
			f, err := os.Open(ss.Image)
			if err != nil {
				return errors.Wrap(err, "open image")
			}
			defer func() { _ = f.Close() }()
			image = &api.Image{FileName: filepath.Base(ss.Image), Reader: f}
		}
		m, err := sess.Send(ctx, content, image)
		if err != nil {
			return err
		}
		log.Info().Str("component", "cli").Int64("conversation_id", m.ConversationID).Int64("message_id", m.ID).Msg("message sent")
		return gp.AddRow(ctx, messageRow(m))
	})
}

// readContent joins the arguments, or reads the message from in when there are
// none and in is not a terminal.
func readContent(args []string, in *os.File) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if in == nil || isatty.IsTerminal(in.Fd()) || isatty.IsCygwinTerminal(in.Fd()) {
		return "", nil
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return "", errors.Wrap(err, "read message from stdin")
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}
