package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
)

type MessagesCommand struct {
	*cmds.CommandDescription
}

type MessagesSettings struct {
	Conversation int `glazed:"conversation"`
	Limit        int `glazed:"limit"`
}

var _ cmds.GlazeCommand = &MessagesCommand{}

func NewMessagesCommand() (*MessagesCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"messages",
		cmds.WithShort("Open a conversation and list its messages"),
		cmds.WithLong("Open a conversation, which marks it read, and emit its messages oldest first."),
		cmds.WithFlags(
			fields.New(
				"conversation",
				fields.TypeInteger,
				fields.WithRequired(true),
				fields.WithHelp("Conversation to open"),
			),
			fields.New(
				"limit",
				fields.TypeInteger,
				fields.WithDefault(0),
				fields.WithHelp("Only emit the most recent messages (0 = all)"),
			),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &MessagesCommand{CommandDescription: desc}, nil
}

func (c *MessagesCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	ms := &MessagesSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, ms); err != nil {
		return err
	}
	return runSession(ctx, func(ctx context.Context, rt *runtime) error {
		if err := rt.session.SelectConversation(ctx, int64(ms.Conversation)); err != nil {
			return err
		}
		st, err := waitLoaded(ctx, rt.session)
		if err != nil {
			return err
		}
		msgs := st.Messages
		if ms.Limit > 0 && len(msgs) > ms.Limit {
			msgs = msgs[len(msgs)-ms.Limit:]
		}
		for _, m := range msgs {
			if err := gp.AddRow(ctx, messageRow(m)); err != nil {
				return err
			}
		}
		return nil
	})
}
