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

type ConversationsCommand struct {
	*cmds.CommandDescription
}

type ConversationsSettings struct {
	UnreadOnly bool `glazed:"unread-only"`
}

var _ cmds.GlazeCommand = &ConversationsCommand{}

func NewConversationsCommand() (*ConversationsCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"conversations",
		cmds.WithShort("List conversations, most recent first"),
		cmds.WithFlags(
			fields.New(
				"unread-only",
				fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("Only list conversations with unread messages"),
			),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &ConversationsCommand{CommandDescription: desc}, nil
}

func (c *ConversationsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	cs := &ConversationsSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, cs); err != nil {
		return err
	}
	return runSession(ctx, func(ctx context.Context, rt *runtime) error {
		st, err := rt.session.Snapshot(ctx)
		if err != nil {
			return err
		}
		for _, conv := range st.Conversations {
			if cs.UnreadOnly && conv.UnreadCount == 0 {
				continue
			}
			if err := gp.AddRow(ctx, conversationRow(conv, st.Self.ID, st.IsOnline)); err != nil {
				return err
			}
		}
		return nil
	})
}
