package cmds

import (
	"context"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"

	"github.com/go-go-golems/chatsync/pkg/session"
)

type UsersCommand struct {
	*cmds.CommandDescription
}

type UsersSettings struct {
	PresenceWaitMs int `glazed:"presence-wait-ms"`
}

var _ cmds.GlazeCommand = &UsersCommand{}

func NewUsersCommand() (*UsersCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"users",
		cmds.WithShort("List the users you can start a chat with"),
		cmds.WithFlags(
			fields.New(
				"presence-wait-ms",
				fields.TypeInteger,
				fields.WithDefault(500),
				fields.WithHelp("How long to wait for the first online list"),
			),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &UsersCommand{CommandDescription: desc}, nil
}

func (c *UsersCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	us := &UsersSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, us); err != nil {
		return err
	}
	return runSession(ctx, func(ctx context.Context, rt *runtime) error {
		users, err := rt.session.ListUsers(ctx)
		if err != nil {
			return err
		}
		st, err := rt.session.Snapshot(ctx)
		if wait := time.Duration(us.PresenceWaitMs) * time.Millisecond; err == nil && wait > 0 {
			st, err = waitState(ctx, rt.session, wait, func(st session.State) bool { return len(st.Online) > 0 })
		}
		if err != nil {
			return err
		}
		for _, u := range users {
			if err := gp.AddRow(ctx, userRow(u, st.IsOnline(u.ID))); err != nil {
				return err
			}
		}
		return nil
	})
}
