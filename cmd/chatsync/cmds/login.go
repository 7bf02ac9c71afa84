package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
)

type LoginCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = &LoginCommand{}

func NewLoginCommand() (*LoginCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"login",
		cmds.WithShort("Log in with username and password and print the tokens"),
		cmds.WithLong("Log in with --username/--password and emit the user with its access and refresh tokens.\n"+
			"Store them as access-token/refresh-token in the config file or export them as\n"+
			"CHATSYNC_ACCESS_TOKEN/CHATSYNC_REFRESH_TOKEN to skip password login later."),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &LoginCommand{CommandDescription: desc}, nil
}

func (c *LoginCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	_ *values.Values,
	gp middlewares.Processor,
) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	if s.Username == "" {
		return errors.New("--username is required")
	}
	creds, err := newClient(s).Login(ctx, s.Username, s.Password)
	if err != nil {
		return err
	}
	row := types.NewRow(
		types.MRP("user_id", creds.User.ID),
		types.MRP("username", creds.User.Username),
		types.MRP("access_token", creds.Access),
		types.MRP("refresh_token", creds.Refresh),
	)
	return gp.AddRow(ctx, row)
}
