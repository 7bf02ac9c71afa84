package cmds

import (
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/spf13/cobra"
)

// AddToRootCommand builds the glazed subcommands and adds them to root.
func AddToRootCommand(root *cobra.Command) error {
	builders := []func() (cmds.Command, error){
		func() (cmds.Command, error) { return NewLoginCommand() },
		func() (cmds.Command, error) { return NewConversationsCommand() },
		func() (cmds.Command, error) { return NewUsersCommand() },
		func() (cmds.Command, error) { return NewMessagesCommand() },
		func() (cmds.Command, error) { return NewSendCommand() },
		func() (cmds.Command, error) { return NewWatchCommand() },
	}
	for _, build := range builders {
		c, err := build()
		if err != nil {
			return err
		}
		cobraCmd, err := cli.BuildCobraCommand(c)
		if err != nil {
			return err
		}
		root.AddCommand(cobraCmd)
	}
	root.AddCommand(NewConfigCommand())
	return nil
}
